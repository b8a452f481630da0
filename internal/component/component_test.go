package component

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegister_DuplicateNameRejected(t *testing.T) {
	m := NewManifest()
	_, err := m.Register("clarity-ui", "frontend", TrustMedium, nil)
	require.NoError(t, err)

	_, err = m.Register("clarity-ui", "frontend", TrustMedium, nil)
	require.Error(t, err)
}

func TestActivate_IsIdempotentOnceActive(t *testing.T) {
	m := NewManifest()
	_, err := m.Register("worker-1", "backend", TrustLow, nil)
	require.NoError(t, err)

	ok, err := m.Activate("worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Activate("worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	report, ok := m.StatusReport("worker-1")
	require.True(t, ok)
	require.Equal(t, StatusActive, report.Status)
}

func TestActivate_IllegalTransitionIsStateError(t *testing.T) {
	m := NewManifest()
	_, err := m.Register("worker-1", "backend", TrustLow, nil)
	require.NoError(t, err)
	_, err = m.Activate("worker-1")
	require.NoError(t, err)
	_, err = m.Deactivate("worker-1")
	require.NoError(t, err)

	_, err = m.Pause("worker-1")
	require.Error(t, err)
}

func TestPauseAndResume(t *testing.T) {
	m := NewManifest()
	_, err := m.Register("worker-1", "backend", TrustLow, nil)
	require.NoError(t, err)
	_, err = m.Activate("worker-1")
	require.NoError(t, err)

	ok, err := m.Pause("worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	report, _ := m.StatusReport("worker-1")
	require.Equal(t, StatusPaused, report.Status)

	ok, err = m.Activate("worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	report, _ = m.StatusReport("worker-1")
	require.Equal(t, StatusActive, report.Status)
}

func TestSweepHealth_MarksSilentActiveComponentsError(t *testing.T) {
	m := NewManifest()
	c, err := m.Register("worker-1", "backend", TrustLow, nil)
	require.NoError(t, err)
	_, err = m.Activate(c.Name)
	require.NoError(t, err)

	c.LastHeartbeat = time.Now().UTC().Add(-ErrorThreshold - time.Second)
	changed := m.SweepHealth()
	require.Contains(t, changed, "worker-1")

	got, _ := m.Lookup("worker-1")
	require.Equal(t, StatusError, got.Status)
}

func TestSweepHealth_IgnoresNonActiveComponents(t *testing.T) {
	m := NewManifest()
	c, err := m.Register("worker-1", "backend", TrustLow, nil)
	require.NoError(t, err)

	c.LastHeartbeat = time.Now().UTC().Add(-ErrorThreshold - time.Second)
	changed := m.SweepHealth()
	require.Empty(t, changed)

	got, _ := m.Lookup("worker-1")
	require.Equal(t, StatusCreated, got.Status)
}

func TestByDomain_FiltersComponents(t *testing.T) {
	m := NewManifest()
	_, _ = m.Register("a", "frontend", TrustLow, nil)
	_, _ = m.Register("b", "backend", TrustLow, nil)

	got := m.ByDomain("frontend")
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].Name)
}
