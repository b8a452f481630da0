package logichub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grace-platform/control-plane/internal/audit"
	"github.com/grace-platform/control-plane/internal/component"
	"github.com/grace-platform/control-plane/internal/eventmesh"
	"github.com/grace-platform/control-plane/internal/governance"
	"github.com/grace-platform/control-plane/internal/gracecrypto"
)

func newTestHub(t *testing.T) (*Hub, *component.Manifest) {
	t.Helper()
	keys, err := gracecrypto.GenerateKeyPair()
	require.NoError(t, err)

	manifest := component.NewManifest()
	_, err = manifest.Register("worker-1", "backend", component.TrustMedium, nil)
	require.NoError(t, err)

	gov := governance.New([]governance.Policy{
		{Name: "allow-all", ResourcePattern: "*", ActionPattern: "*", Decision: governance.DecisionAllow},
	})
	auditLog := audit.New(audit.NewMemoryStore(), keys, "audit-log")
	bus := eventmesh.New(nil)

	hub := New(NewRegistry(), manifest, gov, keys, auditLog, bus, nil)
	return hub, manifest
}

func TestSubmit_ConfigUpdateDistributes(t *testing.T) {
	hub, _ := newTestHub(t)
	u, err := hub.Submit(context.Background(), "operator", UpdateConfig, "worker-1", PriorityNormal, map[string]interface{}{"timeout": "30s"})
	require.NoError(t, err)
	require.Equal(t, StatusDistributed, u.Status)
	require.NotEmpty(t, u.Checksum)
	require.Len(t, u.History, 8)
}

func TestSubmit_UnknownTargetFailsIngestion(t *testing.T) {
	hub, _ := newTestHub(t)
	u, err := hub.Submit(context.Background(), "operator", UpdateConfig, "nonexistent", PriorityNormal, nil)
	require.Error(t, err)
	require.Len(t, u.History, 1)
	require.False(t, u.History[0].Success)
}

func TestSubmit_ReviewDecisionParksIndefinitely(t *testing.T) {
	keys, _ := gracecrypto.GenerateKeyPair()
	manifest := component.NewManifest()
	_, _ = manifest.Register("worker-1", "backend", component.TrustMedium, nil)
	gov := governance.New([]governance.Policy{
		{Name: "review-all", ResourcePattern: "*", ActionPattern: "*", Decision: governance.DecisionReview},
	})
	auditLog := audit.New(audit.NewMemoryStore(), keys, "audit-log")
	hub := New(NewRegistry(), manifest, gov, keys, auditLog, eventmesh.New(nil), nil)

	u, err := hub.Submit(context.Background(), "operator", UpdateConfig, "worker-1", PriorityNormal, nil)
	require.NoError(t, err)
	require.Equal(t, StatusReview, u.Status)
	require.Len(t, u.History, 2) // ingestion + governance only, stages 3-8 never ran
}

func TestSubmit_CodeModuleSandboxValidation(t *testing.T) {
	hub, _ := newTestHub(t)
	passing := `function selfTest(input) { return {ok: true}; }`
	u, err := hub.Submit(context.Background(), "operator", UpdateCodeModule, "worker-1", PriorityNormal, map[string]interface{}{
		"source": passing,
	})
	require.NoError(t, err)
	require.Equal(t, StatusDistributed, u.Status)

	failing := `function selfTest(input) { return {ok: false}; }`
	u2, err := hub.Submit(context.Background(), "operator", UpdateCodeModule, "worker-1", PriorityNormal, map[string]interface{}{
		"source": failing,
	})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, u2.Status)
}

func TestRollback_SupersedesLastDistributed(t *testing.T) {
	hub, _ := newTestHub(t)
	_, err := hub.Submit(context.Background(), "operator", UpdateConfig, "worker-1", PriorityNormal, map[string]interface{}{"v": 1})
	require.NoError(t, err)

	rb, err := hub.Rollback(context.Background(), "worker-1", "instability detected")
	require.NoError(t, err)
	require.Equal(t, PriorityCritical, rb.Priority)
	require.NotEmpty(t, rb.SupersedesID)
}
