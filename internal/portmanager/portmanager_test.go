package portmanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grace-platform/control-plane/pkg/logger"
)

func newTestManager() *Manager {
	return New(8000, 8001, nil, logger.NewDefault("test"))
}

func TestAllocate_ReusesExistingForSameOwner(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	a1, err := m.Allocate(ctx, "comp-a")
	require.NoError(t, err)

	a2, err := m.Allocate(ctx, "comp-a")
	require.NoError(t, err)
	require.Equal(t, a1.Port, a2.Port)
}

func TestAllocate_ExhaustsRange(t *testing.T) {
	m := newTestManager() // range has exactly 2 ports: 8000, 8001
	ctx := context.Background()

	_, err := m.Allocate(ctx, "a")
	require.NoError(t, err)
	_, err = m.Allocate(ctx, "b")
	require.NoError(t, err)

	_, err = m.Allocate(ctx, "c")
	require.Error(t, err)
}

func TestRelease_FreesPortForReuse(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	a, err := m.Allocate(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "a"))

	a2, err := m.Allocate(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, a.Port, a2.Port)
}
