package handshake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grace-platform/control-plane/internal/component"
	"github.com/grace-platform/control-plane/internal/governance"
	"github.com/grace-platform/control-plane/internal/gracecrypto"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *component.Manifest) {
	t.Helper()
	keys, err := gracecrypto.GenerateKeyPair()
	require.NoError(t, err)
	manifest := component.NewManifest()
	gov := governance.New([]governance.Policy{
		{Name: "allow-all", ResourcePattern: "*", ActionPattern: "*", Decision: governance.DecisionAllow},
	})
	return New(manifest, gov, keys, nil, nil), manifest
}

func TestHandshake_QuorumCompletesAndRegisters(t *testing.T) {
	ctx := context.Background()
	coord, manifest := newTestCoordinator(t)

	h, err := coord.Submit(ctx, "new-worker", "backend", []string{"cap.a"}, []string{"quorum-1", "quorum-2"})
	require.NoError(t, err)
	require.Equal(t, StatusAnnounced, h.Status)

	h, err = coord.Ack(ctx, h.ID, "quorum-1")
	require.NoError(t, err)
	require.Equal(t, StatusAnnounced, h.Status)

	h, err = coord.Ack(ctx, h.ID, "quorum-2")
	require.NoError(t, err)
	require.Equal(t, StatusComplete, h.Status)

	_, ok := manifest.Lookup("new-worker")
	require.True(t, ok)
}

func TestHandshake_AckFromNonMemberRejected(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t)

	h, err := coord.Submit(ctx, "new-worker", "backend", nil, []string{"quorum-1"})
	require.NoError(t, err)

	_, err = coord.Ack(ctx, h.ID, "stranger")
	require.Error(t, err)
}

func TestHandshake_DuplicateAckDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t)

	h, err := coord.Submit(ctx, "new-worker", "backend", nil, []string{"quorum-1", "quorum-2"})
	require.NoError(t, err)

	_, err = coord.Ack(ctx, h.ID, "quorum-1")
	require.NoError(t, err)
	h, err = coord.Ack(ctx, h.ID, "quorum-1")
	require.NoError(t, err)

	require.Equal(t, StatusAnnounced, h.Status)
	require.Len(t, h.Acks, 1)
}
