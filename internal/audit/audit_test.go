package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grace-platform/control-plane/internal/gracecrypto"
	"github.com/grace-platform/control-plane/internal/graceerr"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	keys, err := gracecrypto.GenerateKeyPair()
	require.NoError(t, err)
	return New(NewMemoryStore(), keys, "audit-log")
}

func TestRecord_ChainsHashes(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)

	e1, err := log.Record(ctx, "governance", "apply_policy", "governance", "policy:test", "allow", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), e1.Sequence)
	require.Empty(t, e1.PrevHash)

	e2, err := log.Record(ctx, "logichub", "distribute_update", "logichub", "update:123", "success", map[string]string{"a": "b"})
	require.NoError(t, err)
	require.Equal(t, int64(2), e2.Sequence)
	require.Equal(t, e1.Hash, e2.PrevHash)
	require.NotEqual(t, e1.Hash, e2.Hash)
}

func TestVerifyIntegrity_DetectsTamper(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)

	for i := 0; i < 5; i++ {
		_, err := log.Record(ctx, "actor", "action", "subsystem", "resource", "success", nil)
		require.NoError(t, err)
	}

	require.NoError(t, log.VerifyIntegrity(ctx, 1, 5))

	entries, err := log.Range(ctx, 3, 3)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entries[0].Hash = "tampered"

	err = log.VerifyIntegrity(ctx, 1, 5)
	require.Error(t, err)
	gerr, ok := graceerr.As(err)
	require.True(t, ok)
	require.Equal(t, graceerr.KindChainIntegrityBroken, gerr.Kind)
}

func TestFilter_Matches(t *testing.T) {
	e := &Entry{Actor: "governance", Subsystem: "logichub", Resource: "update:1", Action: "distribute"}

	require.True(t, Filter{Subsystem: "logichub"}.Matches(e))
	require.False(t, Filter{Subsystem: "mesh"}.Matches(e))
	require.True(t, Filter{}.Matches(e))
}
