package memoryfusion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grace-platform/control-plane/internal/audit"
	"github.com/grace-platform/control-plane/internal/governance"
	"github.com/grace-platform/control-plane/internal/gracecrypto"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	keys, err := gracecrypto.GenerateKeyPair()
	require.NoError(t, err)
	auditLog := audit.New(audit.NewMemoryStore(), keys, "audit-log")
	gov := governance.New([]governance.Policy{
		{Name: "allow-all", ResourcePattern: "*", ActionPattern: "*", Decision: governance.DecisionAllow},
	})
	gw := New(gov, keys, auditLog, nil, "memory")
	gw.RegisterBackend(NewMemoryBackend(0))
	return gw
}

func TestStoreThenFetch_RoundTrips(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)

	cryptoID, signature, auditRef, err := gw.Store(ctx, "actor-1", "", "ns", "k1", map[string]interface{}{"a": float64(1)}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, cryptoID)
	require.NotEmpty(t, signature)
	require.NotEmpty(t, auditRef)

	result, err := gw.Fetch(ctx, "actor-1", "", "ns", "k1")
	require.NoError(t, err)
	require.True(t, result.GovernanceApproved)
	require.Equal(t, 1, result.TotalResults)
	require.Len(t, result.Data, 1)
	require.Equal(t, float64(1), result.Data[0].Value["a"])
	require.True(t, result.Data[0].SignatureValid)
	require.Equal(t, result.FetchSessionID, result.Data[0].FetchSessionID)
	require.NotEmpty(t, result.CryptoID)
	require.NotEmpty(t, result.AuditRef)
}

func TestFetch_MissingKeyErrors(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)

	_, err := gw.Fetch(ctx, "actor-1", "", "ns", "missing")
	require.Error(t, err)
}

func TestFetch_TriesBackendsInPreferenceOrder(t *testing.T) {
	ctx := context.Background()
	keys, err := gracecrypto.GenerateKeyPair()
	require.NoError(t, err)
	auditLog := audit.New(audit.NewMemoryStore(), keys, "audit-log")
	gov := governance.New([]governance.Policy{
		{Name: "allow-all", ResourcePattern: "*", ActionPattern: "*", Decision: governance.DecisionAllow},
	})
	gw := New(gov, keys, auditLog, nil, "primary")
	gw.RegisterBackend(NewMemoryBackend(0))
	fallback := NewMemoryBackend(0)
	gw.backends["fallback"] = fallback
	gw.order = append(gw.order, "fallback")

	_, _, _, err = gw.Store(ctx, "actor-1", "fallback", "ns", "k1", map[string]interface{}{"a": float64(2)}, 0)
	require.NoError(t, err)

	result, err := gw.Fetch(ctx, "actor-1", "", "ns", "k1")
	require.NoError(t, err)
	require.Equal(t, float64(2), result.Data[0].Value["a"])
}

func TestVerifyFetch_RoundTrips(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)
	_, _, _, err := gw.Store(ctx, "actor-1", "", "ns", "k1", map[string]interface{}{"a": float64(1)}, 0)
	require.NoError(t, err)

	result, err := gw.Fetch(ctx, "actor-1", "", "ns", "k1")
	require.NoError(t, err)

	valid, found, err := gw.VerifyFetch(ctx, result.FetchSessionID, result.Signature)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, valid)

	_, found, err = gw.VerifyFetch(ctx, "unknown-session", "whatever")
	require.NoError(t, err)
	require.False(t, found)
}

func TestGovernance_DenyBlocksStore(t *testing.T) {
	ctx := context.Background()
	keys, _ := gracecrypto.GenerateKeyPair()
	auditLog := audit.New(audit.NewMemoryStore(), keys, "audit-log")
	gov := governance.New([]governance.Policy{
		{Name: "deny-all", ResourcePattern: "*", ActionPattern: "*", Decision: governance.DecisionDeny},
	})
	gw := New(gov, keys, auditLog, nil, "memory")
	gw.RegisterBackend(NewMemoryBackend(0))

	_, _, _, err := gw.Store(ctx, "actor-1", "", "ns", "k1", map[string]interface{}{"a": 1}, 0)
	require.Error(t, err)
}
