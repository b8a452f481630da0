package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/grace-platform/control-plane/internal/gracecrypto"
)

// TestPostgresStore_Integration exercises the real Postgres driver path
// (schema creation, append, range, chain verify) against a throwaway
// container instead of sqlmock's scripted expectations. Skipped with
// -short since it needs a Docker daemon.
func TestPostgresStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testcontainers-backed integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("grace_audit"),
		tcpostgres.WithUsername("grace"),
		tcpostgres.WithPassword("grace"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewPostgresStore(db)
	require.NoError(t, store.EnsureSchema(ctx))

	keys, err := gracecrypto.GenerateKeyPair()
	require.NoError(t, err)
	log := New(store, keys, "audit-log")

	for i := 0; i < 3; i++ {
		_, err := log.Record(ctx, "governance", "apply_policy", "governance", "policy:test", "allow", map[string]int{"i": i})
		require.NoError(t, err)
	}

	entries, err := store.Range(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	require.NoError(t, log.VerifyIntegrity(ctx, 1, 3))
}
