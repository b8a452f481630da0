package memoryfusion

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresBackend is the durable, queryable memory fusion backend, used
// for records that outlive a single node or need relational lookups beyond
// a namespace/key pair.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (b *PostgresBackend) Name() string { return "postgres" }

// EnsureSchema creates the memory_records table if it doesn't exist.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS memory_records (
			namespace  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      JSONB NOT NULL,
			expires_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (namespace, key)
		);
	`)
	return err
}

func (b *PostgresBackend) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt sql.NullTime
	err := b.db.QueryRowContext(ctx, `
		SELECT value, expires_at FROM memory_records WHERE namespace = $1 AND key = $2
	`, namespace, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select memory record: %w", err)
	}
	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		_ = b.Delete(ctx, namespace, key)
		return nil, false, nil
	}
	return value, true, nil
}

func (b *PostgresBackend) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO memory_records (namespace, key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (namespace, key) DO UPDATE SET value = $3, expires_at = $4, updated_at = now()
	`, namespace, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("upsert memory record: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Delete(ctx context.Context, namespace, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM memory_records WHERE namespace = $1 AND key = $2`, namespace, key)
	if err != nil {
		return fmt.Errorf("delete memory record: %w", err)
	}
	return nil
}
