package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists the audit chain in a Postgres table, append-only.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-open *sql.DB (driver "postgres", from
// lib/pq) as a Store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the audit_log table if it doesn't exist. The same
// table is created by migrations/0001_audit_log.up.sql, which golang-migrate
// applies at boot; this call covers the zero-migration dev path.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			sequence   BIGINT PRIMARY KEY,
			id         TEXT NOT NULL UNIQUE,
			prev_hash  TEXT NOT NULL,
			hash       TEXT NOT NULL,
			timestamp  TIMESTAMPTZ NOT NULL,
			actor      TEXT NOT NULL,
			action     TEXT NOT NULL,
			subsystem  TEXT NOT NULL,
			resource   TEXT NOT NULL,
			payload    JSONB,
			result     TEXT NOT NULL,
			signature  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_log_subsystem ON audit_log(subsystem);
		CREATE INDEX IF NOT EXISTS idx_audit_log_resource ON audit_log(resource);
		CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor);
	`)
	return err
}

func (s *PostgresStore) LastEntry(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sequence, id, prev_hash, hash, timestamp, actor, action, subsystem, resource, payload, result, signature
		FROM audit_log ORDER BY sequence DESC LIMIT 1
	`)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (sequence, id, prev_hash, hash, timestamp, actor, action, subsystem, resource, payload, result, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		e.Sequence, e.ID, e.PrevHash, e.Hash, e.Timestamp, e.Actor, e.Action, e.Subsystem, e.Resource, e.Payload, e.Result, e.Signature,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Range(ctx context.Context, fromSeq, toSeq int64) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, id, prev_hash, hash, timestamp, actor, action, subsystem, resource, payload, result, signature
		FROM audit_log WHERE sequence BETWEEN $1 AND $2 ORDER BY sequence ASC
	`, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var ts time.Time
	if err := row.Scan(&e.Sequence, &e.ID, &e.PrevHash, &e.Hash, &ts, &e.Actor, &e.Action, &e.Subsystem, &e.Resource, &e.Payload, &e.Result, &e.Signature); err != nil {
		return nil, err
	}
	e.Timestamp = ts
	return &e, nil
}
