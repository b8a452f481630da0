package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_AppendAndLastEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()

	e := &Entry{
		Sequence:  1,
		ID:        "audit-1",
		Hash:      "hash-1",
		Timestamp: time.Now().UTC(),
		Actor:     "governance",
		Action:    "apply_policy",
		Subsystem: "governance",
		Resource:  "policy:test",
		Result:    "allow",
		Signature: "sig-1",
	}

	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(e.Sequence, e.ID, e.PrevHash, e.Hash, e.Timestamp, e.Actor, e.Action, e.Subsystem, e.Resource, e.Payload, e.Result, e.Signature).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, store.Append(ctx, e))

	rows := sqlmock.NewRows([]string{"sequence", "id", "prev_hash", "hash", "timestamp", "actor", "action", "subsystem", "resource", "payload", "result", "signature"}).
		AddRow(e.Sequence, e.ID, e.PrevHash, e.Hash, e.Timestamp, e.Actor, e.Action, e.Subsystem, e.Resource, e.Payload, e.Result, e.Signature)
	mock.ExpectQuery("SELECT sequence, id, prev_hash, hash, timestamp, actor, action, subsystem, resource, payload, result, signature\\s+FROM audit_log ORDER BY sequence DESC LIMIT 1").
		WillReturnRows(rows)

	got, err := store.LastEntry(ctx)
	require.NoError(t, err)
	require.Equal(t, e.ID, got.ID)
	require.Equal(t, e.Hash, got.Hash)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LastEntry_EmptyTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectQuery("SELECT sequence, id, prev_hash, hash, timestamp, actor, action, subsystem, resource, payload, result, signature\\s+FROM audit_log ORDER BY sequence DESC LIMIT 1").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "id", "prev_hash", "hash", "timestamp", "actor", "action", "subsystem", "resource", "payload", "result", "signature"}))

	got, err := store.LastEntry(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}
