// Package audit implements the immutable, hash-chained audit log every
// governed mutation in the control plane writes to before it takes effect.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grace-platform/control-plane/internal/gracecrypto"
	"github.com/grace-platform/control-plane/internal/graceerr"
)

// Entry is one link in the hash chain.
type Entry struct {
	Sequence  int64     `json:"sequence"`
	ID        string    `json:"id"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Subsystem string    `json:"subsystem"`
	Resource  string    `json:"resource"`
	Payload   []byte    `json:"payload,omitempty"`
	Result    string    `json:"result"`
	Signature string    `json:"signature"`
}

// digestInput is the exact byte layout hashed into Entry.Hash. Field order
// matters: changing it invalidates every previously written chain.
type digestInput struct {
	Sequence  int64
	PrevHash  string
	Timestamp int64
	Actor     string
	Action    string
	Subsystem string
	Resource  string
	Payload   []byte
	Result    string
}

func computeHash(prevHash string, e *Entry) string {
	in := digestInput{
		Sequence:  e.Sequence,
		PrevHash:  prevHash,
		Timestamp: e.Timestamp.UnixNano(),
		Actor:     e.Actor,
		Action:    e.Action,
		Subsystem: e.Subsystem,
		Resource:  e.Resource,
		Payload:   e.Payload,
		Result:    e.Result,
	}
	b, _ := json.Marshal(in)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Store persists the hash chain. Implementations must preserve insertion
// order; Append is always called under Log's single-writer lock so stores
// do not need their own write serialization.
type Store interface {
	LastEntry(ctx context.Context) (*Entry, error)
	Append(ctx context.Context, e *Entry) error
	Range(ctx context.Context, fromSeq, toSeq int64) ([]*Entry, error)
}

// Filter selects entries by actor, subsystem, resource or action (see
// Matches); Range itself takes no filter.
type Filter struct {
	Actor     string
	Subsystem string
	Resource  string
	Action    string
	Since     time.Time
}

// Log is the single-writer, many-reader audit log. Every subsystem that
// needs to record a governed action holds one Log and calls Record; writes
// are serialized with a mutex so Sequence/PrevHash never race.
type Log struct {
	store  Store
	keys   *gracecrypto.KeyPair
	signer string

	mu       sync.Mutex
	lastHash string
	lastSeq  int64
	loaded   bool
}

// New builds a Log over the given Store, signing every entry with keys as
// signer identity signerID (typically "audit-log").
func New(store Store, keys *gracecrypto.KeyPair, signerID string) *Log {
	return &Log{store: store, keys: keys, signer: signerID}
}

func (l *Log) ensureLoaded(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	last, err := l.store.LastEntry(ctx)
	if err != nil {
		return graceerr.BackendUnavailable("audit-store", err)
	}
	if last != nil {
		l.lastHash = last.Hash
		l.lastSeq = last.Sequence
	}
	l.loaded = true
	return nil
}

// Record appends a new, signed, hash-chained entry and returns it.
func (l *Log) Record(ctx context.Context, actor, action, subsystem, resource, result string, payload interface{}) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	var payloadBytes []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal audit payload: %w", err)
		}
		payloadBytes = b
	}

	entry := &Entry{
		Sequence:  l.lastSeq + 1,
		ID:        uuid.NewString(),
		PrevHash:  l.lastHash,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		Subsystem: subsystem,
		Resource:  resource,
		Payload:   payloadBytes,
		Result:    result,
	}
	entry.Hash = computeHash(l.lastHash, entry)

	if l.keys != nil {
		env, err := l.keys.Sign(l.signer, entry.Hash)
		if err != nil {
			return nil, graceerr.AuditWriteError(err)
		}
		entry.Signature = env.Signature
	}

	if err := l.store.Append(ctx, entry); err != nil {
		return nil, graceerr.AuditWriteError(err)
	}

	l.lastHash = entry.Hash
	l.lastSeq = entry.Sequence
	return entry, nil
}

// VerifyIntegrity walks [fromSeq, toSeq] and recomputes each entry's hash
// against its recorded PrevHash, returning the first broken link if any.
func (l *Log) VerifyIntegrity(ctx context.Context, fromSeq, toSeq int64) error {
	entries, err := l.store.Range(ctx, fromSeq, toSeq)
	if err != nil {
		return graceerr.BackendUnavailable("audit-store", err)
	}
	prevHash := ""
	if fromSeq > 1 {
		before, err := l.store.Range(ctx, fromSeq-1, fromSeq-1)
		if err != nil {
			return graceerr.BackendUnavailable("audit-store", err)
		}
		if len(before) == 1 {
			prevHash = before[0].Hash
		}
	}
	for _, e := range entries {
		want := computeHash(prevHash, e)
		if want != e.Hash {
			return graceerr.ChainIntegrityBroken(e.Sequence)
		}
		prevHash = e.Hash
	}
	return nil
}

// Range returns entries in [fromSeq, toSeq], inclusive.
func (l *Log) Range(ctx context.Context, fromSeq, toSeq int64) ([]*Entry, error) {
	entries, err := l.store.Range(ctx, fromSeq, toSeq)
	if err != nil {
		return nil, graceerr.BackendUnavailable("audit-store", err)
	}
	return entries, nil
}

// Matches reports whether e satisfies every non-zero field of f.
func (f Filter) Matches(e *Entry) bool {
	if f.Actor != "" && f.Actor != e.Actor {
		return false
	}
	if f.Subsystem != "" && f.Subsystem != e.Subsystem {
		return false
	}
	if f.Resource != "" && f.Resource != e.Resource {
		return false
	}
	if f.Action != "" && f.Action != e.Action {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
