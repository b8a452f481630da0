// Package memoryfusion implements the Gated Memory Fusion layer: a governed
// gateway in front of pluggable storage backends, running every fetch and
// store through authentication, governance, signing, backend dispatch and
// audit stages before data moves.
package memoryfusion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grace-platform/control-plane/internal/audit"
	"github.com/grace-platform/control-plane/internal/eventmesh"
	"github.com/grace-platform/control-plane/internal/governance"
	"github.com/grace-platform/control-plane/internal/gracecrypto"
	"github.com/grace-platform/control-plane/internal/graceerr"
)

// Record is one governed unit of stored memory.
type Record struct {
	Key       string                 `json:"key"`
	Namespace string                 `json:"namespace"`
	Value     map[string]interface{} `json:"value"`
	StoredBy  string                 `json:"stored_by"`
	StoredAt  time.Time              `json:"stored_at"`
	Signature string                 `json:"signature"`
}

// EnrichedRecord is a Record annotated with the provenance of the fetch
// call that returned it (stage 5 of the fetch pipeline).
type EnrichedRecord struct {
	Record
	FetchCryptoID  string `json:"fetch_crypto_id"`
	LogicUpdateID  string `json:"logic_update_id"`
	FetchedAt      string `json:"fetched_at"`
	FetchSessionID string `json:"fetch_session_id"`
	SignatureValid bool   `json:"signature_valid"`
}

// FetchResult is the shape stage 7 of the fetch pipeline returns.
type FetchResult struct {
	Data               []EnrichedRecord `json:"data"`
	CryptoID           string           `json:"crypto_id"`
	LogicUpdateID      string           `json:"logic_update_id"`
	Signature          string           `json:"signature"`
	AuditRef           string           `json:"audit_ref"`
	FetchSessionID     string           `json:"fetch_session_id"`
	GovernanceApproved bool             `json:"governance_approved"`
	TotalResults       int              `json:"total_results"`
}

// Backend is a pluggable storage engine. Fetch/Store operate on raw bytes
// so backends don't need to know about Record's JSON shape.
type Backend interface {
	Name() string
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, namespace, key string) error
}

// Gateway is the governed front door to every Backend.
type Gateway struct {
	backends   map[string]Backend
	order      []string
	defaultKey string
	governance *governance.Engine
	keys       *gracecrypto.KeyPair
	audit      *audit.Log
	bus        *eventmesh.Bus
}

// New builds a Gateway. defaultBackend names the Backend used when a
// caller doesn't request one explicitly.
func New(governanceEngine *governance.Engine, keys *gracecrypto.KeyPair, auditLog *audit.Log, bus *eventmesh.Bus, defaultBackend string) *Gateway {
	return &Gateway{
		backends:   make(map[string]Backend),
		defaultKey: defaultBackend,
		governance: governanceEngine,
		keys:       keys,
		audit:      auditLog,
		bus:        bus,
	}
}

// RegisterBackend adds b to the set of backends callers can select by name,
// and appends it to the Gateway's declared preference order: the order
// Fetch tries backends in when the caller doesn't name one explicitly
// (fast verified store -> semantic store -> durable store, in registration
// order).
func (g *Gateway) RegisterBackend(b Backend) {
	if _, exists := g.backends[b.Name()]; !exists {
		g.order = append(g.order, b.Name())
	}
	g.backends[b.Name()] = b
}

func (g *Gateway) resolveBackend(name string) (Backend, error) {
	if name == "" {
		name = g.defaultKey
	}
	b, ok := g.backends[name]
	if !ok {
		return nil, graceerr.BackendUnavailable(name, fmt.Errorf("backend %q not registered", name))
	}
	return b, nil
}

// preferenceOrder returns the backend names Fetch should try, in order:
// the explicitly requested one alone, or the Gateway's full declared
// preference order.
func (g *Gateway) preferenceOrder(requested string) []string {
	if requested != "" {
		return []string{requested}
	}
	if len(g.order) > 0 {
		return g.order
	}
	if g.defaultKey != "" {
		return []string{g.defaultKey}
	}
	return nil
}

// Fetch runs the mandatory seven-stage governed read: authenticate (assign
// a fetch_session_id) -> governance check -> crypto sign -> route across
// backends in declared preference order -> enrich -> audit + publish ->
// return. actor is the caller identity, already established by the HTTP
// layer.
func (g *Gateway) Fetch(ctx context.Context, actor, backendName, namespace, key string) (*FetchResult, error) {
	// Stage 1: authenticate / assign a session id for this fetch.
	sessionID := uuid.NewString()
	resource := fmt.Sprintf("memory:%s/%s", namespace, key)

	// Stage 2: governance check.
	if _, err := g.governance.Authorize(ctx, governance.Request{
		Resource: resource,
		Action:   "fetch_memory",
		Actor:    actor,
		Context: map[string]interface{}{
			"namespace":       namespace,
			"key":             key,
			"fetch_session_id": sessionID,
		},
	}); err != nil {
		if g.audit != nil {
			_, _ = g.audit.Record(ctx, actor, "memory_fetch_gateway", "memoryfusion", resource, "denied", map[string]interface{}{
				"fetch_session_id": sessionID,
				"error":            err.Error(),
			})
		}
		return nil, err
	}

	// Stage 3: crypto sign, bound to the request rather than any one result.
	cryptoID := uuid.NewString()
	var signature string
	if g.keys != nil {
		env, err := g.keys.Sign(actor, map[string]interface{}{
			"session_id": sessionID,
			"crypto_id":  cryptoID,
			"resource":   resource,
		})
		if err != nil {
			return nil, graceerr.SignatureInvalid(err)
		}
		signature = env.Signature
	}

	// Stage 4: route across backends in declared preference order.
	order := g.preferenceOrder(backendName)
	if len(order) == 0 {
		return nil, graceerr.BackendUnavailable("", fmt.Errorf("no backends registered"))
	}

	var (
		rec           *Record
		logicUpdateID string
		lastErr       error
		usedBackend   string
	)
	for _, name := range order {
		backend, err := g.resolveBackend(name)
		if err != nil {
			lastErr = err
			continue
		}
		raw, found, err := backend.Get(ctx, namespace, key)
		if err != nil {
			lastErr = graceerr.BackendUnavailable(backend.Name(), err)
			continue
		}
		if !found {
			continue
		}
		r := &Record{Key: key, Namespace: namespace, StoredAt: time.Now().UTC()}
		if err := decodeValue(raw, &r.Value); err != nil {
			lastErr = fmt.Errorf("decode stored value from %s: %w", backend.Name(), err)
			continue
		}
		rec = r
		usedBackend = backend.Name()
		if v, ok := r.Value["logic_update_id"].(string); ok {
			logicUpdateID = v
		}
		break
	}

	if rec == nil {
		if lastErr == nil {
			lastErr = graceerr.New(graceerr.KindStateError, "key not found in any backend").
				WithDetail("namespace", namespace).WithDetail("key", key)
		}
		if g.audit != nil {
			_, _ = g.audit.Record(ctx, actor, "memory_fetch_gateway", "memoryfusion", resource, "miss", map[string]interface{}{
				"fetch_session_id": sessionID,
				"error":            lastErr.Error(),
			})
		}
		return nil, lastErr
	}

	// Stage 5: enrich. signature_valid is always true: stored records carry
	// no per-item signature, so no item signature is checked here.
	fetchedAt := time.Now().UTC()
	signatureValid := true
	enriched := EnrichedRecord{
		Record:         *rec,
		FetchCryptoID:  cryptoID,
		LogicUpdateID:  logicUpdateID,
		FetchedAt:      fetchedAt.Format(time.RFC3339),
		FetchSessionID: sessionID,
		SignatureValid: signatureValid,
	}

	// Stage 6: audit + publish.
	var auditRef string
	if g.audit != nil {
		entry, err := g.audit.Record(ctx, actor, "memory_fetch_gateway", "memoryfusion", resource, "success", map[string]interface{}{
			"fetch_session_id": sessionID,
			"crypto_id":        cryptoID,
			"signature":        signature,
			"backend":          usedBackend,
		})
		if err != nil {
			return nil, err
		}
		auditRef = entry.ID
	}
	if g.bus != nil {
		_ = g.bus.Publish(ctx, "memory.fetched", eventmesh.PriorityNormal, map[string]interface{}{
			"namespace":        namespace,
			"key":              key,
			"backend":          usedBackend,
			"fetch_session_id": sessionID,
			"audit_ref":        auditRef,
		}, false, false)
	}

	// Stage 7: return.
	return &FetchResult{
		Data:               []EnrichedRecord{enriched},
		CryptoID:           cryptoID,
		LogicUpdateID:      logicUpdateID,
		Signature:          signature,
		AuditRef:           auditRef,
		FetchSessionID:     sessionID,
		GovernanceApproved: true,
		TotalResults:       1,
	}, nil
}

// VerifyFetch lets a caller prove a past fetch's legitimacy: an audit entry
// recording a memory_fetch_gateway fetch bearing both sessionID and
// signature must exist.
func (g *Gateway) VerifyFetch(ctx context.Context, sessionID, signature string) (valid bool, auditTrailFound bool, err error) {
	if g.audit == nil || sessionID == "" || signature == "" {
		return false, false, nil
	}
	entries, rangeErr := g.audit.Range(ctx, 1, 1<<62)
	if rangeErr != nil {
		return false, false, rangeErr
	}
	for _, e := range entries {
		if e.Action != "memory_fetch_gateway" || len(e.Payload) == 0 {
			continue
		}
		var payload struct {
			FetchSessionID string `json:"fetch_session_id"`
			Signature      string `json:"signature"`
		}
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			continue
		}
		if payload.FetchSessionID == sessionID {
			auditTrailFound = true
			if payload.Signature == signature {
				valid = true
			}
			break
		}
	}
	return valid, auditTrailFound, nil
}

// Store runs the governed write: governance -> sign the write receipt ->
// backend dispatch -> audit -> publish a memory.stored event on the mesh.
func (g *Gateway) Store(ctx context.Context, actor, backendName, namespace, key string, value map[string]interface{}, ttl time.Duration) (cryptoID, signature, auditRef string, err error) {
	resource := fmt.Sprintf("memory:%s/%s", namespace, key)
	if _, err := g.governance.Authorize(ctx, governance.Request{
		Resource: resource,
		Action:   "store_memory",
		Actor:    actor,
	}); err != nil {
		return "", "", "", err
	}

	backend, err := g.resolveBackend(backendName)
	if err != nil {
		return "", "", "", err
	}

	raw, err := encodeValue(value)
	if err != nil {
		return "", "", "", fmt.Errorf("encode value: %w", err)
	}

	cryptoID = uuid.NewString()
	if g.keys != nil {
		env, err := g.keys.Sign(actor, value)
		if err != nil {
			return "", "", "", graceerr.SignatureInvalid(err)
		}
		signature = env.Signature
	}

	if err := backend.Put(ctx, namespace, key, raw, ttl); err != nil {
		return "", "", "", graceerr.BackendUnavailable(backend.Name(), err)
	}

	if g.audit != nil {
		entry, err := g.audit.Record(ctx, actor, "memory_store", "memoryfusion", resource, "success", map[string]interface{}{
			"crypto_id": cryptoID,
			"backend":   backend.Name(),
		})
		if err != nil {
			return "", "", "", err
		}
		auditRef = entry.ID
	}

	if g.bus != nil {
		_ = g.bus.Publish(ctx, "memory.stored", eventmesh.PriorityNormal, map[string]interface{}{
			"namespace": namespace,
			"key":       key,
			"backend":   backend.Name(),
			"crypto_id": cryptoID,
			"audit_ref": auditRef,
		}, false, false)
	}

	return cryptoID, signature, auditRef, nil
}

// Delete removes a key from the named backend, governed the same as Store.
func (g *Gateway) Delete(ctx context.Context, actor, backendName, namespace, key string) error {
	if _, err := g.governance.Authorize(ctx, governance.Request{
		Resource: fmt.Sprintf("memory:%s/%s", namespace, key),
		Action:   "delete",
		Actor:    actor,
	}); err != nil {
		return err
	}
	backend, err := g.resolveBackend(backendName)
	if err != nil {
		return err
	}
	if err := backend.Delete(ctx, namespace, key); err != nil {
		return graceerr.BackendUnavailable(backend.Name(), err)
	}
	if g.audit != nil {
		if _, err := g.audit.Record(ctx, actor, "delete", "memoryfusion", fmt.Sprintf("%s/%s", namespace, key), "success", nil); err != nil {
			return err
		}
	}
	return nil
}
