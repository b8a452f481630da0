package memoryfusion

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value      []byte
	expiration time.Time
}

// MemoryBackend is an in-process, TTL-expiring Backend, adapted from the
// control plane's generic process cache for single-node deployments and
// tests that don't need a separate store.
type MemoryBackend struct {
	mu              sync.RWMutex
	entries         map[string]memoryEntry
	defaultTTL      time.Duration
	cleanupInterval time.Duration
}

// NewMemoryBackend builds a MemoryBackend and starts its background
// expiry sweep.
func NewMemoryBackend(defaultTTL time.Duration) *MemoryBackend {
	if defaultTTL == 0 {
		defaultTTL = 5 * time.Minute
	}
	b := &MemoryBackend{
		entries:         make(map[string]memoryEntry),
		defaultTTL:      defaultTTL,
		cleanupInterval: 10 * time.Minute,
	}
	go b.startCleanup()
	return b
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) startCleanup() {
	ticker := time.NewTicker(b.cleanupInterval)
	defer ticker.Stop()
	for range ticker.C {
		b.cleanup()
	}
}

func (b *MemoryBackend) cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for k, e := range b.entries {
		if now.After(e.expiration) {
			delete(b.entries, k)
		}
	}
}

func namespacedKey(namespace, key string) string {
	return namespace + ":" + key
}

func (b *MemoryBackend) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[namespacedKey(namespace, key)]
	if !ok || time.Now().After(e.expiration) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (b *MemoryBackend) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = b.defaultTTL
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[namespacedKey(namespace, key)] = memoryEntry{value: value, expiration: time.Now().Add(ttl)}
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, namespace, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, namespacedKey(namespace, key))
	return nil
}
