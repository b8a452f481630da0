package logichub

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds every LogicUpdate ever submitted, keyed by ID, plus a
// per-target-component serialization lock so two updates aimed at the same
// component can never be mid-distribution at once.
type Registry struct {
	mu       sync.RWMutex
	updates  map[string]*LogicUpdate
	byTarget map[string][]string // target component -> update IDs, oldest first

	targetLocks sync.Map // target component -> *sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		updates:  make(map[string]*LogicUpdate),
		byTarget: make(map[string][]string),
	}
}

// LockTarget returns (and creates if absent) the serialization mutex for a
// target component; callers must Unlock it when distribution completes.
func (r *Registry) LockTarget(target string) *sync.Mutex {
	v, _ := r.targetLocks.LoadOrStore(target, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Put inserts or replaces an update.
func (r *Registry) Put(u *LogicUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.updates[u.ID]; !exists {
		r.byTarget[u.TargetComponent] = append(r.byTarget[u.TargetComponent], u.ID)
	}
	r.updates[u.ID] = u
}

// Get returns an update by ID.
func (r *Registry) Get(id string) (*LogicUpdate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.updates[id]
	return u, ok
}

// ForTarget returns every update ever submitted for a target component, in
// submission order.
func (r *Registry) ForTarget(target string) []*LogicUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byTarget[target]
	out := make([]*LogicUpdate, 0, len(ids))
	for _, id := range ids {
		if u, ok := r.updates[id]; ok {
			out = append(out, u)
		}
	}
	return out
}

// LastDistributed returns the most recently distributed update for target,
// if any — the rollback target for a new critical-priority rollback
// update.
func (r *Registry) LastDistributed(target string) (*LogicUpdate, bool) {
	updates := r.ForTarget(target)
	for i := len(updates) - 1; i >= 0; i-- {
		if updates[i].Status == StatusDistributed {
			return updates[i], true
		}
	}
	return nil, false
}

// All returns every update, for inspection endpoints.
func (r *Registry) All() []*LogicUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*LogicUpdate, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u)
	}
	return out
}

// Recent returns up to limit updates, most recently created first.
func (r *Registry) Recent(limit int) []*LogicUpdate {
	all := r.All()
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

var errNotFound = fmt.Errorf("update not found")
