// Package portmanager allocates and watches the TCP ports components bind
// to. The managed range is fixed at construction (default 8000-8100); a
// background cron sweep, driven by robfig/cron the way the teacher drives
// its other periodic jobs, checks liveness and reclaims ports whose owner
// has gone silent.
package portmanager

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/grace-platform/control-plane/internal/graceerr"
	"github.com/grace-platform/control-plane/internal/metrics"
	"github.com/grace-platform/control-plane/pkg/logger"
)

// Allocation records one managed port's assignment.
type Allocation struct {
	Port        int       `json:"port"`
	Owner       string    `json:"owner"`
	AllocatedAt time.Time `json:"allocated_at"`
	LastChecked time.Time `json:"last_checked"`
	Healthy     bool      `json:"healthy"`
}

// Store persists allocations across restarts.
type Store interface {
	Save(ctx context.Context, a *Allocation) error
	Delete(ctx context.Context, port int) error
	LoadAll(ctx context.Context) ([]*Allocation, error)
}

// Pinger probes an owner's health endpoint; the default implementation
// dials the port, but an HTTP-based Pinger can be substituted via
// WithPinger for components that expose /healthz.
type Pinger interface {
	Ping(ctx context.Context, a *Allocation) bool
}

type tcpPinger struct{}

func (tcpPinger) Ping(ctx context.Context, a *Allocation) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", a.Port), 2*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Manager owns the port range [start, end] and every component's current
// allocation within it.
type Manager struct {
	mu     sync.Mutex
	start  int
	end    int
	alloc  map[int]*Allocation
	owners map[string]int
	store  Store
	pinger Pinger
	log    *logger.Logger
	cron   *cron.Cron
}

// New builds a Manager over [start, end], optionally persisting to store.
func New(start, end int, store Store, log *logger.Logger) *Manager {
	return &Manager{
		start:  start,
		end:    end,
		alloc:  make(map[int]*Allocation),
		owners: make(map[string]int),
		store:  store,
		pinger: tcpPinger{},
		log:    log,
	}
}

// WithPinger overrides the liveness prober (e.g. with an HTTP health-check
// client for components that speak /healthz).
func (m *Manager) WithPinger(p Pinger) *Manager {
	m.pinger = p
	return m
}

// Restore loads prior allocations from Store, e.g. at boot.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	allocs, err := m.store.LoadAll(ctx)
	if err != nil {
		return graceerr.BackendUnavailable("port-store", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range allocs {
		m.alloc[a.Port] = a
		m.owners[a.Owner] = a.Port
	}
	return nil
}

// Allocate assigns the lowest free port in range to owner. Returns a
// graceerr.KindNoPortAvailable error once the range is exhausted.
func (m *Manager) Allocate(ctx context.Context, owner string) (*Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.owners[owner]; ok {
		return m.alloc[existing], nil
	}

	for port := m.start; port <= m.end; port++ {
		if _, taken := m.alloc[port]; taken {
			continue
		}
		a := &Allocation{Port: port, Owner: owner, AllocatedAt: time.Now().UTC(), LastChecked: time.Now().UTC(), Healthy: true}
		m.alloc[port] = a
		m.owners[owner] = port
		if m.store != nil {
			if err := m.store.Save(ctx, a); err != nil {
				return nil, graceerr.BackendUnavailable("port-store", err)
			}
		}
		metrics.PortsAllocated.Set(float64(len(m.alloc)))
		return a, nil
	}
	return nil, graceerr.NoPortAvailable(m.start, m.end)
}

// Release frees owner's port.
func (m *Manager) Release(ctx context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	port, ok := m.owners[owner]
	if !ok {
		return fmt.Errorf("owner %q has no allocation", owner)
	}
	delete(m.owners, owner)
	delete(m.alloc, port)
	if m.store != nil {
		if err := m.store.Delete(ctx, port); err != nil {
			return graceerr.BackendUnavailable("port-store", err)
		}
	}
	metrics.PortsAllocated.Set(float64(len(m.alloc)))
	return nil
}

// Lookup returns owner's current allocation, if any.
func (m *Manager) Lookup(owner string) (*Allocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	port, ok := m.owners[owner]
	if !ok {
		return nil, false
	}
	return m.alloc[port], true
}

// Allocations returns every current port allocation.
func (m *Manager) Allocations() []*Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Allocation, 0, len(m.alloc))
	for _, a := range m.alloc {
		out = append(out, a)
	}
	return out
}

// StatusSnapshot summarizes the managed range for GET /ports/status.
type StatusSnapshot struct {
	RangeStart int `json:"range_start"`
	RangeEnd   int `json:"range_end"`
	InUse      int `json:"in_use"`
	Free       int `json:"free"`
}

// Status reports the managed range's current occupancy.
func (m *Manager) Status() StatusSnapshot {
	m.mu.Lock()
	inUse := len(m.alloc)
	m.mu.Unlock()
	total := m.end - m.start + 1
	free := total - inUse
	if free < 0 {
		free = 0
	}
	return StatusSnapshot{RangeStart: m.start, RangeEnd: m.end, InUse: inUse, Free: free}
}

// HealthCheck runs the same liveness sweep as the watchdog, on demand.
func (m *Manager) HealthCheck(ctx context.Context) {
	m.sweep(ctx)
}

// sweep checks every allocation's liveness and releases owners that are no
// longer reachable.
func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]*Allocation, 0, len(m.alloc))
	for _, a := range m.alloc {
		snapshot = append(snapshot, a)
	}
	m.mu.Unlock()

	for _, a := range snapshot {
		healthy := m.pinger.Ping(ctx, a)
		m.mu.Lock()
		cur, ok := m.alloc[a.Port]
		if ok {
			cur.LastChecked = time.Now().UTC()
			cur.Healthy = healthy
		}
		m.mu.Unlock()

		if !healthy {
			m.log.WithField("port", a.Port).WithField("owner", a.Owner).Warn("port watchdog reclaiming unresponsive allocation")
			_ = m.Release(ctx, a.Owner)
		}
	}
}

// StartWatchdog schedules the sweep on cronExpr (default "@every 30s") and
// runs until ctx is cancelled.
func (m *Manager) StartWatchdog(ctx context.Context, cronExpr string) error {
	c := cron.New()
	_, err := c.AddFunc(cronExpr, func() { m.sweep(ctx) })
	if err != nil {
		return fmt.Errorf("schedule port watchdog: %w", err)
	}
	m.cron = c
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}
