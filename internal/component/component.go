// Package component implements the Component Framework: the Manifest
// registry of onboarded components, their trust levels, and the §3/§4.C
// lifecycle state machine (CREATED→ACTIVATING→ACTIVE→PAUSED→DEACTIVATING→
// STOPPED, any state→ERROR) driven through the activate/deactivate/status/
// heartbeat capability contract.
package component

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/grace-platform/control-plane/internal/eventmesh"
	"github.com/grace-platform/control-plane/internal/graceerr"
)

// TrustLevel ranks a component's standing, lowest to highest.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustLow
	TrustMedium
	TrustHigh
	TrustVerified
)

func (t TrustLevel) String() string {
	switch t {
	case TrustUntrusted:
		return "untrusted"
	case TrustLow:
		return "low"
	case TrustMedium:
		return "medium"
	case TrustHigh:
		return "high"
	case TrustVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// Status is a component's position in the §3 lifecycle state machine.
type Status string

const (
	StatusCreated      Status = "CREATED"
	StatusActivating   Status = "ACTIVATING"
	StatusActive       Status = "ACTIVE"
	StatusPaused       Status = "PAUSED"
	StatusDeactivating Status = "DEACTIVATING"
	StatusStopped      Status = "STOPPED"
	StatusError        Status = "ERROR"
)

// legalTransitions enumerates every transition the lifecycle permits other
// than the universal "any state -> ERROR" escape hatch, handled separately
// in canTransition.
var legalTransitions = map[Status]map[Status]bool{
	StatusCreated:      {StatusActivating: true},
	StatusActivating:   {StatusActive: true},
	StatusActive:       {StatusPaused: true, StatusDeactivating: true},
	StatusPaused:       {StatusActive: true, StatusDeactivating: true},
	StatusDeactivating: {StatusStopped: true},
	StatusStopped:      {},
	StatusError:        {StatusActivating: true},
}

func canTransition(from, to Status) bool {
	if to == StatusError {
		return true
	}
	return legalTransitions[from][to]
}

// HeartbeatInterval is T_hb, the expected interval between component
// heartbeats. A component that misses three consecutive intervals is
// marked StatusError.
const HeartbeatInterval = 30 * time.Second

// ErrorThreshold is the silence duration after which an ACTIVE component is
// marked StatusError (3 * T_hb).
const ErrorThreshold = 3 * HeartbeatInterval

// Domain names the functional area a component serves, used by the Event
// Mesh's domain-scoped route groups.
type Domain string

// Component is a registered participant in the control plane: a process
// that has completed the handshake protocol and can publish/subscribe on
// the Event Mesh and receive Logic Hub updates.
type Component struct {
	Name            string     `json:"name"`
	Domain          Domain     `json:"domain"`
	ManifestVersion int        `json:"manifest_version"`
	Trust           TrustLevel `json:"trust"`
	Status          Status     `json:"status"`
	RegisteredAt    time.Time  `json:"registered_at"`
	LastHeartbeat   time.Time  `json:"last_heartbeat"`
	Capabilities    []string   `json:"capabilities,omitempty"`
}

// HasCapability reports whether the component declared cap at onboarding.
func (c *Component) HasCapability(cap string) bool {
	for _, x := range c.Capabilities {
		if x == cap {
			return true
		}
	}
	return false
}

func (c *Component) transition(to Status) error {
	if !canTransition(c.Status, to) {
		return graceerr.StateError(fmt.Sprintf("component %q cannot transition %s -> %s", c.Name, c.Status, to)).
			WithDetail("component", c.Name).
			WithDetail("from", string(c.Status)).
			WithDetail("to", string(to))
	}
	c.Status = to
	return nil
}

// StatusReport is the snapshot §4.C's status() call returns.
type StatusReport struct {
	Name          string     `json:"name"`
	Domain        Domain     `json:"domain"`
	Status        Status     `json:"status"`
	Trust         TrustLevel `json:"trust"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
}

// Controllable is the capability interface §4.C requires every component to
// implement. Components here are remote processes reachable only through
// the Event Mesh and HTTP surface, so the framework drives this contract
// through the Manifest's single-writer lock via Handle rather than holding
// a Controllable per remote process directly.
type Controllable interface {
	Activate() bool
	Deactivate() bool
	Status() StatusReport
	Heartbeat()
}

// handle implements Controllable by delegating to the owning Manifest.
type handle struct {
	name string
	m    *Manifest
}

func (h handle) Activate() bool {
	ok, _ := h.m.Activate(h.name)
	return ok
}

func (h handle) Deactivate() bool {
	ok, _ := h.m.Deactivate(h.name)
	return ok
}

func (h handle) Status() StatusReport {
	r, _ := h.m.StatusReport(h.name)
	return r
}

func (h handle) Heartbeat() {
	_ = h.m.Heartbeat(h.name)
}

// Handle returns name's Controllable view.
func (m *Manifest) Handle(name string) Controllable {
	return handle{name: name, m: m}
}

// Manifest is the single-writer-many-reader registry of components. It
// never reaches back into the Event Mesh or Logic Hub; those subsystems
// depend on Manifest, never the reverse, except for publishing its own
// component.* lifecycle events onto an attached Bus.
type Manifest struct {
	mu         sync.RWMutex
	components map[string]*Component
	version    int
	bus        *eventmesh.Bus
	cron       *cron.Cron
}

// NewManifest returns an empty Manifest.
func NewManifest() *Manifest {
	return &Manifest{components: make(map[string]*Component)}
}

// AttachBus wires the Event Mesh bus so lifecycle transitions publish
// component.{activated,deactivated,error,heartbeat}. Safe to call once,
// before any lifecycle methods run.
func (m *Manifest) AttachBus(bus *eventmesh.Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus = bus
}

func (m *Manifest) publish(name, component string) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(context.Background(), name, eventmesh.PriorityNormal,
		map[string]interface{}{"component": component}, false, false)
}

// Register onboards a new component at CREATED status. Returns an error if
// the name is already registered.
func (m *Manifest) Register(name string, domain Domain, trust TrustLevel, capabilities []string) (*Component, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" {
		return nil, fmt.Errorf("component name required")
	}
	if _, exists := m.components[name]; exists {
		return nil, fmt.Errorf("component %q already registered", name)
	}

	m.version++
	now := time.Now().UTC()
	c := &Component{
		Name:            name,
		Domain:          domain,
		ManifestVersion: m.version,
		Trust:           trust,
		Status:          StatusCreated,
		RegisteredAt:    now,
		LastHeartbeat:   now,
		Capabilities:    append([]string{}, capabilities...),
	}
	m.components[name] = c
	return c, nil
}

// Unregister removes a component from the manifest.
func (m *Manifest) Unregister(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.components[name]; !ok {
		return fmt.Errorf("component %q not registered", name)
	}
	delete(m.components, name)
	return nil
}

// Lookup returns the named component, if registered.
func (m *Manifest) Lookup(name string) (*Component, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.components[name]
	return c, ok
}

// All returns a snapshot of every registered component.
func (m *Manifest) All() []*Component {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Component, 0, len(m.components))
	for _, c := range m.components {
		out = append(out, c)
	}
	return out
}

// ByDomain returns every component registered under domain.
func (m *Manifest) ByDomain(domain Domain) []*Component {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Component
	for _, c := range m.components {
		if c.Domain == domain {
			out = append(out, c)
		}
	}
	return out
}

// Query filters the manifest by trust, domain and status. Any zero-valued
// filter field is ignored. There is no filter on type or capability tags.
func (m *Manifest) Query(trust *TrustLevel, domain Domain, status Status) []*Component {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Component
	for _, c := range m.components {
		if trust != nil && c.Trust != *trust {
			continue
		}
		if domain != "" && c.Domain != domain {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Stats summarizes the manifest for §4.C's stats() contract: counts of
// components per lifecycle status.
func (m *Manifest) Stats() map[Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Status]int)
	for _, c := range m.components {
		out[c.Status]++
	}
	return out
}

// Activate drives name from CREATED/ERROR (via ACTIVATING) or PAUSED to
// ACTIVE. Idempotent: calling it on an already-ACTIVE component is a no-op
// that returns success (testable property #7). Any other starting state is
// an illegal transition and returns a graceerr.KindStateError.
func (m *Manifest) Activate(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.components[name]
	if !ok {
		return false, fmt.Errorf("component %q not registered", name)
	}
	if c.Status == StatusActive {
		return true, nil
	}
	if c.Status == StatusCreated || c.Status == StatusError {
		if err := c.transition(StatusActivating); err != nil {
			return false, err
		}
	}
	if err := c.transition(StatusActive); err != nil {
		return false, err
	}
	c.LastHeartbeat = time.Now().UTC()
	m.publish("component.activated", name)
	return true, nil
}

// Deactivate drives name from ACTIVE/PAUSED through DEACTIVATING to
// STOPPED. Idempotent on an already-STOPPED/DEACTIVATING component.
func (m *Manifest) Deactivate(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.components[name]
	if !ok {
		return false, fmt.Errorf("component %q not registered", name)
	}
	if c.Status == StatusStopped || c.Status == StatusDeactivating {
		return true, nil
	}
	if err := c.transition(StatusDeactivating); err != nil {
		return false, err
	}
	if err := c.transition(StatusStopped); err != nil {
		return false, err
	}
	m.publish("component.deactivated", name)
	return true, nil
}

// Pause moves an ACTIVE component to PAUSED. Resume (Activate) brings it
// back to ACTIVE without re-running ACTIVATING.
func (m *Manifest) Pause(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[name]
	if !ok {
		return false, fmt.Errorf("component %q not registered", name)
	}
	if c.Status == StatusPaused {
		return true, nil
	}
	if err := c.transition(StatusPaused); err != nil {
		return false, err
	}
	return true, nil
}

// StatusReport returns name's current lifecycle snapshot.
func (m *Manifest) StatusReport(name string) (StatusReport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.components[name]
	if !ok {
		return StatusReport{}, false
	}
	return StatusReport{
		Name:          c.Name,
		Domain:        c.Domain,
		Status:        c.Status,
		Trust:         c.Trust,
		LastHeartbeat: c.LastHeartbeat,
	}, true
}

// Heartbeat records a liveness ping from name, called by the framework per
// §4.C. It does not itself clear an ERROR status; recovery requires an
// explicit Activate once the operator has remediated the fault.
func (m *Manifest) Heartbeat(name string) error {
	m.mu.Lock()
	c, ok := m.components[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("component %q not registered", name)
	}
	c.LastHeartbeat = time.Now().UTC()
	m.mu.Unlock()
	m.publish("component.heartbeat", name)
	return nil
}

// SweepHealth marks ACTIVE components that have missed ErrorThreshold's
// worth of heartbeats as StatusError, emitting component.error for each,
// and returns their names. Intended to run every T_hb via StartWatchdog.
func (m *Manifest) SweepHealth() []string {
	m.mu.Lock()
	now := time.Now().UTC()
	var changed []string
	for name, c := range m.components {
		if c.Status != StatusActive {
			continue
		}
		if now.Sub(c.LastHeartbeat) >= ErrorThreshold {
			c.Status = StatusError
			changed = append(changed, name)
		}
	}
	m.mu.Unlock()

	for _, name := range changed {
		m.publish("component.error", name)
	}
	return changed
}

// SetTrust updates a component's trust level, e.g. following a successful
// validation mission.
func (m *Manifest) SetTrust(name string, trust TrustLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[name]
	if !ok {
		return fmt.Errorf("component %q not registered", name)
	}
	c.Trust = trust
	return nil
}

// Version returns the current manifest version, incremented on every
// Register call; the Logic Hub's component_handshake updates carry this.
func (m *Manifest) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// StartWatchdog schedules SweepHealth on cronExpr (default "@every 30s")
// and runs until ctx is cancelled, the same cadence/shape as the Port
// Manager's watchdog.
func (m *Manifest) StartWatchdog(ctx context.Context, cronExpr string) error {
	c := cron.New()
	_, err := c.AddFunc(cronExpr, func() { m.SweepHealth() })
	if err != nil {
		return fmt.Errorf("schedule component watchdog: %w", err)
	}
	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}
