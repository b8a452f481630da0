// Package handshake implements the Component Handshake Protocol: quorum
// onboarding for a new component joining the control plane. A submitted
// handshake is governed and signed like any other mutation, announced on
// the mesh, and must collect acknowledgements from a quorum set before the
// component is registered in the Manifest and enters a probationary
// validation mission.
package handshake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grace-platform/control-plane/internal/component"
	"github.com/grace-platform/control-plane/internal/eventmesh"
	"github.com/grace-platform/control-plane/internal/governance"
	"github.com/grace-platform/control-plane/internal/gracecrypto"
	"github.com/grace-platform/control-plane/internal/graceerr"
	"github.com/grace-platform/control-plane/internal/metrics"
)

// DefaultQuorumSize is stored as a Coordinator's quorum size. Submit does
// not read it: every handshake needs an explicit, non-empty quorum set, and
// quorum means every member of that set has acked.
const DefaultQuorumSize = 2

// DefaultTimeout bounds how long a handshake waits for quorum before
// failing with QuorumTimeout.
const DefaultTimeout = 5 * time.Minute

// Status is a handshake's lifecycle state.
type Status string

const (
	StatusAnnounced Status = "announced"
	StatusComplete  Status = "complete"
	StatusTimedOut  Status = "timed_out"
	StatusDenied    Status = "denied"
)

// ValidationMissionDuration is a one-hour observation window for freshly
// onboarded components. The Coordinator does not apply it: the validation
// mission's length is the mission loop's window for risk "high".
const ValidationMissionDuration = 1 * time.Hour

// MissionStarter is implemented by the mission/observation loop: a
// completed handshake starts a probationary validation mission at high
// risk, observed for the loop's high-risk window.
type MissionStarter interface {
	StartWithRisk(ctx context.Context, updateID, targetComponent, risk string) (string, error)
}

// Handshake tracks one onboarding request from announcement to
// completion.
type Handshake struct {
	ID           string    `json:"id"`
	Component    string    `json:"component"`
	Domain       component.Domain `json:"domain"`
	Capabilities []string  `json:"capabilities"`
	QuorumSet    []string  `json:"quorum_set"`
	Acks         []string  `json:"acks"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	Deadline     time.Time `json:"deadline"`
}

func (h *Handshake) quorumReached() bool {
	return len(h.Acks) >= len(h.QuorumSet)
}

// Coordinator runs the handshake protocol.
type Coordinator struct {
	mu         sync.Mutex
	handshakes map[string]*Handshake
	manifest   *component.Manifest
	governance *governance.Engine
	keys       *gracecrypto.KeyPair
	bus        *eventmesh.Bus
	mission    MissionStarter
	quorumSize int
	timeout    time.Duration
}

// New builds a Coordinator. mission may be nil during tests that don't
// exercise the post-onboarding validation mission.
func New(manifest *component.Manifest, gov *governance.Engine, keys *gracecrypto.KeyPair, bus *eventmesh.Bus, mission MissionStarter) *Coordinator {
	return &Coordinator{
		handshakes: make(map[string]*Handshake),
		manifest:   manifest,
		governance: gov,
		keys:       keys,
		bus:        bus,
		mission:    mission,
		quorumSize: DefaultQuorumSize,
		timeout:    DefaultTimeout,
	}
}

// WithQuorumSize overrides the stored quorum size (see DefaultQuorumSize;
// Submit and Ack do not read it).
func (c *Coordinator) WithQuorumSize(n int) *Coordinator {
	c.quorumSize = n
	return c
}

// Submit starts a new handshake: governance check, sign, announce on the
// mesh as handshake_announce, wait (asynchronously) for quorumSet members
// to Ack.
func (c *Coordinator) Submit(ctx context.Context, name string, domain component.Domain, capabilities []string, quorumSet []string) (*Handshake, error) {
	if _, err := c.governance.Authorize(ctx, governance.Request{
		Resource: fmt.Sprintf("component:%s", name),
		Action:   "handshake",
		Actor:    name,
	}); err != nil {
		return nil, err
	}

	if len(quorumSet) == 0 {
		return nil, graceerr.ValidationFailed("quorum_set required")
	}

	h := &Handshake{
		ID:           uuid.NewString(),
		Component:    name,
		Domain:       domain,
		Capabilities: capabilities,
		QuorumSet:    quorumSet,
		Status:       StatusAnnounced,
		CreatedAt:    time.Now().UTC(),
		Deadline:     time.Now().UTC().Add(c.timeout),
	}

	if c.keys != nil {
		if _, err := c.keys.Sign("handshake-coordinator", h); err != nil {
			return nil, graceerr.SignatureInvalid(err)
		}
	}

	c.mu.Lock()
	c.handshakes[h.ID] = h
	c.mu.Unlock()

	if c.bus != nil {
		_ = c.bus.Publish(ctx, "unified_logic.handshake_announce", eventmesh.PriorityHigh, map[string]interface{}{
			"handshake_id": h.ID,
			"component":    name,
			"domain":       string(domain),
			"quorum_set":   quorumSet,
		}, true, false)
	}

	return h, nil
}

// Ack records a quorum member's acknowledgement. When the quorum set is
// satisfied, the component is registered in the Manifest at TrustLow and a
// handshake_complete event is published.
func (c *Coordinator) Ack(ctx context.Context, handshakeID, ackingMember string) (*Handshake, error) {
	c.mu.Lock()
	h, ok := c.handshakes[handshakeID]
	c.mu.Unlock()
	if !ok {
		return nil, graceerr.New(graceerr.KindStateError, "handshake not found").WithDetail("handshake_id", handshakeID)
	}
	if h.Status != StatusAnnounced {
		return h, nil
	}
	if time.Now().UTC().After(h.Deadline) {
		c.mu.Lock()
		h.Status = StatusTimedOut
		c.mu.Unlock()
		metrics.HandshakeOutcomes.WithLabelValues("timed_out").Inc()
		return h, graceerr.QuorumTimeout(handshakeID)
	}

	member := ""
	for _, m := range h.QuorumSet {
		if m == ackingMember {
			member = m
			break
		}
	}
	if member == "" {
		return h, graceerr.ValidationFailed(fmt.Sprintf("%q is not a member of this handshake's quorum set", ackingMember))
	}

	c.mu.Lock()
	alreadyAcked := false
	for _, a := range h.Acks {
		if a == ackingMember {
			alreadyAcked = true
		}
	}
	if !alreadyAcked {
		h.Acks = append(h.Acks, ackingMember)
	}
	reached := h.quorumReached()
	c.mu.Unlock()

	if !reached {
		return h, nil
	}

	if _, err := c.manifest.Register(h.Component, h.Domain, component.TrustLow, h.Capabilities); err != nil {
		return h, err
	}

	c.mu.Lock()
	h.Status = StatusComplete
	c.mu.Unlock()
	metrics.HandshakeOutcomes.WithLabelValues("quorum_reached").Inc()

	if c.bus != nil {
		_ = c.bus.Publish(ctx, "unified_logic.handshake_complete", eventmesh.PriorityHigh, map[string]interface{}{
			"handshake_id": h.ID,
			"component":    h.Component,
		}, true, false)
	}

	if c.mission != nil {
		if _, err := c.mission.StartWithRisk(ctx, h.ID, h.Component, "high"); err != nil {
			return h, fmt.Errorf("start onboarding validation mission: %w", err)
		}
	}

	return h, nil
}

// Get returns a handshake by ID.
func (c *Coordinator) Get(id string) (*Handshake, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handshakes[id]
	return h, ok
}

// SweepTimeouts marks any announced handshake past its deadline as
// timed out, returning their IDs.
func (c *Coordinator) SweepTimeouts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	var timedOut []string
	for id, h := range c.handshakes {
		if h.Status == StatusAnnounced && now.After(h.Deadline) {
			h.Status = StatusTimedOut
			timedOut = append(timedOut, id)
		}
	}
	return timedOut
}
