// Package capa implements the Corrective and Preventive Action sink:
// learning records and the CAPA state machine, both opened automatically
// (through OpenFromMission) when a mission concludes unstable. Missions
// that conclude stable or acceptable add no learning record.
package capa

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grace-platform/control-plane/internal/eventmesh"
	"github.com/grace-platform/control-plane/internal/graceerr"
	"github.com/grace-platform/control-plane/internal/mission"
)

// State is a CAPA record's position in its remediation lifecycle.
type State string

const (
	StateOpen         State = "open"
	StateAnalyzing    State = "analyzing"
	StatePlanned      State = "planned"
	StateImplementing State = "implementing"
	StateVerifying    State = "verifying"
	StateClosed       State = "closed"
)

var validTransitions = map[State][]State{
	StateOpen:         {StateAnalyzing},
	StateAnalyzing:    {StatePlanned},
	StatePlanned:      {StateImplementing},
	StateImplementing: {StateVerifying},
	StateVerifying:    {StateClosed, StateAnalyzing}, // verification failure reopens analysis
}

// LearningRecord is the feature/label pair the learning sink accumulates:
// features describe the update and the conditions that preceded failure,
// labels are the mission's eventual verdict and score.
type LearningRecord struct {
	MissionID       string                 `json:"mission_id"`
	TargetComponent string                 `json:"target_component"`
	Features        map[string]interface{} `json:"features"`
	Verdict         string                 `json:"verdict"`
	StabilityScore  float64                `json:"stability_score"`
	RecordedAt      time.Time              `json:"recorded_at"`
}

// Record is one CAPA case.
type Record struct {
	ID              string    `json:"id"`
	MissionID       string    `json:"mission_id"`
	TargetComponent string    `json:"target_component"`
	State           State     `json:"state"`
	Summary         string    `json:"summary"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Sink accumulates learning records and manages CAPA state machines.
type Sink struct {
	mu       sync.Mutex
	records  map[string]*Record
	learning []LearningRecord
	bus      *eventmesh.Bus
}

// New builds a Sink.
func New(bus *eventmesh.Bus) *Sink {
	return &Sink{records: make(map[string]*Record), bus: bus}
}

// OpenFromMission auto-creates a CAPA record and a learning record from an
// unstable or rolled-back mission. Satisfies mission.CAPARecorder.
func (s *Sink) OpenFromMission(ctx context.Context, m *mission.Mission) error {
	learning := LearningRecord{
		MissionID:       m.ID,
		TargetComponent: m.TargetComponent,
		Features: map[string]interface{}{
			"update_id":     m.UpdateID,
			"risk":          string(m.Risk),
			"health_checks": len(m.HealthChecks),
		},
		Verdict:        string(m.Verdict),
		StabilityScore: m.StabilityScore,
		RecordedAt:     time.Now().UTC(),
	}

	rec := &Record{
		ID:              uuid.NewString(),
		MissionID:       m.ID,
		TargetComponent: m.TargetComponent,
		State:           StateOpen,
		Summary:         "auto-opened: mission concluded " + string(m.Verdict),
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}

	s.mu.Lock()
	s.learning = append(s.learning, learning)
	s.records[rec.ID] = rec
	s.mu.Unlock()

	if s.bus != nil {
		_ = s.bus.Publish(ctx, "capa.opened", eventmesh.PriorityHigh, map[string]interface{}{
			"capa_id":          rec.ID,
			"mission_id":       m.ID,
			"target_component": m.TargetComponent,
		}, true, true)
	}

	return nil
}

// Create opens a CAPA record directly, for cases not auto-opened from a
// mission verdict (e.g. a manually filed corrective action).
func (s *Sink) Create(ctx context.Context, missionID, targetComponent, summary string) (*Record, error) {
	rec := &Record{
		ID:              uuid.NewString(),
		MissionID:       missionID,
		TargetComponent: targetComponent,
		State:           StateOpen,
		Summary:         summary,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()

	if s.bus != nil {
		_ = s.bus.Publish(ctx, "capa.opened", eventmesh.PriorityNormal, map[string]interface{}{
			"capa_id":          rec.ID,
			"mission_id":       missionID,
			"target_component": targetComponent,
		}, true, false)
	}

	return rec, nil
}

// Get returns a CAPA record by ID.
func (s *Sink) Get(id string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok
}

// Advance moves a CAPA record to the next state, rejecting transitions not
// in validTransitions.
func (s *Sink) Advance(ctx context.Context, id string, to State) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, graceerr.New(graceerr.KindStateError, "CAPA record not found").WithDetail("capa_id", id)
	}

	allowed := validTransitions[r.State]
	ok = false
	for _, a := range allowed {
		if a == to {
			ok = true
			break
		}
	}
	if !ok {
		return nil, graceerr.StateError("invalid CAPA transition from " + string(r.State) + " to " + string(to))
	}

	r.State = to
	r.UpdatedAt = time.Now().UTC()
	return r, nil
}

// LearningRecords returns every accumulated learning record, e.g. for an
// offline training job to consume.
func (s *Sink) LearningRecords() []LearningRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LearningRecord, len(s.learning))
	copy(out, s.learning)
	return out
}

// AllOpen returns every CAPA record not yet closed.
func (s *Sink) AllOpen() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, r := range s.records {
		if r.State != StateClosed {
			out = append(out, r)
		}
	}
	return out
}
