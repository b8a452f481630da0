// Package mission implements the Mission & Observation Loop: every
// distributed update spawns a Mission that watches the target component's
// health over a risk-scaled window, scores its stability, and triggers a
// rollback or a retrospective depending on the verdict.
package mission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/grace-platform/control-plane/internal/eventmesh"
	"github.com/grace-platform/control-plane/internal/graceerr"
	"github.com/grace-platform/control-plane/internal/metrics"
	"github.com/grace-platform/control-plane/pkg/logger"
)

// RiskLevel scales a mission's observation window.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Verdict is the outcome of scoring a mission's stability.
type Verdict string

const (
	VerdictStable     Verdict = "stable"
	VerdictAcceptable Verdict = "acceptable"
	VerdictUnstable   Verdict = "unstable"
)

// Status is a mission's lifecycle state.
type Status string

const (
	StatusObserving  Status = "observing"
	StatusConcluded  Status = "concluded"
	StatusRolledBack Status = "rolled_back"
)

// HealthCheck is one sampled observation of the target component during
// the mission window.
type HealthCheck struct {
	At       time.Time `json:"at"`
	Severity string    `json:"severity"` // "none", "medium", "high", "critical"
	Detail   string    `json:"detail,omitempty"`
}

// Mission tracks one update's post-distribution observation window.
type Mission struct {
	ID              string        `json:"id"`
	UpdateID        string        `json:"update_id"`
	TargetComponent string        `json:"target_component"`
	Risk            RiskLevel     `json:"risk"`
	Window          time.Duration `json:"window"`
	StartedAt       time.Time     `json:"started_at"`
	EndsAt          time.Time     `json:"ends_at"`
	HealthChecks    []HealthCheck `json:"health_checks"`
	Status          Status        `json:"status"`
	StabilityScore  float64       `json:"stability_score"`
	Verdict         Verdict       `json:"verdict,omitempty"`
}

// Windows maps risk level to observation duration, matching the spec's
// 1h/6h/24h/72h bands.
type Windows struct {
	Low      time.Duration
	Medium   time.Duration
	High     time.Duration
	Critical time.Duration
}

// DefaultWindows returns the spec's default risk windows.
func DefaultWindows() Windows {
	return Windows{
		Low:      1 * time.Hour,
		Medium:   6 * time.Hour,
		High:     24 * time.Hour,
		Critical: 72 * time.Hour,
	}
}

func (w Windows) forRisk(r RiskLevel) time.Duration {
	switch r {
	case RiskMedium:
		return w.Medium
	case RiskHigh:
		return w.High
	case RiskCritical:
		return w.Critical
	default:
		return w.Low
	}
}

// Rollbacker is implemented by the logic hub: the mission loop calls it
// when a mission's verdict is unstable.
type Rollbacker interface {
	Rollback(ctx context.Context, target string, reason string) (interface{}, error)
}

// CAPARecorder is implemented by the CAPA sink: the mission loop hands it
// unstable/rolled-back missions to open a corrective-action record.
type CAPARecorder interface {
	OpenFromMission(ctx context.Context, m *Mission) error
}

// Loop runs the observation loop: periodic health-check ticks, scoring,
// and rollback/retrospective dispatch.
type Loop struct {
	mu       sync.Mutex
	missions map[string]*Mission
	windows  Windows
	rollback Rollbacker
	capa     CAPARecorder
	bus      *eventmesh.Bus
	log      *logger.Logger
	cron     *cron.Cron
}

// New builds a Loop. rollback/capa may be nil in tests that only exercise
// scoring.
func New(windows Windows, rollback Rollbacker, capa CAPARecorder, bus *eventmesh.Bus, log *logger.Logger) *Loop {
	return &Loop{
		missions: make(map[string]*Mission),
		windows:  windows,
		rollback: rollback,
		capa:     capa,
		bus:      bus,
		log:      log,
	}
}

// RiskForPriority maps a logic-hub update priority name to a mission risk
// level: critical priority observes at critical risk, everything else at
// medium. Exported so the bootstrap wiring's MissionStarter adapter can
// reuse it without duplicating the mapping.
func RiskForPriority(priority string) RiskLevel {
	if priority == "critical" {
		return RiskCritical
	}
	return RiskMedium
}

// StartWithRisk opens a mission with an explicit risk level.
func (l *Loop) StartWithRisk(ctx context.Context, updateID, targetComponent string, risk RiskLevel) (string, error) {
	window := l.windows.forRisk(risk)
	now := time.Now().UTC()
	m := &Mission{
		ID:              uuid.NewString(),
		UpdateID:        updateID,
		TargetComponent: targetComponent,
		Risk:            risk,
		Window:          window,
		StartedAt:       now,
		EndsAt:          now.Add(window),
		Status:          StatusObserving,
		StabilityScore:  1.0,
	}
	l.mu.Lock()
	l.missions[m.ID] = m
	l.mu.Unlock()

	if l.bus != nil {
		_ = l.bus.Publish(ctx, "mission.phase_transition", eventmesh.PriorityNormal, map[string]interface{}{
			"mission_id":       m.ID,
			"update_id":        updateID,
			"target_component": targetComponent,
			"risk":             string(risk),
			"phase":            "proposed",
		}, true, false)
	}
	return m.ID, nil
}

// Get returns a mission by ID.
func (l *Loop) Get(id string) (*Mission, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.missions[id]
	return m, ok
}

// List returns every mission matching status, or every mission if status
// is empty. Logic-update missions and handshake validation missions are
// listed together; List does not tell them apart.
func (l *Loop) List(status Status) []*Mission {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Mission, 0, len(l.missions))
	for _, m := range l.missions {
		if status == "" || m.Status == status {
			out = append(out, m)
		}
	}
	return out
}

// Retrospective summarizes a concluded mission's outcome: the verdict, how
// long observation ran, and the checks that shaped the stability score.
type Retrospective struct {
	MissionID      string        `json:"mission_id"`
	Verdict        Verdict       `json:"verdict"`
	StabilityScore float64       `json:"stability_score"`
	Duration       time.Duration `json:"duration"`
	HealthChecks   []HealthCheck `json:"health_checks"`
}

// Retrospective returns the learning summary for a mission. Missions still
// observing have no verdict yet.
func (l *Loop) Retrospective(id string) (Retrospective, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.missions[id]
	if !ok {
		return Retrospective{}, false
	}
	end := time.Now().UTC()
	if m.Status != StatusObserving {
		// concluded early by a critical check (always the last one
		// recorded), otherwise at window expiry
		end = m.EndsAt
		if n := len(m.HealthChecks); n > 0 && m.HealthChecks[n-1].Severity == "critical" {
			end = m.HealthChecks[n-1].At
		}
	}
	return Retrospective{
		MissionID:      m.ID,
		Verdict:        m.Verdict,
		StabilityScore: m.StabilityScore,
		Duration:       end.Sub(m.StartedAt),
		HealthChecks:   m.HealthChecks,
	}, true
}

// RecordHealthCheck appends an observation to an open mission and
// recomputes its stability score. A critical anomaly concludes the mission
// immediately rather than waiting for the observation window to expire.
func (l *Loop) RecordHealthCheck(ctx context.Context, missionID string, severity, detail string) error {
	l.mu.Lock()
	m, ok := l.missions[missionID]
	l.mu.Unlock()
	if !ok {
		return graceerr.New(graceerr.KindStateError, "mission not found").WithDetail("mission_id", missionID)
	}
	if m.Status != StatusObserving {
		return nil
	}

	l.mu.Lock()
	m.HealthChecks = append(m.HealthChecks, HealthCheck{At: time.Now().UTC(), Severity: severity, Detail: detail})
	m.StabilityScore = ScoreStability(m.HealthChecks)
	l.mu.Unlock()

	if severity == "critical" {
		if _, err := l.Conclude(ctx, missionID); err != nil {
			l.log.WithField("error", err).WithField("mission_id", missionID).Error("immediate mission conclusion on critical anomaly failed")
			return err
		}
	}

	return nil
}

// ScoreStability implements the spec's formula: start at 1.0, multiply by
// 0.5 per critical check, 0.8 per high check, 0.9 per medium check, and
// apply an additional factor for the fraction of checks that failed
// outright ("critical" or "high").
func ScoreStability(checks []HealthCheck) float64 {
	score := 1.0
	failed := 0
	for _, c := range checks {
		switch c.Severity {
		case "critical":
			score *= 0.5
			failed++
		case "high":
			score *= 0.8
			failed++
		case "medium":
			score *= 0.9
		}
	}
	if len(checks) > 0 {
		failFraction := float64(failed) / float64(len(checks))
		score *= 1.0 - (failFraction * 0.3)
	}
	if score < 0 {
		score = 0
	}
	return score
}

// VerdictForScore maps a stability score to a verdict per the spec's
// thresholds: >=0.95 stable, 0.80-0.95 acceptable, <0.80 unstable.
func VerdictForScore(score float64) Verdict {
	switch {
	case score >= 0.95:
		return VerdictStable
	case score >= 0.80:
		return VerdictAcceptable
	default:
		return VerdictUnstable
	}
}

// Conclude closes a mission, scores it, and dispatches rollback/CAPA if
// the verdict is unstable.
func (l *Loop) Conclude(ctx context.Context, missionID string) (*Mission, error) {
	l.mu.Lock()
	m, ok := l.missions[missionID]
	l.mu.Unlock()
	if !ok {
		return nil, graceerr.New(graceerr.KindStateError, "mission not found").WithDetail("mission_id", missionID)
	}

	l.mu.Lock()
	m.Verdict = VerdictForScore(m.StabilityScore)
	m.Status = StatusConcluded
	l.mu.Unlock()

	if l.bus != nil {
		_ = l.bus.Publish(ctx, "mission.phase_transition", eventmesh.PriorityNormal, map[string]interface{}{
			"mission_id":      m.ID,
			"stability_score": m.StabilityScore,
			"verdict":         string(m.Verdict),
			"phase":           "learned",
		}, true, false)
	}

	if m.Verdict == VerdictUnstable {
		if l.rollback != nil {
			if _, err := l.rollback.Rollback(ctx, m.TargetComponent, "mission stability below threshold"); err != nil {
				l.log.WithField("error", err).WithField("mission_id", m.ID).Error("automatic rollback failed")
			} else {
				l.mu.Lock()
				m.Status = StatusRolledBack
				l.mu.Unlock()
				metrics.MissionRollbacks.WithLabelValues(string(m.Risk)).Inc()
			}
		}
		if l.capa != nil {
			if err := l.capa.OpenFromMission(ctx, m); err != nil {
				l.log.WithField("error", err).WithField("mission_id", m.ID).Error("CAPA record open failed")
			}
		}
	}

	return m, nil
}

// CorrelateRegression scores how likely two missions' instability shares a
// root cause: component overlap contributes up to 0.5, metric overlap up
// to 0.3, and temporal proximity (closer StartedAt timestamps) up to
// 0.2. A score >= 0.5 should trigger shared-cause attribution.
func CorrelateRegression(a, b *Mission, sameMetrics bool) float64 {
	score := 0.0
	if a.TargetComponent == b.TargetComponent {
		score += 0.5
	}
	if sameMetrics {
		score += 0.3
	}
	delta := a.StartedAt.Sub(b.StartedAt)
	if delta < 0 {
		delta = -delta
	}
	switch {
	case delta <= time.Hour:
		score += 0.2
	case delta <= 6*time.Hour:
		score += 0.1
	}
	return score
}

// StartWatchdog schedules a periodic tick (default every 2 minutes) that
// checks every observing mission's window expiry and concludes it.
func (l *Loop) StartWatchdog(ctx context.Context, cronExpr string) error {
	c := cron.New()
	_, err := c.AddFunc(cronExpr, func() { l.tick(ctx) })
	if err != nil {
		return fmt.Errorf("schedule mission watchdog: %w", err)
	}
	l.cron = c
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

func (l *Loop) tick(ctx context.Context) {
	l.mu.Lock()
	var expired []string
	now := time.Now().UTC()
	for id, m := range l.missions {
		if m.Status == StatusObserving && now.After(m.EndsAt) {
			expired = append(expired, id)
		}
	}
	l.mu.Unlock()

	for _, id := range expired {
		if _, err := l.Conclude(ctx, id); err != nil {
			l.log.WithField("error", err).WithField("mission_id", id).Error("mission conclusion failed")
		}
	}
}
