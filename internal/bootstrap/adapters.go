package bootstrap

import (
	"context"
	"fmt"

	"github.com/grace-platform/control-plane/internal/audit"
	"github.com/grace-platform/control-plane/internal/eventmesh"
	"github.com/grace-platform/control-plane/internal/logichub"
	"github.com/grace-platform/control-plane/internal/mission"
)

// missionLogicHubStarter bridges *mission.Loop to logichub.MissionStarter:
// the hub's stage-8 observation handoff names a priority by the hub's own
// Priority type, which the mission loop maps to a RiskLevel via
// mission.RiskForPriority.
// loop is set once the mission.Loop is constructed: the hub receives this
// adapter before the loop exists (the loop's Rollbacker needs the hub), so
// Build fills in loop afterwards. The handshake adapter below is created
// after the loop and is given it directly.
type missionLogicHubStarter struct {
	loop *mission.Loop
}

func (a *missionLogicHubStarter) StartForUpdate(ctx context.Context, updateID, targetComponent string, priority logichub.Priority) (string, error) {
	risk := mission.RiskForPriority(string(priority))
	return a.loop.StartWithRisk(ctx, updateID, targetComponent, risk)
}

// missionHandshakeStarter bridges *mission.Loop to handshake.MissionStarter:
// a completed handshake always requests a plain risk-level name, which the
// mission loop's RiskLevel is itself a defined string type of.
type missionHandshakeStarter struct {
	loop *mission.Loop
}

func (a *missionHandshakeStarter) StartWithRisk(ctx context.Context, updateID, targetComponent, risk string) (string, error) {
	return a.loop.StartWithRisk(ctx, updateID, targetComponent, mission.RiskLevel(risk))
}

// hubRollbacker bridges *logichub.Hub to mission.Rollbacker: the mission
// loop only needs to know a rollback happened, not the resulting update.
type hubRollbacker struct {
	hub *logichub.Hub
}

func (a hubRollbacker) Rollback(ctx context.Context, target string, reason string) (interface{}, error) {
	return a.hub.Rollback(ctx, target, reason)
}

// auditEventSink bridges *audit.Log to eventmesh.AuditSink so the mesh can
// record Audit=true events through the same hash-chained log every other
// subsystem writes through.
type auditEventSink struct {
	log *audit.Log
}

func (a auditEventSink) RecordEvent(ctx context.Context, e eventmesh.Event) error {
	_, err := a.log.Record(ctx, "event-mesh", "publish", "eventmesh", e.Name, "delivered", e.Payload)
	return err
}

// auditAlertSink bridges Alert=true events to the audit log, recording each
// one with action "alert" and result "notified".
type auditAlertSink struct {
	log *audit.Log
}

func (a auditAlertSink) Notify(ctx context.Context, e eventmesh.Event) error {
	_, err := a.log.Record(ctx, "event-mesh", "alert", "eventmesh", e.Name, "notified", e.Payload)
	if err != nil {
		return fmt.Errorf("record alert event: %w", err)
	}
	return nil
}
