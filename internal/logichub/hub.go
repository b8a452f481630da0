// Package logichub implements the Unified Logic Hub: the eight-stage
// governance -> crypto -> validation -> distribution -> observation
// pipeline every schema, code_module, playbook, config, metric_definition
// and component_handshake update passes through before it reaches a
// running component.
package logichub

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grace-platform/control-plane/internal/audit"
	"github.com/grace-platform/control-plane/internal/component"
	"github.com/grace-platform/control-plane/internal/eventmesh"
	"github.com/grace-platform/control-plane/internal/governance"
	"github.com/grace-platform/control-plane/internal/gracecrypto"
	"github.com/grace-platform/control-plane/internal/graceerr"
)

// Validator checks a submitted update's payload for its UpdateType and
// reports whether it may proceed to package_build. Concrete validators are
// registered per UpdateType; schema updates use DiffSchemas, code_module
// and playbook updates use the Sandbox.
type Validator func(ctx context.Context, u *LogicUpdate) (ok bool, detail string, err error)

// MissionStarter is implemented by the mission/observation loop: the hub's
// final stage hands a freshly distributed update off to it.
type MissionStarter interface {
	StartForUpdate(ctx context.Context, updateID, targetComponent string, priority Priority) (missionID string, err error)
}

// Hub wires the pipeline's stages together.
type Hub struct {
	registry   *Registry
	manifest   *component.Manifest
	governance *governance.Engine
	keys       *gracecrypto.KeyPair
	auditLog   *audit.Log
	bus        *eventmesh.Bus
	mission    MissionStarter
	validators map[UpdateType]Validator
}

// New builds a Hub. mission may be nil during tests that don't exercise
// the observation handoff.
func New(registry *Registry, manifest *component.Manifest, gov *governance.Engine, keys *gracecrypto.KeyPair, auditLog *audit.Log, bus *eventmesh.Bus, mission MissionStarter) *Hub {
	return &Hub{
		registry:   registry,
		manifest:   manifest,
		governance: gov,
		keys:       keys,
		auditLog:   auditLog,
		bus:        bus,
		mission:    mission,
		validators: defaultValidators(),
	}
}

// recordAudit appends a stage outcome to the tamper-evident audit chain.
// Every stage that can fail calls this before returning, so a denied or
// failed update still leaves a trace even though it never reaches
// distribution.
func (h *Hub) recordAudit(ctx context.Context, u *LogicUpdate, action, result string, detail map[string]interface{}) {
	if h.auditLog == nil {
		return
	}
	payload := map[string]interface{}{"type": string(u.Type), "target_component": u.TargetComponent}
	for k, v := range detail {
		payload[k] = v
	}
	_, _ = h.auditLog.Record(ctx, u.Proposer, action, "logichub", u.ID, result, payload)
}

// publish emits a canonical unified_logic.* event if a bus is wired.
func (h *Hub) publish(ctx context.Context, event string, priority eventmesh.Priority, data map[string]interface{}, auditFlag bool) {
	if h.bus == nil {
		return
	}
	_ = h.bus.Publish(ctx, event, priority, data, auditFlag, false)
}

// RegisterValidator overrides the validator used for a given UpdateType.
func (h *Hub) RegisterValidator(t UpdateType, v Validator) {
	h.validators[t] = v
}

// Get returns a submitted update by ID.
func (h *Hub) Get(id string) (*LogicUpdate, bool) {
	return h.registry.Get(id)
}

// List returns up to limit recently submitted updates, newest first.
func (h *Hub) List(limit int) []*LogicUpdate {
	return h.registry.Recent(limit)
}

// HubStats summarizes the registry for GET /logic-hub/stats.
type HubStats struct {
	Total        int     `json:"total"`
	Active       int     `json:"active"`
	StableRate   float64 `json:"stable_rate"`
	RollbackRate float64 `json:"rollback_rate"`
}

// Stats computes registry-wide counters: total submissions, how many are
// still mid-pipeline, and the fraction that reached distributed vs. the
// fraction rolled back.
func (h *Hub) Stats() HubStats {
	all := h.registry.All()
	stats := HubStats{Total: len(all)}
	if len(all) == 0 {
		return stats
	}
	var distributed, rolledBack, terminal int
	for _, u := range all {
		switch u.Status {
		case StatusDistributed, StatusObserving:
			distributed++
		case StatusRolledBack:
			rolledBack++
			terminal++
		case StatusFailed:
			terminal++
		default:
			stats.Active++
		}
	}
	terminal += distributed
	if terminal > 0 {
		stats.StableRate = float64(distributed) / float64(terminal)
		stats.RollbackRate = float64(rolledBack) / float64(terminal)
	}
	return stats
}

// Submit runs a new update through the full pipeline and returns its final
// state. Stages 1-2 (ingestion, governance) always run; a review verdict
// parks the update at StatusReview, and a deny verdict fails it at
// StatusFailed, both without running stage 3 (signing) or any later stage.
func (h *Hub) Submit(ctx context.Context, proposer string, updateType UpdateType, target string, priority Priority, payload map[string]interface{}) (*LogicUpdate, error) {
	u := &LogicUpdate{
		ID:              uuid.NewString(),
		Type:            updateType,
		TargetComponent: target,
		Priority:        priority,
		Proposer:        proposer,
		Payload:         payload,
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	h.registry.Put(u)

	if err := h.runStage1IngestionGate(ctx, u); err != nil {
		return u, err
	}
	if err := h.runStage2Governance(ctx, u); err != nil {
		return u, err
	}
	if u.Status == StatusReview || u.Status == StatusFailed {
		return u, nil
	}
	if err := h.runStage3CryptoSign(ctx, u); err != nil {
		return u, err
	}
	if err := h.runStage4AuditProposal(ctx, u); err != nil {
		return u, err
	}

	// Stages 5-8 serialize per target component: two updates for the
	// same component never interleave mid-distribution.
	lock := h.registry.LockTarget(target)
	lock.Lock()
	defer lock.Unlock()

	if err := h.runStage5Validation(ctx, u); err != nil {
		return u, err
	}
	if u.Status == StatusFailed {
		return u, nil
	}
	if err := h.runStage6PackageBuild(ctx, u); err != nil {
		return u, err
	}
	if err := h.runStage7Distribution(ctx, u); err != nil {
		return u, err
	}
	h.runStage8Observation(ctx, u)

	return u, nil
}

func (h *Hub) runStage1IngestionGate(ctx context.Context, u *LogicUpdate) error {
	start := time.Now().UTC()
	if u.TargetComponent == "" {
		u.AppendStage(StageIngestionGate, false, "target_component required", start)
		h.recordAudit(ctx, u, "ingestion_gate", "rejected", map[string]interface{}{"reason": "target_component required"})
		return graceerr.ValidationFailed("target_component required")
	}
	if h.manifest != nil {
		if _, ok := h.manifest.Lookup(u.TargetComponent); !ok {
			u.AppendStage(StageIngestionGate, false, "unknown target component", start)
			h.recordAudit(ctx, u, "ingestion_gate", "rejected", map[string]interface{}{"reason": "unknown target component"})
			return graceerr.ValidationFailed(fmt.Sprintf("target component %q not registered", u.TargetComponent))
		}
	}
	u.AppendStage(StageIngestionGate, true, "", start)
	return nil
}

func (h *Hub) runStage2Governance(ctx context.Context, u *LogicUpdate) error {
	start := time.Now().UTC()
	res, err := h.governance.Evaluate(ctx, governance.Request{
		Resource: fmt.Sprintf("%s:%s", u.Type, u.TargetComponent),
		Action:   "distribute",
		Actor:    u.Proposer,
		Context:  map[string]interface{}{"priority": string(u.Priority)},
	})
	if err != nil {
		u.AppendStage(StageGovernance, false, err.Error(), start)
		h.recordAudit(ctx, u, "governance_check", "error", map[string]interface{}{"error": err.Error()})
		return err
	}
	switch res.Decision {
	case governance.DecisionDeny:
		u.Status = StatusFailed
		u.AppendStage(StageGovernance, false, "denied by policy "+res.PolicyName, start)
		h.recordAudit(ctx, u, "governance_check", "denied", map[string]interface{}{"policy": res.PolicyName})
		h.publish(ctx, "unified_logic.rejected", priorityToMeshPriority(u.Priority), map[string]interface{}{
			"update_id": u.ID, "type": string(u.Type), "target_component": u.TargetComponent, "policy": res.PolicyName,
		}, false)
	case governance.DecisionReview:
		u.Status = StatusReview
		u.AppendStage(StageGovernance, true, "parked for review by policy "+res.PolicyName, start)
		h.publish(ctx, "governance.review_required", eventmesh.PriorityNormal, map[string]interface{}{
			"update_id": u.ID, "type": string(u.Type), "target_component": u.TargetComponent, "policy": res.PolicyName,
		}, false)
	default:
		u.AppendStage(StageGovernance, true, "allowed by policy "+res.PolicyName, start)
		h.publish(ctx, "governance.decision", eventmesh.PriorityNormal, map[string]interface{}{
			"update_id": u.ID, "decision": string(res.Decision), "policy": res.PolicyName,
		}, false)
	}
	return nil
}

func (h *Hub) runStage3CryptoSign(ctx context.Context, u *LogicUpdate) error {
	start := time.Now().UTC()
	if h.keys == nil {
		u.AppendStage(StageCryptoSign, true, "signing disabled", start)
		return nil
	}
	env, err := h.keys.Sign(u.Proposer, u.Payload)
	if err != nil {
		u.AppendStage(StageCryptoSign, false, err.Error(), start)
		h.recordAudit(ctx, u, "crypto_sign", "failed", map[string]interface{}{"error": err.Error()})
		return graceerr.SignatureInvalid(err)
	}
	u.Signature = env.Signature
	u.AppendStage(StageCryptoSign, true, "", start)
	return nil
}

func (h *Hub) runStage4AuditProposal(ctx context.Context, u *LogicUpdate) error {
	start := time.Now().UTC()
	if h.auditLog == nil {
		u.AppendStage(StageAuditProposal, true, "audit disabled", start)
		return nil
	}
	if _, err := h.auditLog.Record(ctx, u.Proposer, "propose", "logichub", u.ID, "pending", map[string]interface{}{
		"type":             u.Type,
		"target_component": u.TargetComponent,
	}); err != nil {
		u.AppendStage(StageAuditProposal, false, err.Error(), start)
		return err
	}
	u.Status = StatusGoverned
	u.AppendStage(StageAuditProposal, true, "", start)
	return nil
}

func (h *Hub) runStage5Validation(ctx context.Context, u *LogicUpdate) error {
	start := time.Now().UTC()
	u.Status = StatusValidating
	validator, ok := h.validators[u.Type]
	if !ok {
		u.AppendStage(StageValidation, true, "no validator registered for type", start)
		return nil
	}
	passed, detail, err := validator(ctx, u)
	if err != nil {
		u.Status = StatusFailed
		u.AppendStage(StageValidation, false, err.Error(), start)
		h.recordAudit(ctx, u, "validation", "error", map[string]interface{}{"error": err.Error()})
		h.publish(ctx, "unified_logic.validation_failed", priorityToMeshPriority(u.Priority), map[string]interface{}{
			"update_id": u.ID, "type": string(u.Type), "target_component": u.TargetComponent, "detail": err.Error(),
		}, false)
		return err
	}
	if !passed {
		u.Status = StatusFailed
		u.AppendStage(StageValidation, false, detail, start)
		h.recordAudit(ctx, u, "validation", "failed", map[string]interface{}{"detail": detail})
		h.publish(ctx, "unified_logic.validation_failed", priorityToMeshPriority(u.Priority), map[string]interface{}{
			"update_id": u.ID, "type": string(u.Type), "target_component": u.TargetComponent, "detail": detail,
		}, false)
		return nil
	}
	u.AppendStage(StageValidation, true, detail, start)
	return nil
}

func (h *Hub) runStage6PackageBuild(ctx context.Context, u *LogicUpdate) error {
	start := time.Now().UTC()
	u.Checksum = checksum(u)
	u.AppendStage(StagePackageBuild, true, "", start)
	return nil
}

func (h *Hub) runStage7Distribution(ctx context.Context, u *LogicUpdate) error {
	start := time.Now().UTC()
	u.Status = StatusDistributed
	if h.bus != nil {
		if err := h.bus.Publish(ctx, "unified_logic.update", priorityToMeshPriority(u.Priority), map[string]interface{}{
			"update_id":             u.ID,
			"type":                  string(u.Type),
			"target_component":      u.TargetComponent,
			"checksum":              u.Checksum,
			"signature":             u.Signature,
			"rollback_instructions": fmt.Sprintf("resubmit update %s at critical priority", u.SupersedesID),
		}, true, false); err != nil {
			u.AppendStage(StageDistribution, false, err.Error(), start)
			h.recordAudit(ctx, u, "distribution", "failed", map[string]interface{}{"error": err.Error()})
			return err
		}
	}
	u.AppendStage(StageDistribution, true, "", start)
	return nil
}

func (h *Hub) runStage8Observation(ctx context.Context, u *LogicUpdate) {
	start := time.Now().UTC()
	if h.mission == nil {
		u.AppendStage(StageObservation, true, "mission loop disabled", start)
		return
	}
	missionID, err := h.mission.StartForUpdate(ctx, u.ID, u.TargetComponent, u.Priority)
	if err != nil {
		u.AppendStage(StageObservation, false, err.Error(), start)
		h.recordAudit(ctx, u, "observation", "failed", map[string]interface{}{"error": err.Error()})
		return
	}
	u.Status = StatusObserving
	u.AppendStage(StageObservation, true, "mission "+missionID, start)
}

// Rollback submits a synthetic critical-priority update that supersedes
// the target's last distributed update, restoring it to its previous
// payload. Called by the mission loop when stability drops below the
// rollback threshold.
func (h *Hub) Rollback(ctx context.Context, target string, reason string) (*LogicUpdate, error) {
	prev, ok := h.registry.LastDistributed(target)
	if !ok {
		return nil, graceerr.StateError("no prior distributed update to roll back to")
	}
	u, err := h.Submit(ctx, "mission-observation-loop", prev.Type, target, PriorityCritical, prev.Payload)
	if err != nil {
		return u, err
	}
	u.SupersedesID = prev.ID
	if prev.Status == StatusDistributed {
		prev.Status = StatusRolledBack
	}
	return u, nil
}

func priorityToMeshPriority(p Priority) eventmesh.Priority {
	switch p {
	case PriorityCritical:
		return eventmesh.PriorityCritical
	case PriorityHigh:
		return eventmesh.PriorityHigh
	default:
		return eventmesh.PriorityNormal
	}
}

// checksum returns H(content): a sha256 digest of the update's canonical
// JSON-encoded payload, so any change to the content it protects changes
// the checksum regardless of the content's printed length.
func checksum(u *LogicUpdate) string {
	content, err := json.Marshal(u.Payload)
	if err != nil {
		content = []byte(fmt.Sprint(u.Payload))
	}
	sum := sha256.Sum256(content)
	return fmt.Sprintf("%x", sum)
}

func defaultValidators() map[UpdateType]Validator {
	sandbox := NewSandbox()
	return map[UpdateType]Validator{
		UpdateSchema: func(ctx context.Context, u *LogicUpdate) (bool, string, error) {
			oldSchema, _ := u.Payload["previous_schema"].(string)
			newSchema, _ := u.Payload["schema"].(string)
			if newSchema == "" {
				return false, "schema payload missing 'schema' field", nil
			}
			changes := DiffSchemas(oldSchema, newSchema)
			if IsBreaking(changes) && u.Priority != PriorityCritical {
				return false, fmt.Sprintf("breaking schema change requires critical priority: %d changes", len(changes)), nil
			}
			return true, fmt.Sprintf("%d field changes", len(changes)), nil
		},
		UpdateCodeModule: func(ctx context.Context, u *LogicUpdate) (bool, string, error) {
			return validateViaSandbox(ctx, sandbox, u)
		},
		UpdatePlaybook: func(ctx context.Context, u *LogicUpdate) (bool, string, error) {
			return validateViaSandbox(ctx, sandbox, u)
		},
		UpdateConfig: func(ctx context.Context, u *LogicUpdate) (bool, string, error) {
			return true, "", nil
		},
		UpdateMetricDefinition: func(ctx context.Context, u *LogicUpdate) (bool, string, error) {
			if _, ok := u.Payload["name"].(string); !ok {
				return false, "metric_definition payload missing 'name'", nil
			}
			return true, "", nil
		},
		UpdateComponentHandshake: func(ctx context.Context, u *LogicUpdate) (bool, string, error) {
			return true, "", nil
		},
	}
}

func validateViaSandbox(ctx context.Context, sandbox *Sandbox, u *LogicUpdate) (bool, string, error) {
	source, _ := u.Payload["source"].(string)
	if source == "" {
		return false, "payload missing 'source'", nil
	}
	input, _ := u.Payload["self_test_input"].(map[string]interface{})
	res, err := sandbox.Validate(ctx, source, input)
	if err != nil {
		return false, "", err
	}
	if !res.Passed {
		return false, fmt.Sprintf("selfTest failed: %s", res.Error), nil
	}
	return true, "selfTest passed", nil
}
