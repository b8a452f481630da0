package logichub

import "time"

// UpdateType names what kind of artifact a LogicUpdate distributes.
type UpdateType string

const (
	UpdateSchema            UpdateType = "schema"
	UpdateCodeModule         UpdateType = "code_module"
	UpdatePlaybook           UpdateType = "playbook"
	UpdateConfig             UpdateType = "config"
	UpdateMetricDefinition   UpdateType = "metric_definition"
	UpdateComponentHandshake UpdateType = "component_handshake"
)

// Stage names one step of the eight-stage pipeline every LogicUpdate passes
// through, in order.
type Stage string

const (
	StageIngestionGate   Stage = "ingestion_gate"
	StageGovernance      Stage = "governance"
	StageCryptoSign      Stage = "crypto_sign"
	StageAuditProposal   Stage = "audit_proposal"
	StageValidation      Stage = "validation"
	StagePackageBuild    Stage = "package_build"
	StageDistribution    Stage = "distribution"
	StageObservation     Stage = "observation"
)

var stageOrder = []Stage{
	StageIngestionGate,
	StageGovernance,
	StageCryptoSign,
	StageAuditProposal,
	StageValidation,
	StagePackageBuild,
	StageDistribution,
	StageObservation,
}

// Status is a LogicUpdate's lifecycle state.
type Status string

const (
	StatusPending     Status = "proposed"
	StatusReview      Status = "review"
	StatusGoverned    Status = "governed"
	StatusValidating  Status = "validating"
	StatusFailed      Status = "failed"
	StatusDistributed Status = "distributed"
	StatusObserving   Status = "observing"
	StatusRolledBack  Status = "rolled_back"
)

// Priority is passed to governance as context.priority, sets the mesh
// priority of the update's events, and picks the mission risk level.
// Rollback updates are submitted at Critical. It does not reorder or
// preempt updates: stages 5-8 for one target run strictly one at a time.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// StageRecord captures one stage's outcome in an update's history.
type StageRecord struct {
	Stage     Stage     `json:"stage"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
}

// LogicUpdate is one proposed change flowing through the hub: a schema
// revision, a code module, a playbook, a config delta, a metric
// definition, or a component handshake announcement.
type LogicUpdate struct {
	ID               string        `json:"id"`
	Type             UpdateType    `json:"type"`
	TargetComponent  string        `json:"target_component"`
	Priority         Priority      `json:"priority"`
	Proposer         string        `json:"proposer"`
	Payload          map[string]interface{} `json:"payload"`
	Status           Status        `json:"status"`
	History          []StageRecord `json:"history"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	SupersedesID     string        `json:"supersedes_id,omitempty"`
	Checksum         string        `json:"checksum,omitempty"`
	Signature        string        `json:"signature,omitempty"`
}

// AppendStage records a stage outcome and advances UpdatedAt.
func (u *LogicUpdate) AppendStage(stage Stage, success bool, detail string, started time.Time) {
	u.History = append(u.History, StageRecord{
		Stage:     stage,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
		Success:   success,
		Detail:    detail,
	})
	u.UpdatedAt = time.Now().UTC()
}
