package core

// ActionKind enumerates the operations a plan may propose.
type ActionKind string

const (
	ActionSpawnOrchestrator  ActionKind = "spawn_orchestrator"
	ActionDispatchValidation ActionKind = "dispatch_validation"
	ActionTransitionNode     ActionKind = "transition_node"
	ActionSignalFinalize     ActionKind = "signal_finalize"
	ActionSignalStuck        ActionKind = "signal_stuck"
	ActionSendGuidance       ActionKind = "send_guidance"
	ActionAskHuman           ActionKind = "ask_human"
)

// Priority orders actions within a plan.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Action is a single proposed operation. Actions are never partially
// executed: either the pre-hook allows it and it runs, or it is dropped
// with a recorded reason.
type Action struct {
	Kind     ActionKind     `json:"kind"`
	NodeID   string         `json:"node_id,omitempty"`
	Priority Priority       `json:"priority"`
	Reason   string         `json:"reason,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// BlockedNode records a node the plan could not advance, with the reason.
type BlockedNode struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

// Plan is the runner's output for one cycle. It is embedded as LastPlan
// inside RunnerState, never persisted on its own.
type Plan struct {
	PipelineID       string         `json:"pipeline_id"`
	CurrentStage     Stage          `json:"current_stage"`
	Summary          string         `json:"summary"`
	Actions          []Action       `json:"actions"`
	BlockedNodes     []BlockedNode  `json:"blocked_nodes"`
	CompletedNodes   []string       `json:"completed_nodes"`
	PipelineComplete bool           `json:"pipeline_complete"`
	RetryCounts      map[string]int `json:"retry_counts"`
}
