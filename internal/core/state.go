package core

import "time"

// RunnerState is the per-pipeline persisted record. It is exclusively owned
// by its runner process; the guardian and CLI read it read-only.
type RunnerState struct {
	PipelineID              string                `json:"pipeline_id"`
	PipelinePath            string                `json:"pipeline_path"`
	SessionID               string                `json:"session_id"`
	Paused                  bool                  `json:"paused"`
	LastPlan                *Plan                 `json:"last_plan,omitempty"`
	NodeStatuses            map[string]NodeStatus `json:"node_statuses"`
	RetryCounts             map[string]int        `json:"retry_counts"`
	ImplementerMap          map[string]string     `json:"implementer_map"`
	UpdatedAt               time.Time             `json:"updated_at"`
	CompletedCheckpointPath string                `json:"completed_checkpoint_path,omitempty"`
}

// NewRunnerState builds an empty state for a pipeline.
func NewRunnerState(pipelineID, pipelinePath, sessionID string) *RunnerState {
	return &RunnerState{
		PipelineID:     pipelineID,
		PipelinePath:   pipelinePath,
		SessionID:      sessionID,
		NodeStatuses:   map[string]NodeStatus{},
		RetryCounts:    map[string]int{},
		ImplementerMap: map[string]string{},
		UpdatedAt:      time.Now().UTC(),
	}
}
