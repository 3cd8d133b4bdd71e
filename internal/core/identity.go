package core

import "time"

// AgentStatus is the liveness status of a registered agent.
type AgentStatus string

const (
	AgentStatusActive     AgentStatus = "active"
	AgentStatusCrashed    AgentStatus = "crashed"
	AgentStatusTerminated AgentStatus = "terminated"
)

// Identity is the registry record for one live agent. It is exclusively
// owned by the named agent; peers read it only to detect staleness.
type Identity struct {
	Role          Role           `json:"role"`
	Name          string         `json:"name"`
	SessionID     string         `json:"session_id"`
	Worktree      string         `json:"worktree,omitempty"`
	AgentID       string         `json:"agent_id"`
	Status        AgentStatus    `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	CrashedAt     *time.Time     `json:"crashed_at,omitempty"`
	TerminatedAt  *time.Time     `json:"terminated_at,omitempty"`
	PredecessorID string         `json:"predecessor_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}
