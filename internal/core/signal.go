package core

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role identifies a signal endpoint.
type Role string

const (
	RoleRunner   Role = "runner"
	RoleGuardian Role = "guardian"
	RoleTerminal Role = "terminal"
	RoleChannel  Role = "channel"
	RoleSystem   Role = "system"
)

var roles = map[Role]struct{}{
	RoleRunner:   {},
	RoleGuardian: {},
	RoleTerminal: {},
	RoleChannel:  {},
	RoleSystem:   {},
}

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	role := Role(s)
	if _, ok := roles[role]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return role, nil
}

// SignalType enumerates the closed set of envelope types.
type SignalType string

const (
	SignalNeedsReview         SignalType = "NEEDS_REVIEW"
	SignalNeedsInput          SignalType = "NEEDS_INPUT"
	SignalViolation           SignalType = "VIOLATION"
	SignalOrchestratorStuck   SignalType = "ORCHESTRATOR_STUCK"
	SignalOrchestratorCrashed SignalType = "ORCHESTRATOR_CRASHED"
	SignalNodeComplete        SignalType = "NODE_COMPLETE"
	SignalValidationPassed    SignalType = "VALIDATION_PASSED"
	SignalValidationFailed    SignalType = "VALIDATION_FAILED"
	SignalInputResponse       SignalType = "INPUT_RESPONSE"
	SignalKillOrchestrator    SignalType = "KILL_ORCHESTRATOR"
	SignalGuidance            SignalType = "GUIDANCE"
	SignalInboundCommand      SignalType = "INBOUND_COMMAND"
	SignalRunnerStarted       SignalType = "RUNNER_STARTED"
	SignalRunnerHeartbeat     SignalType = "RUNNER_HEARTBEAT"
	SignalRunnerComplete      SignalType = "RUNNER_COMPLETE"
	SignalRunnerStuck         SignalType = "RUNNER_STUCK"
	SignalRunnerError         SignalType = "RUNNER_ERROR"
	SignalRunnerUnregistered  SignalType = "RUNNER_UNREGISTERED"
	SignalNodeSpawned         SignalType = "NODE_SPAWNED"
	SignalNodeImplComplete    SignalType = "NODE_IMPL_COMPLETE"
	SignalNodeValidated       SignalType = "NODE_VALIDATED"
	SignalNodeFailed          SignalType = "NODE_FAILED"
	SignalAwaitingApproval    SignalType = "AWAITING_APPROVAL"
	SignalEscalate            SignalType = "ESCALATE"
)

var signalTypes = map[SignalType]struct{}{
	SignalNeedsReview: {}, SignalNeedsInput: {}, SignalViolation: {},
	SignalOrchestratorStuck: {}, SignalOrchestratorCrashed: {},
	SignalNodeComplete: {}, SignalValidationPassed: {}, SignalValidationFailed: {},
	SignalInputResponse: {}, SignalKillOrchestrator: {}, SignalGuidance: {},
	SignalInboundCommand: {}, SignalRunnerStarted: {}, SignalRunnerHeartbeat: {},
	SignalRunnerComplete: {}, SignalRunnerStuck: {}, SignalRunnerError: {},
	SignalRunnerUnregistered: {}, SignalNodeSpawned: {}, SignalNodeImplComplete: {},
	SignalNodeValidated: {}, SignalNodeFailed: {}, SignalAwaitingApproval: {},
	SignalEscalate: {},
}

// ParseSignalType validates a signal type string against the closed set.
func ParseSignalType(s string) (SignalType, error) {
	st := SignalType(s)
	if _, ok := signalTypes[st]; !ok {
		return "", fmt.Errorf("unknown signal type %q", s)
	}
	return st, nil
}

// signalIDTimeFormat is an ISO 8601 basic-format UTC timestamp. Fixed-width
// fields keep a lexical sort of envelope ids in chronological order.
const signalIDTimeFormat = "20060102T150405.000000000Z"

// Signal is an immutable message envelope. Signals are values; no field is
// mutated after write.
type Signal struct {
	ID         string         `json:"id"`
	Source     Role           `json:"source"`
	Target     Role           `json:"target"`
	SignalType SignalType     `json:"signal_type"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewSignal builds an envelope with a monotonically ordered id. The suffix is
// the low 6 characters of a ULID so two envelopes created in the same
// nanosecond still sort and collide-avoid.
func NewSignal(source, target Role, signalType SignalType, payload map[string]any) Signal {
	now := time.Now().UTC()
	suffix := strings.ToLower(ulid.MustNew(ulid.Timestamp(now), rand.Reader).String())
	suffix = suffix[len(suffix)-6:]
	id := fmt.Sprintf("%s-%s-%s-%s", now.Format(signalIDTimeFormat), source, target, suffix)
	return Signal{
		ID:         id,
		Source:     source,
		Target:     target,
		SignalType: signalType,
		Payload:    payload,
		CreatedAt:  now,
	}
}

// Filename returns the on-disk name for the envelope.
func (s Signal) Filename() string {
	return s.ID + ".json"
}
