// Package core defines the domain model shared by the runner, guardian,
// signal bus and their file-backed stores.
package core

import "fmt"

// NodeStatus represents the lifecycle status of a pipeline node.
type NodeStatus string

const (
	NodeStatusPending      NodeStatus = "pending"
	NodeStatusActive       NodeStatus = "active"
	NodeStatusImplComplete NodeStatus = "impl_complete"
	NodeStatusValidated    NodeStatus = "validated"
	NodeStatusFailed       NodeStatus = "failed"
	NodeStatusBlocked      NodeStatus = "blocked"
)

var nodeStatuses = map[NodeStatus]struct{}{
	NodeStatusPending:      {},
	NodeStatusActive:       {},
	NodeStatusImplComplete: {},
	NodeStatusValidated:    {},
	NodeStatusFailed:       {},
	NodeStatusBlocked:      {},
}

// ParseNodeStatus validates a status string. An empty string parses to
// pending, the load-time default.
func ParseNodeStatus(s string) (NodeStatus, error) {
	if s == "" {
		return NodeStatusPending, nil
	}
	status := NodeStatus(s)
	if _, ok := nodeStatuses[status]; !ok {
		return "", fmt.Errorf("unknown node status %q", s)
	}
	return status, nil
}

// IsTerminal reports whether no further transitions are expected.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusValidated || s == NodeStatusBlocked
}

// HandlerType is the kind of a DAG node, dictating how it is executed.
type HandlerType string

const (
	HandlerCodeGenerator      HandlerType = "code-generator"
	HandlerAutomatedValidator HandlerType = "automated-validator"
	HandlerHumanWait          HandlerType = "human-wait"
	HandlerDecisionBranch     HandlerType = "decision-branch"
	HandlerTerminalEntry      HandlerType = "terminal-entry"
	HandlerTerminalExit       HandlerType = "terminal-exit"
)

var handlerTypes = map[HandlerType]struct{}{
	HandlerCodeGenerator:      {},
	HandlerAutomatedValidator: {},
	HandlerHumanWait:          {},
	HandlerDecisionBranch:     {},
	HandlerTerminalEntry:      {},
	HandlerTerminalExit:       {},
}

// ParseHandlerType validates a handler string.
func ParseHandlerType(s string) (HandlerType, error) {
	handler := HandlerType(s)
	if _, ok := handlerTypes[handler]; !ok {
		return "", fmt.Errorf("unknown handler type %q", s)
	}
	return handler, nil
}

// Stage is the runner's coarse pipeline stage reported in each plan.
type Stage string

const (
	StageInitialize      Stage = "INITIALIZE"
	StageExecute         Stage = "EXECUTE"
	StageAwaitValidation Stage = "AWAIT_VALIDATION"
	StageFinalize        Stage = "FINALIZE"
)
