// Package runner implements the reactive pipeline runner: one
// single-threaded cooperative loop per pipeline that reads the DAG and
// persisted state, composes a plan, gates every action through the guard
// rails, executes what is allowed, and persists state atomically after
// every cycle.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/drover-org/drover/internal/cmn/config"
	"github.com/drover-org/drover/internal/cmn/logger"
	"github.com/drover-org/drover/internal/cmn/logger/tag"
	"github.com/drover-org/drover/internal/core"
	"github.com/drover-org/drover/internal/digraph"
	"github.com/drover-org/drover/internal/persis/fileaudit"
	"github.com/drover-org/drover/internal/persis/filesignal"
	"github.com/drover-org/drover/internal/persis/filestate"
	"github.com/drover-org/drover/internal/sessionhost"
)

// runnerAgentID identifies transitions performed by the runner itself.
const runnerAgentID = "runner"

// Runner drives one pipeline to completion.
type Runner struct {
	cfg     *config.Config
	dag     *digraph.DAG
	state   *core.RunnerState
	states  *filestate.Store
	audit   *fileaudit.Store
	signals *filesignal.Store
	host    sessionhost.Host
	rails   *GuardRails

	dryRun         bool
	shutdown       atomic.Bool
	stuckSignalled map[string]bool

	// refusals collects guard-rail rejections of inbound transition
	// requests; the next cycle surfaces them in the plan's blocked_nodes.
	refusals []core.BlockedNode
}

// Option configures a Runner.
type Option func(*Runner)

// WithDryRun makes the runner plan without executing or persisting.
func WithDryRun() Option {
	return func(r *Runner) { r.dryRun = true }
}

// New builds a runner for the given pipeline. An existing persisted state is
// resumed; otherwise a fresh one is created from the DAG's declared statuses.
func New(
	cfg *config.Config,
	dag *digraph.DAG,
	states *filestate.Store,
	audit *fileaudit.Store,
	signals *filesignal.Store,
	host sessionhost.Host,
	sessionID string,
	opts ...Option,
) (*Runner, error) {
	state, err := states.Load(dag.Name)
	if err != nil {
		if !errors.Is(err, filestate.ErrNotFound) {
			return nil, err
		}
		state = core.NewRunnerState(dag.Name, dag.Location, sessionID)
		for _, node := range dag.Nodes() {
			state.NodeStatuses[node.ID] = node.Status
		}
	}

	r := &Runner{
		cfg:     cfg,
		dag:     dag,
		state:   state,
		states:  states,
		audit:   audit,
		signals: signals,
		host:    host,
		rails: NewGuardRails(GuardRailsConfig{
			MaxRetries:     cfg.MaxRetries,
			EvidenceMaxAge: cfg.EvidenceMaxAge,
			SpotCheckRate:  cfg.SpotCheckRate,
		}),
		stuckSignalled: map[string]bool{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RequestShutdown asks the loop to finish the current cycle, persist and
// exit. No in-flight action is killed.
func (r *Runner) RequestShutdown() {
	r.shutdown.Store(true)
}

// State exposes the current in-memory state for read-only inspection.
func (r *Runner) State() *core.RunnerState {
	return r.state
}

// Run executes cycles until the pipeline completes, shutdown is requested,
// the context is cancelled, or maxIterations (when > 0) elapse.
func (r *Runner) Run(ctx context.Context, maxIterations int) error {
	r.emit(ctx, core.RoleGuardian, core.SignalRunnerStarted, map[string]any{
		"pipeline_id": r.state.PipelineID,
	})

	for iteration := 0; maxIterations <= 0 || iteration < maxIterations; iteration++ {
		r.processInbound(ctx)

		if r.state.Paused {
			logger.Debug(ctx, "Pipeline paused; observing only", tag.Pipeline(r.state.PipelineID))
		} else {
			plan, err := r.Cycle(ctx)
			if err != nil {
				r.emit(ctx, core.RoleGuardian, core.SignalRunnerError, map[string]any{
					"pipeline_id": r.state.PipelineID,
					"error":       err.Error(),
				})
				return err
			}
			if plan.PipelineComplete {
				logger.Info(ctx, "Pipeline complete", tag.Pipeline(r.state.PipelineID))
				return nil
			}
		}

		if r.shutdown.Load() {
			logger.Info(ctx, "Shutdown requested; exiting after persisted cycle",
				tag.Pipeline(r.state.PipelineID))
			return nil
		}

		r.emit(ctx, core.RoleGuardian, core.SignalRunnerHeartbeat, map[string]any{
			"pipeline_id": r.state.PipelineID,
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}
	}
	return nil
}

// Cycle runs a single plan-execute-persist round. A cycle that cannot
// persist its state is fatal and leaves on-disk state untouched.
func (r *Runner) Cycle(ctx context.Context) (*core.Plan, error) {
	r.dag.ApplyState(r.state.NodeStatuses, r.state.RetryCounts)
	r.advanceStructuralNodes(ctx)

	plan := BuildPlan(r.dag, r.state, r.cfg.MaxRetries)
	plan.BlockedNodes = append(plan.BlockedNodes, r.refusals...)
	r.refusals = nil

	if r.dryRun {
		logger.Info(ctx, "Dry run: plan not executed",
			tag.Pipeline(plan.PipelineID), tag.Count(len(plan.Actions)))
		return plan, nil
	}

	for _, action := range plan.Actions {
		decision := r.rails.PreCheck(action, r.state)
		if !decision.Allowed {
			logger.Warn(ctx, "Action refused by guard rails",
				tag.Pipeline(plan.PipelineID), tag.Node(action.NodeID),
				tag.Action(string(action.Kind)), tag.Reason(decision.Reason))
			plan.BlockedNodes = append(plan.BlockedNodes, core.BlockedNode{
				NodeID: action.NodeID,
				Reason: decision.Reason,
			})
			continue
		}
		if err := r.execute(ctx, action); err != nil {
			logger.Error(ctx, "Action execution failed",
				tag.Pipeline(plan.PipelineID), tag.Node(action.NodeID),
				tag.Action(string(action.Kind)), tag.Error(err))
			plan.BlockedNodes = append(plan.BlockedNodes, core.BlockedNode{
				NodeID: action.NodeID,
				Reason: err.Error(),
			})
		}
	}

	plan.RetryCounts = copyRetryCounts(r.state.RetryCounts)
	r.state.LastPlan = plan

	if err := r.states.Save(r.state); err != nil {
		return nil, fmt.Errorf("fatal: failed to persist runner state: %w", err)
	}
	return plan, nil
}

// advanceStructuralNodes auto-validates ready terminal-entry and
// terminal-exit nodes; they carry no work of their own.
func (r *Runner) advanceStructuralNodes(ctx context.Context) {
	for {
		advanced := false
		for _, node := range r.dag.Ready() {
			if node.Handler != core.HandlerTerminalEntry && node.Handler != core.HandlerTerminalExit {
				continue
			}
			if err := r.applyTransition(ctx, node.ID, core.NodeStatusValidated, runnerAgentID, nil); err != nil {
				logger.Error(ctx, "Failed to advance structural node",
					tag.Node(node.ID), tag.Error(err))
				continue
			}
			advanced = true
		}
		if !advanced {
			return
		}
	}
}

func (r *Runner) execute(ctx context.Context, action core.Action) error {
	switch action.Kind {
	case core.ActionSpawnOrchestrator:
		return r.spawnOrchestrator(ctx, action)
	case core.ActionDispatchValidation:
		return r.dispatchValidation(ctx, action)
	case core.ActionTransitionNode:
		return r.executeTransition(ctx, action)
	case core.ActionSignalFinalize:
		return r.signalFinalize(ctx)
	case core.ActionSignalStuck:
		return r.signalStuck(ctx, action)
	case core.ActionSendGuidance:
		r.emit(ctx, core.RoleGuardian, core.SignalGuidance, action.Payload)
		return nil
	case core.ActionAskHuman:
		r.emit(ctx, core.RoleTerminal, core.SignalNeedsInput, action.Payload)
		return nil
	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

// WorkerSessionName returns the session name for a node's implementer.
func WorkerSessionName(pipelineID, nodeID string) string {
	return fmt.Sprintf("worker-%s-%s", pipelineID, nodeID)
}

func (r *Runner) spawnOrchestrator(ctx context.Context, action core.Action) error {
	node := r.dag.Node(action.NodeID)
	if node == nil {
		return fmt.Errorf("spawn references unknown node %q", action.NodeID)
	}
	sessionName := WorkerSessionName(r.state.PipelineID, node.ID)

	prompt := fmt.Sprintf("Implement node %s. Acceptance: %s", node.ID, node.Acceptance)
	if node.FilePath != "" {
		prompt = fmt.Sprintf("Implement %s. Acceptance: %s", node.FilePath, node.Acceptance)
	}
	if err := r.host.Spawn(ctx, sessionhost.SpawnSpec{
		Name:         sessionName,
		WorkingDir:   r.state.PipelinePath,
		InitialInput: prompt,
	}); err != nil {
		return err
	}

	// The session name doubles as the implementer's agent id for the
	// implementer-separation guard.
	r.state.ImplementerMap[node.ID] = sessionName

	if err := r.applyTransition(ctx, node.ID, core.NodeStatusActive, runnerAgentID, nil); err != nil {
		return err
	}
	r.emit(ctx, core.RoleGuardian, core.SignalNodeSpawned, map[string]any{
		"pipeline_id": r.state.PipelineID,
		"node_id":     node.ID,
		"session":     sessionName,
	})
	logger.Info(ctx, "Spawned implementer session",
		tag.Pipeline(r.state.PipelineID), tag.Node(node.ID), tag.Session(sessionName))
	return nil
}

func (r *Runner) dispatchValidation(ctx context.Context, action core.Action) error {
	node := r.dag.Node(action.NodeID)
	if node == nil {
		return fmt.Errorf("dispatch references unknown node %q", action.NodeID)
	}
	r.emit(ctx, core.RoleTerminal, core.SignalAwaitingApproval, map[string]any{
		"pipeline_id": r.state.PipelineID,
		"node_id":     node.ID,
		"file_path":   node.FilePath,
		"acceptance":  node.Acceptance,
	})
	logger.Info(ctx, "Validation dispatched",
		tag.Pipeline(r.state.PipelineID), tag.Node(node.ID))
	return nil
}

func (r *Runner) executeTransition(ctx context.Context, action core.Action) error {
	target, _ := action.Payload["new_status"].(string)
	status, err := core.ParseNodeStatus(target)
	if err != nil {
		return err
	}
	agentID, _ := action.Payload["agent_id"].(string)
	if agentID == "" {
		agentID = runnerAgentID
	}
	return r.applyTransition(ctx, action.NodeID, status, agentID, action.Payload)
}

func (r *Runner) signalFinalize(ctx context.Context) error {
	r.emit(ctx, core.RoleTerminal, core.SignalRunnerComplete, map[string]any{
		"pipeline_id": r.state.PipelineID,
	})
	r.emit(ctx, core.RoleGuardian, core.SignalRunnerComplete, map[string]any{
		"pipeline_id": r.state.PipelineID,
	})
	return nil
}

func (r *Runner) signalStuck(ctx context.Context, action core.Action) error {
	node := r.dag.Node(action.NodeID)
	if node == nil {
		return fmt.Errorf("stuck signal references unknown node %q", action.NodeID)
	}
	// A failed node out of retry budget stays blocked from here on.
	if node.Status == core.NodeStatusFailed {
		if err := r.applyTransition(ctx, node.ID, core.NodeStatusBlocked, runnerAgentID, nil); err != nil {
			return err
		}
	}
	if r.stuckSignalled[node.ID] {
		return nil
	}
	r.stuckSignalled[node.ID] = true
	r.emit(ctx, core.RoleTerminal, core.SignalRunnerStuck, map[string]any{
		"pipeline_id": r.state.PipelineID,
		"node_id":     node.ID,
		"reason":      action.Reason,
	})
	return nil
}

// applyTransition mutates node status, maintains retry counts per the
// post-hook duties, and appends an audit entry. Retry counts increment on a
// failing transition and reset on validated.
func (r *Runner) applyTransition(ctx context.Context, nodeID string, to core.NodeStatus, agentID string, payload map[string]any) error {
	node := r.dag.Node(nodeID)
	if node == nil {
		return fmt.Errorf("transition references unknown node %q", nodeID)
	}
	from := node.Status

	node.Status = to
	r.state.NodeStatuses[nodeID] = to

	switch to {
	case core.NodeStatusFailed:
		r.state.RetryCounts[nodeID]++
		node.RetryCount = r.state.RetryCounts[nodeID]
	case core.NodeStatusValidated:
		delete(r.state.RetryCounts, nodeID)
		node.RetryCount = 0
	}

	entry := core.AuditEntry{
		Timestamp:   time.Now().UTC(),
		NodeID:      nodeID,
		FromStatus:  string(from),
		ToStatus:    string(to),
		AgentID:     agentID,
		PayloadHash: hashPayload(payload),
	}
	if _, err := r.audit.Append(entry); err != nil {
		return err
	}

	if r.rails.SpotCheck() {
		spot := core.AuditEntry{
			Timestamp:  time.Now().UTC(),
			NodeID:     nodeID,
			FromStatus: string(to),
			ToStatus:   core.StatusSpotCheckFlagged,
			AgentID:    runnerAgentID,
		}
		if _, err := r.audit.Append(spot); err != nil {
			return err
		}
	}

	logger.Info(ctx, "Node transitioned",
		tag.Pipeline(r.state.PipelineID), tag.Node(nodeID),
		tag.Status(string(to)), tag.Agent(agentID))
	return nil
}

// processInbound drains signals addressed to the runner. Errors here are
// non-fatal: a malformed signal is consumed and logged.
func (r *Runner) processInbound(ctx context.Context) {
	signals, paths, err := r.signals.List(core.RoleRunner)
	if err != nil {
		logger.Error(ctx, "Failed to list inbound signals", tag.Error(err))
		return
	}
	for i, signal := range signals {
		r.handleSignal(ctx, signal)
		if err := r.signals.Consume(paths[i]); err != nil {
			logger.Error(ctx, "Failed to consume signal",
				tag.Path(paths[i]), tag.Error(err))
		}
	}
}

func (r *Runner) handleSignal(ctx context.Context, signal core.Signal) {
	logger.Debug(ctx, "Inbound signal",
		tag.Signal(string(signal.SignalType)), tag.Source(string(signal.Source)))

	switch signal.SignalType {
	case core.SignalInboundCommand:
		r.handleCommand(ctx, signal)
	case core.SignalValidationPassed:
		r.gatedTransition(ctx, signal, core.NodeStatusValidated)
	case core.SignalValidationFailed:
		r.gatedTransition(ctx, signal, core.NodeStatusFailed)
	case core.SignalNodeImplComplete, core.SignalNodeComplete:
		r.gatedTransition(ctx, signal, core.NodeStatusImplComplete)
	default:
		logger.Debug(ctx, "Ignoring signal type for runner",
			tag.Signal(string(signal.SignalType)))
	}
}

func (r *Runner) handleCommand(ctx context.Context, signal core.Signal) {
	messageType, _ := signal.Payload["message_type"].(string)
	switch messageType {
	case "approval":
		r.gatedTransition(ctx, signal, core.NodeStatusValidated)
	case "override":
		r.gatedTransition(ctx, signal, core.NodeStatusFailed)
	case "shutdown":
		r.RequestShutdown()
	default: // guidance
		r.emit(ctx, core.RoleGuardian, core.SignalGuidance, signal.Payload)
	}
}

// gatedTransition routes an externally requested transition through the
// guard rails like any planned action.
func (r *Runner) gatedTransition(ctx context.Context, signal core.Signal, to core.NodeStatus) {
	nodeID, _ := signal.Payload["node_id"].(string)
	if nodeID == "" || r.dag.Node(nodeID) == nil {
		logger.Warn(ctx, "Transition request for unknown node",
			tag.Node(nodeID), tag.Signal(string(signal.SignalType)))
		return
	}
	payload := make(map[string]any, len(signal.Payload)+1)
	for k, v := range signal.Payload {
		payload[k] = v
	}
	payload["new_status"] = string(to)

	action := core.Action{
		Kind:     core.ActionTransitionNode,
		NodeID:   nodeID,
		Priority: core.PriorityHigh,
		Payload:  payload,
	}
	decision := r.rails.PreCheck(action, r.state)
	if !decision.Allowed {
		logger.Warn(ctx, "Inbound transition refused",
			tag.Node(nodeID), tag.Reason(decision.Reason))
		r.refusals = append(r.refusals, core.BlockedNode{
			NodeID: nodeID,
			Reason: decision.Reason,
		})
		return
	}
	if err := r.executeTransition(ctx, action); err != nil {
		logger.Error(ctx, "Inbound transition failed", tag.Node(nodeID), tag.Error(err))
	}
}

func (r *Runner) emit(ctx context.Context, target core.Role, signalType core.SignalType, payload map[string]any) {
	signal := core.NewSignal(core.RoleRunner, target, signalType, payload)
	if _, err := r.signals.Write(signal); err != nil {
		logger.Error(ctx, "Failed to emit signal",
			tag.Signal(string(signalType)), tag.Target(string(target)), tag.Error(err))
	}
}

func hashPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
