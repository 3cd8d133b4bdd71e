package runner

import (
	"fmt"
	"sort"

	"github.com/drover-org/drover/internal/core"
	"github.com/drover-org/drover/internal/digraph"
)

// BuildPlan composes the plan for one cycle from the DAG with state already
// applied. It is a pure function of its inputs: identical DAG, state and
// config produce identical plans (modulo free-form reason strings).
//
// Rule order, first match wins per node:
//  1. pipeline complete -> signal_finalize alone
//  2. failed nodes with the retry budget exhausted -> signal_stuck per
//     node, alone
//  3. failed nodes with retry budget left -> transition_node(active) retry
//  4. ready code-generator nodes -> spawn_orchestrator
//  5. impl_complete nodes with a human-wait successor -> dispatch_validation
//
// signal_finalize and signal_stuck are never mixed with progress-advancing
// actions in the same plan. Nodes that are already blocked, and pending
// nodes behind a permanently dead upstream, are recorded in blocked_nodes
// rather than acted on, so one dead branch never starves the others.
func BuildPlan(dag *digraph.DAG, state *core.RunnerState, maxRetries int) *core.Plan {
	plan := &core.Plan{
		PipelineID:   state.PipelineID,
		Actions:      []core.Action{},
		BlockedNodes: []core.BlockedNode{},
		RetryCounts:  copyRetryCounts(state.RetryCounts),
	}

	for _, node := range dag.Nodes() {
		if node.Status == core.NodeStatusValidated {
			plan.CompletedNodes = append(plan.CompletedNodes, node.ID)
		}
	}
	sort.Strings(plan.CompletedNodes)

	if dag.IsComplete() {
		plan.CurrentStage = core.StageFinalize
		plan.PipelineComplete = true
		plan.Summary = "pipeline complete; signalling finalize"
		plan.Actions = append(plan.Actions, core.Action{
			Kind:     core.ActionSignalFinalize,
			Priority: core.PriorityHigh,
			Reason:   "all nodes validated",
		})
		return plan
	}

	// Stuck nodes split two ways: a failed node that exhausted its retry
	// budget gets one signal_stuck (emitted alone, and it transitions to
	// blocked on execution); everything else stuck (already blocked, or
	// pending behind a dead upstream) is only recorded, so later cycles
	// keep advancing unaffected branches.
	var stuckActions []core.Action
	for _, sn := range dag.Stuck(maxRetries) {
		if sn.Node.Status == core.NodeStatusFailed {
			stuckActions = append(stuckActions, core.Action{
				Kind:     core.ActionSignalStuck,
				NodeID:   sn.Node.ID,
				Priority: core.PriorityHigh,
				Reason:   sn.Reason,
			})
			continue
		}
		plan.BlockedNodes = append(plan.BlockedNodes, core.BlockedNode{
			NodeID: sn.Node.ID,
			Reason: sn.Reason,
		})
	}
	if len(stuckActions) > 0 {
		plan.CurrentStage = core.StageExecute
		plan.Summary = fmt.Sprintf("%d node(s) exhausted their retry budget; escalating", len(stuckActions))
		plan.Actions = stuckActions
		return plan
	}

	// Progress-advancing actions. Ready/failed sets are already sorted by
	// node id; high-priority retries precede normal spawns.
	for _, node := range sortedByID(dag.Nodes()) {
		if node.Status == core.NodeStatusFailed && node.RetryCount < maxRetries {
			plan.Actions = append(plan.Actions, core.Action{
				Kind:     core.ActionTransitionNode,
				NodeID:   node.ID,
				Priority: core.PriorityHigh,
				Reason:   fmt.Sprintf("retrying failed node (attempt %d of %d)", node.RetryCount+1, maxRetries),
				Payload:  map[string]any{"new_status": string(core.NodeStatusActive)},
			})
		}
	}

	for _, node := range dag.Ready() {
		if node.Handler != core.HandlerCodeGenerator {
			continue
		}
		plan.Actions = append(plan.Actions, core.Action{
			Kind:     core.ActionSpawnOrchestrator,
			NodeID:   node.ID,
			Priority: core.PriorityNormal,
			Reason:   "dependencies met; spawning implementer",
		})
	}

	var dispatchCount int
	for _, node := range sortedByID(dag.Nodes()) {
		if node.Status != core.NodeStatusImplComplete {
			continue
		}
		if !hasHumanWaitSuccessor(dag, node.ID) {
			continue
		}
		plan.Actions = append(plan.Actions, core.Action{
			Kind:     core.ActionDispatchValidation,
			NodeID:   node.ID,
			Priority: core.PriorityNormal,
			Reason:   "implementation complete; requesting validation",
		})
		dispatchCount++
	}

	plan.CurrentStage = stageFor(plan, dag, dispatchCount)
	plan.Summary = summarize(plan)
	return plan
}

func stageFor(plan *core.Plan, dag *digraph.DAG, dispatchCount int) core.Stage {
	if len(plan.Actions) > 0 {
		if dispatchCount == len(plan.Actions) {
			return core.StageAwaitValidation
		}
		return core.StageExecute
	}
	// Nothing actionable: distinguish a pipeline that has not started from
	// one waiting on in-flight work.
	for _, node := range dag.Nodes() {
		if node.Status != core.NodeStatusPending {
			return core.StageExecute
		}
	}
	return core.StageInitialize
}

func summarize(plan *core.Plan) string {
	if len(plan.Actions) == 0 {
		return "nothing actionable; waiting"
	}
	counts := map[core.ActionKind]int{}
	for _, action := range plan.Actions {
		counts[action.Kind]++
	}
	return fmt.Sprintf("%d action(s): %d spawn, %d validation, %d transition",
		len(plan.Actions),
		counts[core.ActionSpawnOrchestrator],
		counts[core.ActionDispatchValidation],
		counts[core.ActionTransitionNode])
}

func hasHumanWaitSuccessor(dag *digraph.DAG, nodeID string) bool {
	for _, succ := range dag.Successors(nodeID) {
		if dag.Node(succ).Handler == core.HandlerHumanWait {
			return true
		}
	}
	return false
}

func sortedByID(nodes []*core.Node) []*core.Node {
	sorted := append([]*core.Node(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}

func copyRetryCounts(src map[string]int) map[string]int {
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
