package runner

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-org/drover/internal/cmn/config"
	"github.com/drover-org/drover/internal/core"
	"github.com/drover-org/drover/internal/digraph"
	"github.com/drover-org/drover/internal/persis/fileaudit"
	"github.com/drover-org/drover/internal/persis/filesignal"
	"github.com/drover-org/drover/internal/persis/filestate"
	"github.com/drover-org/drover/internal/sessionhost"
)

type fakeHost struct {
	mu      sync.Mutex
	spawned []sessionhost.SpawnSpec
	alive   map[string]bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{alive: map[string]bool{}}
}

func (h *fakeHost) IsAlive(_ context.Context, name string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive[name], nil
}

func (h *fakeHost) Spawn(_ context.Context, spec sessionhost.SpawnSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spawned = append(h.spawned, spec)
	h.alive[spec.Name] = true
	return nil
}

func (h *fakeHost) Send(context.Context, string, string) error { return nil }

func (h *fakeHost) Kill(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.alive, name)
	return nil
}

var _ sessionhost.Host = (*fakeHost)(nil)

type harness struct {
	runner  *Runner
	host    *fakeHost
	signals *filesignal.Store
	states  *filestate.Store
	audit   *fileaudit.Store
	dag     *digraph.DAG
}

func newHarness(t *testing.T, pipeline string) *harness {
	t.Helper()
	root := t.TempDir()

	cfg := &config.Config{
		MaxRetries:     3,
		EvidenceMaxAge: 5 * time.Minute,
		PollInterval:   10 * time.Millisecond,
		SignalsDir:     filepath.Join(root, "signals"),
		StateDir:       filepath.Join(root, "state"),
	}

	dag := loadDAG(t, pipeline)
	states, err := filestate.New(cfg.StateDir)
	require.NoError(t, err)
	audit, err := fileaudit.New(states.AuditPath(dag.Name))
	require.NoError(t, err)
	signals, err := filesignal.New(cfg.SignalsDir,
		filesignal.WithPollInterval(cfg.PollInterval))
	require.NoError(t, err)
	host := newFakeHost()

	r, err := New(cfg, dag, states, audit, signals, host, "sess-1")
	require.NoError(t, err)
	return &harness{runner: r, host: host, signals: signals, states: states, audit: audit, dag: dag}
}

// inject delivers a signal addressed to the runner and drains the inbox.
func (h *harness) inject(t *testing.T, source core.Role, signalType core.SignalType, payload map[string]any) {
	t.Helper()
	_, err := h.signals.Write(core.NewSignal(source, core.RoleRunner, signalType, payload))
	require.NoError(t, err)
	h.runner.processInbound(context.Background())
}

func (h *harness) signalTypes(t *testing.T, target core.Role) []core.SignalType {
	t.Helper()
	signals, _, err := h.signals.List(target)
	require.NoError(t, err)
	types := make([]core.SignalType, 0, len(signals))
	for _, s := range signals {
		types = append(types, s.SignalType)
	}
	return types
}

func TestPipelineRunsToCompletion(t *testing.T) {
	h := newHarness(t, `
name: demo
nodes:
  - id: start
    handler: terminal-entry
  - id: impl_auth
    handler: code-generator
    file: internal/auth/auth.go
    acceptance: "passes review"
    depends: start
  - id: review
    handler: human-wait
    depends: impl_auth
  - id: finish
    handler: terminal-exit
    depends: review
`)
	ctx := context.Background()

	// Cycle 1: the entry node self-validates and the implementer spawns.
	plan, err := h.runner.Cycle(ctx)
	require.NoError(t, err)
	assert.False(t, plan.PipelineComplete)
	require.Len(t, h.host.spawned, 1)
	session := WorkerSessionName("demo", "impl_auth")
	assert.Equal(t, session, h.host.spawned[0].Name)
	assert.Equal(t, core.NodeStatusActive, h.runner.state.NodeStatuses["impl_auth"])
	assert.Equal(t, session, h.runner.state.ImplementerMap["impl_auth"])

	// Worker reports its implementation done.
	h.inject(t, core.RoleGuardian, core.SignalNodeImplComplete, map[string]any{
		"node_id":  "impl_auth",
		"agent_id": session,
	})
	assert.Equal(t, core.NodeStatusImplComplete, h.runner.state.NodeStatuses["impl_auth"])

	// Cycle 2: validation is dispatched for the human-wait successor.
	plan, err = h.runner.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StageAwaitValidation, plan.CurrentStage)
	assert.Contains(t, h.signalTypes(t, core.RoleTerminal), core.SignalAwaitingApproval)

	// Guardian validates the implementation; a human approves the review.
	h.inject(t, core.RoleGuardian, core.SignalValidationPassed, map[string]any{
		"node_id":  "impl_auth",
		"agent_id": "guardian-1",
	})
	assert.Equal(t, core.NodeStatusValidated, h.runner.state.NodeStatuses["impl_auth"])

	h.inject(t, core.RoleChannel, core.SignalInboundCommand, map[string]any{
		"message_type": "approval",
		"node_id":      "review",
		"sender":       "alice",
	})
	assert.Equal(t, core.NodeStatusValidated, h.runner.state.NodeStatuses["review"])

	// Cycle 3: the exit node self-validates and the pipeline finalizes.
	plan, err = h.runner.Cycle(ctx)
	require.NoError(t, err)
	assert.True(t, plan.PipelineComplete)
	assert.Contains(t, h.signalTypes(t, core.RoleTerminal), core.SignalRunnerComplete)

	// Audit chain stays intact through the whole run.
	valid, reason := h.audit.VerifyChain()
	assert.True(t, valid, reason)

	// State survived on disk.
	persisted, err := h.states.Load("demo")
	require.NoError(t, err)
	assert.Equal(t, core.NodeStatusValidated, persisted.NodeStatuses["impl_auth"])
}

func TestValidationFailureConsumesRetryBudget(t *testing.T) {
	h := newHarness(t, `
name: demo
nodes:
  - id: impl_auth
    handler: code-generator
`)
	ctx := context.Background()

	_, err := h.runner.Cycle(ctx)
	require.NoError(t, err)

	// Three failed validations exhaust the budget.
	for i := 1; i <= 3; i++ {
		h.inject(t, core.RoleGuardian, core.SignalValidationFailed, map[string]any{
			"node_id":  "impl_auth",
			"agent_id": "guardian-1",
		})
		assert.Equal(t, i, h.runner.state.RetryCounts["impl_auth"])

		if i < 3 {
			plan, err := h.runner.Cycle(ctx)
			require.NoError(t, err)
			require.NotEmpty(t, plan.Actions)
			assert.Equal(t, core.ActionTransitionNode, plan.Actions[0].Kind)
			assert.Equal(t, core.NodeStatusActive, h.runner.state.NodeStatuses["impl_auth"])
		}
	}

	// Budget gone: the node is blocked and the stuck signal goes out once.
	plan, err := h.runner.Cycle(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, plan.Actions)
	assert.Equal(t, core.ActionSignalStuck, plan.Actions[0].Kind)
	assert.Equal(t, core.NodeStatusBlocked, h.runner.state.NodeStatuses["impl_auth"])
	assert.Contains(t, h.signalTypes(t, core.RoleTerminal), core.SignalRunnerStuck)

	// A later cycle does not emit a second stuck signal.
	before := len(h.signalTypes(t, core.RoleTerminal))
	_, err = h.runner.Cycle(ctx)
	require.NoError(t, err)
	assert.Len(t, h.signalTypes(t, core.RoleTerminal), before)
}

func TestValidatedResetsRetryCount(t *testing.T) {
	h := newHarness(t, `
name: demo
nodes:
  - id: impl_auth
    handler: code-generator
`)
	ctx := context.Background()
	_, err := h.runner.Cycle(ctx)
	require.NoError(t, err)

	h.inject(t, core.RoleGuardian, core.SignalValidationFailed, map[string]any{
		"node_id": "impl_auth", "agent_id": "guardian-1",
	})
	require.Equal(t, 1, h.runner.state.RetryCounts["impl_auth"])

	h.inject(t, core.RoleGuardian, core.SignalValidationPassed, map[string]any{
		"node_id": "impl_auth", "agent_id": "guardian-1",
	})
	assert.Equal(t, core.NodeStatusValidated, h.runner.state.NodeStatuses["impl_auth"])
	_, tracked := h.runner.state.RetryCounts["impl_auth"]
	assert.False(t, tracked)
}

func TestImplementerCannotValidateOwnWork(t *testing.T) {
	h := newHarness(t, `
name: demo
nodes:
  - id: impl_auth
    handler: code-generator
`)
	ctx := context.Background()
	_, err := h.runner.Cycle(ctx)
	require.NoError(t, err)
	session := WorkerSessionName("demo", "impl_auth")

	h.inject(t, core.RoleGuardian, core.SignalValidationPassed, map[string]any{
		"node_id":  "impl_auth",
		"agent_id": session,
	})
	// Refused by the implementer-separation guard.
	assert.Equal(t, core.NodeStatusActive, h.runner.state.NodeStatuses["impl_auth"])

	// The refusal surfaces in the next cycle's blocked_nodes.
	plan, err := h.runner.Cycle(ctx)
	require.NoError(t, err)
	require.Len(t, plan.BlockedNodes, 1)
	assert.Equal(t, "impl_auth", plan.BlockedNodes[0].NodeID)
	assert.Contains(t, plan.BlockedNodes[0].Reason, "implementer-separation")

	// Once surfaced, the refusal is not repeated.
	plan, err = h.runner.Cycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, plan.BlockedNodes)
}

func TestDeadBranchDoesNotStarveParallelWork(t *testing.T) {
	h := newHarness(t, `
name: demo
nodes:
  - id: impl_a
    handler: code-generator
  - id: impl_b
    handler: code-generator
`)
	ctx := context.Background()
	h.runner.state.NodeStatuses["impl_a"] = core.NodeStatusFailed
	h.runner.state.RetryCounts["impl_a"] = 3

	// First cycle: the stuck signal for impl_a goes out alone and the node
	// is blocked; impl_b is held back this one cycle.
	plan, err := h.runner.Cycle(ctx)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, core.ActionSignalStuck, plan.Actions[0].Kind)
	assert.Equal(t, core.NodeStatusBlocked, h.runner.state.NodeStatuses["impl_a"])
	assert.Empty(t, h.host.spawned)

	// Second cycle: the blocked branch is recorded, not acted on, and the
	// healthy branch proceeds.
	plan, err = h.runner.Cycle(ctx)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, core.ActionSpawnOrchestrator, plan.Actions[0].Kind)
	assert.Equal(t, "impl_b", plan.Actions[0].NodeID)
	require.Len(t, h.host.spawned, 1)
	require.Len(t, plan.BlockedNodes, 1)
	assert.Equal(t, "impl_a", plan.BlockedNodes[0].NodeID)
}

func TestShutdownCommandStopsTheLoop(t *testing.T) {
	h := newHarness(t, `
name: demo
nodes:
  - id: impl_auth
    handler: code-generator
`)
	h.inject(t, core.RoleChannel, core.SignalInboundCommand, map[string]any{
		"message_type": "shutdown",
		"sender":       "alice",
	})

	done := make(chan error, 1)
	go func() {
		done <- h.runner.Run(context.Background(), 50)
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after shutdown request")
	}
}

func TestDryRunExecutesNothing(t *testing.T) {
	h := newHarness(t, `
name: demo
nodes:
  - id: impl_auth
    handler: code-generator
`)
	h.runner.dryRun = true

	plan, err := h.runner.Cycle(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, plan.Actions)
	assert.Empty(t, h.host.spawned)

	// Nothing was persisted either.
	_, err = h.states.Load("demo")
	require.ErrorIs(t, err, filestate.ErrNotFound)
}
