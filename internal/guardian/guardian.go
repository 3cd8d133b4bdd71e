// Package guardian implements the per-orchestrator supervisor: a sibling
// process that reads the runner's persisted state read-only, derives health,
// reacts to worker signals, and escalates to the human operator. The
// guardian never mutates the runner's state.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drover-org/drover/internal/cmn/config"
	"github.com/drover-org/drover/internal/cmn/logger"
	"github.com/drover-org/drover/internal/cmn/logger/tag"
	"github.com/drover-org/drover/internal/core"
	"github.com/drover-org/drover/internal/notify"
	"github.com/drover-org/drover/internal/persis/fileaudit"
	"github.com/drover-org/drover/internal/persis/fileidentity"
	"github.com/drover-org/drover/internal/persis/filesignal"
	"github.com/drover-org/drover/internal/persis/filestate"
	"github.com/drover-org/drover/internal/sessionhost"
)

// HealthLabel is the overall pipeline condition derived from its state.
type HealthLabel string

const (
	LabelComplete HealthLabel = "complete"
	LabelPaused   HealthLabel = "paused"
	LabelStale    HealthLabel = "stale"
	LabelStuck    HealthLabel = "stuck"
	LabelWarning  HealthLabel = "warning"
	LabelHealthy  HealthLabel = "healthy"
)

// warningRetryThreshold flags pipelines where any node has been retried
// this many times.
const warningRetryThreshold = 2

// Health is the guardian's read-only snapshot of one pipeline.
type Health struct {
	PipelineID   string         `json:"pipeline_id"`
	Label        HealthLabel    `json:"label"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Age          time.Duration  `json:"age"`
	Stage        core.Stage     `json:"stage,omitempty"`
	ActionCount  int            `json:"action_count"`
	BlockedCount int            `json:"blocked_count"`
	RetryCounts  map[string]int `json:"retry_counts,omitempty"`
	Complete     bool           `json:"complete"`
	Paused       bool           `json:"paused"`
}

// Verdict is the guardian's response to a worker's review request.
type Verdict struct {
	Approved bool
	Reason   string
}

// ValidationHook runs the configured validation for a node under review.
// A nil hook approves unconditionally.
type ValidationHook func(ctx context.Context, pipelineID, nodeID string) Verdict

// Notifier pushes proactive notifications out through the chat channels.
// A nil notifier means escalations stay on the signal bus only.
type Notifier interface {
	Dispatch(ctx context.Context, event notify.Event) (notify.Outcome, error)
}

// Guardian supervises the workers of one pipeline.
type Guardian struct {
	cfg        *config.Config
	states     *filestate.Store
	signals    *filesignal.Store
	identities *fileidentity.Store
	host       sessionhost.Host
	validate   ValidationHook
	notifier   Notifier
	now        func() time.Time
}

// Option configures a Guardian.
type Option func(*Guardian)

// WithValidationHook sets the hook run on NEEDS_REVIEW.
func WithValidationHook(hook ValidationHook) Option {
	return func(g *Guardian) { g.validate = hook }
}

// WithNotifier routes escalations through the notification dispatcher in
// addition to the signal bus.
func WithNotifier(n Notifier) Option {
	return func(g *Guardian) { g.notifier = n }
}

// WithClock overrides wall-clock time; used by tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guardian) { g.now = now }
}

// New builds a guardian over the shared store directories.
func New(
	cfg *config.Config,
	states *filestate.Store,
	signals *filesignal.Store,
	identities *fileidentity.Store,
	host sessionhost.Host,
	opts ...Option,
) *Guardian {
	g := &Guardian{
		cfg:        cfg,
		states:     states,
		signals:    signals,
		identities: identities,
		host:       host,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Status reads the runner's persisted state and derives the health label.
func (g *Guardian) Status(pipelineID string) (Health, error) {
	state, err := g.states.Load(pipelineID)
	if err != nil {
		return Health{}, err
	}
	return g.healthOf(state), nil
}

// healthOf applies the label table in priority order.
func (g *Guardian) healthOf(state *core.RunnerState) Health {
	health := Health{
		PipelineID:  state.PipelineID,
		UpdatedAt:   state.UpdatedAt,
		Age:         g.now().Sub(state.UpdatedAt),
		RetryCounts: state.RetryCounts,
		Paused:      state.Paused,
	}
	if plan := state.LastPlan; plan != nil {
		health.Stage = plan.CurrentStage
		health.ActionCount = len(plan.Actions)
		health.BlockedCount = len(plan.BlockedNodes)
		health.Complete = plan.PipelineComplete
	}

	switch {
	case health.Complete:
		health.Label = LabelComplete
	case state.Paused:
		health.Label = LabelPaused
	case health.Age > g.cfg.StaleThreshold:
		health.Label = LabelStale
	case health.BlockedCount > 0 && health.ActionCount == 0:
		health.Label = LabelStuck
	case anyRetryAtLeast(state.RetryCounts, warningRetryThreshold):
		health.Label = LabelWarning
	default:
		health.Label = LabelHealthy
	}
	return health
}

func anyRetryAtLeast(retries map[string]int, threshold int) bool {
	for _, n := range retries {
		if n >= threshold {
			return true
		}
	}
	return false
}

// VerifyChain checks the pipeline's audit chain integrity.
func (g *Guardian) VerifyChain(pipelineID string) (bool, string, error) {
	store, err := fileaudit.New(g.states.AuditPath(pipelineID))
	if err != nil {
		return false, "", err
	}
	ok, reason := store.VerifyChain()
	return ok, reason, nil
}

// Audit returns the last n audit entries for the pipeline.
func (g *Guardian) Audit(pipelineID string, n int) ([]core.AuditEntry, error) {
	store, err := fileaudit.New(g.states.AuditPath(pipelineID))
	if err != nil {
		return nil, err
	}
	return store.Tail(n)
}

// ListPipelines enumerates every persisted state, newest first.
func (g *Guardian) ListPipelines() ([]Health, error) {
	states, err := g.states.List()
	if err != nil {
		return nil, err
	}
	healths := make([]Health, 0, len(states))
	for _, state := range states {
		healths = append(healths, g.healthOf(state))
	}
	return healths, nil
}

// Respond writes an approval, override or guidance signal to the worker's
// channel (workers read the guardian role's outbox through their runner).
func (g *Guardian) Respond(ctx context.Context, verdict Verdict, nodeID string) error {
	signalType := core.SignalValidationPassed
	payload := map[string]any{"node_id": nodeID, "agent_id": "guardian"}
	if !verdict.Approved {
		signalType = core.SignalValidationFailed
		payload["reason"] = verdict.Reason
		payload["new_status"] = string(core.NodeStatusFailed)
	}
	signal := core.NewSignal(core.RoleGuardian, core.RoleRunner, signalType, payload)
	if _, err := g.signals.Write(signal); err != nil {
		return err
	}
	logger.Info(ctx, "Responded to review request",
		tag.Node(nodeID), tag.Signal(string(signalType)))
	return nil
}

// EscalateToTerminal raises an issue to the human operator.
func (g *Guardian) EscalateToTerminal(ctx context.Context, pipelineID, issue string, options []string) error {
	signal := core.NewSignal(core.RoleGuardian, core.RoleTerminal, core.SignalEscalate, map[string]any{
		"pipeline_id": pipelineID,
		"issue":       issue,
		"options":     options,
	})
	if _, err := g.signals.Write(signal); err != nil {
		return err
	}
	logger.Warn(ctx, "Escalated to terminal",
		tag.Pipeline(pipelineID), tag.Reason(issue))

	if g.notifier != nil {
		outcome, err := g.notifier.Dispatch(ctx, notify.Event{
			Type:    notify.EventEscalation,
			Payload: map[string]any{"pipeline_id": pipelineID, "reason": issue},
		})
		if err != nil {
			// The signal is already on the bus; a broken notifier must
			// not fail the escalation.
			logger.Error(ctx, "Escalation notification failed", tag.Error(err))
		} else {
			logger.Debug(ctx, "Escalation notification dispatched",
				tag.Status(outcome.Status))
		}
	}
	return nil
}

// Watch runs the reaction loop for one pipeline's worker session until the
// context is cancelled.
func (g *Guardian) Watch(ctx context.Context, pipelineID, workerSession string) error {
	logger.Info(ctx, "Guardian watching worker",
		tag.Pipeline(pipelineID), tag.Session(workerSession))

	for {
		signal, path, err := g.signals.Wait(ctx, core.RoleGuardian, g.cfg.StuckThreshold)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, filesignal.ErrWaitTimeout) {
				if escErr := g.checkLiveness(ctx, pipelineID, workerSession); escErr != nil {
					logger.Error(ctx, "Liveness escalation failed", tag.Error(escErr))
				}
				continue
			}
			return err
		}

		g.react(ctx, pipelineID, signal)
		if err := g.signals.Consume(path); err != nil {
			logger.Error(ctx, "Failed to consume signal", tag.Path(path), tag.Error(err))
		}
	}
}

func (g *Guardian) react(ctx context.Context, pipelineID string, signal core.Signal) {
	switch signal.SignalType {
	case core.SignalNeedsReview:
		nodeID, _ := signal.Payload["node_id"].(string)
		verdict := Verdict{Approved: true}
		if g.validate != nil {
			verdict = g.validate(ctx, pipelineID, nodeID)
		}
		if err := g.Respond(ctx, verdict, nodeID); err != nil {
			logger.Error(ctx, "Failed to respond to review", tag.Node(nodeID), tag.Error(err))
		}
	case core.SignalNeedsInput:
		issue, _ := signal.Payload["question"].(string)
		if issue == "" {
			issue = "worker requested input"
		}
		if err := g.EscalateToTerminal(ctx, pipelineID, issue, nil); err != nil {
			logger.Error(ctx, "Failed to escalate input request", tag.Error(err))
		}
	case core.SignalOrchestratorCrashed, core.SignalOrchestratorStuck:
		reason := fmt.Sprintf("worker reported %s", signal.SignalType)
		if err := g.EscalateToTerminal(ctx, pipelineID, reason, nil); err != nil {
			logger.Error(ctx, "Failed to escalate worker condition", tag.Error(err))
		}
	default:
		logger.Debug(ctx, "Ignoring signal type for guardian",
			tag.Signal(string(signal.SignalType)))
	}
}

// checkLiveness escalates when the worker session has died or its identity
// heartbeat has gone stale beyond the stuck threshold.
func (g *Guardian) checkLiveness(ctx context.Context, pipelineID, workerSession string) error {
	alive, err := g.host.IsAlive(ctx, workerSession)
	if err != nil {
		return err
	}
	if !alive {
		return g.EscalateToTerminal(ctx, pipelineID,
			fmt.Sprintf("worker session %s is dead", workerSession), nil)
	}

	stale, err := g.identities.FindStale(g.cfg.StuckThreshold)
	if err != nil {
		return err
	}
	for _, identity := range stale {
		if identity.Name == workerSession {
			return g.EscalateToTerminal(ctx, pipelineID,
				fmt.Sprintf("worker %s heartbeat stale since %s",
					workerSession, identity.LastHeartbeat.Format(time.RFC3339)), nil)
		}
	}
	return nil
}
