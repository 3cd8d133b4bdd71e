package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/drover-org/drover/internal/cmn/logger"
	"github.com/drover-org/drover/internal/cmn/logger/tag"
	"github.com/drover-org/drover/internal/digraph"
	"github.com/drover-org/drover/internal/persis/fileaudit"
	"github.com/drover-org/drover/internal/persis/filesignal"
	"github.com/drover-org/drover/internal/persis/filestate"
	"github.com/drover-org/drover/internal/runner"
	"github.com/drover-org/drover/internal/sessionhost"
)

func Runner() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runner",
		Short: "Pipeline runner operations",
	}
	cmd.AddCommand(runnerRun())
	return cmd
}

func runnerRun() *cobra.Command {
	var (
		pipelinePath  string
		stateDir      string
		sessionID     string
		dryRun        bool
		maxIterations int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline until completion or requested shutdown",
		Long: `Load the pipeline DAG, resume or create its persisted state, and cycle
the planner until the pipeline completes, gets stuck, or a shutdown is
requested. SIGINT and SIGTERM trigger a graceful stop: the current cycle
finishes and state is persisted before exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			if stateDir != "" {
				cfg.StateDir = stateDir
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
			}

			dag, err := digraph.Load(pipelinePath)
			if err != nil {
				return fmt.Errorf("failed to load pipeline: %w", err)
			}

			states, err := filestate.New(cfg.StateDir)
			if err != nil {
				return err
			}
			audit, err := fileaudit.New(states.AuditPath(dag.Name))
			if err != nil {
				return err
			}
			signals, err := filesignal.New(cfg.SignalsDir,
				filesignal.WithPollInterval(cfg.PollInterval))
			if err != nil {
				return err
			}
			host := sessionhost.NewTmuxHost(
				sessionhost.WithReservedPrefixes(cfg.ReservedSessionPrefixes))

			var opts []runner.Option
			if dryRun {
				opts = append(opts, runner.WithDryRun())
			}
			r, err := runner.New(cfg, dag, states, audit, signals, host, sessionID, opts...)
			if err != nil {
				return err
			}

			// The context stays live so the final cycle can persist;
			// the flag makes the loop exit between cycles.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				<-sigCh
				logger.Info(ctx, "Shutdown requested", tag.Pipeline(dag.Name))
				r.RequestShutdown()
			}()

			return r.Run(ctx, maxIterations)
		},
	}

	cmd.Flags().StringVar(&pipelinePath, "pipeline", "", "pipeline DAG file (required)")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "override the state directory")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "runner session id (default random)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan without executing or persisting")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "stop after N cycles (0 = unbounded)")
	_ = cmd.MarkFlagRequired("pipeline")

	return cmd
}
