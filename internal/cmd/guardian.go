package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/drover-org/drover/internal/cmn/config"
	"github.com/drover-org/drover/internal/guardian"
	"github.com/drover-org/drover/internal/notify"
	"github.com/drover-org/drover/internal/persis/fileidentity"
	"github.com/drover-org/drover/internal/persis/filesignal"
	"github.com/drover-org/drover/internal/persis/filestate"
	"github.com/drover-org/drover/internal/sessionhost"
)

func Guardian() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guardian",
		Short: "Read-only pipeline supervision and the guardian watch loop",
	}
	cmd.AddCommand(guardianStatus())
	cmd.AddCommand(guardianList())
	cmd.AddCommand(guardianVerifyChain())
	cmd.AddCommand(guardianAudit())
	cmd.AddCommand(guardianWatch())
	return cmd
}

func newGuardian(cfg *config.Config, opts ...guardian.Option) (*guardian.Guardian, error) {
	states, err := filestate.New(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	signals, err := filesignal.New(cfg.SignalsDir,
		filesignal.WithPollInterval(cfg.PollInterval))
	if err != nil {
		return nil, err
	}
	identities, err := fileidentity.New(cfg.IdentitiesDir)
	if err != nil {
		return nil, err
	}
	host := sessionhost.NewTmuxHost(
		sessionhost.WithReservedPrefixes(cfg.ReservedSessionPrefixes))
	return guardian.New(cfg, states, signals, identities, host, opts...), nil
}

// guardianNotifier builds the escalation notifier when at least one chat
// channel is configured. No channels means escalations stay on the bus.
func guardianNotifier(cfg *config.Config) (guardian.Option, error) {
	signals, err := filesignal.New(cfg.SignalsDir,
		filesignal.WithPollInterval(cfg.PollInterval))
	if err != nil {
		return nil, err
	}
	b, registered, err := newChannelBridge(cfg, signals)
	if err != nil {
		return nil, err
	}
	if registered == 0 {
		return nil, nil
	}
	return guardian.WithNotifier(notify.New(cfg, b)), nil
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func guardianStatus() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status PIPELINE_ID",
		Short: "Show the health of one pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			g, err := newGuardian(cfg)
			if err != nil {
				return err
			}
			health, err := g.Status(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(health)
			}
			renderHealthTable([]guardian.Health{health})
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func guardianList() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every pipeline with persisted state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			g, err := newGuardian(cfg)
			if err != nil {
				return err
			}
			healths, err := g.ListPipelines()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(healths)
			}
			renderHealthTable(healths)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func renderHealthTable(healths []guardian.Health) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"PIPELINE", "LABEL", "STAGE", "ACTIONS", "BLOCKED", "UPDATED"})
	for _, h := range healths {
		t.AppendRow(table.Row{
			h.PipelineID,
			h.Label,
			h.Stage,
			h.ActionCount,
			h.BlockedCount,
			h.Age.Round(time.Second).String() + " ago",
		})
	}
	t.Render()
}

func guardianVerifyChain() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-chain PIPELINE_ID",
		Short: "Verify the pipeline's audit hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			g, err := newGuardian(cfg)
			if err != nil {
				return err
			}
			valid, reason, err := g.VerifyChain(args[0])
			if err != nil {
				return err
			}
			if !valid {
				return fmt.Errorf("audit chain broken: %s", reason)
			}
			fmt.Println("audit chain intact")
			return nil
		},
	}
}

func guardianAudit() *cobra.Command {
	var (
		tailN  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "audit PIPELINE_ID",
		Short: "Show the pipeline's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			g, err := newGuardian(cfg)
			if err != nil {
				return err
			}
			entries, err := g.Audit(args[0], tailN)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(entries)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"TIMESTAMP", "NODE", "FROM", "TO", "AGENT"})
			for _, e := range entries {
				t.AppendRow(table.Row{
					e.Timestamp.Format(time.RFC3339),
					e.NodeID,
					e.FromStatus,
					e.ToStatus,
					e.AgentID,
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&tailN, "tail", 0, "show only the last N entries (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func guardianWatch() *cobra.Command {
	var workerSession string

	cmd := &cobra.Command{
		Use:   "watch PIPELINE_ID",
		Short: "Run the guardian reaction loop for one pipeline's worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			var opts []guardian.Option
			notifier, err := guardianNotifier(cfg)
			if err != nil {
				return err
			}
			if notifier != nil {
				opts = append(opts, notifier)
			}
			g, err := newGuardian(cfg, opts...)
			if err != nil {
				return err
			}
			return g.Watch(ctx, args[0], workerSession)
		},
	}
	cmd.Flags().StringVar(&workerSession, "session", "", "worker session name to watch (required)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
