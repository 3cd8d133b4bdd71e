// Package cmd wires the drover CLI: one binary with runner, guardian,
// signal, session and bridge subcommands.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drover-org/drover/internal/build"
	"github.com/drover-org/drover/internal/cmn/config"
	"github.com/drover-org/drover/internal/cmn/logger"
)

// ErrUsage marks command-line misuse so main can map it to exit code 2.
var ErrUsage = errors.New("usage error")

var (
	cfgFile   string
	quietFlag bool
	debugFlag bool
)

// New builds the root command with every subcommand registered.
func New() *cobra.Command {
	root := &cobra.Command{
		Use:   build.Slug,
		Short: "Meta-orchestrator for autonomous code-generation pipelines",
		Long: `Drover runs code-generation pipelines described as DAGs: a runner plans
and executes node transitions, a guardian supervises the workers, and a
file-based signal bus connects them to terminals and chat channels.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default resolved under XDG config home)")
	root.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "suppress log output below warning")
	root.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	})

	root.AddCommand(Runner())
	root.AddCommand(Guardian())
	root.AddCommand(Signal())
	root.AddCommand(Session())
	root.AddCommand(Bridge())
	root.AddCommand(Version())

	return root
}

// setup loads the configuration and attaches a logger to the command
// context. Every RunE starts here.
func setup(cmd *cobra.Command) (context.Context, *config.Config, error) {
	var logOpts []logger.Option
	if quietFlag {
		logOpts = append(logOpts, logger.WithQuiet())
	}
	if debugFlag {
		logOpts = append(logOpts, logger.WithDebug())
	}
	ctx := logger.WithLogger(cmd.Context(), logger.NewLogger(logOpts...))

	var cfgOpts []config.LoaderOption
	if cfgFile != "" {
		cfgOpts = append(cfgOpts, config.WithConfigFile(cfgFile))
	}
	cfg, err := config.Load(cfgOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return ctx, cfg, nil
}
