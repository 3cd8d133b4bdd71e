package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/drover-org/drover/internal/cmn/config"
	"github.com/drover-org/drover/internal/core"
	"github.com/drover-org/drover/internal/persis/filesignal"
)

func Signal() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Read and write signal-bus envelopes",
	}
	cmd.AddCommand(signalEmit())
	cmd.AddCommand(signalRead())
	cmd.AddCommand(signalWait())
	cmd.AddCommand(signalConsume())
	return cmd
}

func newSignalStore(cfg *config.Config) (*filesignal.Store, error) {
	return filesignal.New(cfg.SignalsDir,
		filesignal.WithPollInterval(cfg.PollInterval))
}

func signalEmit() *cobra.Command {
	var (
		source     string
		target     string
		payloadRaw string
	)

	cmd := &cobra.Command{
		Use:   "emit TYPE",
		Short: "Write a signal envelope to the bus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			signalType, err := core.ParseSignalType(args[0])
			if err != nil {
				return err
			}
			src, err := core.ParseRole(source)
			if err != nil {
				return err
			}
			tgt, err := core.ParseRole(target)
			if err != nil {
				return err
			}
			var payload map[string]any
			if payloadRaw != "" {
				if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
					return fmt.Errorf("invalid payload JSON: %w", err)
				}
			}

			store, err := newSignalStore(cfg)
			if err != nil {
				return err
			}
			path, err := store.Write(core.NewSignal(src, tgt, signalType, payload))
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "source role (required)")
	cmd.Flags().StringVar(&target, "target", "", "target role (required)")
	cmd.Flags().StringVar(&payloadRaw, "payload", "", "payload as a JSON object")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func signalRead() *cobra.Command {
	return &cobra.Command{
		Use:   "read PATH",
		Short: "Read and print one signal envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			store, err := newSignalStore(cfg)
			if err != nil {
				return err
			}
			signal, err := store.ReadOne(args[0])
			if err != nil {
				return err
			}
			return printJSON(signal)
		},
	}
}

func signalWait() *cobra.Command {
	var (
		target  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until a signal arrives for a target role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			tgt, err := core.ParseRole(target)
			if err != nil {
				return err
			}
			store, err := newSignalStore(cfg)
			if err != nil {
				return err
			}
			signal, path, err := store.Wait(ctx, tgt, timeout)
			if errors.Is(err, filesignal.ErrWaitTimeout) {
				return fmt.Errorf("no signal for %s within %s", tgt, timeout)
			}
			if err != nil {
				return err
			}
			fmt.Println(path)
			return printJSON(signal)
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "target role (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func signalConsume() *cobra.Command {
	return &cobra.Command{
		Use:   "consume PATH",
		Short: "Mark a signal as processed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			store, err := newSignalStore(cfg)
			if err != nil {
				return err
			}
			return store.Consume(args[0])
		},
	}
}
