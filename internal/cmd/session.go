package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drover-org/drover/internal/cmn/logger"
	"github.com/drover-org/drover/internal/cmn/logger/tag"
	"github.com/drover-org/drover/internal/judge"
	"github.com/drover-org/drover/internal/sessionhost"
)

func Session() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Session host operations",
	}
	cmd.AddCommand(sessionSpawn())
	cmd.AddCommand(sessionAlive())
	cmd.AddCommand(sessionStop())
	return cmd
}

func sessionSpawn() *cobra.Command {
	var (
		name       string
		workingDir string
		prompt     string
		maxRespawn int
	)

	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn a named worker session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			if maxRespawn == 0 {
				maxRespawn = cfg.MaxRespawn
			}
			host := sessionhost.NewTmuxHost(
				sessionhost.WithReservedPrefixes(cfg.ReservedSessionPrefixes))
			result := sessionhost.Respawn(ctx, host, sessionhost.SpawnSpec{
				Name:         name,
				WorkingDir:   workingDir,
				InitialInput: prompt,
			}, 0, maxRespawn)
			fmt.Println(result.Status)
			if result.Status == sessionhost.RespawnError {
				return fmt.Errorf("%s", result.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "session name (required)")
	cmd.Flags().StringVar(&workingDir, "cwd", "", "working directory for the session (required)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "initial input sent to the session")
	cmd.Flags().IntVar(&maxRespawn, "max-respawn", 0, "respawn attempt cap (default from config)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("cwd")

	return cmd
}

func sessionStop() *cobra.Command {
	var (
		name        string
		transcript  string
		outstanding string
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a session, consulting the completion judge first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}

			var j judge.Judge = judge.Noop{}
			if cfg.JudgeEndpoint != "" {
				j = judge.NewRemote(cfg.JudgeEndpoint,
					judge.WithMaxTurns(cfg.JudgeMaxTurns))
			}

			var turns []judge.Turn
			if transcript != "" {
				turns, err = judge.LoadTranscript(transcript, cfg.JudgeMaxTurns)
				if err != nil {
					// A missing transcript fails open on stop.
					logger.Warn(ctx, "Transcript unavailable", tag.Error(err))
				}
			}

			verdict := j.Evaluate(ctx, judge.Request{
				SessionID:   name,
				Turns:       turns,
				Outstanding: outstanding,
			})
			if verdict.ShouldContinue {
				if verdict.Suggestion != "" {
					fmt.Printf("suggestion: %s\n", verdict.Suggestion)
				}
				return fmt.Errorf("stop refused: %s", verdict.Reason)
			}

			host := sessionhost.NewTmuxHost(
				sessionhost.WithReservedPrefixes(cfg.ReservedSessionPrefixes))
			if err := host.Kill(ctx, name); err != nil {
				return err
			}
			fmt.Printf("stopped: %s\n", verdict.Reason)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "session name (required)")
	cmd.Flags().StringVar(&transcript, "transcript", "", "JSONL transcript path shown to the judge")
	cmd.Flags().StringVar(&outstanding, "outstanding", "", "summary of outstanding work")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func sessionAlive() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "alive",
		Short: "Check whether a named session is alive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			host := sessionhost.NewTmuxHost(
				sessionhost.WithReservedPrefixes(cfg.ReservedSessionPrefixes))
			alive, err := host.IsAlive(ctx, name)
			if err != nil {
				return err
			}
			if !alive {
				return fmt.Errorf("session %s is not alive", name)
			}
			fmt.Println("alive")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "session name (required)")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}
