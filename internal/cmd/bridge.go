package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drover-org/drover/internal/bridge"
	"github.com/drover-org/drover/internal/cmn/config"
	"github.com/drover-org/drover/internal/cmn/logger"
	"github.com/drover-org/drover/internal/cmn/logger/tag"
	"github.com/drover-org/drover/internal/core"
	"github.com/drover-org/drover/internal/notify"
	"github.com/drover-org/drover/internal/persis/filesignal"
)

func Bridge() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Chat channel bridge",
	}
	cmd.AddCommand(bridgeServe())
	return cmd
}

// newChannelBridge registers every adapter whose credentials are configured.
func newChannelBridge(cfg *config.Config, signals *filesignal.Store) (*bridge.Bridge, int, error) {
	b := bridge.New(signals)
	registered := 0

	if cfg.Slack.Enabled() {
		b.Register(bridge.NewSlackAdapter(cfg.Slack.BotToken, cfg.Slack.SigningSecret), cfg.Slack.Channel)
		registered++
	}
	if cfg.Discord.Enabled() {
		adapter, err := bridge.NewDiscordAdapter(cfg.Discord.BotToken, cfg.Discord.PublicKey)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to configure discord adapter: %w", err)
		}
		b.Register(adapter, cfg.Discord.ChannelID)
		registered++
	}
	if cfg.Telegram.Enabled() {
		adapter, err := bridge.NewTelegramAdapter(cfg.Telegram.BotToken, cfg.Telegram.WebhookSecret)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to configure telegram adapter: %w", err)
		}
		b.Register(adapter, cfg.Telegram.ChatID)
		registered++
	}
	return b, registered, nil
}

func bridgeServe() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve inbound webhooks and relay terminal signals to chat channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			signals, err := filesignal.New(cfg.SignalsDir,
				filesignal.WithPollInterval(cfg.PollInterval))
			if err != nil {
				return err
			}
			b, registered, err := newChannelBridge(cfg, signals)
			if err != nil {
				return err
			}
			if registered == 0 {
				return fmt.Errorf("no chat channel configured: set at least one bot token")
			}
			dispatcher := notify.New(cfg, b)

			if listenAddr == "" {
				listenAddr = cfg.BridgeListenAddr
			}

			mux := http.NewServeMux()
			mux.HandleFunc("POST /webhook/{channel}", func(w http.ResponseWriter, r *http.Request) {
				handleWebhook(b, w, r)
			})
			server := &http.Server{
				Addr:              listenAddr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			go relayTerminalSignals(ctx, signals, dispatcher, b)

			errCh := make(chan error, 1)
			go func() {
				logger.Info(ctx, "Bridge listening", tag.Addr(listenAddr))
				errCh <- server.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (default from config)")
	return cmd
}

func handleWebhook(b *bridge.Bridge, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	result, err := b.HandleInbound(r.Context(), r.PathValue("channel"), r.Header, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ack":    result.Ack,
		"routed": result.Routed,
	})
}

// terminalEventTable maps terminal-bound signal types onto dispatcher
// events, which gate on dedup and quiet hours. Unlisted types are relayed
// verbatim without gating.
var terminalEventTable = map[core.SignalType]notify.EventType{
	core.SignalRunnerStarted:    notify.EventPipelineStarted,
	core.SignalRunnerComplete:   notify.EventPipelineComplete,
	core.SignalRunnerStuck:      notify.EventPipelineStuck,
	core.SignalNodeFailed:       notify.EventNodeFailed,
	core.SignalAwaitingApproval: notify.EventAwaitingApproval,
	core.SignalEscalate:         notify.EventEscalation,
	core.SignalNeedsInput:       notify.EventEscalation,
}

// relayTerminalSignals forwards every terminal-targeted signal to the chat
// channels: mapped types go through the dispatcher (whose dedup window
// absorbs events already pushed by a guardian's own notifier), unmapped
// ones are broadcast as-is so nothing is lost off the bus.
func relayTerminalSignals(ctx context.Context, signals *filesignal.Store, dispatcher *notify.Dispatcher, b *bridge.Bridge) {
	for {
		sig, path, err := signals.Wait(ctx, core.RoleTerminal, time.Minute)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if errors.Is(err, filesignal.ErrWaitTimeout) {
				continue
			}
			logger.Error(ctx, "Signal wait failed", tag.Error(err))
			continue
		}

		if eventType, ok := terminalEventTable[sig.SignalType]; ok {
			outcome, err := dispatcher.Dispatch(ctx, notify.Event{
				Type:    eventType,
				Payload: sig.Payload,
			})
			if err != nil {
				logger.Error(ctx, "Relay dispatch failed",
					tag.Signal(string(sig.SignalType)), tag.Error(err))
			} else {
				logger.Info(ctx, "Relayed terminal signal",
					tag.Signal(string(sig.SignalType)), tag.Status(outcome.Status))
			}
		} else {
			for _, err := range b.Broadcast(ctx, sig.SignalType, sig.Payload, nil) {
				logger.Warn(ctx, "Relay broadcast failed",
					tag.Signal(string(sig.SignalType)), tag.Error(err))
			}
		}
		if err := signals.Consume(path); err != nil {
			logger.Error(ctx, "Failed to consume relayed signal",
				tag.Path(path), tag.Error(err))
		}
	}
}
