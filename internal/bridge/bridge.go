package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/drover-org/drover/internal/cmn/logger"
	"github.com/drover-org/drover/internal/cmn/logger/tag"
	"github.com/drover-org/drover/internal/core"
	"github.com/drover-org/drover/internal/persis/filesignal"
)

// signalDescription pairs the one-line outbound text with whether a rich
// status card should accompany it. The table is closed: unknown signal
// types broadcast their raw name.
type signalDescription struct {
	Description string
	WantsCard   bool
}

var signalDescriptions = map[core.SignalType]signalDescription{
	core.SignalRunnerStarted:    {Description: "Pipeline runner started", WantsCard: true},
	core.SignalRunnerComplete:   {Description: "Pipeline complete", WantsCard: true},
	core.SignalRunnerStuck:      {Description: "Pipeline is stuck and needs attention", WantsCard: true},
	core.SignalRunnerError:      {Description: "Pipeline runner hit an error", WantsCard: false},
	core.SignalNodeSpawned:      {Description: "Implementer session spawned", WantsCard: false},
	core.SignalNodeImplComplete: {Description: "Node implementation complete", WantsCard: false},
	core.SignalNodeValidated:    {Description: "Node validated", WantsCard: false},
	core.SignalNodeFailed:       {Description: "Node failed", WantsCard: false},
	core.SignalAwaitingApproval: {Description: "A node awaits human validation", WantsCard: true},
	core.SignalEscalate:         {Description: "Guardian escalation", WantsCard: false},
	core.SignalNeedsInput:       {Description: "A worker needs human input", WantsCard: false},
	core.SignalViolation:        {Description: "Guard-rail violation recorded", WantsCard: false},
}

type registration struct {
	adapter          ChannelAdapter
	defaultRecipient string
}

// Bridge routes inbound chat commands to the runner and fans outbound
// signals to every registered channel. Not thread-safe: registry mutation
// and inbound handling belong to one event loop.
type Bridge struct {
	channels map[string]registration
	order    []string
	signals  *filesignal.Store
}

// New builds a bridge over the shared signal store.
func New(signals *filesignal.Store) *Bridge {
	return &Bridge{
		channels: map[string]registration{},
		signals:  signals,
	}
}

// Register adds or replaces a channel.
func (b *Bridge) Register(adapter ChannelAdapter, defaultRecipient string) {
	name := adapter.Name()
	if _, exists := b.channels[name]; !exists {
		b.order = append(b.order, name)
	}
	b.channels[name] = registration{adapter: adapter, defaultRecipient: defaultRecipient}
}

// Unregister removes a channel; unknown names are ignored.
func (b *Bridge) Unregister(name string) {
	if _, exists := b.channels[name]; !exists {
		return
	}
	delete(b.channels, name)
	for i, n := range b.order {
		if n == name {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// InboundResult reports how an incoming webhook was handled.
type InboundResult struct {
	Ack    string
	Routed bool
}

// HandleInbound processes a webhook payload on a named channel: verify,
// parse, classify, forward to the runner as INBOUND_COMMAND, acknowledge.
// A forwarding failure is non-fatal and reported as Routed=false.
func (b *Bridge) HandleInbound(ctx context.Context, channelName string, headers http.Header, body []byte) (InboundResult, error) {
	reg, ok := b.channels[channelName]
	if !ok {
		return InboundResult{Ack: ackRejected}, fmt.Errorf("unknown channel %q", channelName)
	}

	if err := reg.adapter.VerifyWebhook(headers, body); err != nil {
		logger.Warn(ctx, "Webhook verification failed",
			tag.Channel(channelName), tag.Error(err))
		return InboundResult{Ack: ackRejected}, nil
	}

	message, err := reg.adapter.ParseInbound(body)
	if err != nil {
		logger.Warn(ctx, "Failed to parse inbound payload",
			tag.Channel(channelName), tag.Error(err))
		return InboundResult{Ack: ackRejected}, nil
	}

	cmd := ParseCommand(message.Text)
	payload := map[string]any{
		"message_type": string(cmd.Type),
		"text":         message.Text,
		"sender":       message.Sender,
		"channel":      channelName,
	}
	if message.ThreadID != "" {
		payload["thread_id"] = message.ThreadID
	}
	if cmd.NodeID != "" {
		payload["node_id"] = cmd.NodeID
	}
	if cmd.Reason != "" {
		payload["reason"] = cmd.Reason
	}

	signal := core.NewSignal(core.RoleChannel, core.RoleRunner, core.SignalInboundCommand, payload)
	routed := true
	if _, err := b.signals.Write(signal); err != nil {
		logger.Error(ctx, "Failed to route inbound command",
			tag.Channel(channelName), tag.Error(err))
		routed = false
	}

	return InboundResult{Ack: Ack(cmd.Type), Routed: routed}, nil
}

// Broadcast formats the signal into a one-line summary and sends it to
// every registered channel concurrently. Per-channel failures are collected
// and returned; one failed channel never blocks the others.
func (b *Bridge) Broadcast(ctx context.Context, signalType core.SignalType, payload map[string]any, status *PipelineStatus) []error {
	desc, ok := signalDescriptions[signalType]
	if !ok {
		desc = signalDescription{Description: string(signalType)}
	}
	text := desc.Description
	if pipelineID, _ := payload["pipeline_id"].(string); pipelineID != "" {
		text = fmt.Sprintf("[%s] %s", pipelineID, text)
	}
	if nodeID, _ := payload["node_id"].(string); nodeID != "" {
		text = fmt.Sprintf("%s (node %s)", text, nodeID)
	}
	if reason, _ := payload["reason"].(string); reason != "" {
		text = fmt.Sprintf("%s: %s", text, reason)
	}

	// The first card-capable adapter renders the rich card; every other
	// channel receives plain text.
	cardChannel := ""
	if desc.WantsCard && status != nil {
		for _, name := range b.order {
			if _, capable := b.channels[name].adapter.(CardRenderer); capable {
				cardChannel = name
				break
			}
		}
	}

	type result struct {
		channel string
		err     error
	}
	results := make(chan result, len(b.order))
	var wg sync.WaitGroup

	for _, name := range b.order {
		reg := b.channels[name]
		wg.Add(1)
		go func(name string, reg registration) {
			defer wg.Done()
			var err error
			if name == cardChannel {
				err = reg.adapter.(CardRenderer).SendCard(ctx, reg.defaultRecipient, text, status)
			} else {
				err = reg.adapter.Send(ctx, reg.defaultRecipient, text)
			}
			results <- result{channel: name, err: err}
		}(name, reg)
	}
	wg.Wait()
	close(results)

	var errs []error
	for res := range results {
		if res.err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", res.channel, res.err))
		}
	}
	return errs
}
