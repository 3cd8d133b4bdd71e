// Package bridge translates between external chat channels and internal
// runner signals: inbound webhook payloads become INBOUND_COMMAND signals,
// and outbound signals fan out concurrently to every registered channel.
//
// The registry is process-local and not thread-safe; the bridge must be
// driven from a single event loop. Only the outbound broadcast runs
// concurrently, one task per channel adapter.
package bridge

import (
	"context"
	"net/http"
)

// InboundMessage is the channel-agnostic form of an incoming chat message.
type InboundMessage struct {
	Text     string
	Sender   string
	ThreadID string
	Metadata map[string]any
}

// PipelineStatus is the snapshot rendered into rich cards.
type PipelineStatus struct {
	PipelineID string
	Label      string
	Stage      string
	Completed  int
	Total      int
	Blocked    int
}

// ChannelAdapter is the capability a chat provider implements.
type ChannelAdapter interface {
	// Name identifies the channel in the registry.
	Name() string

	// VerifyWebhook authenticates an incoming webhook request.
	VerifyWebhook(headers http.Header, body []byte) error

	// ParseInbound extracts the generic message from a verified payload.
	ParseInbound(body []byte) (InboundMessage, error)

	// Send delivers a plain-text message to the recipient.
	Send(ctx context.Context, recipient, text string) error
}

// CardRenderer is the optional capability of rendering a rich status card.
// The bridge uses the first registered adapter that advertises it.
type CardRenderer interface {
	SendCard(ctx context.Context, recipient, text string, status *PipelineStatus) error
}
