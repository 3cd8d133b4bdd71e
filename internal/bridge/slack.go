package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/slack-go/slack"
)

var (
	_ ChannelAdapter = (*SlackAdapter)(nil)
	_ CardRenderer   = (*SlackAdapter)(nil)
)

// SlackAdapter bridges a Slack workspace. It is the card-capable adapter:
// status cards render as Block Kit sections.
type SlackAdapter struct {
	client        *slack.Client
	signingSecret string
}

// NewSlackAdapter builds an adapter from a bot token and signing secret.
func NewSlackAdapter(token, signingSecret string) *SlackAdapter {
	return &SlackAdapter{
		client:        slack.New(token),
		signingSecret: signingSecret,
	}
}

// Name implements ChannelAdapter.
func (a *SlackAdapter) Name() string { return "slack" }

// VerifyWebhook implements ChannelAdapter using Slack request signing.
func (a *SlackAdapter) VerifyWebhook(headers http.Header, body []byte) error {
	verifier, err := slack.NewSecretsVerifier(headers, a.signingSecret)
	if err != nil {
		return fmt.Errorf("slack: failed to build verifier: %w", err)
	}
	if _, err := verifier.Write(body); err != nil {
		return fmt.Errorf("slack: failed to hash body: %w", err)
	}
	if err := verifier.Ensure(); err != nil {
		return fmt.Errorf("slack: signature mismatch: %w", err)
	}
	return nil
}

// slackEvent is the subset of the Events API payload the bridge consumes.
type slackEvent struct {
	Event struct {
		Text     string `json:"text"`
		User     string `json:"user"`
		ThreadTS string `json:"thread_ts"`
		Channel  string `json:"channel"`
	} `json:"event"`
}

// ParseInbound implements ChannelAdapter.
func (a *SlackAdapter) ParseInbound(body []byte) (InboundMessage, error) {
	var event slackEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return InboundMessage{}, fmt.Errorf("slack: malformed event payload: %w", err)
	}
	if event.Event.Text == "" {
		return InboundMessage{}, fmt.Errorf("slack: event carries no text")
	}
	return InboundMessage{
		Text:     event.Event.Text,
		Sender:   event.Event.User,
		ThreadID: event.Event.ThreadTS,
		Metadata: map[string]any{"channel": event.Event.Channel},
	}, nil
}

// Send implements ChannelAdapter.
func (a *SlackAdapter) Send(ctx context.Context, recipient, text string) error {
	_, _, err := a.client.PostMessageContext(ctx, recipient, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack: failed to post message: %w", err)
	}
	return nil
}

// SendCard implements CardRenderer with a Block Kit status card.
func (a *SlackAdapter) SendCard(ctx context.Context, recipient, text string, status *PipelineStatus) error {
	header := slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, text, false, false))
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Pipeline:* %s", status.PipelineID), false, false),
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Health:* %s", status.Label), false, false),
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Stage:* %s", status.Stage), false, false),
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Progress:* %d/%d (%d blocked)",
				status.Completed, status.Total, status.Blocked), false, false),
	}
	section := slack.NewSectionBlock(nil, fields, nil)

	_, _, err := a.client.PostMessageContext(ctx, recipient,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(header, section))
	if err != nil {
		return fmt.Errorf("slack: failed to post card: %w", err)
	}
	return nil
}
