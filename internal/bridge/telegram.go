package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramSecretHeader carries the secret token Telegram echoes back on
// webhook deliveries.
const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

var _ ChannelAdapter = (*TelegramAdapter)(nil)

// TelegramAdapter bridges a Telegram chat through the Bot API.
type TelegramAdapter struct {
	bot           *tgbotapi.BotAPI
	webhookSecret string
}

// NewTelegramAdapter builds an adapter from a bot token and the webhook
// secret configured with setWebhook.
func NewTelegramAdapter(token, webhookSecret string) (*TelegramAdapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: failed to create bot: %w", err)
	}
	return &TelegramAdapter{bot: bot, webhookSecret: webhookSecret}, nil
}

// Name implements ChannelAdapter.
func (a *TelegramAdapter) Name() string { return "telegram" }

// VerifyWebhook implements ChannelAdapter via the secret-token header.
func (a *TelegramAdapter) VerifyWebhook(headers http.Header, _ []byte) error {
	got := headers.Get(telegramSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.webhookSecret)) != 1 {
		return fmt.Errorf("telegram: secret token mismatch")
	}
	return nil
}

// ParseInbound implements ChannelAdapter.
func (a *TelegramAdapter) ParseInbound(body []byte) (InboundMessage, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return InboundMessage{}, fmt.Errorf("telegram: malformed update: %w", err)
	}
	if update.Message == nil || update.Message.Text == "" {
		return InboundMessage{}, fmt.Errorf("telegram: update carries no text")
	}
	sender := ""
	if update.Message.From != nil {
		sender = update.Message.From.UserName
	}
	return InboundMessage{
		Text:     update.Message.Text,
		Sender:   sender,
		ThreadID: strconv.FormatInt(update.Message.Chat.ID, 10),
	}, nil
}

// Send implements ChannelAdapter. The Bot API client carries no context;
// cancellation is honoured before the call.
func (a *TelegramAdapter) Send(ctx context.Context, recipient, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: recipient %q is not a chat id: %w", recipient, err)
	}
	if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram: failed to send message: %w", err)
	}
	return nil
}
