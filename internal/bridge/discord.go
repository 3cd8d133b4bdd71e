package bridge

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

var _ ChannelAdapter = (*DiscordAdapter)(nil)

// DiscordAdapter bridges a Discord channel through a bot session.
type DiscordAdapter struct {
	session   *discordgo.Session
	publicKey ed25519.PublicKey
}

// NewDiscordAdapter builds an adapter from a bot token and the hex-encoded
// application public key used for webhook signature checks.
func NewDiscordAdapter(token, publicKeyHex string) (*DiscordAdapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: failed to create session: %w", err)
	}
	key, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("discord: invalid public key")
	}
	return &DiscordAdapter{session: session, publicKey: ed25519.PublicKey(key)}, nil
}

// Name implements ChannelAdapter.
func (a *DiscordAdapter) Name() string { return "discord" }

// VerifyWebhook implements ChannelAdapter using Discord's ed25519 scheme:
// the signature covers timestamp || body.
func (a *DiscordAdapter) VerifyWebhook(headers http.Header, body []byte) error {
	signatureHex := headers.Get("X-Signature-Ed25519")
	timestamp := headers.Get("X-Signature-Timestamp")
	if signatureHex == "" || timestamp == "" {
		return fmt.Errorf("discord: missing signature headers")
	}
	signature, err := hex.DecodeString(signatureHex)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("discord: malformed signature")
	}
	message := append([]byte(timestamp), body...)
	if !ed25519.Verify(a.publicKey, message, signature) {
		return fmt.Errorf("discord: signature mismatch")
	}
	return nil
}

// discordMessage is the subset of the message payload the bridge consumes.
type discordMessage struct {
	Content string `json:"content"`
	Author  struct {
		Username string `json:"username"`
	} `json:"author"`
	ChannelID string `json:"channel_id"`
}

// ParseInbound implements ChannelAdapter.
func (a *DiscordAdapter) ParseInbound(body []byte) (InboundMessage, error) {
	var message discordMessage
	if err := json.Unmarshal(body, &message); err != nil {
		return InboundMessage{}, fmt.Errorf("discord: malformed payload: %w", err)
	}
	if message.Content == "" {
		return InboundMessage{}, fmt.Errorf("discord: payload carries no content")
	}
	return InboundMessage{
		Text:     message.Content,
		Sender:   message.Author.Username,
		ThreadID: message.ChannelID,
	}, nil
}

// Send implements ChannelAdapter.
func (a *DiscordAdapter) Send(ctx context.Context, recipient, text string) error {
	if _, err := a.session.ChannelMessageSend(recipient, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: failed to send message: %w", err)
	}
	return nil
}
