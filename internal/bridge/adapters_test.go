package bridge

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramVerifyWebhook(t *testing.T) {
	adapter := &TelegramAdapter{webhookSecret: "s3cret"}

	headers := http.Header{}
	headers.Set(telegramSecretHeader, "s3cret")
	assert.NoError(t, adapter.VerifyWebhook(headers, nil))

	headers.Set(telegramSecretHeader, "wrong")
	assert.Error(t, adapter.VerifyWebhook(headers, nil))

	assert.Error(t, adapter.VerifyWebhook(http.Header{}, nil))
}

func TestTelegramParseInbound(t *testing.T) {
	adapter := &TelegramAdapter{}

	body := []byte(`{
		"update_id": 1,
		"message": {
			"message_id": 7,
			"text": "approve impl_auth",
			"from": {"id": 1, "username": "alice"},
			"chat": {"id": 42}
		}
	}`)
	msg, err := adapter.ParseInbound(body)
	require.NoError(t, err)
	assert.Equal(t, "approve impl_auth", msg.Text)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "42", msg.ThreadID)

	_, err = adapter.ParseInbound([]byte(`{"update_id": 2}`))
	require.Error(t, err)
}

func TestDiscordVerifyWebhook(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	adapter := &DiscordAdapter{publicKey: pub}

	body := []byte(`{"content": "approve impl_auth"}`)
	timestamp := "1724500000"
	signature := ed25519.Sign(priv, append([]byte(timestamp), body...))

	headers := http.Header{}
	headers.Set("X-Signature-Ed25519", hex.EncodeToString(signature))
	headers.Set("X-Signature-Timestamp", timestamp)
	assert.NoError(t, adapter.VerifyWebhook(headers, body))

	// A different body invalidates the signature.
	assert.Error(t, adapter.VerifyWebhook(headers, []byte(`{"content": "reject"}`)))

	headers.Del("X-Signature-Ed25519")
	assert.Error(t, adapter.VerifyWebhook(headers, body))
}

func TestDiscordParseInbound(t *testing.T) {
	adapter := &DiscordAdapter{}

	msg, err := adapter.ParseInbound([]byte(`{
		"content": "stop",
		"author": {"username": "bob"},
		"channel_id": "99"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "stop", msg.Text)
	assert.Equal(t, "bob", msg.Sender)
	assert.Equal(t, "99", msg.ThreadID)

	_, err = adapter.ParseInbound([]byte(`{"author": {"username": "bob"}}`))
	require.Error(t, err)
}

func TestSlackParseInbound(t *testing.T) {
	adapter := &SlackAdapter{}

	msg, err := adapter.ParseInbound([]byte(`{
		"event": {
			"text": "lgtm impl_auth",
			"user": "U123",
			"thread_ts": "1724500000.000100",
			"channel": "C123"
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "lgtm impl_auth", msg.Text)
	assert.Equal(t, "U123", msg.Sender)
	assert.Equal(t, "1724500000.000100", msg.ThreadID)

	_, err = adapter.ParseInbound([]byte(`{"event": {}}`))
	require.Error(t, err)
}
