package cmd

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-org/drover/internal/bridge"
	"github.com/drover-org/drover/internal/cmn/config"
	"github.com/drover-org/drover/internal/core"
	"github.com/drover-org/drover/internal/notify"
	"github.com/drover-org/drover/internal/persis/filesignal"
)

type recordingAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *recordingAdapter) Name() string { return "slack" }

func (a *recordingAdapter) VerifyWebhook(http.Header, []byte) error { return nil }

func (a *recordingAdapter) ParseInbound([]byte) (bridge.InboundMessage, error) {
	return bridge.InboundMessage{}, nil
}
func (a *recordingAdapter) Send(_ context.Context, _, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return nil
}
func (a *recordingAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

var _ bridge.ChannelAdapter = (*recordingAdapter)(nil)

func TestRelayConsumesMappedAndUnmappedSignals(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Config{
		NotificationsDir: filepath.Join(root, "notifications"),
		DedupWindow:      5 * time.Minute,
	}
	signals, err := filesignal.New(filepath.Join(root, "signals"),
		filesignal.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	adapter := &recordingAdapter{}
	b := bridge.New(signals)
	b.Register(adapter, "C1")
	dispatcher := notify.New(cfg, b)

	// One mapped signal and one with no dispatcher event.
	_, err = signals.Write(core.NewSignal(core.RoleRunner, core.RoleTerminal,
		core.SignalRunnerStuck, map[string]any{"pipeline_id": "demo", "reason": "blocked"}))
	require.NoError(t, err)
	_, err = signals.Write(core.NewSignal(core.RoleRunner, core.RoleTerminal,
		core.SignalInputResponse, map[string]any{"answer": "use postgres"}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relayTerminalSignals(ctx, signals, dispatcher, b)
		close(done)
	}()

	require.Eventually(t, func() bool { return adapter.count() == 2 },
		5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop on context cancellation")
	}

	// Both signals were consumed, mapped or not.
	pending, _, err := signals.List(core.RoleTerminal)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
