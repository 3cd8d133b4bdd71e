package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-org/drover/internal/bridge"
	"github.com/drover-org/drover/internal/cmn/config"
	"github.com/drover-org/drover/internal/core"
)

type fakeBroadcaster struct {
	calls []core.SignalType
	errs  []error
}

func (b *fakeBroadcaster) Broadcast(_ context.Context, signalType core.SignalType, _ map[string]any, _ *bridge.PipelineStatus) []error {
	b.calls = append(b.calls, signalType)
	return b.errs
}

var _ Broadcaster = (*fakeBroadcaster)(nil)

func newDispatcher(t *testing.T, quietStart, quietEnd string, now time.Time) (*Dispatcher, *fakeBroadcaster) {
	t.Helper()
	cfg := &config.Config{
		NotificationsDir: t.TempDir(),
		DedupWindow:      5 * time.Minute,
		QuietStart:       quietStart,
		QuietEnd:         quietEnd,
	}
	b := &fakeBroadcaster{}
	d := New(cfg, b, WithClock(func() time.Time { return now }))
	return d, b
}

func completeEvent() Event {
	return Event{
		Type:    EventPipelineComplete,
		Payload: map[string]any{"pipeline_id": "demo"},
	}
}

func TestDispatchSendsAndLogs(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	d, b := newDispatcher(t, "", "", now)

	outcome, err := d.Dispatch(context.Background(), completeEvent())
	require.NoError(t, err)
	assert.Equal(t, StatusSent, outcome.Status)
	assert.Equal(t, []core.SignalType{core.SignalRunnerComplete}, b.calls)

	entries, err := d.readLog()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusSent, entries[0].Status)
	assert.Equal(t, outcome.DedupKey, entries[0].DedupKey)
}

func TestDispatchDedupsWithinWindow(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	d, b := newDispatcher(t, "", "", now)

	_, err := d.Dispatch(context.Background(), completeEvent())
	require.NoError(t, err)

	outcome, err := d.Dispatch(context.Background(), completeEvent())
	require.NoError(t, err)
	assert.Equal(t, StatusSkippedDedup, outcome.Status)
	assert.Len(t, b.calls, 1)

	// A different pipeline produces a different dedup key.
	other := completeEvent()
	other.Payload["pipeline_id"] = "other"
	outcome, err = d.Dispatch(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, outcome.Status)
}

func TestDispatchWindowExpires(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cfg := &config.Config{
		NotificationsDir: t.TempDir(),
		DedupWindow:      5 * time.Minute,
	}
	b := &fakeBroadcaster{}
	clock := now
	d := New(cfg, b, WithClock(func() time.Time { return clock }))

	_, err := d.Dispatch(context.Background(), completeEvent())
	require.NoError(t, err)

	clock = now.Add(6 * time.Minute)
	outcome, err := d.Dispatch(context.Background(), completeEvent())
	require.NoError(t, err)
	assert.Equal(t, StatusSent, outcome.Status)
	assert.Len(t, b.calls, 2)
}

func TestDispatchQuietHours(t *testing.T) {
	// 23:30 local falls inside a 22:00-07:00 window that wraps midnight.
	now := time.Date(2026, 8, 24, 23, 30, 0, 0, time.Local)
	d, b := newDispatcher(t, "22:00", "07:00", now)

	outcome, err := d.Dispatch(context.Background(), completeEvent())
	require.NoError(t, err)
	assert.Equal(t, StatusSkippedQuietHrs, outcome.Status)
	assert.Empty(t, b.calls)
}

func TestDispatchQuietHoursMorningSideOfWrap(t *testing.T) {
	now := time.Date(2026, 8, 24, 6, 30, 0, 0, time.Local)
	d, b := newDispatcher(t, "22:00", "07:00", now)

	outcome, err := d.Dispatch(context.Background(), completeEvent())
	require.NoError(t, err)
	assert.Equal(t, StatusSkippedQuietHrs, outcome.Status)
	assert.Empty(t, b.calls)
}

func TestDispatchOutsideQuietHours(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	d, b := newDispatcher(t, "22:00", "07:00", now)

	outcome, err := d.Dispatch(context.Background(), completeEvent())
	require.NoError(t, err)
	assert.Equal(t, StatusSent, outcome.Status)
	assert.Len(t, b.calls, 1)
}

func TestDispatchDedupBeatsQuietHours(t *testing.T) {
	// Inside quiet hours, a duplicate is still recorded as skipped_dedup.
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	d, _ := newDispatcher(t, "22:00", "07:00", now)

	_, err := d.Dispatch(context.Background(), completeEvent())
	require.NoError(t, err)

	d.cfg.QuietStart, d.cfg.QuietEnd = "00:00", "23:59"
	outcome, err := d.Dispatch(context.Background(), completeEvent())
	require.NoError(t, err)
	assert.Equal(t, StatusSkippedDedup, outcome.Status)
}

func TestDispatchChannelFailureDoesNotArmDedup(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	d, b := newDispatcher(t, "", "", now)
	b.errs = []error{errors.New("channel slack: rate limited")}

	outcome, err := d.Dispatch(context.Background(), completeEvent())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, outcome.Status)

	// The failed entry leaves the window open for a retry.
	b.errs = nil
	outcome, err = d.Dispatch(context.Background(), completeEvent())
	require.NoError(t, err)
	assert.Equal(t, StatusSent, outcome.Status)
}

func TestDispatchUnknownEventType(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	d, _ := newDispatcher(t, "", "", now)

	_, err := d.Dispatch(context.Background(), Event{Type: "launch_rocket"})
	require.Error(t, err)
}

func TestDedupKeyUsesOnlyCoreFields(t *testing.T) {
	a := DedupKey(EventNodeFailed, []string{"pipeline_id", "node_id"},
		map[string]any{"pipeline_id": "demo", "node_id": "x", "noise": 1})
	b := DedupKey(EventNodeFailed, []string{"pipeline_id", "node_id"},
		map[string]any{"pipeline_id": "demo", "node_id": "x", "noise": 2})
	c := DedupKey(EventNodeFailed, []string{"pipeline_id", "node_id"},
		map[string]any{"pipeline_id": "demo", "node_id": "y"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
