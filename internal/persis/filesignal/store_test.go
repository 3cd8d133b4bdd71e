package filesignal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-org/drover/internal/core"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "signals"),
		WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	return store
}

func TestWriteAndListInOrder(t *testing.T) {
	store := newStore(t)

	first := core.NewSignal(core.RoleGuardian, core.RoleRunner, core.SignalValidationPassed,
		map[string]any{"node_id": "impl_auth"})
	second := core.NewSignal(core.RoleChannel, core.RoleRunner, core.SignalInboundCommand,
		map[string]any{"text": "approve impl_auth"})
	other := core.NewSignal(core.RoleRunner, core.RoleTerminal, core.SignalRunnerStarted, nil)

	for _, sig := range []core.Signal{first, second, other} {
		_, err := store.Write(sig)
		require.NoError(t, err)
	}

	signals, paths, err := store.List(core.RoleRunner)
	require.NoError(t, err)
	require.Len(t, signals, 2)
	require.Len(t, paths, 2)
	assert.Equal(t, first.ID, signals[0].ID)
	assert.Equal(t, second.ID, signals[1].ID)
}

func TestSignalRoundTrip(t *testing.T) {
	store := newStore(t)

	want := core.NewSignal(core.RoleRunner, core.RoleGuardian, core.SignalNeedsReview,
		map[string]any{"node_id": "impl_auth", "attempt": float64(2)})
	path, err := store.Write(want)
	require.NoError(t, err)

	got, err := store.ReadOne(path)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Payload, got.Payload)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
}

func TestListSkipsMalformedFiles(t *testing.T) {
	store := newStore(t)

	require.NoError(t, os.WriteFile(
		filepath.Join(store.dir, "00000000T000000.000000000Z-x-runner-zzzzzz.json"),
		[]byte("{not json"), 0o600))
	valid := core.NewSignal(core.RoleGuardian, core.RoleRunner, core.SignalValidationPassed, nil)
	_, err := store.Write(valid)
	require.NoError(t, err)

	signals, _, err := store.List(core.RoleRunner)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, valid.ID, signals[0].ID)
}

func TestReadOneRejectsUnknownSignalType(t *testing.T) {
	store := newStore(t)

	raw, err := json.Marshal(map[string]any{
		"id":          "x",
		"source":      "runner",
		"target":      "guardian",
		"signal_type": "NOT_A_REAL_TYPE",
	})
	require.NoError(t, err)
	path := filepath.Join(store.dir, "bogus.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = store.ReadOne(path)
	require.ErrorIs(t, err, ErrMalformedSignal)
}

func TestConsumeIsIdempotent(t *testing.T) {
	store := newStore(t)

	path, err := store.Write(core.NewSignal(core.RoleRunner, core.RoleGuardian, core.SignalNeedsReview, nil))
	require.NoError(t, err)

	require.NoError(t, store.Consume(path))
	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(store.dir, processedDirName, filepath.Base(path)))

	// Second call on the same path is a no-op.
	require.NoError(t, store.Consume(path))

	signals, _, err := store.List(core.RoleGuardian)
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestWaitReturnsExistingSignal(t *testing.T) {
	store := newStore(t)

	want := core.NewSignal(core.RoleRunner, core.RoleGuardian, core.SignalNeedsReview, nil)
	wantPath, err := store.Write(want)
	require.NoError(t, err)

	got, path, err := store.Wait(context.Background(), core.RoleGuardian, time.Second)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, wantPath, path)
}

func TestWaitPicksUpLateArrival(t *testing.T) {
	store := newStore(t)

	want := core.NewSignal(core.RoleRunner, core.RoleGuardian, core.SignalNeedsInput, nil)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = store.Write(want)
	}()

	got, _, err := store.Wait(context.Background(), core.RoleGuardian, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
}

func TestWaitTimesOut(t *testing.T) {
	store := newStore(t)

	start := time.Now()
	_, _, err := store.Wait(context.Background(), core.RoleGuardian, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitHonoursContextCancellation(t *testing.T) {
	store := newStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, _, err := store.Wait(ctx, core.RoleGuardian, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}
