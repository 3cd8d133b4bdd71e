package filestate

import (
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
	store, err := New(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newStore(t)

	state := core.NewRunnerState("demo", "/pipelines/demo.yaml", "sess-1")
	state.NodeStatuses["impl_auth"] = core.NodeStatusActive
	state.RetryCounts["impl_auth"] = 1
	state.ImplementerMap["impl_auth"] = "agent-1"
	require.NoError(t, store.Save(state))

	got, err := store.Load("demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", got.PipelineID)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, core.NodeStatusActive, got.NodeStatuses["impl_auth"])
	assert.Equal(t, 1, got.RetryCounts["impl_auth"])
	assert.Equal(t, "agent-1", got.ImplementerMap["impl_auth"])
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestLoadMissing(t *testing.T) {
	store := newStore(t)
	_, err := store.Load("ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoadDefaultsNilMaps(t *testing.T) {
	store := newStore(t)
	raw := []byte(`{"pipeline_id": "bare", "updated_at": "2026-01-01T00:00:00Z"}`)
	require.NoError(t, os.WriteFile(store.StatePath("bare"), raw, 0o600))

	got, err := store.Load("bare")
	require.NoError(t, err)
	assert.NotNil(t, got.NodeStatuses)
	assert.NotNil(t, got.RetryCounts)
	assert.NotNil(t, got.ImplementerMap)
}

func TestListNewestFirstSkipsAuditAndMalformed(t *testing.T) {
	store := newStore(t)

	older := core.NewRunnerState("older", "", "s")
	require.NoError(t, store.Save(older))
	time.Sleep(5 * time.Millisecond)
	newer := core.NewRunnerState("newer", "", "s")
	require.NoError(t, store.Save(newer))

	require.NoError(t, os.WriteFile(store.AuditPath("older"), []byte("{}\n"), 0o600))
	require.NoError(t, os.WriteFile(store.StatePath("broken"), []byte("{oops"), 0o600))

	states, err := store.List()
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "newer", states[0].PipelineID)
	assert.Equal(t, "older", states[1].PipelineID)
}

func TestSaveIsAtomic(t *testing.T) {
	store := newStore(t)
	state := core.NewRunnerState("demo", "", "s")
	require.NoError(t, store.Save(state))

	// No temp files are left behind alongside the state file.
	entries, err := os.ReadDir(filepath.Dir(store.StatePath("demo")))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "demo.json", entries[0].Name())
}
