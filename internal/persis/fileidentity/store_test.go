package fileidentity

import (
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
	store, err := New(filepath.Join(t.TempDir(), "identities"))
	require.NoError(t, err)
	return store
}

func TestCreateAndRead(t *testing.T) {
	store := newStore(t)

	created, err := store.Create(core.RoleRunner, "demo", "sess-1", CreateOptions{
		Worktree: "/tmp/wt",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.AgentID)
	assert.Equal(t, core.AgentStatusActive, created.Status)

	got, err := store.Read(core.RoleRunner, "demo")
	require.NoError(t, err)
	assert.Equal(t, created.AgentID, got.AgentID)
	assert.Equal(t, "/tmp/wt", got.Worktree)
	assert.Equal(t, "sess-1", got.SessionID)
}

func TestReadMissing(t *testing.T) {
	store := newStore(t)
	_, err := store.Read(core.RoleGuardian, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHeartbeat(t *testing.T) {
	store := newStore(t)
	created, err := store.Create(core.RoleRunner, "demo", "sess-1", CreateOptions{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Heartbeat(core.RoleRunner, "demo"))

	got, err := store.Read(core.RoleRunner, "demo")
	require.NoError(t, err)
	assert.True(t, got.LastHeartbeat.After(created.LastHeartbeat))
}

func TestMarkCrashed(t *testing.T) {
	store := newStore(t)
	_, err := store.Create(core.RoleRunner, "demo", "sess-1", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, store.MarkCrashed(core.RoleRunner, "demo"))
	got, err := store.Read(core.RoleRunner, "demo")
	require.NoError(t, err)
	assert.Equal(t, core.AgentStatusCrashed, got.Status)
	require.NotNil(t, got.CrashedAt)
	assert.Nil(t, got.TerminatedAt)
}

func TestListAllSortsAndSkipsMalformed(t *testing.T) {
	store := newStore(t)
	_, err := store.Create(core.RoleRunner, "beta", "s", CreateOptions{})
	require.NoError(t, err)
	_, err = store.Create(core.RoleGuardian, "alpha", "s", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.dir, "junk.json"), []byte("oops"), 0o600))

	identities, err := store.ListAll()
	require.NoError(t, err)
	require.Len(t, identities, 2)
	assert.Equal(t, core.RoleGuardian, identities[0].Role)
	assert.Equal(t, core.RoleRunner, identities[1].Role)
}

func TestFindStale(t *testing.T) {
	store := newStore(t)
	fresh, err := store.Create(core.RoleRunner, "fresh", "s", CreateOptions{})
	require.NoError(t, err)

	stale := fresh
	stale.Name = "stale"
	stale.LastHeartbeat = time.Now().UTC().Add(-time.Hour)
	raw, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.path(core.RoleRunner, "stale"), raw, 0o600))

	// A crashed agent never counts as stale.
	dead := fresh
	dead.Name = "dead"
	dead.Status = core.AgentStatusCrashed
	dead.LastHeartbeat = time.Now().UTC().Add(-time.Hour)
	raw, err = json.Marshal(dead)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.path(core.RoleRunner, "dead"), raw, 0o600))

	found, err := store.FindStale(time.Minute)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "stale", found[0].Name)
}
