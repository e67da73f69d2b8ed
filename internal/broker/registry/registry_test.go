package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/storage"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	return log
}

func testStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.Open(config.StorageConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "registry.db"),
	}, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})
	return store
}

func TestRegisterAndPhaseTransitions(t *testing.T) {
	r := New(nil, testLogger(t))

	e := r.Register("s-1", "claude", "/repo", "default", map[string]string{"KEY": "v"})
	assert.Equal(t, PhaseStarting, e.Phase)

	r.SetPhase("s-1", PhaseRunning)
	r.SetPID("s-1", 1234)

	got := r.Get("s-1")
	require.NotNil(t, got)
	assert.Equal(t, PhaseRunning, got.Phase)
	assert.Equal(t, 1234, got.PID)

	// Copies do not alias internal state.
	got.Phase = PhaseStopped
	assert.Equal(t, PhaseRunning, r.Get("s-1").Phase)
}

func TestStuckStarting(t *testing.T) {
	r := New(nil, testLogger(t))
	r.Register("s-old", "claude", "", "", nil)
	r.Register("s-new", "claude", "", "", nil)
	r.Register("s-archived", "claude", "", "", nil)
	r.Register("s-running", "claude", "", "", nil)

	r.Archive("s-archived")
	r.SetPhase("s-running", PhaseRunning)

	// Backdate the first entry past the grace period.
	r.mu.Lock()
	r.entries["s-old"].StartedAt = time.Now().Add(-10 * time.Second)
	r.entries["s-archived"].StartedAt = time.Now().Add(-10 * time.Second)
	r.mu.Unlock()

	stuck := r.StuckStarting(5 * time.Second)
	require.Len(t, stuck, 1)
	assert.Equal(t, "s-old", stuck[0].SessionID)
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	store := testStore(t)

	r := New(store, testLogger(t))
	r.Register("s-1", "codex", "/work", "gpt-5.3-codex", map[string]string{"A": "1"})
	r.SetPhase("s-1", PhaseRunning)
	r.Register("s-2", "claude", "", "", nil)
	r.Archive("s-2")
	r.Register("s-3", "claude", "", "", nil)
	r.SetPhase("s-3", PhaseStopped)

	fresh := New(store, testLogger(t))
	n, err := fresh.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	e1 := fresh.Get("s-1")
	require.NotNil(t, e1)
	assert.Equal(t, "codex", e1.AdapterName)
	assert.Equal(t, "/work", e1.Cwd)
	// The running process did not survive the restart: the entry comes
	// back as starting so the stuck-starting sweep can relaunch it.
	assert.Equal(t, PhaseStarting, e1.Phase)

	e2 := fresh.Get("s-2")
	require.NotNil(t, e2)
	assert.True(t, e2.Archived)

	// Stopped entries stay stopped.
	e3 := fresh.Get("s-3")
	require.NotNil(t, e3)
	assert.Equal(t, PhaseStopped, e3.Phase)
}

func TestRestoreSkipsLiveEntries(t *testing.T) {
	store := testStore(t)

	r := New(store, testLogger(t))
	r.Register("s-1", "codex", "/persisted", "", nil)

	fresh := New(store, testLogger(t))
	fresh.Register("s-1", "claude", "/live", "", nil)
	n, err := fresh.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "/live", fresh.Get("s-1").Cwd)
}

func TestRemove(t *testing.T) {
	r := New(nil, testLogger(t))
	r.Register("s-1", "claude", "", "", nil)
	r.Register("s-2", "claude", "", "", nil)
	r.Remove("s-1")

	assert.Nil(t, r.Get("s-1"))
	entries := r.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "s-2", entries[0].SessionID)
}
