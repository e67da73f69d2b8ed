package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	name     string
	shutdown bool
}

func (s *stubAdapter) Name() string               { return s.name }
func (s *stubAdapter) Capabilities() Capabilities { return Capabilities{} }
func (s *stubAdapter) Connect(ctx context.Context, sessionID string, opts ConnectOptions) (BackendSession, error) {
	return nil, ErrBackendUnavailable
}
func (s *stubAdapter) Shutdown(ctx context.Context) error {
	s.shutdown = true
	return nil
}

var _ Adapter = (*stubAdapter)(nil)

func TestResolverRegisterResolve(t *testing.T) {
	r := NewResolver()
	require.NoError(t, r.Register(&stubAdapter{name: "claude"}))
	require.NoError(t, r.Register(&stubAdapter{name: "codex"}))

	a, err := r.Resolve("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", a.Name())

	_, err = r.Resolve("gemini")
	assert.ErrorIs(t, err, ErrUnknownAdapter)

	assert.Equal(t, []string{"claude", "codex"}, r.Names())
}

func TestResolverRejectsDuplicate(t *testing.T) {
	r := NewResolver()
	require.NoError(t, r.Register(&stubAdapter{name: "claude"}))
	assert.Error(t, r.Register(&stubAdapter{name: "claude"}))
}

func TestResolverShutdownAll(t *testing.T) {
	r := NewResolver()
	a := &stubAdapter{name: "claude"}
	b := &stubAdapter{name: "codex"}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	require.NoError(t, r.Shutdown(context.Background()))
	assert.True(t, a.shutdown)
	assert.True(t, b.shutdown)
	assert.Empty(t, r.Names())
}

func TestDefaultProfiles(t *testing.T) {
	profiles := DefaultProfiles()
	for _, name := range []string{"claude", "codex", "gemini", "acp", "mock"} {
		p, ok := profiles[name]
		require.True(t, ok, name)
		assert.NotEmpty(t, p.Command, name)
	}
	assert.Equal(t, 30*time.Second, profiles["claude"].StartupTimeout())
}

func TestLoadProfilesMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
claude:
  command: /usr/local/bin/claude
  args: ["--sdk-url", "${ws_url}"]
  pty: true
custom:
  command: my-agent
  startup_timeout_ms: 1000
`), 0o644))

	profiles, err := LoadProfiles(path)
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/claude", profiles["claude"].Command)
	assert.True(t, profiles["claude"].PTY)
	assert.Equal(t, "codex", profiles["codex"].Command) // default untouched
	assert.Equal(t, time.Second, profiles["custom"].StartupTimeout())
}

func TestLoadProfilesRejectsMissingCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broken:\n  pty: true\n"), 0o644))

	_, err := LoadProfiles(path)
	assert.Error(t, err)
}

func TestExpand(t *testing.T) {
	out := Expand("--sdk-url ${ws_url} --session ${session_id}", map[string]string{
		"ws_url":     "ws://127.0.0.1:8420/cli/ws",
		"session_id": "s1",
	})
	assert.Equal(t, "--sdk-url ws://127.0.0.1:8420/cli/ws --session s1", out)
}
