//go:build !windows

package process

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/events"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	name      string
	sessionID string
	data      map[string]any
}

func (r *eventRecorder) emit(event, sessionID string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{event, sessionID, data})
}

func (r *eventRecorder) find(name string) *recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.events {
		if r.events[i].name == name {
			return &r.events[i]
		}
	}
	return nil
}

func (r *eventRecorder) lines(stream string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if data, ok := e.data["stream"]; ok && data == stream {
			out = append(out, e.data["line"].(string))
		}
	}
	return out
}

func newTestLauncher(t *testing.T, profiles map[string]adapter.LaunchProfile) (*Launcher, *eventRecorder) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	rec := &eventRecorder{}
	l := NewLauncher(profiles, "ws://127.0.0.1:0/cli/ws", rec.emit, log)
	t.Cleanup(l.StopAll)
	return l, rec
}

func TestLaunchEmitsOutputAndExit(t *testing.T) {
	l, rec := newTestLauncher(t, map[string]adapter.LaunchProfile{
		"test": {Command: "sh", Args: []string{"-c", "echo out-${session_id}; echo oops >&2"}},
	})

	_, err := l.Launch(context.Background(), "s-1", "test", adapter.ConnectOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rec.find(events.ProcessExited) != nil
	}, 5*time.Second, 20*time.Millisecond)

	assert.Contains(t, rec.lines("stdout"), "out-s-1")
	assert.Contains(t, rec.lines("stderr"), "oops")
	exited := rec.find(events.ProcessExited)
	assert.Equal(t, "s-1", exited.sessionID)
	assert.Equal(t, 0, exited.data["exit_code"])

	// The exit event is held until the output pumps drain, so it is
	// always the last event recorded.
	rec.mu.Lock()
	assert.Equal(t, events.ProcessExited, rec.events[len(rec.events)-1].name)
	rec.mu.Unlock()
}

func TestLaunchUnknownProfile(t *testing.T) {
	l, _ := newTestLauncher(t, map[string]adapter.LaunchProfile{})
	_, err := l.Launch(context.Background(), "s-1", "nope", adapter.ConnectOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no launch profile")
}

func TestLaunchRejectsDuplicateSession(t *testing.T) {
	l, rec := newTestLauncher(t, map[string]adapter.LaunchProfile{
		"test": {Command: "sleep", Args: []string{"30"}},
	})

	_, err := l.Launch(context.Background(), "s-1", "test", adapter.ConnectOptions{})
	require.NoError(t, err)
	_, err = l.Launch(context.Background(), "s-1", "test", adapter.ConnectOptions{})
	require.Error(t, err)

	l.Stop("s-1")
	require.Eventually(t, func() bool {
		return rec.find(events.ProcessExited) != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStopKillsProcess(t *testing.T) {
	l, rec := newTestLauncher(t, map[string]adapter.LaunchProfile{
		"test": {Command: "sleep", Args: []string{"30"}},
	})

	p, err := l.Launch(context.Background(), "s-1", "test", adapter.ConnectOptions{})
	require.NoError(t, err)
	assert.Greater(t, p.PID(), 0)

	l.Stop("s-1")
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after Stop")
	}
	require.Eventually(t, func() bool {
		return l.Get("s-1") == nil
	}, time.Second, 10*time.Millisecond)
	exited := rec.find(events.ProcessExited)
	require.NotNil(t, exited)
	assert.NotEqual(t, 0, exited.data["exit_code"])
}

func TestResumeFailureReported(t *testing.T) {
	l, rec := newTestLauncher(t, map[string]adapter.LaunchProfile{
		"test": {Command: "sh", Args: []string{"-c", "exit 3"}},
	})

	_, err := l.Launch(context.Background(), "s-1", "test", adapter.ConnectOptions{
		ResumeSessionID: "backend-abc",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rec.find(events.ProcessResumeFailed) != nil
	}, 5*time.Second, 20*time.Millisecond)
	failed := rec.find(events.ProcessResumeFailed)
	assert.Equal(t, "backend-abc", failed.data["resume_session_id"])
}

func TestEnvAndPortExpansion(t *testing.T) {
	l, rec := newTestLauncher(t, map[string]adapter.LaunchProfile{
		"test": {
			Command: "sh",
			Args:    []string{"-c", "echo url=$RELAY_URL port=${port}"},
			Env:     map[string]string{"RELAY_URL": "${ws_url}"},
		},
	})

	_, err := l.Launch(context.Background(), "s-7", "test", adapter.ConnectOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rec.find(events.ProcessExited) != nil
	}, 5*time.Second, 20*time.Millisecond)

	lines := rec.lines("stdout")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "url=ws://127.0.0.1:0/cli/ws?session_id=s-7")
	// ${port} appears in the args, so a port was allocated and substituted.
	assert.NotContains(t, lines[0], "${port}")
}

func TestProtocolStdoutBypassesScanner(t *testing.T) {
	l, rec := newTestLauncher(t, map[string]adapter.LaunchProfile{
		"codex": {Command: "sh", Args: []string{"-c", "echo protocol-line"}},
	})

	p, err := l.spawn(context.Background(), "s-1", "codex", adapter.ConnectOptions{}, true)
	require.NoError(t, err)
	require.NotNil(t, p.Stdout())

	buf := make([]byte, 64)
	n, err := p.Stdout().Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "protocol-line\n", string(buf[:n]))

	require.Eventually(t, func() bool {
		return rec.find(events.ProcessExited) != nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, rec.lines("stdout"))
}

func TestEscapeArg(t *testing.T) {
	cases := map[string]string{
		"":             `""`,
		"plain":        "plain",
		"has space":    `"has space"`,
		`quote"inside`: `quote\"inside`,
		`back\slash`:   `back\slash`,
		`both "x" y`:   `"both \"x\" y"`,
	}
	for in, want := range cases {
		assert.Equal(t, want, escapeArg(in), "input %q", in)
	}
}

func TestBuildCmdLine(t *testing.T) {
	got := buildCmdLine([]string{"claude", "--sdk-url", "ws://h/cli ws"})
	assert.Equal(t, `claude --sdk-url "ws://h/cli ws"`, got)
}
