// Package codex implements the forward adapter for the Codex CLI. Connect
// spawns `codex app-server` and speaks its JSON-RPC protocol over the
// subprocess pipes; turns map onto threads.
package codex

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/common/logger"
)

// Name is the adapter registry key.
const Name = "codex"

const handshakeTimeout = 10 * time.Second

// Proc is a running backend subprocess.
type Proc interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Done is closed when the subprocess exits.
	Done() <-chan struct{}
	Kill() error
}

// Runner starts the backend subprocess. The process launcher implements
// it; tests substitute pipes.
type Runner interface {
	Start(ctx context.Context, sessionID string, opts adapter.ConnectOptions) (Proc, error)
}

// Adapter spawns one Codex app-server per session.
type Adapter struct {
	runner Runner
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates the codex adapter.
func New(runner Runner, log *logger.Logger) *Adapter {
	return &Adapter{
		runner:   runner,
		logger:   log.WithAdapter(Name),
		sessions: make(map[string]*Session),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: false,
		Availability:  adapter.AvailabilityLocal,
	}
}

// Connect spawns the app-server, performs the initialize handshake, and
// starts (or resumes) a thread.
func (a *Adapter) Connect(ctx context.Context, sessionID string, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	proc, err := a.runner.Start(ctx, sessionID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start codex app-server: %w", err)
	}

	sess, err := newSession(ctx, sessionID, proc, opts, a.logger)
	if err != nil {
		if killErr := proc.Kill(); killErr != nil {
			a.logger.Warn("failed to kill app-server after handshake failure", zap.Error(killErr))
		}
		return nil, err
	}

	a.mu.Lock()
	a.sessions[sessionID] = sess
	a.mu.Unlock()
	a.logger.Info("codex thread attached",
		zap.String("session_id", sessionID),
		zap.String("thread_id", sess.threadID))
	return sess, nil
}

// ReleaseSession drops the adapter's handle after the session closes.
func (a *Adapter) ReleaseSession(sessionID string) {
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
}

// Shutdown closes every live session.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.sessions = make(map[string]*Session)
	a.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			a.logger.Warn("failed to close session during shutdown",
				zap.String("session_id", s.SessionID()),
				zap.Error(err))
		}
	}
	return nil
}
