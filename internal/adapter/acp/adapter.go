// Package acp implements the forward adapter for ACP-speaking CLIs. The
// launcher spawns the agent process; the adapter drives it through
// github.com/coder/acp-go-sdk over the subprocess pipes.
package acp

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
const Name = "acp"

const handshakeTimeout = 10 * time.Second

// Proc is a running agent subprocess.
type Proc interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Done is closed when the subprocess exits.
	Done() <-chan struct{}
	Kill() error
}

// Runner starts the agent subprocess. The process launcher implements it.
type Runner interface {
	Start(ctx context.Context, sessionID string, opts adapter.ConnectOptions) (Proc, error)
}

// Adapter spawns one ACP agent per session.
type Adapter struct {
	runner Runner
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates the acp adapter.
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
		Streaming:    true,
		Permissions:  true,
		Availability: adapter.AvailabilityLocal,
	}
}

// Connect spawns the agent and performs the ACP handshake.
func (a *Adapter) Connect(ctx context.Context, sessionID string, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	proc, err := a.runner.Start(ctx, sessionID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start acp agent: %w", err)
	}

	sess, err := newSession(ctx, sessionID, proc, opts, a.logger)
	if err != nil {
		if killErr := proc.Kill(); killErr != nil {
			a.logger.Warn("failed to kill agent after handshake failure", zap.Error(killErr))
		}
		return nil, err
	}

	a.mu.Lock()
	a.sessions[sessionID] = sess
	a.mu.Unlock()
	a.logger.Info("acp agent attached",
		zap.String("session_id", sessionID),
		zap.String("agent_session_id", sess.agentSessionID))
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
