// Package claude implements the inverted adapter for the Claude Code CLI.
// The relay spawns the CLI with a --sdk-url pointing back at its transport
// hub; the CLI dials in over WebSocket and the hub delivers the socket
// here, completing the pending Connect.
package claude

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/common/logger"
)

// Name is the adapter registry key.
const Name = "claude"

type pendingConnect struct {
	opts     adapter.ConnectOptions
	deliver  chan adapter.Socket
	canceled chan struct{}
}

// Adapter tracks pending connection attempts and live sessions.
type Adapter struct {
	logger *logger.Logger

	mu       sync.Mutex
	pending  map[string]*pendingConnect
	sessions map[string]*Session
}

// New creates the claude adapter.
func New(log *logger.Logger) *Adapter {
	return &Adapter{
		logger:   log.WithAdapter(Name),
		pending:  make(map[string]*pendingConnect),
		sessions: make(map[string]*Session),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  adapter.AvailabilityLocal,
		Teams:         true,
	}
}

// Connect registers the session id and blocks until the CLI dials back and
// the hub delivers its socket, or the context expires. The subprocess
// launch happens elsewhere; this side only waits.
func (a *Adapter) Connect(ctx context.Context, sessionID string, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	p := &pendingConnect{
		opts:     opts,
		deliver:  make(chan adapter.Socket, 1),
		canceled: make(chan struct{}),
	}

	a.mu.Lock()
	if _, exists := a.pending[sessionID]; exists {
		a.mu.Unlock()
		return nil, fmt.Errorf("connection already pending for session %s", sessionID)
	}
	a.pending[sessionID] = p
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.pending[sessionID] == p {
			delete(a.pending, sessionID)
		}
		a.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("awaiting cli socket for session %s: %w", sessionID, adapter.ErrTimeout)
	case <-p.canceled:
		return nil, fmt.Errorf("connection attempt for session %s canceled: %w", sessionID, adapter.ErrBackendUnavailable)
	case sock := <-p.deliver:
		sess := newSession(sessionID, sock, opts, a.logger)
		a.mu.Lock()
		a.sessions[sessionID] = sess
		a.mu.Unlock()
		a.logger.Info("cli socket attached", zap.String("session_id", sessionID))
		return sess, nil
	}
}

// DeliverSocket hands a dialed-back socket to the waiting Connect. Returns
// false when no attempt is pending for the session.
func (a *Adapter) DeliverSocket(sessionID string, sock adapter.Socket) bool {
	a.mu.Lock()
	p, ok := a.pending[sessionID]
	if ok {
		delete(a.pending, sessionID)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	p.deliver <- sock
	return true
}

// CancelPending abandons a pending connection attempt, unblocking Connect.
func (a *Adapter) CancelPending(sessionID string) {
	a.mu.Lock()
	p, ok := a.pending[sessionID]
	if ok {
		delete(a.pending, sessionID)
	}
	a.mu.Unlock()
	if ok {
		close(p.canceled)
	}
}

// ReleaseSession drops the adapter's handle after the session closes.
func (a *Adapter) ReleaseSession(sessionID string) {
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
}

// Shutdown closes every live session and cancels pending attempts.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.sessions = make(map[string]*Session)
	pending := a.pending
	a.pending = make(map[string]*pendingConnect)
	a.mu.Unlock()

	for _, p := range pending {
		close(p.canceled)
	}
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			a.logger.Warn("failed to close session during shutdown",
				zap.String("session_id", s.SessionID()),
				zap.Error(err))
		}
	}
	return nil
}
