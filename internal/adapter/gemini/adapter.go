// Package gemini implements the forward adapter for the Gemini CLI bridge.
// The launcher spawns the bridge process, which listens on localhost; the
// adapter waits for its health endpoint, then posts turns and consumes
// each response as an SSE stream.
package gemini

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/common/logger"
)

// Name is the adapter registry key.
const Name = "gemini"

const (
	// DefaultStartupTimeout bounds the health-endpoint wait after spawn.
	DefaultStartupTimeout = 30 * time.Second
	healthPollInterval    = 250 * time.Millisecond
)

// Proc is a running bridge process.
type Proc interface {
	// BaseURL is the bridge's listen address, e.g. http://127.0.0.1:43817.
	BaseURL() string
	// Done is closed when the process exits.
	Done() <-chan struct{}
	Kill() error
}

// Runner spawns the bridge process. The process launcher implements it;
// tests substitute an httptest server.
type Runner interface {
	Start(ctx context.Context, sessionID string, opts adapter.ConnectOptions) (Proc, error)
}

// Adapter spawns one bridge process per session.
type Adapter struct {
	runner         Runner
	httpClient     *http.Client
	startupTimeout time.Duration
	logger         *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates the gemini adapter.
func New(runner Runner, log *logger.Logger) *Adapter {
	return &Adapter{
		runner:         runner,
		httpClient:     &http.Client{}, // no global timeout; SSE responses stay open
		startupTimeout: DefaultStartupTimeout,
		logger:         log.WithAdapter(Name),
		sessions:       make(map[string]*Session),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:    true,
		Availability: adapter.AvailabilityLocal,
	}
}

// Connect spawns the bridge and blocks until its health endpoint answers
// or the startup timeout elapses.
func (a *Adapter) Connect(ctx context.Context, sessionID string, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	proc, err := a.runner.Start(ctx, sessionID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start gemini bridge: %w", err)
	}

	if err := a.awaitHealthy(ctx, proc); err != nil {
		if killErr := proc.Kill(); killErr != nil {
			a.logger.Warn("failed to kill bridge after startup failure", zap.Error(killErr))
		}
		return nil, err
	}

	sess := newSession(sessionID, proc, a.httpClient, opts, a.logger)
	a.mu.Lock()
	a.sessions[sessionID] = sess
	a.mu.Unlock()
	a.logger.Info("gemini bridge ready",
		zap.String("session_id", sessionID),
		zap.String("base_url", proc.BaseURL()))
	return sess, nil
}

// awaitHealthy polls GET /health until it answers 200, the process exits,
// or the startup timeout elapses.
func (a *Adapter) awaitHealthy(ctx context.Context, proc Proc) error {
	hctx, cancel := context.WithTimeout(ctx, a.startupTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(hctx)
	g.Go(func() error {
		select {
		case <-proc.Done():
			return fmt.Errorf("gemini bridge exited during startup: %w", adapter.ErrBackendUnavailable)
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(healthPollInterval)
		defer ticker.Stop()
		for {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, proc.BaseURL()+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := a.httpClient.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					cancel()
					return nil
				}
			}
			select {
			case <-gctx.Done():
				if hctx.Err() == context.DeadlineExceeded {
					return fmt.Errorf("gemini bridge not healthy after %v: %w", a.startupTimeout, adapter.ErrTimeout)
				}
				return nil
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
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
