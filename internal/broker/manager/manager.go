// Package manager owns the session fleet: creation, restore, backend
// supervision, event fan-out, and shutdown.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/broker/capability"
	"github.com/agentrelay/agentrelay/internal/broker/frames"
	"github.com/agentrelay/agentrelay/internal/broker/permission"
	"github.com/agentrelay/agentrelay/internal/broker/registry"
	"github.com/agentrelay/agentrelay/internal/broker/repository"
	"github.com/agentrelay/agentrelay/internal/broker/runtime"
	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/broker/slash"
	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/events"
	"github.com/agentrelay/agentrelay/internal/events/bus"
	"github.com/agentrelay/agentrelay/internal/gitinfo"
	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/internal/process"
	"github.com/agentrelay/agentrelay/internal/storage"
)

const eventSource = "session-manager"

// Deps are the manager's collaborators, wired in main.
type Deps struct {
	Config      *config.Config
	Bus         bus.EventBus
	Store       storage.Store // nil disables persistence
	Resolver    *adapter.Resolver
	Launcher    *process.Launcher // nil disables subprocess launching
	Broadcaster runtime.Broadcaster
	Git         *gitinfo.Resolver // nil disables git resolution
	Logger      *logger.Logger
}

// CreateOptions parameterizes session creation.
type CreateOptions struct {
	Adapter        string
	Cwd            string
	Model          string
	PermissionMode string
	Env            map[string]string
}

// Manager supervises every live session.
type Manager struct {
	deps   Deps
	cfg    *config.Config
	logger *logger.Logger

	repo  *repository.Repository
	reg   *registry.Registry
	slash *slash.Service
	caps  *capability.Policy

	// bridge routes permission traffic back through the owning runtime;
	// the manager is its emitter.
	bridge *permission.Bridge

	mu       sync.Mutex
	runtimes map[string]*runtime.Runtime
	rings    map[string]*outputRing

	relaunchMu sync.Mutex
	relaunches map[string]*time.Timer

	subs    []bus.Subscription
	stopped chan struct{}
	wg      sync.WaitGroup
}

// New builds a manager. A negative idle timeout is a configuration
// error; zero disables the reaper.
func New(deps Deps) (*Manager, error) {
	if deps.Config.Session.IdleTimeoutMs < 0 {
		return nil, fmt.Errorf("session.idle_timeout_ms must not be negative")
	}

	m := &Manager{
		deps:       deps,
		cfg:        deps.Config,
		logger:     deps.Logger,
		repo:       repository.New(deps.Store, deps.Logger),
		reg:        registry.New(deps.Store, deps.Logger),
		slash:      slash.NewService(deps.Logger),
		runtimes:   make(map[string]*runtime.Runtime),
		rings:      make(map[string]*outputRing),
		relaunches: make(map[string]*time.Timer),
		stopped:    make(chan struct{}),
	}

	m.bridge = permission.NewBridge(m, deps.Config.Backend.PermissionTimeout(), deps.Logger)
	m.caps = capability.NewPolicy(deps.Config.Backend.InitializeTimeout(), deps.Logger)

	return m, nil
}

// Bridge exposes the permission gate for adapter connect options.
func (m *Manager) Bridge() *permission.Bridge { return m.bridge }

// Registry exposes the launcher registry for the transport hub.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Start restores persisted state and launches the supervision loops.
// Launcher state must come back before sessions so the watchdog sees
// accurate phases.
func (m *Manager) Start(ctx context.Context) error {
	if n, err := m.reg.Restore(ctx); err != nil {
		m.logger.Warn("launcher state restore failed", zap.Error(err))
	} else if n > 0 {
		m.logger.Info("restored launcher entries", zap.Int("count", n))
	}

	n, err := m.repo.RestoreAll(ctx)
	if err != nil {
		m.logger.Warn("session restore failed", zap.Error(err))
	}
	for _, s := range m.repo.List() {
		m.mu.Lock()
		if _, ok := m.runtimes[s.ID]; !ok {
			m.runtimes[s.ID] = m.newRuntime(s)
		}
		m.mu.Unlock()
	}
	if n > 0 {
		m.logger.Info("restored sessions", zap.Int("count", n))
	}

	if err := m.subscribe(); err != nil {
		return fmt.Errorf("subscribing to broker events: %w", err)
	}

	m.wg.Add(2)
	go m.reconnectWatchdog()
	go m.idleReaper()
	return nil
}

// Create mints a session and brings its backend up. Inverted adapters
// are spawned and attach when the CLI dials back; forward adapters
// connect synchronously and the session rolls back on failure.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*session.Session, error) {
	adapterName := opts.Adapter
	if adapterName == "" {
		adapterName = m.cfg.Session.DefaultAdapter
	}
	a, err := m.deps.Resolver.Resolve(adapterName)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	s := session.New(id)
	s.AdapterName = adapterName
	s.State.Cwd = opts.Cwd
	s.State.Model = opts.Model
	s.State.PermissionMode = opts.PermissionMode
	m.repo.Add(s)

	m.mu.Lock()
	rt := m.newRuntime(s)
	m.runtimes[id] = rt
	m.mu.Unlock()

	m.emit(events.SessionCreated, id, map[string]any{"adapter": adapterName})

	if _, inverted := a.(adapter.InvertedAdapter); inverted {
		m.reg.Register(id, adapterName, opts.Cwd, opts.Model, opts.Env)
		if err := m.launchAndConnect(id, ""); err != nil {
			m.rollbackCreate(ctx, id)
			return nil, err
		}
		m.repo.Persist(s)
		return s, nil
	}

	if err := m.ConnectBackend(ctx, id); err != nil {
		m.rollbackCreate(ctx, id)
		return nil, err
	}
	m.repo.Persist(s)
	return s, nil
}

func (m *Manager) rollbackCreate(ctx context.Context, id string) {
	m.mu.Lock()
	delete(m.runtimes, id)
	delete(m.rings, id)
	m.mu.Unlock()
	m.reg.Remove(id)
	m.repo.Remove(ctx, id)
}

// ConnectBackend runs one backend connection attempt and attaches the
// result. For inverted adapters the inner Connect blocks until the
// transport hub delivers a socket, so callers launch it appropriately.
func (m *Manager) ConnectBackend(ctx context.Context, sessionID string) error {
	rt, ok := m.Runtime(sessionID)
	if !ok {
		return fmt.Errorf("no session %s", sessionID)
	}
	s := rt.Session()

	a, err := m.deps.Resolver.Resolve(s.AdapterName)
	if err != nil {
		return err
	}

	opts := adapter.ConnectOptions{
		Cwd:             s.State.Cwd,
		Model:           s.State.Model,
		PermissionMode:  s.State.PermissionMode,
		ResumeSessionID: rt.BackendSessionID(),
		Permissions:     m.bridge,
	}
	if entry := m.reg.Get(sessionID); entry != nil {
		if opts.Cwd == "" {
			opts.Cwd = entry.Cwd
		}
		opts.Extra = entry.Env
	}

	backendCtx, cancel := context.WithCancel(context.Background())
	backend, err := a.Connect(backendCtx, sessionID, opts)
	if err != nil {
		cancel()
		return fmt.Errorf("connecting %s backend: %w", s.AdapterName, err)
	}

	if exec, ok := a.(adapter.SlashExecutor); ok {
		s.SlashExecutor = exec
	}
	s.SupportsSlashPassthrough = a.Capabilities().SlashCommands

	rt.AttachBackendConnection(backend, cancel)
	m.reg.SetPhase(sessionID, registry.PhaseRunning)
	return nil
}

// Close tears one session down and forgets it.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	rt, ok := m.Runtime(sessionID)
	if !ok {
		return fmt.Errorf("no session %s", sessionID)
	}

	rt.Close(ctx)
	if m.deps.Launcher != nil {
		m.deps.Launcher.Stop(sessionID)
	}
	if m.deps.Git != nil {
		m.deps.Git.Forget(sessionID)
	}
	m.cancelRelaunch(sessionID)

	m.mu.Lock()
	delete(m.runtimes, sessionID)
	delete(m.rings, sessionID)
	m.mu.Unlock()

	m.reg.Remove(sessionID)
	m.repo.Remove(ctx, sessionID)
	return nil
}

// Archive keeps the session on disk but stops supervising its backend:
// the watchdog skips archived entries and the process is stopped.
func (m *Manager) Archive(ctx context.Context, sessionID string) error {
	rt, ok := m.Runtime(sessionID)
	if !ok {
		return fmt.Errorf("no session %s", sessionID)
	}

	m.reg.Archive(sessionID)
	rt.CloseBackendConnection()
	if m.deps.Launcher != nil {
		m.deps.Launcher.Stop(sessionID)
	}
	m.cancelRelaunch(sessionID)
	m.repo.Persist(rt.Session())
	return nil
}

// Runtime implements the gateway's session source.
func (m *Manager) Runtime(sessionID string) (*runtime.Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[sessionID]
	return rt, ok
}

// SessionName implements the gateway's session source.
func (m *Manager) SessionName(sessionID string) string {
	return m.repo.Name(sessionID)
}

// List returns all live sessions in creation order.
func (m *Manager) List() []*session.Session {
	return m.repo.List()
}

// Views renders every live session for the REST surface.
func (m *Manager) Views() []frames.SessionView {
	sessions := m.repo.List()
	views := make([]frames.SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, frames.View(s, m.repo.Name(s.ID)))
	}
	return views
}

// Get returns one session, or nil.
func (m *Manager) Get(sessionID string) *session.Session {
	return m.repo.Get(sessionID)
}

// EmitPermissionRequest routes a minted permission request through the
// owning runtime so it is stored, broadcast, and persisted in order.
func (m *Manager) EmitPermissionRequest(sessionID string, msg *message.Message) {
	if rt, ok := m.Runtime(sessionID); ok {
		rt.StorePendingPermission(msg)
	}
}

// EmitPermissionCancelled announces a timed-out or abandoned request.
func (m *Manager) EmitPermissionCancelled(sessionID, requestID, reason string) {
	if rt, ok := m.Runtime(sessionID); ok {
		rt.CancelPendingPermission(requestID, reason)
	}
}

// Shutdown stops supervision, kills launched processes, and closes every
// session. The store itself is closed by the caller.
func (m *Manager) Shutdown(ctx context.Context) error {
	select {
	case <-m.stopped:
		return nil
	default:
		close(m.stopped)
	}

	for _, sub := range m.subs {
		_ = sub.Unsubscribe()
	}
	m.subs = nil

	m.relaunchMu.Lock()
	for id, t := range m.relaunches {
		t.Stop()
		delete(m.relaunches, id)
	}
	m.relaunchMu.Unlock()

	if m.deps.Launcher != nil {
		m.deps.Launcher.StopAll()
	}

	m.mu.Lock()
	runtimes := make([]*runtime.Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		runtimes = append(runtimes, rt)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range runtimes {
		rt := rt
		g.Go(func() error {
			s := rt.Session()
			if err := m.repo.PersistSync(gctx, s); err != nil {
				m.logger.Warn("final persist failed", zap.String("session_id", s.ID), zap.Error(err))
			}
			rt.CloseBackendConnection()
			rt.CloseAllConsumers(1001, "server shutting down")
			return nil
		})
	}
	_ = g.Wait()

	m.wg.Wait()
	return nil
}

// closing reports whether Shutdown has begun.
func (m *Manager) closing() bool {
	select {
	case <-m.stopped:
		return true
	default:
		return false
	}
}

func (m *Manager) newRuntime(s *session.Session) *runtime.Runtime {
	deps := runtime.Deps{
		Broadcaster:  m.deps.Broadcaster,
		Bridge:       m.bridge,
		Slash:        m.slash,
		Capabilities: m.caps,
		Persist:      m.repo.Persist,
		Emit:         m.emit,
		Logger:       m.logger,
		HistoryMax:   m.cfg.Session.MaxMessageHistoryLength,
		PendingMax:   m.cfg.Session.PendingMessageQueueMax,
	}
	if m.deps.Git != nil {
		deps.RefreshGit = m.deps.Git.Refresh
	}
	return runtime.New(s, deps)
}

// EmitEvent publishes a broker event on behalf of a collaborator (the
// gateway's relaunch trigger, the process launcher's output events).
func (m *Manager) EmitEvent(event, sessionID string, data map[string]any) {
	m.emit(event, sessionID, data)
}

func (m *Manager) emit(event, sessionID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["session_id"] = sessionID

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	subject := event + "." + sessionID
	if err := m.deps.Bus.Publish(ctx, subject, bus.NewEvent(event, eventSource, data)); err != nil {
		m.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
