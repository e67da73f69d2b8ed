package manager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/broker/registry"
	"github.com/agentrelay/agentrelay/internal/events"
)

// launchAndConnect spawns the CLI process for an inverted session and
// starts the connect attempt that will absorb its dial-back. The
// connect runs on its own goroutine because inverted Connect blocks
// until the transport hub delivers a socket.
func (m *Manager) launchAndConnect(sessionID, resumeSessionID string) error {
	entry := m.reg.Get(sessionID)
	if entry == nil {
		m.reg.Register(sessionID, m.sessionAdapter(sessionID), "", "", nil)
		entry = m.reg.Get(sessionID)
	}
	m.reg.SetPhase(sessionID, registry.PhaseStarting)

	if m.deps.Launcher != nil {
		opts := adapter.ConnectOptions{
			Cwd:             entry.Cwd,
			Model:           entry.Model,
			ResumeSessionID: resumeSessionID,
		}
		if len(entry.Env) > 0 {
			opts.Extra = entry.Env
		}
		proc, err := m.deps.Launcher.Launch(context.Background(), sessionID, entry.AdapterName, opts)
		if err != nil {
			return err
		}
		m.reg.SetPID(sessionID, proc.PID())
	}

	go func() {
		if err := m.ConnectBackend(context.Background(), sessionID); err != nil {
			m.logger.Warn("backend connect attempt failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
	return nil
}

func (m *Manager) sessionAdapter(sessionID string) string {
	if s := m.repo.Get(sessionID); s != nil && s.AdapterName != "" {
		return s.AdapterName
	}
	return m.cfg.Session.DefaultAdapter
}

// handleRelaunchNeeded restarts the CLI for a session whose socket
// dropped. Bursts of relaunch triggers within the dedup window collapse
// into a single restart.
func (m *Manager) handleRelaunchNeeded(sessionID string) {
	if m.closing() {
		return
	}
	entry := m.reg.Get(sessionID)
	if entry == nil || entry.Archived {
		return
	}
	rt, ok := m.Runtime(sessionID)
	if !ok {
		return
	}

	window := m.cfg.Backend.RelaunchDedupWindow()
	m.relaunchMu.Lock()
	if _, inflight := m.relaunches[sessionID]; inflight {
		m.relaunchMu.Unlock()
		return
	}
	m.relaunches[sessionID] = time.AfterFunc(window, func() {
		m.relaunchMu.Lock()
		delete(m.relaunches, sessionID)
		m.relaunchMu.Unlock()
	})
	m.relaunchMu.Unlock()

	resume := rt.BackendSessionID()
	m.logger.Info("relaunching backend",
		zap.String("session_id", sessionID),
		zap.String("adapter", entry.AdapterName),
		zap.String("resume_session_id", resume))

	rt.ResetBackendConnectionState()
	if m.deps.Launcher != nil {
		m.deps.Launcher.Stop(sessionID)
	}
	if err := m.launchAndConnect(sessionID, resume); err != nil {
		m.logger.Error("relaunch failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (m *Manager) cancelRelaunch(sessionID string) {
	m.relaunchMu.Lock()
	if t, ok := m.relaunches[sessionID]; ok {
		t.Stop()
		delete(m.relaunches, sessionID)
	}
	m.relaunchMu.Unlock()
}

// reconnectWatchdog sweeps for sessions stuck in the starting phase
// longer than the reconnect grace period and relaunches them.
func (m *Manager) reconnectWatchdog() {
	defer m.wg.Done()

	grace := m.cfg.Backend.ReconnectGracePeriod()
	if grace <= 0 {
		return
	}
	ticker := time.NewTicker(grace)
	defer ticker.Stop()

	// Entries restored in the starting phase belong to processes that
	// did not survive the restart; sweep once before the first tick so
	// they are relaunched without waiting a full grace period.
	m.sweepStuckStarting(grace)

	for {
		select {
		case <-m.stopped:
			return
		case <-ticker.C:
			m.sweepStuckStarting(grace)
		}
	}
}

func (m *Manager) sweepStuckStarting(grace time.Duration) {
	for _, entry := range m.reg.StuckStarting(grace) {
		if entry.Archived {
			continue
		}
		m.logger.Warn("session stuck starting, relaunching",
			zap.String("session_id", entry.SessionID),
			zap.String("adapter", entry.AdapterName))
		m.emit(events.BackendRelaunchNeeded, entry.SessionID,
			map[string]any{"reason": "stuck_starting"})
	}
}

// idleReaper closes sessions that have had no consumers, no backend,
// and no activity for longer than the idle timeout. A zero timeout
// disables the reaper entirely.
func (m *Manager) idleReaper() {
	defer m.wg.Done()

	timeout := m.cfg.Session.IdleTimeout()
	if timeout <= 0 {
		return
	}
	interval := timeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopped:
			return
		case <-ticker.C:
			m.reapIdle(timeout)
		}
	}
}

func (m *Manager) reapIdle(timeout time.Duration) {
	now := time.Now()
	for _, s := range m.repo.List() {
		rt, ok := m.Runtime(s.ID)
		if !ok {
			continue
		}
		if s.ConsumerCount() > 0 {
			continue
		}
		if rt.HasBackend() {
			continue
		}
		idle := rt.IdleSince(now)
		if idle < timeout {
			continue
		}
		m.logger.Info("reaping idle session",
			zap.String("session_id", s.ID),
			zap.Duration("idle", idle))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.Close(ctx, s.ID); err != nil {
			m.logger.Warn("idle close failed", zap.String("session_id", s.ID), zap.Error(err))
		}
		cancel()
	}
}
