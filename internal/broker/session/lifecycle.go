package session

import (
	"fmt"
	"sync"
)

// Phase is a session lifecycle phase.
type Phase string

const (
	// PhaseAwaitingBackend means the session exists but has no live
	// backend connection yet.
	PhaseAwaitingBackend Phase = "awaiting_backend"
	// PhaseActive means the backend is connected and a turn is running.
	PhaseActive Phase = "active"
	// PhaseIdle means the backend is connected and waiting for input.
	PhaseIdle Phase = "idle"
	// PhaseDegraded means the backend connection dropped and the session
	// is waiting for a reconnect or relaunch.
	PhaseDegraded Phase = "degraded"
	// PhaseClosing means teardown has started.
	PhaseClosing Phase = "closing"
	// PhaseClosed is terminal.
	PhaseClosed Phase = "closed"
)

var validTransitions = map[Phase][]Phase{
	PhaseAwaitingBackend: {PhaseActive, PhaseIdle, PhaseClosing},
	PhaseActive:          {PhaseIdle, PhaseDegraded, PhaseClosing},
	PhaseIdle:            {PhaseActive, PhaseDegraded, PhaseClosing},
	PhaseDegraded:        {PhaseActive, PhaseIdle, PhaseAwaitingBackend, PhaseClosing},
	PhaseClosing:         {PhaseClosed},
	PhaseClosed:          {},
}

// Lifecycle is a small guarded state machine. Invalid transitions are
// reported as errors, never applied; callers log and carry on.
type Lifecycle struct {
	mu        sync.RWMutex
	sessionID string
	phase     Phase
}

// NewLifecycle starts a lifecycle in awaiting_backend.
func NewLifecycle(sessionID string) *Lifecycle {
	return &Lifecycle{sessionID: sessionID, phase: PhaseAwaitingBackend}
}

// Phase returns the current phase.
func (l *Lifecycle) Phase() Phase {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.phase
}

// Transition moves to the target phase if the edge exists. A no-op
// transition to the current phase is allowed.
func (l *Lifecycle) Transition(to Phase) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.phase == to {
		return nil
	}
	for _, next := range validTransitions[l.phase] {
		if next == to {
			l.phase = to
			return nil
		}
	}
	return fmt.Errorf("session %s: invalid lifecycle transition %s -> %s", l.sessionID, l.phase, to)
}

// Terminal reports whether the session has begun or finished teardown.
func (l *Lifecycle) Terminal() bool {
	p := l.Phase()
	return p == PhaseClosing || p == PhaseClosed
}

// Connected reports whether the backend is considered attached.
func (l *Lifecycle) Connected() bool {
	p := l.Phase()
	return p == PhaseActive || p == PhaseIdle
}

// Restore force-sets the phase, used when loading persisted sessions.
func (l *Lifecycle) Restore(p Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.phase = p
}
