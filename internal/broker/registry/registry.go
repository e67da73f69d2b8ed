// Package registry tracks launch intent per session: which adapter, where,
// and how far along the backend process is. The reconnect watchdog and the
// restore path both read from here.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/storage"
)

// Launch phases.
const (
	PhaseStarting = "starting"
	PhaseRunning  = "running"
	PhaseStopped  = "stopped"
)

// Entry is one session's launch record.
type Entry struct {
	SessionID   string
	AdapterName string
	Cwd         string
	Model       string
	Env         map[string]string
	Phase       string
	PID         int
	Archived    bool
	StartedAt   time.Time
}

// Registry is the launch-intent table, persisted as a single image.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string

	store  storage.Store
	logger *logger.Logger
}

// New creates the registry. The store may be nil.
func New(store storage.Store, log *logger.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		store:   store,
		logger:  log,
	}
}

// Register records a new launch intent in phase starting.
func (r *Registry) Register(sessionID, adapterName, cwd, model string, env map[string]string) *Entry {
	e := &Entry{
		SessionID:   sessionID,
		AdapterName: adapterName,
		Cwd:         cwd,
		Model:       model,
		Env:         env,
		Phase:       PhaseStarting,
		StartedAt:   time.Now(),
	}
	r.mu.Lock()
	if _, ok := r.entries[sessionID]; !ok {
		r.order = append(r.order, sessionID)
	}
	r.entries[sessionID] = e
	r.mu.Unlock()
	r.persist()
	return e
}

// Get returns a copy of the entry, or nil.
func (r *Registry) Get(sessionID string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return nil
	}
	copied := *e
	return &copied
}

// SetPhase moves the entry to a new phase, refreshing its start time when
// it re-enters starting.
func (r *Registry) SetPhase(sessionID, phase string) {
	r.mu.Lock()
	if e, ok := r.entries[sessionID]; ok {
		e.Phase = phase
		if phase == PhaseStarting {
			e.StartedAt = time.Now()
		}
	}
	r.mu.Unlock()
	r.persist()
}

// SetPID records the launched process id.
func (r *Registry) SetPID(sessionID string, pid int) {
	r.mu.Lock()
	if e, ok := r.entries[sessionID]; ok {
		e.PID = pid
	}
	r.mu.Unlock()
	r.persist()
}

// Archive marks the session as excluded from watchdog relaunches.
func (r *Registry) Archive(sessionID string) {
	r.mu.Lock()
	if e, ok := r.entries[sessionID]; ok {
		e.Archived = true
	}
	r.mu.Unlock()
	r.persist()
}

// Remove deletes the entry.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	if _, ok := r.entries[sessionID]; ok {
		delete(r.entries, sessionID)
		for i, id := range r.order {
			if id == sessionID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	r.persist()
}

// List returns entry copies in registration order.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.order))
	for _, id := range r.order {
		copied := *r.entries[id]
		out = append(out, &copied)
	}
	return out
}

// StuckStarting returns non-archived entries parked in starting longer
// than the grace period.
func (r *Registry) StuckStarting(grace time.Duration) []*Entry {
	cutoff := time.Now().Add(-grace)
	var out []*Entry
	r.mu.RLock()
	for _, id := range r.order {
		e := r.entries[id]
		if e.Phase == PhaseStarting && !e.Archived && e.StartedAt.Before(cutoff) {
			copied := *e
			out = append(out, &copied)
		}
	}
	r.mu.RUnlock()
	return out
}

// Restore loads the persisted registry image. Entries saved in a live
// phase (starting or running) come back as starting: their process did
// not survive the broker restart, and the stuck-starting sweep decides
// whether to relaunch them. Stopped entries stay stopped.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	state, err := r.store.LoadLauncherState(ctx)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	restored := 0
	for _, se := range state.Entries {
		if _, live := r.entries[se.SessionID]; live {
			continue
		}
		phase := se.Phase
		if phase != PhaseStopped {
			phase = PhaseStarting
		}
		r.entries[se.SessionID] = &Entry{
			SessionID:   se.SessionID,
			AdapterName: se.AdapterName,
			Cwd:         se.Cwd,
			Model:       se.Model,
			Env:         se.Env,
			Phase:       phase,
			Archived:    se.Archived,
			StartedAt:   time.UnixMilli(se.UpdatedAt),
		}
		r.order = append(r.order, se.SessionID)
		restored++
	}
	r.mu.Unlock()
	return restored, nil
}

// persist writes the full registry image. Registry churn is low; a whole
// image per change keeps the store schema trivial.
func (r *Registry) persist() {
	if r.store == nil {
		return
	}
	r.mu.RLock()
	state := &storage.LauncherState{Entries: make([]storage.LauncherEntry, 0, len(r.order))}
	for _, id := range r.order {
		e := r.entries[id]
		state.Entries = append(state.Entries, storage.LauncherEntry{
			SessionID:   e.SessionID,
			AdapterName: e.AdapterName,
			Cwd:         e.Cwd,
			Model:       e.Model,
			Env:         e.Env,
			Phase:       e.Phase,
			PID:         e.PID,
			Archived:    e.Archived,
			UpdatedAt:   time.Now().UnixMilli(),
		})
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.SaveLauncherState(ctx, state); err != nil {
		r.logger.Warn("failed to persist launcher state", zap.Error(err))
	}
}
