// Package repository owns the live session map and its persistence
// round-trips. Sessions are kept in insertion order so listings and
// restores are deterministic.
package repository

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/storage"
)

// Repository is the in-memory session registry backed by a snapshot store.
type Repository struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	order    []string
	names    map[string]string

	store  storage.Store
	logger *logger.Logger
}

// New creates a repository. The store may be nil for ephemeral operation.
func New(store storage.Store, log *logger.Logger) *Repository {
	return &Repository{
		sessions: make(map[string]*session.Session),
		names:    make(map[string]string),
		store:    store,
		logger:   log,
	}
}

// Get returns the session or nil.
func (r *Repository) Get(id string) *session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// GetOrCreate returns the existing session or inserts a fresh one with
// defaulted state.
func (r *Repository) GetOrCreate(id string) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := session.New(id)
	r.insertLocked(s)
	return s
}

// Add inserts a session built elsewhere. Existing ids are replaced in
// place without disturbing the insertion order.
func (r *Repository) Add(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		r.sessions[s.ID] = s
		return
	}
	r.insertLocked(s)
}

func (r *Repository) insertLocked(s *session.Session) {
	r.sessions[s.ID] = s
	r.order = append(r.order, s.ID)
}

// Remove drops the session and deletes its persisted snapshot.
func (r *Repository) Remove(ctx context.Context, id string) {
	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		delete(r.names, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Remove(ctx, id); err != nil {
			r.logger.WithSessionID(id).Warn("failed to remove persisted session", zap.Error(err))
		}
	}
}

// List returns sessions in insertion order.
func (r *Repository) List() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

// Len returns the live session count.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ForEach calls fn over a consistent copy of the session list, so fn may
// mutate the repository.
func (r *Repository) ForEach(fn func(s *session.Session)) {
	for _, s := range r.List() {
		fn(s)
	}
}

// Name returns the display name recorded for a session.
func (r *Repository) Name(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names[id]
}

// SetName records a display name; it rides along in the next snapshot.
func (r *Repository) SetName(id, name string) {
	r.mu.Lock()
	r.names[id] = name
	r.mu.Unlock()
}

// Persist snapshots the session asynchronously.
func (r *Repository) Persist(s *session.Session) {
	if r.store == nil {
		return
	}
	r.store.Save(storage.Snapshot(s, r.Name(s.ID)))
}

// PersistSync snapshots the session before returning.
func (r *Repository) PersistSync(ctx context.Context, s *session.Session) error {
	if r.store == nil {
		return nil
	}
	return r.store.SaveSync(ctx, storage.Snapshot(s, r.Name(s.ID)))
}

// RestoreAll loads persisted snapshots into the repository. Live sessions
// are never overwritten. Returns the number restored.
func (r *Repository) RestoreAll(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	snapshots, err := r.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load persisted sessions: %w", err)
	}

	restored := 0
	for _, snap := range snapshots {
		r.mu.Lock()
		if _, live := r.sessions[snap.ID]; live {
			r.mu.Unlock()
			continue
		}
		s := rebuild(snap)
		r.insertLocked(s)
		if snap.Name != "" {
			r.names[snap.ID] = snap.Name
		}
		r.mu.Unlock()
		restored++
	}
	return restored, nil
}

// rebuild reconstructs a session from its snapshot. Restored sessions come
// back without a backend; the lifecycle resumes in idle unless the
// snapshot was already closing down.
func rebuild(snap *storage.SessionSnapshot) *session.Session {
	s := session.New(snap.ID)
	s.AdapterName = snap.AdapterName
	s.BackendSessionID = snap.BackendSessionID
	s.State = snap.State
	s.LastStatus = snap.LastStatus
	s.MessageHistory = append(s.MessageHistory, snap.MessageHistory...)
	s.PendingMessages = append(s.PendingMessages, snap.PendingMessages...)
	for _, p := range snap.PendingPermissions {
		s.PendingPermissions[p.RequestID] = p
	}
	if snap.QueuedMessage != nil {
		q := *snap.QueuedMessage
		s.QueuedMessage = &q
	}

	switch session.Phase(snap.LifecyclePhase) {
	case session.PhaseClosing, session.PhaseClosed:
		s.Lifecycle.Restore(session.PhaseClosed)
	default:
		s.Lifecycle.Restore(session.PhaseIdle)
	}
	return s
}
