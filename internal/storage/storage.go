// Package storage persists session snapshots and launcher state so the
// relay can restore conversations across restarts. Writes are fire-and-
// forget through a single writer goroutine; restart-critical paths use
// the synchronous variants.
package storage

import (
	"context"
	"time"

	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/pkg/protocol"
)

// SessionSnapshot is the persisted form of one session.
type SessionSnapshot struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name,omitempty"`
	AdapterName      string                 `json:"adapter_name"`
	BackendSessionID string                 `json:"backend_session_id,omitempty"`
	LifecyclePhase   string                 `json:"lifecycle_phase"`
	LastStatus       string                 `json:"last_status,omitempty"`
	State            session.State          `json:"state"`
	MessageHistory   []*message.Message     `json:"message_history,omitempty"`
	PendingMessages  []*message.Message     `json:"pending_messages,omitempty"`
	// PendingPermissions keeps arrival order; the gateway replays them
	// in order on attach.
	PendingPermissions []session.PermissionRequest `json:"pending_permissions,omitempty"`
	QueuedMessage      *session.QueuedMessage      `json:"queued_message,omitempty"`
	UpdatedAt          int64                       `json:"updated_at"`
}

// LauncherEntry is the persisted launch intent of one session.
type LauncherEntry struct {
	SessionID   string            `json:"session_id"`
	AdapterName string            `json:"adapter_name"`
	Cwd         string            `json:"cwd,omitempty"`
	Model       string            `json:"model,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	// Phase is the registry phase at save time: starting, running, stopped.
	Phase     string `json:"phase"`
	PID       int    `json:"pid,omitempty"`
	Archived  bool   `json:"archived,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// LauncherState is the full launcher registry image.
type LauncherState struct {
	Entries []LauncherEntry `json:"entries"`
}

// Store persists snapshots. Save is asynchronous; SaveSync flushes before
// returning and is used at shutdown and before process relaunch.
type Store interface {
	Save(snapshot *SessionSnapshot)
	SaveSync(ctx context.Context, snapshot *SessionSnapshot) error
	LoadAll(ctx context.Context) ([]*SessionSnapshot, error)
	Remove(ctx context.Context, sessionID string) error

	SaveLauncherState(ctx context.Context, state *LauncherState) error
	LoadLauncherState(ctx context.Context) (*LauncherState, error)

	Close(ctx context.Context) error
}

// Snapshot captures the persistable parts of a live session. Queue images
// are copied so later mutation does not race the writer goroutine.
func Snapshot(s *session.Session, name string) *SessionSnapshot {
	snap := &SessionSnapshot{
		ID:               s.ID,
		Name:             name,
		AdapterName:      s.AdapterName,
		BackendSessionID: s.BackendSessionID,
		LifecyclePhase:   string(s.Lifecycle.Phase()),
		LastStatus:       s.LastStatus,
		State:            s.State,
		UpdatedAt:        time.Now().UnixMilli(),
	}
	snap.MessageHistory = append(snap.MessageHistory, s.MessageHistory...)
	snap.PendingMessages = append(snap.PendingMessages, s.PendingMessages...)
	snap.PendingPermissions = s.PendingPermissionList()
	if s.QueuedMessage != nil {
		q := *s.QueuedMessage
		q.Images = append([]protocol.ImageAttachment(nil), s.QueuedMessage.Images...)
		snap.QueuedMessage = &q
	}
	return snap
}
