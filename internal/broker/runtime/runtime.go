// Package runtime serializes all mutations of one session. Consumer
// frames, backend traffic, and lifecycle signals all funnel through the
// session's runtime; cross-session work stays parallel.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/broker/capability"
	"github.com/agentrelay/agentrelay/internal/broker/frames"
	"github.com/agentrelay/agentrelay/internal/broker/permission"
	"github.com/agentrelay/agentrelay/internal/broker/queue"
	"github.com/agentrelay/agentrelay/internal/broker/router"
	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/broker/slash"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/events"
	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/pkg/protocol"
)

// Broadcaster fans frames out to consumers. The gateway implements it.
type Broadcaster interface {
	Broadcast(s *session.Session, frame *protocol.Outbound)
	BroadcastToParticipants(s *session.Session, frame *protocol.Outbound)
	SendTo(c *session.Consumer, frame *protocol.Outbound)
}

// Deps are the shared collaborators a runtime is built from.
type Deps struct {
	Broadcaster  Broadcaster
	Bridge       *permission.Bridge
	Slash        *slash.Service
	Capabilities *capability.Policy
	Persist      func(s *session.Session)
	Emit         func(event, sessionID string, data map[string]any)
	RefreshGit   func(s *session.Session) bool
	Logger       *logger.Logger
	HistoryMax   int
	PendingMax   int
}

// Runtime is the single dispatch lane of one session.
type Runtime struct {
	mu   sync.Mutex
	s    *session.Session
	deps Deps

	router *router.Router
	logger *logger.Logger

	capsOnce sync.Once
}

// New wires a runtime around a session.
func New(s *session.Session, deps Deps) *Runtime {
	if deps.PendingMax <= 0 {
		deps.PendingMax = 100
	}
	r := &Runtime{
		s:      s,
		deps:   deps,
		logger: deps.Logger.WithSessionID(s.ID),
	}
	hooks := router.Hooks{
		Persist:           deps.Persist,
		Emit:              deps.Emit,
		OnIdle:            r.releaseQueuedMessage,
		FetchCapabilities: r.fetchCapabilities,
		RefreshGit:        deps.RefreshGit,
	}
	r.router = router.New(deps.Broadcaster, deps.Slash, hooks, deps.HistoryMax, deps.Logger)
	return r
}

// Session exposes the wrapped session for read-mostly callers (REST
// snapshots, reaper scans). Mutation stays in here.
func (r *Runtime) Session() *session.Session {
	return r.s
}

// HandleInboundFrame applies one validated consumer frame.
func (r *Runtime) HandleInboundFrame(ctx context.Context, c *session.Consumer, in *protocol.Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.Touch()

	switch in.Type {
	case protocol.InUserMessage:
		r.sendUserMessageLocked(c, in.Content, in.Images)

	case protocol.InPermissionResponse:
		r.resolvePermissionLocked(c, in)

	case protocol.InInterrupt:
		r.forwardCommandLocked(c, message.New(message.TypeInterrupt, message.RoleUser))

	case protocol.InSetModel:
		m := message.New(message.TypeSetModel, message.RoleUser)
		m.SetMeta(message.MetaModel, in.Model)
		r.forwardCommandLocked(c, m)

	case protocol.InSetPermissionMode:
		m := message.New(message.TypeSetPermissionMode, message.RoleUser)
		m.SetMeta(message.MetaPermissionMode, in.Mode)
		r.forwardCommandLocked(c, m)

	case protocol.InPresenceQuery:
		r.deps.Broadcaster.SendTo(c, frames.PresenceUpdate(r.s.Identities()))

	case protocol.InSlashCommand:
		r.executeSlashLocked(ctx, c, in.Command, in.RequestID)

	case protocol.InQueueMessage:
		r.queueMessageLocked(c, in.Content, in.Images)

	case protocol.InUpdateQueuedMessage:
		if q, err := queue.Update(r.s, c, in.Content); err != nil {
			r.deps.Broadcaster.SendTo(c, protocol.ErrorFrame(err.Error()))
		} else {
			r.deps.Broadcaster.Broadcast(r.s, frames.MessageQueued(q))
			r.deps.Persist(r.s)
		}

	case protocol.InCancelQueuedMessage:
		if err := queue.Cancel(r.s, c); err != nil {
			r.deps.Broadcaster.SendTo(c, protocol.ErrorFrame(err.Error()))
		} else {
			r.deps.Broadcaster.Broadcast(r.s, frames.MessageQueued(nil))
			r.deps.Persist(r.s)
		}

	case protocol.InSetAdapter:
		r.deps.Broadcaster.SendTo(c, protocol.ErrorFrame("set_adapter is not supported on a live session"))

	default:
		r.logger.Warn("dropping unhandled inbound frame", zap.String("type", in.Type))
	}
}

// SendUserMessage delivers a user turn on behalf of a consumer.
func (r *Runtime) SendUserMessage(c *session.Consumer, content string, images []protocol.ImageAttachment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendUserMessageLocked(c, content, images)
}

func (r *Runtime) sendUserMessageLocked(c *session.Consumer, content string, images []protocol.ImageAttachment) {
	m := userMessage(c, content, images)
	r.s.AppendHistory(m, r.historyMax())
	r.deps.Broadcaster.Broadcast(r.s, frames.FromMessage(m))
	r.deps.Persist(r.s)

	// Optimistic mark: the turn is running before the backend confirms.
	r.s.LastStatus = message.StatusRunning
	r.deliverLocked(m)
}

// deliverLocked hands a message to the backend, or buffers it while no
// backend is attached.
func (r *Runtime) deliverLocked(m *message.Message) {
	if r.s.Backend == nil {
		if dropped := r.s.BufferPendingMessage(m, r.deps.PendingMax); dropped {
			r.logger.Warn("pending message queue full, dropped oldest")
		}
		return
	}
	if err := r.s.Backend.Send(m); err != nil {
		if errors.Is(err, adapter.ErrSessionClosed) {
			r.logger.Warn("backend closed while sending, buffering", zap.String("type", m.Type))
			r.s.BufferPendingMessage(m, r.deps.PendingMax)
			return
		}
		r.logger.Error("backend send failed", zap.Error(err))
		r.deps.Broadcaster.Broadcast(r.s, protocol.ErrorFrame(fmt.Sprintf("backend error: %v", err)))
	}
}

// forwardCommandLocked sends a control-shaped command straight through.
func (r *Runtime) forwardCommandLocked(c *session.Consumer, m *message.Message) {
	if r.s.Backend == nil {
		r.deps.Broadcaster.SendTo(c, protocol.ErrorFrame("no backend connected"))
		return
	}
	if err := r.s.Backend.Send(m); err != nil {
		if errors.Is(err, adapter.ErrUnsupported) {
			r.deps.Broadcaster.SendTo(c, protocol.ErrorFrame(
				fmt.Sprintf("%s is not supported by the %s backend", m.Type, r.s.AdapterName)))
			return
		}
		r.deps.Broadcaster.SendTo(c, protocol.ErrorFrame(fmt.Sprintf("backend error: %v", err)))
	}
}

func (r *Runtime) resolvePermissionLocked(c *session.Consumer, in *protocol.Inbound) {
	decision := adapter.PermissionDecision{
		Behavior:           in.Behavior,
		UpdatedInput:       in.UpdatedInput,
		UpdatedPermissions: in.UpdatedPermissions,
		Message:            in.Message,
	}
	if !r.deps.Bridge.Resolve(in.RequestID, decision) {
		r.deps.Broadcaster.SendTo(c, protocol.ErrorFrame("unknown permission request "+in.RequestID))
		return
	}
	delete(r.s.PendingPermissions, in.RequestID)
	r.deps.Emit(events.PermissionResolved, r.s.ID, map[string]any{
		"request_id": in.RequestID,
		"behavior":   in.Behavior,
	})
	r.deps.Persist(r.s)
}

func (r *Runtime) executeSlashLocked(ctx context.Context, c *session.Consumer, command, requestID string) {
	out := r.deps.Slash.Execute(ctx, r.s, command, requestID)
	switch {
	case out.Err != nil && out.Source != "":
		r.deps.Broadcaster.Broadcast(r.s, frames.SlashError(out.Source, command, requestID, out.Err.Error()))
	case out.Err != nil:
		r.deps.Broadcaster.SendTo(c, frames.SlashError("", command, requestID, out.Err.Error()))
	case out.Passthrough != nil:
		r.s.PushPassthrough(*out.Passthrough)
		m := userMessage(c, command, nil)
		r.s.LastStatus = message.StatusRunning
		r.deliverLocked(m)
	default:
		r.deps.Broadcaster.Broadcast(r.s, frames.SlashResult(out.Source, command, requestID, out.Result))
		if out.Source == protocol.SlashSourceEmulated {
			// Built-ins like /clear mutate session state.
			r.deps.Persist(r.s)
		}
	}
}

func (r *Runtime) queueMessageLocked(c *session.Consumer, content string, images []protocol.ImageAttachment) {
	if !queue.ShouldQueue(r.s) {
		// Idle backend: bypass the slot and send now.
		r.sendUserMessageLocked(c, content, images)
		return
	}
	q, err := queue.Offer(r.s, c, content, images)
	if err != nil {
		r.deps.Broadcaster.SendTo(c, protocol.ErrorFrame(err.Error()))
		return
	}
	r.deps.Broadcaster.Broadcast(r.s, frames.MessageQueued(q))
	r.deps.Persist(r.s)
}

// releaseQueuedMessage runs on idle transitions, inside the dispatch lane.
func (r *Runtime) releaseQueuedMessage(s *session.Session) {
	q := queue.Take(s)
	if q == nil {
		return
	}
	r.deps.Broadcaster.Broadcast(s, frames.QueuedMessageSent(q))

	m := message.New(message.TypeUserMessage, message.RoleUser)
	if q.Content != "" {
		m.Content = append(m.Content, message.Text(q.Content))
	}
	for _, img := range q.Images {
		m.Content = append(m.Content, message.Image(img.MediaType, img.Data))
	}
	m.SetMeta(message.MetaUserID, q.ConsumerID)
	m.SetMeta(message.MetaDisplayName, q.DisplayName)

	s.AppendHistory(m, r.historyMax())
	r.deps.Broadcaster.Broadcast(s, frames.FromMessage(m))
	s.LastStatus = message.StatusRunning
	r.deliverLocked(m)
	r.deps.Persist(s)
}

// HandleBackendMessage routes one backend message through the router.
func (r *Runtime) HandleBackendMessage(ctx context.Context, m *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.router.Handle(ctx, r.s, m)
}

// StorePendingPermission is the permission bridge's entry point: the
// request message flows through the router like any backend message.
func (r *Runtime) StorePendingPermission(m *message.Message) {
	r.HandleBackendMessage(context.Background(), m)
}

// CancelPendingPermission retracts a stored permission request.
func (r *Runtime) CancelPendingPermission(requestID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.s.PendingPermissions[requestID]; !ok {
		return
	}
	delete(r.s.PendingPermissions, requestID)
	r.deps.Broadcaster.BroadcastToParticipants(r.s, frames.PermissionCancelled(requestID, reason))
	r.deps.Persist(r.s)
}

// AttachBackendConnection installs a live backend: pending messages flush
// FIFO, consumers learn the CLI is up, and the dispatch pump starts.
func (r *Runtime) AttachBackendConnection(backend adapter.BackendSession, cancel context.CancelFunc) {
	r.mu.Lock()
	r.s.Backend = backend
	r.s.Cancel = cancel
	if err := r.s.Lifecycle.Transition(session.PhaseActive); err != nil {
		r.logger.Warn("lifecycle transition failed on attach", zap.Error(err))
	}
	pending := r.s.TakePendingMessages()
	r.mu.Unlock()

	for _, m := range pending {
		if err := backend.Send(m); err != nil {
			r.logger.Warn("failed to flush pending message", zap.Error(err))
			break
		}
	}

	r.deps.Emit(events.BackendConnected, r.s.ID, nil)
	r.deps.Broadcaster.Broadcast(r.s, frames.CLIConnected())

	go r.pump(backend)
}

// pump consumes backend traffic until the channel closes, then reports
// the disconnect.
func (r *Runtime) pump(backend adapter.BackendSession) {
	for m := range backend.Messages() {
		r.HandleBackendMessage(context.Background(), m)
	}

	r.mu.Lock()
	stillAttached := r.s.Backend == backend
	if stillAttached {
		r.resetBackendLocked()
	}
	r.mu.Unlock()

	if stillAttached {
		r.deps.Bridge.CancelSession(r.s.ID)
		r.deps.Emit(events.BackendDisconnected, r.s.ID, nil)
		r.deps.Broadcaster.Broadcast(r.s, frames.CLIDisconnected())
	}
}

// CloseBackendConnection tears the backend down deliberately: pending
// permissions deny, consumers see the CLI drop.
func (r *Runtime) CloseBackendConnection() {
	r.mu.Lock()
	backend := r.s.Backend
	r.resetBackendLocked()
	r.mu.Unlock()

	if backend == nil {
		return
	}
	if err := backend.Close(); err != nil {
		r.logger.Warn("backend close failed", zap.Error(err))
	}
	r.deps.Bridge.CancelSession(r.s.ID)
	r.deps.Emit(events.BackendDisconnected, r.s.ID, nil)
	r.deps.Broadcaster.Broadcast(r.s, frames.CLIDisconnected())
}

// ResetBackendConnectionState clears the handle without closing; used when
// the transport already died.
func (r *Runtime) ResetBackendConnectionState() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetBackendLocked()
}

func (r *Runtime) resetBackendLocked() {
	if r.s.Cancel != nil {
		r.s.Cancel()
		r.s.Cancel = nil
	}
	r.s.Backend = nil
	if !r.s.Lifecycle.Terminal() {
		if err := r.s.Lifecycle.Transition(session.PhaseDegraded); err != nil {
			r.logger.Debug("lifecycle transition failed on reset", zap.Error(err))
		}
	}
}

// fetchCapabilities runs the initialize handshake off the dispatch lane;
// at most once per session.
func (r *Runtime) fetchCapabilities(s *session.Session) {
	backend := s.Backend
	if backend == nil || r.deps.Capabilities == nil {
		return
	}
	r.capsOnce.Do(func() {
		go func() {
			caps, timedOut := r.deps.Capabilities.Fetch(context.Background(), s.ID, backend)
			r.mu.Lock()
			defer r.mu.Unlock()
			switch {
			case caps != nil:
				r.router.ApplyCapabilities(s, caps)
			case timedOut:
				r.deps.Emit(events.CapabilitiesTimeout, s.ID, nil)
			}
		}()
	})
}

// AddConsumer registers a consumer handle. Presence is announced
// separately, after the joiner's replay, so the joining socket's first
// frame is its identity rather than a presence broadcast.
func (r *Runtime) AddConsumer(c *session.Consumer) {
	r.mu.Lock()
	r.s.AddConsumer(c)
	r.s.Touch()
	r.mu.Unlock()
}

// AnnounceConsumer publishes the joined event and broadcasts the
// updated presence roster.
func (r *Runtime) AnnounceConsumer(c *session.Consumer) {
	r.deps.Emit(events.ConsumerJoined, r.s.ID, map[string]any{"user_id": c.Identity.UserID})
	r.deps.Broadcaster.Broadcast(r.s, frames.PresenceUpdate(r.s.Identities()))
}

// RemoveConsumer detaches a consumer and announces presence.
func (r *Runtime) RemoveConsumer(consumerID string) {
	r.mu.Lock()
	c := r.s.RemoveConsumer(consumerID)
	r.s.Touch()
	r.mu.Unlock()

	if c == nil {
		return
	}
	r.deps.Emit(events.ConsumerLeft, r.s.ID, map[string]any{"user_id": c.Identity.UserID})
	r.deps.Broadcaster.Broadcast(r.s, frames.PresenceUpdate(r.s.Identities()))
}

// CloseAllConsumers disconnects every consumer with a going-away close.
func (r *Runtime) CloseAllConsumers(code int, reason string) {
	for _, c := range r.s.Consumers() {
		if c.Conn != nil {
			_ = c.Conn.Close(code, reason)
		}
		r.mu.Lock()
		r.s.RemoveConsumer(c.ID)
		r.mu.Unlock()
	}
}

// Close shuts the session down completely.
func (r *Runtime) Close(ctx context.Context) {
	r.mu.Lock()
	_ = r.s.Lifecycle.Transition(session.PhaseClosing)
	r.mu.Unlock()

	r.CloseBackendConnection()
	r.CloseAllConsumers(1001, "session closed")
	r.deps.Slash.Drop(r.s.ID)

	r.mu.Lock()
	_ = r.s.Lifecycle.Transition(session.PhaseClosed)
	r.mu.Unlock()
	r.deps.Emit(events.SessionClosed, r.s.ID, nil)
}

// IdleSince reports milliseconds since the last activity.
func (r *Runtime) IdleSince(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(time.UnixMilli(r.s.LastActivity))
}

// HasBackend reports whether a backend connection is attached.
func (r *Runtime) HasBackend() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.Backend != nil
}

// BackendSessionID returns the backend's conversation id, if known.
func (r *Runtime) BackendSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.BackendSessionID
}

// ClearBackendSessionID drops the stored backend conversation id so the
// next launch starts a fresh conversation instead of resuming.
func (r *Runtime) ClearBackendSessionID() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.BackendSessionID = ""
}

func (r *Runtime) historyMax() int {
	if r.deps.HistoryMax <= 0 {
		return 1000
	}
	return r.deps.HistoryMax
}

// userMessage builds a consumer-authored unified message.
func userMessage(c *session.Consumer, content string, images []protocol.ImageAttachment) *message.Message {
	m := message.New(message.TypeUserMessage, message.RoleUser)
	if content != "" {
		m.Content = append(m.Content, message.Text(content))
	}
	for _, img := range images {
		m.Content = append(m.Content, message.Image(img.MediaType, img.Data))
	}
	m.SetMeta(message.MetaUserID, c.Identity.UserID)
	m.SetMeta(message.MetaDisplayName, c.Identity.DisplayName)
	return m
}
