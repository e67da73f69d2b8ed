// Package permission bridges adapter tool-use gates to consumers. Every
// request is stamped with a fresh request id, surfaced as a
// permission_request unified message, and resolved by the first matching
// permission_response, the timeout, or session shutdown.
package permission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/message"
)

// DefaultTimeout bounds how long a backend waits on a human.
const DefaultTimeout = 120 * time.Second

// Deny reasons for synthesized outcomes.
const (
	reasonTimeout = "Permission request timed out"
	reasonClosed  = "Session closed"
)

// Emitter receives the permission_request unified message for storage and
// broadcast. The runtime implements it.
type Emitter interface {
	EmitPermissionRequest(sessionID string, msg *message.Message)
	EmitPermissionCancelled(sessionID, requestID, reason string)
}

type pendingRequest struct {
	sessionID string
	resolved  chan adapter.PermissionDecision
}

// Bridge implements adapter.PermissionGate.
type Bridge struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest // request id → waiter

	emitter Emitter
	timeout time.Duration
	logger  *logger.Logger
}

// NewBridge creates the bridge. A zero timeout selects DefaultTimeout.
func NewBridge(emitter Emitter, timeout time.Duration, log *logger.Logger) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{
		pending: make(map[string]*pendingRequest),
		emitter: emitter,
		timeout: timeout,
		logger:  log,
	}
}

// CanUseTool blocks until a participant answers or the request expires.
func (b *Bridge) CanUseTool(ctx context.Context, sessionID, toolName string, input map[string]any, opts adapter.PermissionOptions) adapter.PermissionDecision {
	requestID := uuid.New().String()
	p := &pendingRequest{
		sessionID: sessionID,
		resolved:  make(chan adapter.PermissionDecision, 1),
	}
	b.mu.Lock()
	b.pending[requestID] = p
	b.mu.Unlock()

	b.emitter.EmitPermissionRequest(sessionID, requestMessage(requestID, toolName, input, opts))

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case decision := <-p.resolved:
		return decision
	case <-timer.C:
		if b.take(requestID) != nil {
			b.logger.WithSessionID(sessionID).Warn("permission request timed out",
				zap.String("request_id", requestID),
				zap.String("tool_name", toolName))
			b.emitter.EmitPermissionCancelled(sessionID, requestID, reasonTimeout)
		}
		return deny(reasonTimeout)
	case <-ctx.Done():
		if b.take(requestID) != nil {
			b.emitter.EmitPermissionCancelled(sessionID, requestID, reasonClosed)
		}
		return deny(reasonClosed)
	}
}

// Resolve answers a pending request. Returns false for unknown or
// already-settled request ids.
func (b *Bridge) Resolve(requestID string, decision adapter.PermissionDecision) bool {
	p := b.take(requestID)
	if p == nil {
		return false
	}
	p.resolved <- decision
	return true
}

// CancelSession denies every pending request of one session. Called on
// backend disconnect and session close.
func (b *Bridge) CancelSession(sessionID string) {
	b.mu.Lock()
	var ids []string
	for id, p := range b.pending {
		if p.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	waiters := make([]*pendingRequest, 0, len(ids))
	for _, id := range ids {
		waiters = append(waiters, b.pending[id])
		delete(b.pending, id)
	}
	b.mu.Unlock()

	for i, p := range waiters {
		p.resolved <- deny(reasonClosed)
		b.emitter.EmitPermissionCancelled(sessionID, ids[i], reasonClosed)
	}
}

// Pending returns how many requests are waiting; used by tests and the
// health endpoint.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) take(requestID string) *pendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pending[requestID]
	delete(b.pending, requestID)
	return p
}

func deny(reason string) adapter.PermissionDecision {
	return adapter.PermissionDecision{Behavior: "deny", Message: reason}
}

// requestMessage builds the unified permission_request the router stores
// and broadcasts.
func requestMessage(requestID, toolName string, input map[string]any, opts adapter.PermissionOptions) *message.Message {
	m := message.New(message.TypePermissionRequest, message.RoleSystem)
	m.SetMeta(message.MetaSubtype, "can_use_tool")
	m.SetMeta(message.MetaRequestID, requestID)
	m.SetMeta(message.MetaToolName, toolName)
	if input != nil {
		m.SetMeta(message.MetaInput, input)
	}
	if opts.ToolUseID != "" {
		m.SetMeta(message.MetaToolUseID, opts.ToolUseID)
	}
	if opts.AgentID != "" {
		m.SetMeta(message.MetaAgentID, opts.AgentID)
	}
	if opts.BlockedPath != "" {
		m.SetMeta(message.MetaBlockedPath, opts.BlockedPath)
	}
	if len(opts.Suggestions) > 0 {
		m.SetMeta(message.MetaSuggestions, opts.Suggestions)
	}
	return m
}

// RequestFromMessage projects a stored permission_request message into the
// session's pending set.
func RequestFromMessage(m *message.Message) *session.PermissionRequest {
	req := &session.PermissionRequest{
		RequestID:   m.MetaString(message.MetaRequestID),
		ToolName:    m.MetaString(message.MetaToolName),
		ToolUseID:   m.MetaString(message.MetaToolUseID),
		AgentID:     m.MetaString(message.MetaAgentID),
		BlockedPath: m.MetaString(message.MetaBlockedPath),
		RequestedAt: time.Now().UnixMilli(),
	}
	if input := m.MetaMap(message.MetaInput); input != nil {
		req.Input = input
	}
	if raw, ok := m.Metadata[message.MetaSuggestions]; ok {
		if suggestions, ok := raw.([]map[string]any); ok {
			req.Suggestions = suggestions
		}
	}
	return req
}
