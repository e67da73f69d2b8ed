// Package session holds the per-conversation state the relay maintains: a
// Session owns its backend handle, consumer set, history, pending
// permission map, and queued follow-up slot.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/common/ratelimit"
	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/pkg/protocol"
)

// Consumer roles.
const (
	RoleParticipant = "participant"
	RoleObserver    = "observer"
)

// Identity describes one authenticated consumer.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// ConsumerConn is the transport handle of an attached consumer. The
// gateway's WebSocket wrapper implements it.
type ConsumerConn interface {
	// Send writes one encoded frame.
	Send(data []byte) error
	// BufferedAmount reports bytes queued but not yet flushed to the peer.
	BufferedAmount() int64
	// Close closes the connection with a close code and reason.
	Close(code int, reason string) error
}

// Consumer is one attached consumer: identity, transport, rate limiter.
type Consumer struct {
	ID       string
	Identity Identity
	Conn     ConsumerConn
	Limiter  *ratelimit.TokenBucket
}

// GitInfo is the resolved version-control state of the session cwd.
type GitInfo struct {
	Branch    string `json:"branch,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
}

// Command describes one slash command a backend reports.
type Command struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ArgumentHint string `json:"argument_hint,omitempty"`
}

// Model describes one selectable model a backend reports.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Capabilities is the {commands, models, account} tuple from the
// initialize handshake.
type Capabilities struct {
	Commands []Command      `json:"commands"`
	Models   []Model        `json:"models"`
	Account  map[string]any `json:"account,omitempty"`
}

// MCPServer is one configured MCP server the backend announced.
type MCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// CircuitBreakerInfo tracks repeated backend failures.
type CircuitBreakerInfo struct {
	Open         bool  `json:"open"`
	FailureCount int   `json:"failure_count"`
	OpenedAt     int64 `json:"opened_at,omitempty"`
}

// State is the reducible session state broadcast to consumers.
type State struct {
	Cwd            string              `json:"cwd,omitempty"`
	Model          string              `json:"model,omitempty"`
	PermissionMode string              `json:"permissionMode,omitempty"`
	Version        string              `json:"version,omitempty"`
	Tools          []string            `json:"tools,omitempty"`
	MCPServers     []MCPServer         `json:"mcp_servers,omitempty"`
	SlashCommands  []string            `json:"slash_commands,omitempty"`
	Skills         []string            `json:"skills,omitempty"`
	TotalCostUSD   float64             `json:"total_cost_usd,omitempty"`
	NumTurns       int                 `json:"num_turns,omitempty"`
	ContextUsedPct float64             `json:"context_used_pct,omitempty"`
	Compacting     bool                `json:"compacting,omitempty"`
	Git            *GitInfo            `json:"git,omitempty"`
	Capabilities   *Capabilities       `json:"capabilities,omitempty"`
	Team           map[string]any      `json:"team,omitempty"`
	CircuitBreaker *CircuitBreakerInfo `json:"circuit_breaker,omitempty"`
}

// PermissionRequest is a pending tool-use approval awaiting a consumer
// decision.
type PermissionRequest struct {
	RequestID      string           `json:"request_id"`
	ToolName       string           `json:"tool_name"`
	Input          map[string]any   `json:"input"`
	ToolUseID      string           `json:"tool_use_id"`
	AgentID        string           `json:"agent_id,omitempty"`
	Suggestions    []map[string]any `json:"suggestions,omitempty"`
	BlockedPath    string           `json:"blocked_path,omitempty"`
	DecisionReason string           `json:"decisionReason,omitempty"`
	RequestedAt    int64            `json:"requestedAt"` // epoch ms, replay order
}

// PendingPermissionList returns pending permission requests in arrival
// order.
func (s *Session) PendingPermissionList() []PermissionRequest {
	out := make([]PermissionRequest, 0, len(s.PendingPermissions))
	for _, p := range s.PendingPermissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt < out[j].RequestedAt })
	return out
}

// QueuedMessage is the single-slot follow-up message.
type QueuedMessage struct {
	ConsumerID  string                     `json:"consumerId"`
	DisplayName string                     `json:"displayName"`
	Content     string                     `json:"content"`
	Images      []protocol.ImageAttachment `json:"images,omitempty"`
	QueuedAt    int64                      `json:"queuedAt"`
}

// Passthrough is a slash command sent to the backend as a raw user message
// and awaiting its echoed result.
type Passthrough struct {
	Command        string `json:"command"`
	RequestID      string `json:"requestId"`
	SlashRequestID string `json:"slashRequestId,omitempty"`
	TraceID        string `json:"traceId,omitempty"`
	StartedAtMs    int64  `json:"startedAtMs"`
}

// PendingInitialize tracks an in-flight capabilities handshake.
type PendingInitialize struct {
	RequestID string
	Timer     *time.Timer
}

// Session owns everything for one logical conversation. All mutation runs
// on the session's single dispatch lane (the runtime's mutex); the
// consumer set has its own lock because the broadcaster reads it
// concurrently.
type Session struct {
	ID               string
	BackendSessionID string

	// Backend connection. Cancel aborts in-flight backend I/O.
	Backend adapter.BackendSession
	Cancel  context.CancelFunc

	State     State
	Lifecycle *Lifecycle

	PendingPermissions  map[string]PermissionRequest
	PendingPassthroughs []Passthrough
	PendingInitialize   *PendingInitialize

	MessageHistory  []*message.Message
	PendingMessages []*message.Message
	QueuedMessage   *QueuedMessage

	LastStatus   string // empty until the backend reports or we infer one
	LastActivity int64  // epoch ms

	AdapterName              string
	SlashExecutor            adapter.SlashExecutor
	SupportsSlashPassthrough bool

	// TeamCorrelation pairs tool_use ids with their results for team
	// sub-state diffing.
	TeamCorrelation map[string]string

	consumersMu sync.RWMutex
	consumers   map[string]*Consumer
}

// New creates a session with defaulted state.
func New(id string) *Session {
	return &Session{
		ID:                 id,
		Lifecycle:          NewLifecycle(id),
		PendingPermissions: make(map[string]PermissionRequest),
		TeamCorrelation:    make(map[string]string),
		consumers:          make(map[string]*Consumer),
		LastActivity:       time.Now().UnixMilli(),
	}
}

// Touch records session activity for the idle reaper.
func (s *Session) Touch() {
	s.LastActivity = time.Now().UnixMilli()
}

// AddConsumer registers a consumer handle.
func (s *Session) AddConsumer(c *Consumer) {
	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()
	s.consumers[c.ID] = c
}

// RemoveConsumer removes a consumer and returns it, clearing both the
// socket and rate-limiter entry in one step.
func (s *Session) RemoveConsumer(id string) *Consumer {
	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()
	c := s.consumers[id]
	delete(s.consumers, id)
	return c
}

// Consumer returns the consumer registered under id, or nil.
func (s *Session) Consumer(id string) *Consumer {
	s.consumersMu.RLock()
	defer s.consumersMu.RUnlock()
	return s.consumers[id]
}

// Consumers returns a snapshot of all attached consumers.
func (s *Session) Consumers() []*Consumer {
	s.consumersMu.RLock()
	defer s.consumersMu.RUnlock()
	out := make([]*Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c)
	}
	return out
}

// ConsumerCount returns the number of attached consumers.
func (s *Session) ConsumerCount() int {
	s.consumersMu.RLock()
	defer s.consumersMu.RUnlock()
	return len(s.consumers)
}

// Identities returns the identity list for presence updates.
func (s *Session) Identities() []Identity {
	s.consumersMu.RLock()
	defer s.consumersMu.RUnlock()
	out := make([]Identity, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c.Identity)
	}
	return out
}

// AppendHistory appends a message and trims the ring to maxLen.
func (s *Session) AppendHistory(m *message.Message, maxLen int) {
	s.MessageHistory = append(s.MessageHistory, m)
	s.TrimHistory(maxLen)
}

// TrimHistory drops the oldest entries beyond maxLen.
func (s *Session) TrimHistory(maxLen int) {
	if maxLen > 0 && len(s.MessageHistory) > maxLen {
		excess := len(s.MessageHistory) - maxLen
		s.MessageHistory = append([]*message.Message(nil), s.MessageHistory[excess:]...)
	}
}

// FirstUserMessage returns the earliest user_message in history, or nil.
func (s *Session) FirstUserMessage() *message.Message {
	for _, m := range s.MessageHistory {
		if m.Type == message.TypeUserMessage {
			return m
		}
	}
	return nil
}

// BufferPendingMessage stores a message received before the backend
// connected, dropping the oldest entry beyond maxSize. Reports whether an
// entry was dropped.
func (s *Session) BufferPendingMessage(m *message.Message, maxSize int) bool {
	s.PendingMessages = append(s.PendingMessages, m)
	if maxSize > 0 && len(s.PendingMessages) > maxSize {
		s.PendingMessages = append([]*message.Message(nil), s.PendingMessages[1:]...)
		return true
	}
	return false
}

// TakePendingMessages empties and returns the pre-connect buffer in FIFO
// order.
func (s *Session) TakePendingMessages() []*message.Message {
	out := s.PendingMessages
	s.PendingMessages = nil
	return out
}

// PushPassthrough enqueues a passthrough descriptor.
func (s *Session) PushPassthrough(p Passthrough) {
	s.PendingPassthroughs = append(s.PendingPassthroughs, p)
}

// PopPassthrough dequeues the oldest passthrough descriptor.
func (s *Session) PopPassthrough() (Passthrough, bool) {
	if len(s.PendingPassthroughs) == 0 {
		return Passthrough{}, false
	}
	p := s.PendingPassthroughs[0]
	s.PendingPassthroughs = append([]Passthrough(nil), s.PendingPassthroughs[1:]...)
	return p, true
}
