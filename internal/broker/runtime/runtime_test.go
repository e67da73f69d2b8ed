package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/broker/capability"
	"github.com/agentrelay/agentrelay/internal/broker/permission"
	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/broker/slash"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/events"
	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/pkg/protocol"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	all    []*protocol.Outbound
	direct []*protocol.Outbound
}

func (f *fakeBroadcaster) Broadcast(s *session.Session, frame *protocol.Outbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all = append(f.all, frame)
}

func (f *fakeBroadcaster) BroadcastToParticipants(s *session.Session, frame *protocol.Outbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all = append(f.all, frame)
}

func (f *fakeBroadcaster) SendTo(c *session.Consumer, frame *protocol.Outbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct = append(f.direct, frame)
}

func (f *fakeBroadcaster) broadcastTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.all))
	for _, fr := range f.all {
		out = append(out, fr.Type)
	}
	return out
}

func (f *fakeBroadcaster) lastDirect() *protocol.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.direct) == 0 {
		return nil
	}
	return f.direct[len(f.direct)-1]
}

type fakeBackend struct {
	mu     sync.Mutex
	sent   []*message.Message
	msgs   chan *message.Message
	closed bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{msgs: make(chan *message.Message, 16)}
}

func (f *fakeBackend) SessionID() string { return "s-1" }

func (f *fakeBackend) Send(m *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return adapter.ErrSessionClosed
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeBackend) SendRaw(string) error { return adapter.ErrUnsupported }

func (f *fakeBackend) Messages() <-chan *message.Message { return f.msgs }

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.msgs)
	}
	return nil
}

func (f *fakeBackend) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Type)
	}
	return out
}

type harness struct {
	rt          *Runtime
	s           *session.Session
	broadcaster *fakeBroadcaster
	bridge      *permission.Bridge

	mu     sync.Mutex
	events []string
}

type bridgeEmitter struct{ h *harness }

func (e *bridgeEmitter) EmitPermissionRequest(sessionID string, msg *message.Message) {
	e.h.rt.StorePendingPermission(msg)
}

func (e *bridgeEmitter) EmitPermissionCancelled(sessionID, requestID, reason string) {
	e.h.rt.CancelPendingPermission(requestID, reason)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)

	h := &harness{
		s:           session.New("s-1"),
		broadcaster: &fakeBroadcaster{},
	}
	h.bridge = permission.NewBridge(&bridgeEmitter{h}, time.Second, log)
	h.rt = New(h.s, Deps{
		Broadcaster:  h.broadcaster,
		Bridge:       h.bridge,
		Slash:        slash.NewService(log),
		Capabilities: capability.NewPolicy(time.Second, log),
		Persist:      func(*session.Session) {},
		Emit: func(event, sessionID string, data map[string]any) {
			h.mu.Lock()
			h.events = append(h.events, event)
			h.mu.Unlock()
		},
		Logger:     log,
		HistoryMax: 50,
		PendingMax: 3,
	})
	return h
}

func (h *harness) sawEvent(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e == name {
			return true
		}
	}
	return false
}

func participant(userID string) *session.Consumer {
	return &session.Consumer{
		ID:       "conn-" + userID,
		Identity: session.Identity{UserID: userID, DisplayName: userID, Role: session.RoleParticipant},
	}
}

func TestUserMessageBuffersWithoutBackend(t *testing.T) {
	h := newHarness(t)
	c := participant("alice")

	h.rt.HandleInboundFrame(context.Background(), c, &protocol.Inbound{
		Type: protocol.InUserMessage, Content: "hello",
	})

	assert.Equal(t, message.StatusRunning, h.s.LastStatus)
	require.Len(t, h.s.PendingMessages, 1)
	require.Len(t, h.s.MessageHistory, 1)
	assert.Equal(t, "alice", h.s.MessageHistory[0].MetaString(message.MetaUserID))
	assert.Contains(t, h.broadcaster.broadcastTypes(), protocol.OutUserMessage)
}

func TestAttachFlushesPendingFIFO(t *testing.T) {
	h := newHarness(t)
	c := participant("alice")
	for _, text := range []string{"one", "two"} {
		h.rt.HandleInboundFrame(context.Background(), c, &protocol.Inbound{
			Type: protocol.InUserMessage, Content: text,
		})
	}

	backend := newFakeBackend()
	h.rt.AttachBackendConnection(backend, func() {})

	require.Len(t, backend.sent, 2)
	assert.Equal(t, "one", backend.sent[0].JoinedText())
	assert.Equal(t, "two", backend.sent[1].JoinedText())
	assert.Empty(t, h.s.PendingMessages)
	assert.Equal(t, session.PhaseActive, h.s.Lifecycle.Phase())
	assert.Contains(t, h.broadcaster.broadcastTypes(), protocol.OutCLIConnected)
	assert.True(t, h.sawEvent(events.BackendConnected))

	_ = backend.Close()
	require.Eventually(t, func() bool {
		return h.sawEvent(events.BackendDisconnected)
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.broadcaster.broadcastTypes(), protocol.OutCLIDisconnected)
	assert.Nil(t, h.s.Backend)
	assert.Equal(t, session.PhaseDegraded, h.s.Lifecycle.Phase())
}

func TestBackendMessagesRouteThroughPump(t *testing.T) {
	h := newHarness(t)
	backend := newFakeBackend()
	h.rt.AttachBackendConnection(backend, func() {})

	m := message.New(message.TypeAssistant, message.RoleAssistant, message.Text("hi there"))
	backend.msgs <- m

	require.Eventually(t, func() bool {
		h.rt.mu.Lock()
		defer h.rt.mu.Unlock()
		return len(h.s.MessageHistory) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.broadcaster.broadcastTypes(), protocol.OutAssistant)
}

func TestQueueMessageWhileRunning(t *testing.T) {
	h := newHarness(t)
	backend := newFakeBackend()
	h.rt.AttachBackendConnection(backend, func() {})
	h.s.LastStatus = message.StatusRunning

	alice := participant("alice")
	h.rt.HandleInboundFrame(context.Background(), alice, &protocol.Inbound{
		Type: protocol.InQueueMessage, Content: "follow up",
	})
	require.NotNil(t, h.s.QueuedMessage)
	assert.Contains(t, h.broadcaster.broadcastTypes(), protocol.OutMessageQueued)
	assert.Empty(t, backend.sentTypes())

	// Another consumer cannot cancel the slot.
	h.rt.HandleInboundFrame(context.Background(), participant("bob"), &protocol.Inbound{
		Type: protocol.InCancelQueuedMessage,
	})
	require.NotNil(t, h.s.QueuedMessage)
	direct := h.broadcaster.lastDirect()
	require.NotNil(t, direct)
	assert.Equal(t, protocol.OutError, direct.Type)

	// Idle transition releases the slot: sent notice precedes delivery.
	idle := message.New(message.TypeStatusChange, message.RoleSystem)
	idle.SetMeta(message.MetaStatus, message.StatusIdle)
	h.rt.HandleBackendMessage(context.Background(), idle)

	assert.Nil(t, h.s.QueuedMessage)
	types := h.broadcaster.broadcastTypes()
	sentIdx, deliveredIdx := -1, -1
	for i, tp := range types {
		if tp == protocol.OutQueuedMessageSent && sentIdx < 0 {
			sentIdx = i
		}
		if tp == protocol.OutUserMessage {
			deliveredIdx = i
		}
	}
	require.GreaterOrEqual(t, sentIdx, 0)
	assert.Greater(t, deliveredIdx, sentIdx)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, "follow up", backend.sent[0].JoinedText())
	assert.Equal(t, "alice", backend.sent[0].MetaString(message.MetaUserID))
}

func TestQueueMessageBypassWhenIdle(t *testing.T) {
	h := newHarness(t)
	backend := newFakeBackend()
	h.rt.AttachBackendConnection(backend, func() {})
	h.s.LastStatus = message.StatusIdle

	h.rt.HandleInboundFrame(context.Background(), participant("alice"), &protocol.Inbound{
		Type: protocol.InQueueMessage, Content: "now",
	})
	assert.Nil(t, h.s.QueuedMessage)
	require.Len(t, backend.sent, 1)
}

func TestPermissionRoundTrip(t *testing.T) {
	h := newHarness(t)

	done := make(chan adapter.PermissionDecision, 1)
	go func() {
		done <- h.bridge.CanUseTool(context.Background(), "s-1", "Bash",
			map[string]any{"command": "ls"}, adapter.PermissionOptions{ToolUseID: "tu-1"})
	}()

	var requestID string
	require.Eventually(t, func() bool {
		h.rt.mu.Lock()
		defer h.rt.mu.Unlock()
		for id := range h.s.PendingPermissions {
			requestID = id
		}
		return requestID != ""
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.broadcaster.broadcastTypes(), protocol.OutPermissionRequest)

	h.rt.HandleInboundFrame(context.Background(), participant("alice"), &protocol.Inbound{
		Type:      protocol.InPermissionResponse,
		RequestID: requestID,
		Behavior:  protocol.BehaviorAllow,
	})

	decision := <-done
	assert.Equal(t, "allow", decision.Behavior)
	assert.Empty(t, h.s.PendingPermissions)
	assert.True(t, h.sawEvent(events.PermissionResolved))
}

func TestPermissionDeniedOnBackendClose(t *testing.T) {
	h := newHarness(t)
	backend := newFakeBackend()
	h.rt.AttachBackendConnection(backend, func() {})

	done := make(chan adapter.PermissionDecision, 1)
	go func() {
		done <- h.bridge.CanUseTool(context.Background(), "s-1", "Write", nil, adapter.PermissionOptions{})
	}()
	require.Eventually(t, func() bool { return h.bridge.Pending() == 1 }, time.Second, 5*time.Millisecond)

	h.rt.CloseBackendConnection()

	decision := <-done
	assert.Equal(t, "deny", decision.Behavior)
	assert.Equal(t, "Session closed", decision.Message)
	assert.Contains(t, h.broadcaster.broadcastTypes(), protocol.OutPermissionCancelled)
}

func TestInterruptWithoutBackend(t *testing.T) {
	h := newHarness(t)
	h.rt.HandleInboundFrame(context.Background(), participant("alice"), &protocol.Inbound{
		Type: protocol.InInterrupt,
	})
	direct := h.broadcaster.lastDirect()
	require.NotNil(t, direct)
	assert.Equal(t, protocol.OutError, direct.Type)
}

func TestSetAdapterAlwaysErrors(t *testing.T) {
	h := newHarness(t)
	h.rt.HandleInboundFrame(context.Background(), participant("alice"), &protocol.Inbound{
		Type: protocol.InSetAdapter, Adapter: "codex",
	})
	direct := h.broadcaster.lastDirect()
	require.NotNil(t, direct)
	assert.Equal(t, protocol.OutError, direct.Type)
}

func TestPresenceQuery(t *testing.T) {
	h := newHarness(t)
	alice := participant("alice")
	h.rt.AddConsumer(alice)

	h.rt.HandleInboundFrame(context.Background(), alice, &protocol.Inbound{Type: protocol.InPresenceQuery})
	direct := h.broadcaster.lastDirect()
	require.NotNil(t, direct)
	assert.Equal(t, protocol.OutPresenceUpdate, direct.Type)
}

func TestCloseLifecycle(t *testing.T) {
	h := newHarness(t)
	backend := newFakeBackend()
	h.rt.AttachBackendConnection(backend, func() {})

	h.rt.Close(context.Background())
	assert.Equal(t, session.PhaseClosed, h.s.Lifecycle.Phase())
	assert.True(t, h.sawEvent(events.SessionClosed))
	backend.mu.Lock()
	assert.True(t, backend.closed)
	backend.mu.Unlock()
}
