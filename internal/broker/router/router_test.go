package router

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/broker/slash"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/events"
	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/pkg/protocol"
)

type fakeBroadcaster struct {
	mu           sync.Mutex
	frames       []*protocol.Outbound
	participants []*protocol.Outbound
}

func (f *fakeBroadcaster) Broadcast(s *session.Session, frame *protocol.Outbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func (f *fakeBroadcaster) BroadcastToParticipants(s *session.Session, frame *protocol.Outbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants = append(f.participants, frame)
}

func (f *fakeBroadcaster) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, fr := range f.frames {
		out = append(out, fr.Type)
	}
	return out
}

func (f *fakeBroadcaster) last() *protocol.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

type testHarness struct {
	router      *Router
	broadcaster *fakeBroadcaster
	slash       *slash.Service
	persisted   int
	emitted     []string
	idleFired   int
	capsFetched int
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)

	h := &testHarness{
		broadcaster: &fakeBroadcaster{},
		slash:       slash.NewService(log),
	}
	hooks := Hooks{
		Persist: func(s *session.Session) { h.persisted++ },
		Emit: func(event, sessionID string, data map[string]any) {
			h.emitted = append(h.emitted, event)
		},
		OnIdle:            func(s *session.Session) { h.idleFired++ },
		FetchCapabilities: func(s *session.Session) { h.capsFetched++ },
	}
	h.router = New(h.broadcaster, h.slash, hooks, 5, log)
	return h
}

func sessionInitMessage() *message.Message {
	m := message.New(message.TypeSessionInit, message.RoleSystem)
	m.SetMeta(message.MetaBackendSessionID, "b-1")
	m.SetMeta(message.MetaCwd, "/repo")
	m.SetMeta(message.MetaModel, "default")
	m.SetMeta(message.MetaSlashCommands, []string{"compact", "review"})
	return m
}

func TestSessionInitReducesAndAnnounces(t *testing.T) {
	h := newHarness(t)
	s := session.New("s-1")

	h.router.Handle(context.Background(), s, sessionInitMessage())

	assert.Equal(t, "b-1", s.BackendSessionID)
	assert.Equal(t, "/repo", s.State.Cwd)
	assert.Equal(t, "default", s.State.Model)
	assert.Contains(t, h.broadcaster.types(), protocol.OutSessionInit)
	assert.Contains(t, h.emitted, events.BackendSessionID)
	assert.Equal(t, 1, h.persisted)
	// Registry rebuilt from announced commands.
	assert.Len(t, h.slash.Commands("s-1"), 2)
	// No inline capabilities → handshake requested.
	assert.Equal(t, 1, h.capsFetched)
}

func TestSessionInitWithInlineCapabilities(t *testing.T) {
	h := newHarness(t)
	s := session.New("s-1")

	m := sessionInitMessage()
	m.SetMeta(message.MetaModels, []map[string]any{{"id": "m-1", "display_name": "M1"}})
	h.router.Handle(context.Background(), s, m)

	require.NotNil(t, s.State.Capabilities)
	assert.Equal(t, "m-1", s.State.Capabilities.Models[0].ID)
	assert.Contains(t, h.broadcaster.types(), protocol.OutCapabilitiesReady)
	assert.Contains(t, h.emitted, events.CapabilitiesReady)
	assert.Equal(t, 0, h.capsFetched)
}

func TestStatusChange(t *testing.T) {
	h := newHarness(t)
	s := session.New("s-1")

	m := message.New(message.TypeStatusChange, message.RoleSystem)
	m.SetMeta(message.MetaStatus, message.StatusRunning)
	h.router.Handle(context.Background(), s, m)
	assert.Equal(t, message.StatusRunning, s.LastStatus)
	assert.Equal(t, 0, h.idleFired)

	idle := message.New(message.TypeStatusChange, message.RoleSystem)
	idle.SetMeta(message.MetaStatus, message.StatusIdle)
	idle.SetMeta(message.MetaPermissionMode, "acceptEdits")
	h.router.Handle(context.Background(), s, idle)

	assert.Equal(t, message.StatusIdle, s.LastStatus)
	assert.Equal(t, 1, h.idleFired)
	assert.Contains(t, h.broadcaster.types(), protocol.OutSessionUpdate)
}

func TestAssistantDedup(t *testing.T) {
	h := newHarness(t)
	s := session.New("s-1")

	first := message.New(message.TypeAssistant, message.RoleAssistant, message.Text("partial"))
	first.SetMeta(message.MetaMessageID, "m-1")
	h.router.Handle(context.Background(), s, first)
	require.Len(t, s.MessageHistory, 1)

	// Identical content drops.
	dup := message.New(message.TypeAssistant, message.RoleAssistant, message.Text("partial"))
	dup.SetMeta(message.MetaMessageID, "m-1")
	h.router.Handle(context.Background(), s, dup)
	assert.Len(t, s.MessageHistory, 1)
	assert.Len(t, h.broadcaster.frames, 1)

	// Changed content replaces in place, including truncation.
	shorter := message.New(message.TypeAssistant, message.RoleAssistant, message.Text("part"))
	shorter.SetMeta(message.MetaMessageID, "m-1")
	h.router.Handle(context.Background(), s, shorter)
	require.Len(t, s.MessageHistory, 1)
	assert.Equal(t, "part", s.MessageHistory[0].JoinedText())

	// A new id appends.
	next := message.New(message.TypeAssistant, message.RoleAssistant, message.Text("next"))
	next.SetMeta(message.MetaMessageID, "m-2")
	h.router.Handle(context.Background(), s, next)
	assert.Len(t, s.MessageHistory, 2)
}

func TestResultForcesIdleAndFirstTurn(t *testing.T) {
	h := newHarness(t)
	s := session.New("s-1")
	s.LastStatus = message.StatusRunning
	s.AppendHistory(message.New(message.TypeUserMessage, message.RoleUser, message.Text("build the thing")), 5)

	m := message.New(message.TypeResult, message.RoleSystem, message.Text("done"))
	m.SetMeta(message.MetaNumTurns, 1)
	m.SetMeta(message.MetaIsError, false)
	m.SetMeta(message.MetaTotalCostUSD, 0.42)
	h.router.Handle(context.Background(), s, m)

	assert.Equal(t, message.StatusIdle, s.LastStatus)
	assert.Equal(t, 1, h.idleFired)
	assert.Equal(t, 0.42, s.State.TotalCostUSD)
	assert.Contains(t, h.emitted, events.SessionFirstTurnCompleted)
}

func TestErrorResultSkipsFirstTurnEvent(t *testing.T) {
	h := newHarness(t)
	s := session.New("s-1")
	s.AppendHistory(message.New(message.TypeUserMessage, message.RoleUser, message.Text("hi")), 5)

	m := message.New(message.TypeResult, message.RoleSystem)
	m.SetMeta(message.MetaNumTurns, 1)
	m.SetMeta(message.MetaIsError, true)
	h.router.Handle(context.Background(), s, m)

	assert.NotContains(t, h.emitted, events.SessionFirstTurnCompleted)
}

func TestStreamEventMessageStartMarksRunning(t *testing.T) {
	h := newHarness(t)
	s := session.New("s-1")

	m := message.New(message.TypeStreamEvent, message.RoleAssistant)
	m.SetMeta(message.MetaEvent, map[string]any{"type": "message_start"})
	h.router.Handle(context.Background(), s, m)

	assert.Equal(t, message.StatusRunning, s.LastStatus)
	types := h.broadcaster.types()
	require.Len(t, types, 2)
	assert.Equal(t, protocol.OutStatusChange, types[0])
	assert.Equal(t, protocol.OutStreamEvent, types[1])

	// Subagent stream events do not flip the top-level status.
	s.LastStatus = message.StatusIdle
	sub := message.New(message.TypeStreamEvent, message.RoleAssistant)
	sub.SetMeta(message.MetaEvent, map[string]any{"type": "message_start"})
	sub.SetMeta(message.MetaParentToolUseID, "tu-1")
	h.router.Handle(context.Background(), s, sub)
	assert.Equal(t, message.StatusIdle, s.LastStatus)
}

func TestPermissionRequestStoredAndParticipantsOnly(t *testing.T) {
	h := newHarness(t)
	s := session.New("s-1")

	m := message.New(message.TypePermissionRequest, message.RoleSystem)
	m.SetMeta(message.MetaSubtype, "can_use_tool")
	m.SetMeta(message.MetaRequestID, "req-1")
	m.SetMeta(message.MetaToolName, "Bash")
	h.router.Handle(context.Background(), s, m)

	require.Contains(t, s.PendingPermissions, "req-1")
	assert.Empty(t, h.broadcaster.frames)
	require.Len(t, h.broadcaster.participants, 1)
	assert.Equal(t, protocol.OutPermissionRequest, h.broadcaster.participants[0].Type)
	assert.Contains(t, h.emitted, events.PermissionRequested)
}

func TestPassthroughEchoIntercepted(t *testing.T) {
	h := newHarness(t)
	s := session.New("s-1")
	s.PushPassthrough(session.Passthrough{Command: "/review", RequestID: "pr-1", SlashRequestID: "req-9"})

	echo := message.New(message.TypeUserMessage, message.RoleUser,
		message.Text("<local-command-stdout>review output</local-command-stdout>"))
	echo.SetMeta(message.MetaSubtype, "echo")
	h.router.Handle(context.Background(), s, echo)

	require.Len(t, h.broadcaster.frames, 1)
	frame := h.broadcaster.frames[0]
	assert.Equal(t, protocol.OutSlashCommandResult, frame.Type)
	assert.Equal(t, "review output", frame.Fields["result"])
	assert.Equal(t, protocol.SlashSourceCLI, frame.Fields["source"])
	assert.Equal(t, "req-9", frame.Fields["request_id"])
	assert.Empty(t, s.MessageHistory)

	// Echo with no waiter is dropped silently.
	h.router.Handle(context.Background(), s, echo)
	assert.Len(t, h.broadcaster.frames, 1)
}

func TestTeamDiffBroadcastsOnce(t *testing.T) {
	h := newHarness(t)
	s := session.New("s-1")

	m := message.New(message.TypeStatusChange, message.RoleSystem)
	m.SetMeta(message.MetaStatus, message.StatusRunning)
	m.SetMeta("team", map[string]any{"lead": "agent-1"})
	h.router.Handle(context.Background(), s, m)
	assert.Contains(t, h.broadcaster.types(), protocol.OutSessionUpdate)

	before := len(h.broadcaster.frames)
	h.router.Handle(context.Background(), s, m) // identical team state
	// status_change rebroadcasts but no second team update.
	var teamUpdates int
	for _, fr := range h.broadcaster.frames[before:] {
		if fr.Type == protocol.OutSessionUpdate {
			teamUpdates++
		}
	}
	assert.Zero(t, teamUpdates)
}

func TestConfigurationChangePatch(t *testing.T) {
	h := newHarness(t)
	s := session.New("s-1")

	m := message.New(message.TypeConfigurationChange, message.RoleSystem)
	m.SetMeta(message.MetaModel, "opus")
	h.router.Handle(context.Background(), s, m)

	assert.Equal(t, "opus", s.State.Model)
	last := h.broadcaster.last()
	require.NotNil(t, last)
	assert.Equal(t, protocol.OutSessionUpdate, last.Type)

	// Empty patches broadcast nothing.
	before := len(h.broadcaster.frames)
	h.router.Handle(context.Background(), s, message.New(message.TypeConfigurationChange, message.RoleSystem))
	assert.Len(t, h.broadcaster.frames, before)
}

func TestHistoryTrimsAtMax(t *testing.T) {
	h := newHarness(t)
	s := session.New("s-1")

	for i := 0; i < 8; i++ {
		m := message.New(message.TypeAssistant, message.RoleAssistant, message.Text("msg"))
		h.router.Handle(context.Background(), s, m)
	}
	assert.Len(t, s.MessageHistory, 5)
}
