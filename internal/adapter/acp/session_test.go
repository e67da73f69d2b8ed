package acp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/message"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	return log
}

func newBareSession(t *testing.T) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     "s1",
		logger: newTestLogger(t),
		in:     make(chan *message.Message, messageBufferSize),
		msgs:   make(chan *message.Message, messageBufferSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.forward()
	t.Cleanup(func() {
		s.once.Do(func() {
			close(s.done)
			cancel()
		})
	})
	return s
}

// notification decodes a wire-form session/update payload.
func notification(t *testing.T, raw string) acpsdk.SessionNotification {
	t.Helper()
	var n acpsdk.SessionNotification
	require.NoError(t, json.Unmarshal([]byte(raw), &n))
	return n
}

func next(t *testing.T, s *Session) *message.Message {
	t.Helper()
	select {
	case m := <-s.msgs:
		return m
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestAgentMessageChunkAccumulates(t *testing.T) {
	s := newBareSession(t)

	s.handleUpdate(notification(t, `{
		"sessionId": "a-1",
		"update": {
			"sessionUpdate": "agent_message_chunk",
			"content": {"type": "text", "text": "hello"}
		}
	}`))

	m := next(t, s)
	assert.Equal(t, message.TypeStreamEvent, m.Type)
	event := m.MetaMap(message.MetaEvent)
	require.NotNil(t, event)
	assert.Equal(t, "agent_message_delta", event["type"])

	s.mu.Lock()
	assert.Equal(t, "hello", s.turnText.String())
	s.mu.Unlock()
}

func TestToolCallTranslation(t *testing.T) {
	s := newBareSession(t)

	s.handleUpdate(notification(t, `{
		"sessionId": "a-1",
		"update": {
			"sessionUpdate": "tool_call",
			"toolCallId": "tc-1",
			"title": "run ls",
			"kind": "execute",
			"status": "in_progress",
			"rawInput": {"command": "ls"}
		}
	}`))

	m := next(t, s)
	assert.Equal(t, message.TypeAssistant, m.Type)
	require.Len(t, m.Content, 1)
	assert.Equal(t, message.ContentToolUse, m.Content[0].Type)
	assert.Equal(t, "tc-1", m.Content[0].ID)
	assert.Equal(t, "execute", m.Content[0].Name)
	assert.Equal(t, "ls", m.Content[0].Input["command"])
}

func TestToolCallUpdateOnlyTerminalStates(t *testing.T) {
	s := newBareSession(t)

	s.handleUpdate(notification(t, `{
		"sessionId": "a-1",
		"update": {
			"sessionUpdate": "tool_call_update",
			"toolCallId": "tc-1",
			"status": "in_progress"
		}
	}`))
	select {
	case m := <-s.msgs:
		t.Fatalf("unexpected message for in-progress update: %s", m.Type)
	case <-time.After(50 * time.Millisecond):
	}

	s.handleUpdate(notification(t, `{
		"sessionId": "a-1",
		"update": {
			"sessionUpdate": "tool_call_update",
			"toolCallId": "tc-1",
			"status": "completed",
			"rawOutput": {"stdout": "ok"}
		}
	}`))
	m := next(t, s)
	assert.Equal(t, message.TypeUserMessage, m.Type)
	require.Len(t, m.Content, 1)
	assert.Equal(t, message.ContentToolResult, m.Content[0].Type)
	assert.False(t, m.Content[0].IsError)
}

type recordingGate struct {
	decision adapter.PermissionDecision
	lastTool string
}

func (g *recordingGate) CanUseTool(_ context.Context, _ string, toolName string, _ map[string]any, _ adapter.PermissionOptions) adapter.PermissionDecision {
	g.lastTool = toolName
	return g.decision
}

func permissionRequest(t *testing.T, raw string) acpsdk.RequestPermissionRequest {
	t.Helper()
	var req acpsdk.RequestPermissionRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	return req
}

func TestRequestPermissionSelectsAllowOption(t *testing.T) {
	gate := &recordingGate{decision: adapter.PermissionDecision{Behavior: "allow"}}
	c := &client{sessionID: "s1", gate: gate, logger: newTestLogger(t)}

	resp, err := c.RequestPermission(context.Background(), permissionRequest(t, `{
		"sessionId": "a-1",
		"toolCall": {"toolCallId": "tc-1", "kind": "execute", "rawInput": {"command": "ls"}},
		"options": [
			{"optionId": "reject", "name": "Reject", "kind": "reject_once"},
			{"optionId": "allow", "name": "Allow", "kind": "allow_once"}
		]
	}`))
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Selected)
	assert.Equal(t, acpsdk.PermissionOptionId("allow"), resp.Outcome.Selected.OptionId)
	assert.Equal(t, "execute", gate.lastTool)
}

func TestRequestPermissionDenySelectsRejectOption(t *testing.T) {
	gate := &recordingGate{decision: adapter.PermissionDecision{Behavior: "deny", Message: "no"}}
	c := &client{sessionID: "s1", gate: gate, logger: newTestLogger(t)}

	resp, err := c.RequestPermission(context.Background(), permissionRequest(t, `{
		"sessionId": "a-1",
		"toolCall": {"toolCallId": "tc-1"},
		"options": [
			{"optionId": "allow", "name": "Allow", "kind": "allow_once"},
			{"optionId": "reject", "name": "Reject", "kind": "reject_once"}
		]
	}`))
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Selected)
	assert.Equal(t, acpsdk.PermissionOptionId("reject"), resp.Outcome.Selected.OptionId)
}

func TestRequestPermissionNoOptionsCancels(t *testing.T) {
	c := &client{sessionID: "s1", logger: newTestLogger(t)}
	resp, err := c.RequestPermission(context.Background(), acpsdk.RequestPermissionRequest{})
	require.NoError(t, err)
	assert.NotNil(t, resp.Outcome.Cancelled)
}
