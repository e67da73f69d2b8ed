package claude

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

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

type fakeSocket struct {
	mu      sync.Mutex
	frames  [][]byte
	handler func([]byte)
	closed  bool
}

func (f *fakeSocket) WriteFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeSocket) SetHandler(fn func(data []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) receive(t *testing.T, line string) {
	t.Helper()
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	require.NotNil(t, handler)
	handler([]byte(line))
}

func (f *fakeSocket) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSocket) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

func connectWithSocket(t *testing.T, a *Adapter, sessionID string, opts adapter.ConnectOptions) (adapter.BackendSession, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	type result struct {
		sess adapter.BackendSession
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sess, err := a.Connect(context.Background(), sessionID, opts)
		done <- result{sess, err}
	}()

	require.Eventually(t, func() bool {
		return a.DeliverSocket(sessionID, sock)
	}, time.Second, 5*time.Millisecond)

	res := <-done
	require.NoError(t, res.err)
	require.NotNil(t, res.sess)
	return res.sess, sock
}

func TestConnectCompletesOnDelivery(t *testing.T) {
	a := New(newTestLogger(t))
	sess, _ := connectWithSocket(t, a, "s1", adapter.ConnectOptions{})
	defer sess.Close()

	assert.Equal(t, "s1", sess.SessionID())
	assert.False(t, a.DeliverSocket("s1", &fakeSocket{}), "no second pending attempt")
}

func TestConnectTimesOut(t *testing.T) {
	a := New(newTestLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Connect(ctx, "s1", adapter.ConnectOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, adapter.ErrTimeout)
}

func TestCancelPendingUnblocksConnect(t *testing.T) {
	a := New(newTestLogger(t))
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Connect(context.Background(), "s1", adapter.ConnectOptions{})
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.pending["s1"] != nil
	}, time.Second, 5*time.Millisecond)

	a.CancelPending("s1")
	err := <-errCh
	assert.ErrorIs(t, err, adapter.ErrBackendUnavailable)
}

func TestSendUserMessage(t *testing.T) {
	a := New(newTestLogger(t))
	sess, sock := connectWithSocket(t, a, "s1", adapter.ConnectOptions{})
	defer sess.Close()

	msg := message.New(message.TypeUserMessage, message.RoleUser, message.Text("run the tests"))
	require.NoError(t, sess.Send(msg))

	frames := sock.sent()
	require.Len(t, frames, 1)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(frames[0], &wire))
	assert.Equal(t, "user", wire["type"])
	body := wire["message"].(map[string]any)
	assert.Equal(t, "run the tests", body["content"])
}

func TestIncomingAssistantMessage(t *testing.T) {
	a := New(newTestLogger(t))
	sess, sock := connectWithSocket(t, a, "s1", adapter.ConnectOptions{})
	defer sess.Close()

	sock.receive(t, `{"type":"assistant","message":{"id":"msg_01","role":"assistant","model":"opus","content":[{"type":"text","text":"done"}]}}`)

	select {
	case m := <-sess.Messages():
		require.NotNil(t, m)
		assert.Equal(t, message.TypeAssistant, m.Type)
		assert.Equal(t, "done", m.JoinedText())
		assert.Equal(t, "msg_01", m.MetaString(message.MetaMessageID))
	case <-time.After(time.Second):
		t.Fatal("no message translated")
	}
}

func TestSessionInitTranslation(t *testing.T) {
	a := New(newTestLogger(t))
	sess, sock := connectWithSocket(t, a, "s1", adapter.ConnectOptions{})
	defer sess.Close()

	sock.receive(t, `{"type":"system","subtype":"init","session_id":"cli-abc","cwd":"/work","model":"opus","permissionMode":"default","tools":["Bash","Edit"],"slash_commands":["compact"],"mcp_servers":[{"name":"relay","status":"connected"}]}`)

	select {
	case m := <-sess.Messages():
		assert.Equal(t, message.TypeSessionInit, m.Type)
		assert.Equal(t, "cli-abc", m.MetaString(message.MetaBackendSessionID))
		assert.Equal(t, "/work", m.MetaString(message.MetaCwd))
		assert.Equal(t, "opus", m.MetaString(message.MetaModel))
	case <-time.After(time.Second):
		t.Fatal("no session_init translated")
	}
}

type allowGate struct {
	mu    sync.Mutex
	calls []string
}

func (g *allowGate) CanUseTool(_ context.Context, _ string, toolName string, input map[string]any, _ adapter.PermissionOptions) adapter.PermissionDecision {
	g.mu.Lock()
	g.calls = append(g.calls, toolName)
	g.mu.Unlock()
	return adapter.PermissionDecision{Behavior: "allow", UpdatedInput: input}
}

func TestCanUseToolFlowsThroughGate(t *testing.T) {
	a := New(newTestLogger(t))
	gate := &allowGate{}
	sess, sock := connectWithSocket(t, a, "s1", adapter.ConnectOptions{Permissions: gate})
	defer sess.Close()

	sock.receive(t, `{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"},"tool_use_id":"tu-1"}}`)

	require.Eventually(t, func() bool {
		return len(sock.sent()) == 1
	}, time.Second, 5*time.Millisecond)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(sock.sent()[0], &wire))
	assert.Equal(t, "control_response", wire["type"])
	resp := wire["response"].(map[string]any)
	assert.Equal(t, "success", resp["subtype"])
	result := resp["result"].(map[string]any)
	assert.Equal(t, "allow", result["behavior"])

	gate.mu.Lock()
	defer gate.mu.Unlock()
	assert.Equal(t, []string{"Bash"}, gate.calls)
}

func TestResultTranslation(t *testing.T) {
	a := New(newTestLogger(t))
	sess, sock := connectWithSocket(t, a, "s1", adapter.ConnectOptions{})
	defer sess.Close()

	sock.receive(t, `{"type":"result","result":"all done","is_error":false,"num_turns":3,"total_cost_usd":0.42}`)

	select {
	case m := <-sess.Messages():
		assert.Equal(t, message.TypeResult, m.Type)
		assert.Equal(t, "all done", m.JoinedText())
		turns, ok := m.MetaInt(message.MetaNumTurns)
		require.True(t, ok)
		assert.Equal(t, 3, turns)
		assert.False(t, m.MetaBool(message.MetaIsError))
	case <-time.After(time.Second):
		t.Fatal("no result translated")
	}
}

func TestSendAfterClose(t *testing.T) {
	a := New(newTestLogger(t))
	sess, sock := connectWithSocket(t, a, "s1", adapter.ConnectOptions{})

	require.NoError(t, sess.Close())
	assert.True(t, sock.wasClosed())
	err := sess.Send(message.New(message.TypeUserMessage, message.RoleUser, message.Text("late")))
	assert.ErrorIs(t, err, adapter.ErrSessionClosed)
}
