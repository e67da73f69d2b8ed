package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/broker/capability"
	"github.com/agentrelay/agentrelay/internal/broker/permission"
	"github.com/agentrelay/agentrelay/internal/broker/runtime"
	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/broker/slash"
	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/pkg/protocol"
)

type nullEmitter struct{}

func (nullEmitter) EmitPermissionRequest(string, *message.Message) {}
func (nullEmitter) EmitPermissionCancelled(string, string, string) {}

type fixedSource struct {
	rt *runtime.Runtime
}

func (f *fixedSource) Runtime(sessionID string) (*runtime.Runtime, bool) {
	if f.rt != nil && f.rt.Session().ID == sessionID {
		return f.rt, true
	}
	return nil, false
}

func (f *fixedSource) SessionName(string) string { return "test session" }

type roleAuthenticator struct {
	role string
}

func (a *roleAuthenticator) Authenticate(ctx context.Context, token string) (*session.Identity, error) {
	return &session.Identity{UserID: "u-" + a.role, DisplayName: a.role, Role: a.role}, nil
}

type testServer struct {
	srv *httptest.Server
	rt  *runtime.Runtime
	s   *session.Session
}

func newTestServer(t *testing.T, auth Authenticator, cfg config.ConsumerConfig) *testServer {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	fanout := NewFanout(log)
	s := session.New("s-1")
	rt := runtime.New(s, runtime.Deps{
		Broadcaster:  fanout,
		Bridge:       permission.NewBridge(nullEmitter{}, time.Second, log),
		Slash:        slash.NewService(log),
		Capabilities: capability.NewPolicy(time.Second, log),
		Persist:      func(*session.Session) {},
		Emit:         func(string, string, map[string]any) {},
		Logger:       log,
	})

	g := New(&fixedSource{rt: rt}, fanout, auth, cfg, func(string, string, map[string]any) {}, log)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws/sessions/:id", g.HandleConsumer)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, rt: rt, s: s}
}

func (ts *testServer) dial(t *testing.T, sessionID, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/sessions/" + sessionID + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func readUntil(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("never received %s frame", frameType)
	return nil
}

func TestJoinReplayOrder(t *testing.T) {
	ts := newTestServer(t, nil, config.ConsumerConfig{})
	ts.s.AppendHistory(message.New(message.TypeAssistant, message.RoleAssistant, message.Text("earlier")), 100)
	ts.s.State.Capabilities = &session.Capabilities{
		Commands: []session.Command{{Name: "compact"}},
	}

	conn := ts.dial(t, "s-1", "")

	var got []string
	for i := 0; i < 6; i++ {
		frame := readFrame(t, conn)
		got = append(got, frame["type"].(string))
	}
	assert.Equal(t, []string{
		protocol.OutIdentity,
		protocol.OutSessionInit,
		protocol.OutMessageHistory,
		protocol.OutCapabilitiesReady,
		protocol.OutPresenceUpdate,
		protocol.OutCLIDisconnected,
	}, got)
}

func TestJoinReplaySessionView(t *testing.T) {
	ts := newTestServer(t, nil, config.ConsumerConfig{})
	conn := ts.dial(t, "s-1", "")

	identity := readFrame(t, conn)
	assert.Equal(t, protocol.OutIdentity, identity["type"])
	assert.True(t, strings.HasPrefix(identity["userId"].(string), "anonymous-"))
	assert.Equal(t, session.RoleParticipant, identity["role"])

	init := readFrame(t, conn)
	assert.Equal(t, protocol.OutSessionInit, init["type"])
	assert.Equal(t, protocol.Version, init["protocol_version"])
	view := init["session"].(map[string]any)
	assert.Equal(t, "s-1", view["id"])
	assert.Equal(t, "test session", view["name"])
}

func TestUnknownSessionCloses4404(t *testing.T) {
	ts := newTestServer(t, nil, config.ConsumerConfig{})
	conn := ts.dial(t, "nope", "")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.CloseSessionNotFound, closeErr.Code)
}

func TestStaticTokenMismatchCloses4001(t *testing.T) {
	ts := newTestServer(t, nil, config.ConsumerConfig{AuthToken: "secret"})
	conn := ts.dial(t, "s-1", "?token=wrong")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.CloseAuthFailed, closeErr.Code)
}

func TestStaticTokenMatchAdmits(t *testing.T) {
	ts := newTestServer(t, nil, config.ConsumerConfig{AuthToken: "secret"})
	conn := ts.dial(t, "s-1", "?token=secret")
	frame := readFrame(t, conn)
	assert.Equal(t, protocol.OutIdentity, frame["type"])
}

func TestObserverBlockedFromParticipantFrames(t *testing.T) {
	ts := newTestServer(t, &roleAuthenticator{role: session.RoleObserver}, config.ConsumerConfig{})
	conn := ts.dial(t, "s-1", "")
	readUntil(t, conn, protocol.OutCLIDisconnected)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "user_message", "content": "hi",
	}))
	frame := readUntil(t, conn, protocol.OutError)
	assert.Equal(t, "Observers cannot send user_message messages", frame["message"])
	assert.Empty(t, ts.s.MessageHistory)
}

func TestObserverMayQueryPresence(t *testing.T) {
	ts := newTestServer(t, &roleAuthenticator{role: session.RoleObserver}, config.ConsumerConfig{})
	conn := ts.dial(t, "s-1", "")
	readUntil(t, conn, protocol.OutCLIDisconnected)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "presence_query"}))
	frame := readUntil(t, conn, protocol.OutPresenceUpdate)
	consumers := frame["consumers"].([]any)
	assert.Len(t, consumers, 1)
}

func TestRateLimitSendsError(t *testing.T) {
	cfg := config.ConsumerConfig{
		RateLimit: config.RateLimitConfig{TokensPerSecond: 0.001, BurstSize: 1},
	}
	ts := newTestServer(t, nil, cfg)
	conn := ts.dial(t, "s-1", "")
	readUntil(t, conn, protocol.OutCLIDisconnected)

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "presence_query"}))
	}
	frame := readUntil(t, conn, protocol.OutError)
	assert.Contains(t, frame["message"], "Rate limit")
}

func TestUserMessageDispatchesToRuntime(t *testing.T) {
	ts := newTestServer(t, nil, config.ConsumerConfig{})
	conn := ts.dial(t, "s-1", "")
	readUntil(t, conn, protocol.OutCLIDisconnected)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "user_message", "content": "hello backend",
	}))
	frame := readUntil(t, conn, protocol.OutUserMessage)
	m := frame["message"].(map[string]any)
	assert.Equal(t, "user_message", m["type"])

	require.Eventually(t, func() bool {
		return len(ts.s.MessageHistory) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, message.StatusRunning, ts.s.LastStatus)
}

func TestMalformedFrameDropped(t *testing.T) {
	ts := newTestServer(t, nil, config.ConsumerConfig{})
	conn := ts.dial(t, "s-1", "")
	readUntil(t, conn, protocol.OutCLIDisconnected)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	// Connection stays up and the next valid frame is served.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "presence_query"}))
	readUntil(t, conn, protocol.OutPresenceUpdate)
}

func TestSecondConsumerSeesPresence(t *testing.T) {
	ts := newTestServer(t, nil, config.ConsumerConfig{})
	first := ts.dial(t, "s-1", "")
	readUntil(t, first, protocol.OutCLIDisconnected)

	second := ts.dial(t, "s-1", "")
	frame := readUntil(t, second, protocol.OutPresenceUpdate)
	consumers := frame["consumers"].([]any)
	assert.Len(t, consumers, 2)

	// The first consumer hears about the join too.
	frame = readUntil(t, first, protocol.OutPresenceUpdate)
	consumers = frame["consumers"].([]any)
	assert.Len(t, consumers, 2)
}
