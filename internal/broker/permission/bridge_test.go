package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/message"
)

type recordingEmitter struct {
	mu        sync.Mutex
	requests  []*message.Message
	cancelled []string // request ids
	reasons   []string
}

func (r *recordingEmitter) EmitPermissionRequest(sessionID string, msg *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, msg)
}

func (r *recordingEmitter) EmitPermissionCancelled(sessionID, requestID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, requestID)
	r.reasons = append(r.reasons, reason)
}

func (r *recordingEmitter) lastRequestID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		return ""
	}
	return r.requests[len(r.requests)-1].MetaString(message.MetaRequestID)
}

func testBridge(t *testing.T, timeout time.Duration) (*Bridge, *recordingEmitter) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	emitter := &recordingEmitter{}
	return NewBridge(emitter, timeout, log), emitter
}

func TestResolveAllow(t *testing.T) {
	bridge, emitter := testBridge(t, time.Second)

	done := make(chan adapter.PermissionDecision, 1)
	go func() {
		done <- bridge.CanUseTool(context.Background(), "s-1", "Bash",
			map[string]any{"command": "ls"}, adapter.PermissionOptions{ToolUseID: "tu-1"})
	}()

	var requestID string
	require.Eventually(t, func() bool {
		requestID = emitter.lastRequestID()
		return requestID != ""
	}, time.Second, 5*time.Millisecond)

	req := emitter.requests[0]
	assert.Equal(t, message.TypePermissionRequest, req.Type)
	assert.Equal(t, "can_use_tool", req.MetaString(message.MetaSubtype))
	assert.Equal(t, "Bash", req.MetaString(message.MetaToolName))
	assert.Equal(t, "tu-1", req.MetaString(message.MetaToolUseID))

	ok := bridge.Resolve(requestID, adapter.PermissionDecision{
		Behavior:     "allow",
		UpdatedInput: map[string]any{"command": "ls -la"},
	})
	require.True(t, ok)

	decision := <-done
	assert.Equal(t, "allow", decision.Behavior)
	assert.Equal(t, "ls -la", decision.UpdatedInput["command"])
	assert.Equal(t, 0, bridge.Pending())
}

func TestTimeoutDenies(t *testing.T) {
	bridge, emitter := testBridge(t, 30*time.Millisecond)

	decision := bridge.CanUseTool(context.Background(), "s-1", "Write", nil, adapter.PermissionOptions{})
	assert.Equal(t, "deny", decision.Behavior)
	assert.Equal(t, "Permission request timed out", decision.Message)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	require.Len(t, emitter.cancelled, 1)
	assert.Equal(t, "Permission request timed out", emitter.reasons[0])
}

func TestResolveUnknownRequest(t *testing.T) {
	bridge, _ := testBridge(t, time.Second)
	assert.False(t, bridge.Resolve("nope", adapter.PermissionDecision{Behavior: "allow"}))
}

func TestCancelSessionDeniesAllPending(t *testing.T) {
	bridge, emitter := testBridge(t, 5*time.Second)

	results := make(chan adapter.PermissionDecision, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- bridge.CanUseTool(context.Background(), "s-1", "Bash", nil, adapter.PermissionOptions{})
		}()
	}
	require.Eventually(t, func() bool { return bridge.Pending() == 2 }, time.Second, 5*time.Millisecond)

	// An unrelated session's request survives.
	otherDone := make(chan adapter.PermissionDecision, 1)
	go func() {
		otherDone <- bridge.CanUseTool(context.Background(), "s-2", "Bash", nil, adapter.PermissionOptions{})
	}()
	require.Eventually(t, func() bool { return bridge.Pending() == 3 }, time.Second, 5*time.Millisecond)

	bridge.CancelSession("s-1")

	for i := 0; i < 2; i++ {
		d := <-results
		assert.Equal(t, "deny", d.Behavior)
		assert.Equal(t, "Session closed", d.Message)
	}
	assert.Equal(t, 1, bridge.Pending())

	emitter.mu.Lock()
	assert.Len(t, emitter.cancelled, 2)
	assert.Equal(t, []string{"Session closed", "Session closed"}, emitter.reasons)
	emitter.mu.Unlock()

	select {
	case <-otherDone:
		t.Fatal("unrelated session request should still be pending")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestContextCancelDenies(t *testing.T) {
	bridge, _ := testBridge(t, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan adapter.PermissionDecision, 1)
	go func() {
		done <- bridge.CanUseTool(ctx, "s-1", "Bash", nil, adapter.PermissionOptions{})
	}()
	require.Eventually(t, func() bool { return bridge.Pending() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	d := <-done
	assert.Equal(t, "deny", d.Behavior)
	assert.Equal(t, "Session closed", d.Message)
}
