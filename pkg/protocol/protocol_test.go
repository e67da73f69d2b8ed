package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"user message", `{"type":"user_message","content":"hi"}`, false},
		{"user message images only", `{"type":"user_message","images":[{"media_type":"image/png","data":"aGk="}]}`, false},
		{"user message empty", `{"type":"user_message"}`, true},
		{"permission allow", `{"type":"permission_response","request_id":"p1","behavior":"allow"}`, false},
		{"permission bad behavior", `{"type":"permission_response","request_id":"p1","behavior":"maybe"}`, true},
		{"permission missing id", `{"type":"permission_response","behavior":"deny"}`, true},
		{"interrupt", `{"type":"interrupt"}`, false},
		{"presence query", `{"type":"presence_query"}`, false},
		{"set model", `{"type":"set_model","model":"opus"}`, false},
		{"set model empty", `{"type":"set_model"}`, true},
		{"set permission mode", `{"type":"set_permission_mode","mode":"plan"}`, false},
		{"slash command", `{"type":"slash_command","command":"/help"}`, false},
		{"slash command empty", `{"type":"slash_command"}`, true},
		{"queue message", `{"type":"queue_message","content":"follow"}`, false},
		{"cancel queued", `{"type":"cancel_queued_message"}`, false},
		{"update queued empty", `{"type":"update_queued_message"}`, true},
		{"set adapter", `{"type":"set_adapter","adapter":"codex"}`, false},
		{"no type", `{"content":"hi"}`, true},
		{"unknown type", `{"type":"launch_missiles"}`, true},
		{"not json", `{{`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInbound([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParticipantOnly(t *testing.T) {
	for _, msgType := range []string{
		InUserMessage, InPermissionResponse, InInterrupt, InSetModel,
		InSetPermissionMode, InSlashCommand, InSetAdapter, InQueueMessage,
		InUpdateQueuedMessage, InCancelQueuedMessage,
	} {
		assert.True(t, ParticipantOnly(msgType), msgType)
	}
	assert.False(t, ParticipantOnly(InPresenceQuery))
}

func TestOutboundMarshal(t *testing.T) {
	frame := NewOutbound(OutStatusChange, map[string]any{"status": "idle"})
	data, err := frame.Encode()
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Equal(t, "status_change", obj["type"])
	assert.Equal(t, "idle", obj["status"])
}

func TestOutboundMarshalTypeWins(t *testing.T) {
	// A payload key named "type" must not shadow the frame type.
	frame := NewOutbound(OutError, map[string]any{"type": "sneaky", "message": "boom"})
	data, err := frame.Encode()
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Equal(t, "error", obj["type"])
	assert.Equal(t, "boom", obj["message"])
}

func TestOutboundRoundTrip(t *testing.T) {
	frame := NewOutbound(OutSessionNameUpdate, map[string]any{"name": "fix the tests"})
	data, err := frame.Encode()
	require.NoError(t, err)

	var decoded Outbound
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, OutSessionNameUpdate, decoded.Type)
	assert.Equal(t, "fix the tests", decoded.Fields["name"])
}
