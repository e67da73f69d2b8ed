package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/pkg/protocol"
)

func TestNormalizeInboundUserMessage(t *testing.T) {
	in := &protocol.Inbound{
		Type:    protocol.InUserMessage,
		Content: "hi",
		Images:  []protocol.ImageAttachment{{MediaType: "image/png", Data: "aGk="}},
	}

	m := NormalizeInbound(in)
	require.NotNil(t, m)
	assert.Equal(t, TypeUserMessage, m.Type)
	assert.Equal(t, RoleUser, m.Role)
	require.Len(t, m.Content, 2)
	assert.Equal(t, Text("hi"), m.Content[0])
	assert.Equal(t, Image("image/png", "aGk="), m.Content[1])
}

func TestNormalizeInboundPermissionResponse(t *testing.T) {
	in := &protocol.Inbound{
		Type:         protocol.InPermissionResponse,
		RequestID:    "p1",
		Behavior:     protocol.BehaviorAllow,
		UpdatedInput: map[string]any{"command": "ls"},
	}

	m := NormalizeInbound(in)
	require.NotNil(t, m)
	assert.Equal(t, TypePermissionResponse, m.Type)
	assert.Equal(t, "p1", m.MetaString(MetaRequestID))
	assert.Equal(t, "allow", m.MetaString(MetaBehavior))
	assert.Equal(t, map[string]any{"command": "ls"}, m.MetaMap(MetaUpdatedInput))
}

func TestNormalizeInboundLocalFramesHaveNoUnifiedForm(t *testing.T) {
	for _, frameType := range []string{
		protocol.InPresenceQuery,
		protocol.InSlashCommand,
		protocol.InQueueMessage,
		protocol.InSetAdapter,
	} {
		assert.Nil(t, NormalizeInbound(&protocol.Inbound{Type: frameType}), frameType)
	}
}

// Round-trip law: normalizing a rendered command message reproduces it,
// modulo the fresh id and timestamp every envelope gets.
func TestInboundRoundTrip(t *testing.T) {
	messages := []*Message{
		New(TypeUserMessage, RoleUser, Text("hello"), Image("image/png", "ZGF0YQ==")),
		func() *Message {
			m := New(TypePermissionResponse, RoleUser)
			m.SetMeta(MetaRequestID, "r1")
			m.SetMeta(MetaBehavior, "deny")
			m.SetMeta(MetaDenyMessage, "nope")
			return m
		}(),
		New(TypeInterrupt, RoleUser),
		func() *Message {
			m := New(TypeSetModel, RoleUser)
			m.SetMeta(MetaModel, "opus")
			return m
		}(),
		func() *Message {
			m := New(TypeSetPermissionMode, RoleUser)
			m.SetMeta(MetaPermissionMode, "plan")
			return m
		}(),
	}

	for _, original := range messages {
		t.Run(original.Type, func(t *testing.T) {
			rendered := RenderInbound(original)
			require.NotNil(t, rendered)
			require.NoError(t, rendered.Validate())

			back := NormalizeInbound(rendered)
			require.NotNil(t, back)
			assert.Equal(t, original.Type, back.Type)
			assert.Equal(t, original.Role, back.Role)
			assert.True(t, ContentEqual(original.Content, back.Content))
			assert.Equal(t, original.Metadata, back.Metadata)
		})
	}
}
