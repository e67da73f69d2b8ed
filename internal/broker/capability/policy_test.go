package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/pkg/claudewire"
)

type stubBackend struct {
	resp *claudewire.InitializeResponse
	err  error
}

func (s *stubBackend) SessionID() string                 { return "s-1" }
func (s *stubBackend) Send(*message.Message) error       { return nil }
func (s *stubBackend) SendRaw(string) error              { return nil }
func (s *stubBackend) Messages() <-chan *message.Message { return nil }
func (s *stubBackend) Close() error                      { return nil }

func (s *stubBackend) Initialize(ctx context.Context, timeout time.Duration) (*claudewire.InitializeResponse, error) {
	return s.resp, s.err
}

func testPolicy(t *testing.T) *Policy {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	return NewPolicy(time.Second, log)
}

func TestFetchParsesInitializeResponse(t *testing.T) {
	backend := &stubBackend{
		resp: &claudewire.InitializeResponse{
			Commands: []claudewire.CommandInfo{{Name: "compact", Description: "Compact the conversation"}},
			Models:   []claudewire.ModelInfo{{ID: "default", DisplayName: "Default"}},
			Account:  map[string]any{"email": "dev@example.com"},
		},
	}

	caps, timedOut := testPolicy(t).Fetch(context.Background(), "s-1", backend)
	require.NotNil(t, caps)
	assert.False(t, timedOut)
	require.Len(t, caps.Commands, 1)
	assert.Equal(t, "compact", caps.Commands[0].Name)
	require.Len(t, caps.Models, 1)
	assert.Equal(t, "default", caps.Models[0].ID)
	assert.Equal(t, "dev@example.com", caps.Account["email"])
}

func TestFetchHandshakeFailure(t *testing.T) {
	backend := &stubBackend{err: errors.New("control request timed out")}

	caps, timedOut := testPolicy(t).Fetch(context.Background(), "s-1", backend)
	assert.Nil(t, caps)
	assert.True(t, timedOut)
}

func TestFetchSkipsBackendsWithoutHandshake(t *testing.T) {
	caps, timedOut := testPolicy(t).Fetch(context.Background(), "s-1", nonInitializer{})
	assert.Nil(t, caps)
	assert.False(t, timedOut)
}

type nonInitializer struct{}

func (nonInitializer) SessionID() string                 { return "s-1" }
func (nonInitializer) Send(*message.Message) error       { return nil }
func (nonInitializer) SendRaw(string) error              { return nil }
func (nonInitializer) Messages() <-chan *message.Message { return nil }
func (nonInitializer) Close() error                      { return nil }

func TestFromMetadata(t *testing.T) {
	m := message.New(message.TypeSessionInit, message.RoleSystem)
	m.SetMeta(message.MetaModels, []map[string]any{
		{"id": "gpt-5.3-codex", "display_name": "GPT-5.3 Codex"},
	})
	m.SetMeta(message.MetaAccount, map[string]any{"plan": "pro"})

	caps, ok := FromMetadata(m)
	require.True(t, ok)
	require.Len(t, caps.Models, 1)
	assert.Equal(t, "gpt-5.3-codex", caps.Models[0].ID)
	assert.Equal(t, "pro", caps.Account["plan"])
	assert.Empty(t, caps.Commands)
}

func TestFromMetadataAbsent(t *testing.T) {
	m := message.New(message.TypeSessionInit, message.RoleSystem)
	caps, ok := FromMetadata(m)
	assert.False(t, ok)
	assert.Nil(t, caps)
}

func TestFromMetadataJSONDecodedShapes(t *testing.T) {
	m := message.New(message.TypeSessionInit, message.RoleSystem)
	m.SetMeta(message.MetaCommands, []any{
		map[string]any{"name": "help", "description": "List commands"},
	})

	caps, ok := FromMetadata(m)
	require.True(t, ok)
	require.Len(t, caps.Commands, 1)
	assert.Equal(t, "help", caps.Commands[0].Name)
}
