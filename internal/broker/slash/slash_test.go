package slash

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/pkg/protocol"
)

type fakeExecutor struct {
	claimed bool
	result  string
	err     error
}

func (f *fakeExecutor) ExecuteSlash(ctx context.Context, sessionID, command string) (string, bool, error) {
	return f.result, f.claimed, f.err
}

func testService(t *testing.T) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	return NewService(log)
}

func TestSplit(t *testing.T) {
	tests := []struct {
		command string
		name    string
		args    string
	}{
		{"/help", "help", ""},
		{"/model claude-opus", "model", "claude-opus"},
		{"/compact  keep recent context ", "compact", "keep recent context"},
		{"status", "status", ""},
	}
	for _, tt := range tests {
		name, args := Split(tt.command)
		assert.Equal(t, tt.name, name, tt.command)
		assert.Equal(t, tt.args, args, tt.command)
	}
}

func TestIsCommand(t *testing.T) {
	assert.True(t, IsCommand("/help"))
	assert.False(t, IsCommand("hello /world"))
	assert.False(t, IsCommand("/"))
	assert.False(t, IsCommand(""))
}

func TestAdapterTierWins(t *testing.T) {
	svc := testService(t)
	s := session.New("s-1")
	s.SlashExecutor = &fakeExecutor{claimed: true, result: "compacted"}
	s.SupportsSlashPassthrough = true

	out := svc.Execute(context.Background(), s, "/compact", "")
	assert.Equal(t, protocol.SlashSourceAdapter, out.Source)
	assert.Equal(t, "compacted", out.Result)
	assert.Nil(t, out.Passthrough)
}

func TestAdapterTierFailure(t *testing.T) {
	svc := testService(t)
	s := session.New("s-1")
	s.SlashExecutor = &fakeExecutor{claimed: true, err: errors.New("backend busy")}

	out := svc.Execute(context.Background(), s, "/compact", "")
	assert.Equal(t, protocol.SlashSourceAdapter, out.Source)
	assert.Error(t, out.Err)
}

func TestUnclaimedFallsThroughToEmulated(t *testing.T) {
	svc := testService(t)
	s := session.New("s-1")
	s.SlashExecutor = &fakeExecutor{claimed: false}
	s.State.SlashCommands = []string{"compact", "review"}
	svc.Rebuild(s.ID, s.State)

	out := svc.Execute(context.Background(), s, "/help", "")
	assert.Equal(t, protocol.SlashSourceEmulated, out.Source)
	assert.Contains(t, out.Result, "/compact")
	assert.Contains(t, out.Result, "/review")
}

func TestClearEmptiesHistory(t *testing.T) {
	svc := testService(t)
	s := session.New("s-1")
	s.AppendHistory(message.New(message.TypeUserMessage, message.RoleUser, message.Text("one")), 100)
	s.AppendHistory(message.New(message.TypeAssistant, message.RoleAssistant, message.Text("two")), 100)

	out := svc.Execute(context.Background(), s, "/clear", "")
	assert.Equal(t, protocol.SlashSourceEmulated, out.Source)
	assert.Equal(t, "Cleared 2 messages from history.", out.Result)
	assert.Empty(t, s.MessageHistory)
}

func TestPassthroughDescriptor(t *testing.T) {
	svc := testService(t)
	s := session.New("s-1")
	s.SupportsSlashPassthrough = true

	out := svc.Execute(context.Background(), s, "/review src/main.go", "req-7")
	assert.Equal(t, protocol.SlashSourceCLI, out.Source)
	require.NotNil(t, out.Passthrough)
	assert.Equal(t, "/review src/main.go", out.Passthrough.Command)
	assert.Equal(t, "req-7", out.Passthrough.SlashRequestID)
	assert.NotEmpty(t, out.Passthrough.RequestID)
	assert.NotZero(t, out.Passthrough.StartedAtMs)
}

func TestUnknownCommandWithoutPassthrough(t *testing.T) {
	svc := testService(t)
	s := session.New("s-1")

	out := svc.Execute(context.Background(), s, "/bogus", "")
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "bogus")
}

func TestRegistryRebuildAndEnrich(t *testing.T) {
	svc := testService(t)
	state := session.State{SlashCommands: []string{"compact"}, Skills: []string{"web-search"}}
	svc.Rebuild("s-1", state)

	commands := svc.Commands("s-1")
	require.Len(t, commands, 2)
	assert.Equal(t, "compact", commands[0].Name)
	assert.Equal(t, "web-search", commands[1].Name)

	svc.Enrich("s-1", []session.Command{
		{Name: "compact", Description: "Compact the conversation"},
		{Name: "review", Description: "Review code"},
	})
	commands = svc.Commands("s-1")
	require.Len(t, commands, 3)
	assert.Equal(t, "Compact the conversation", commands[0].Description)

	svc.Drop("s-1")
	assert.Empty(t, svc.Commands("s-1"))
}

func TestStripLocalOutput(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"<local-command-stdout>output here</local-command-stdout>", "output here"},
		{"prefix <local-command-stdout>\nwrapped\n</local-command-stdout> suffix", "wrapped"},
		{"<local-command-stdout>unterminated", "unterminated"},
		{"plain text", "plain text"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripLocalOutput(tt.in))
	}
}
