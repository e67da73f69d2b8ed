package acp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/common/logger"
)

// client implements acpsdk.Client: it answers agent-initiated requests for
// permissions, file access, and terminals. Session updates and permission
// decisions are forwarded to the owning Session.
type client struct {
	sessionID string
	cwd       string
	gate      adapter.PermissionGate
	onUpdate  func(n acpsdk.SessionNotification)
	logger    *logger.Logger
}

var _ acpsdk.Client = (*client)(nil)

// RequestPermission resolves an agent permission request through the gate
// and maps the decision back onto the offered options.
func (c *client) RequestPermission(ctx context.Context, p acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	if len(p.Options) == 0 {
		return cancelledOutcome(), nil
	}

	toolName := ""
	if p.ToolCall.Kind != nil {
		toolName = string(*p.ToolCall.Kind)
	}
	input := map[string]any{}
	if p.ToolCall.Title != nil {
		input["title"] = *p.ToolCall.Title
		if toolName == "" {
			toolName, _, _ = strings.Cut(*p.ToolCall.Title, " ")
		}
	}
	if p.ToolCall.RawInput != nil {
		input["raw_input"] = p.ToolCall.RawInput
	}

	decision := adapter.PermissionDecision{Behavior: "allow"}
	if c.gate != nil {
		decision = c.gate.CanUseTool(ctx, c.sessionID, toolName, input, adapter.PermissionOptions{
			ToolUseID: string(p.ToolCall.ToolCallId),
		})
	}

	if decision.Behavior == "allow" {
		if opt := pickOption(p.Options, true); opt != nil {
			return selectedOutcome(opt.OptionId), nil
		}
		return selectedOutcome(p.Options[0].OptionId), nil
	}
	if opt := pickOption(p.Options, false); opt != nil {
		return selectedOutcome(opt.OptionId), nil
	}
	return cancelledOutcome(), nil
}

func pickOption(options []acpsdk.PermissionOption, allow bool) *acpsdk.PermissionOption {
	for i := range options {
		opt := &options[i]
		isAllow := opt.Kind == acpsdk.PermissionOptionKindAllowOnce || opt.Kind == acpsdk.PermissionOptionKindAllowAlways
		if isAllow == allow {
			return opt
		}
	}
	return nil
}

func selectedOutcome(id acpsdk.PermissionOptionId) acpsdk.RequestPermissionResponse {
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.RequestPermissionOutcome{
			Selected: &acpsdk.RequestPermissionOutcomeSelected{OptionId: id},
		},
	}
}

func cancelledOutcome() acpsdk.RequestPermissionResponse {
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.RequestPermissionOutcome{
			Cancelled: &acpsdk.RequestPermissionOutcomeCancelled{},
		},
	}
}

// SessionUpdate forwards agent notifications to the session translator.
func (c *client) SessionUpdate(_ context.Context, n acpsdk.SessionNotification) error {
	if c.onUpdate != nil {
		c.onUpdate(n)
	}
	return nil
}

// ReadTextFile serves agent file reads with optional line windows.
func (c *client) ReadTextFile(_ context.Context, p acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	b, err := os.ReadFile(p.Path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, err
	}
	content := string(b)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = min(*p.Line-1, len(lines))
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acpsdk.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile serves agent file writes, creating directories as needed.
func (c *client) WriteTextFile(_ context.Context, p acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acpsdk.WriteTextFileResponse{}, err
		}
	}
	return acpsdk.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

// The agent's terminal surface is not bridged; the relay's own launcher
// owns subprocess execution. These answer with inert handles so agents
// that probe the capability do not wedge.

func (c *client) CreateTerminal(_ context.Context, p acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	c.logger.Debug("terminal create not bridged", zap.String("command", p.Command))
	return acpsdk.CreateTerminalResponse{TerminalId: "tty-0"}, nil
}

func (c *client) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, nil
}

func (c *client) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{Output: "", Truncated: false}, nil
}

func (c *client) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, nil
}

func (c *client) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	exitCode := 0
	return acpsdk.WaitForTerminalExitResponse{ExitCode: &exitCode}, nil
}
