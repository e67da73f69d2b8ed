package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/broker/runtime"
	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/common/logger"
)

// SessionDirectory is the manager surface the tools operate on.
type SessionDirectory interface {
	List() []*session.Session
	Get(sessionID string) *session.Session
	Runtime(sessionID string) (*runtime.Runtime, bool)
	SessionName(sessionID string) string
}

// mcpIdentity attributes injected messages to the MCP surface rather
// than a human consumer.
var mcpIdentity = session.Identity{
	UserID:      "mcp",
	DisplayName: "MCP",
	Role:        session.RoleParticipant,
}

func registerTools(s *server.MCPServer, dir SessionDirectory, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List all live agent sessions with their id, name, adapter, and status. Use this first to get session IDs for other operations."),
		),
		listSessionsHandler(dir),
	)

	s.AddTool(
		mcp.NewTool("get_session",
			mcp.WithDescription("Get the full state of one session: model, working directory, permission mode, pending permissions, and connected consumers."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to inspect"),
			),
		),
		getSessionHandler(dir),
	)

	s.AddTool(
		mcp.NewTool("send_user_message",
			mcp.WithDescription("Send a user message into a session. The message is delivered to the backend agent as if a consumer had typed it."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to send into"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message content"),
			),
		),
		sendUserMessageHandler(dir, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 3))
}

type sessionSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Adapter   string `json:"adapter"`
	Status    string `json:"status"`
	Phase     string `json:"phase"`
	Consumers int    `json:"consumers"`
}

func listSessionsHandler(dir SessionDirectory) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessions := dir.List()
		out := make([]sessionSummary, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, sessionSummary{
				ID:        s.ID,
				Name:      dir.SessionName(s.ID),
				Adapter:   s.AdapterName,
				Status:    s.LastStatus,
				Phase:     string(s.Lifecycle.Phase()),
				Consumers: s.ConsumerCount(),
			})
		}

		formatted, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to encode sessions: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func getSessionHandler(dir SessionDirectory) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		s := dir.Get(sessionID)
		if s == nil {
			return mcp.NewToolResultError(fmt.Sprintf("no session with id %s", sessionID)), nil
		}

		detail := map[string]interface{}{
			"id":                  s.ID,
			"name":                dir.SessionName(s.ID),
			"adapter":             s.AdapterName,
			"status":              s.LastStatus,
			"phase":               s.Lifecycle.Phase(),
			"cwd":                 s.State.Cwd,
			"model":               s.State.Model,
			"permission_mode":     s.State.PermissionMode,
			"consumers":           s.Identities(),
			"history_length":      len(s.MessageHistory),
			"pending_permissions": s.PendingPermissionList(),
			"backend_session_id":  s.BackendSessionID,
		}
		if s.State.Git != nil {
			detail["git"] = s.State.Git
		}

		formatted, err := json.MarshalIndent(detail, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to encode session: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func sendUserMessageHandler(dir SessionDirectory, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		rt, ok := dir.Runtime(sessionID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("no session with id %s", sessionID)), nil
		}

		log.Debug("injecting user message via MCP", zap.String("session_id", sessionID))
		rt.SendUserMessage(&session.Consumer{ID: "mcp", Identity: mcpIdentity}, content, nil)
		return mcp.NewToolResultText("Message sent."), nil
	}
}
