// Package claudewire provides types and a correlating client for the Claude
// Code stream-json protocol. The CLI emits one JSON object per line on its
// side of the transport; control requests flow in both directions and are
// matched by request id.
package claudewire

import "encoding/json"

// Wire message types.
const (
	MessageTypeSystem          = "system"
	MessageTypeAssistant       = "assistant"
	MessageTypeUser            = "user"
	MessageTypeResult          = "result"
	MessageTypeStreamEvent     = "stream_event"
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	SubtypeInit              = "init"
	SubtypeCanUseTool        = "can_use_tool"
	SubtypeInitialize        = "initialize"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetPermissionMode = "set_permission_mode"
	SubtypeSetModel          = "set_model"
	SubtypeHookCallback      = "hook_callback"
)

// Control response subtypes.
const (
	ResponseSuccess = "success"
	ResponseError   = "error"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Message is one line of the stream-json protocol. The Type field
// determines which of the remaining fields are populated.
type Message struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// Session identity; present on system init and most later messages.
	SessionID     string `json:"session_id,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`

	// For system init messages
	Cwd            string         `json:"cwd,omitempty"`
	Model          string         `json:"model,omitempty"`
	PermissionMode string         `json:"permissionMode,omitempty"`
	Tools          []string       `json:"tools,omitempty"`
	SlashCommands  []string       `json:"slash_commands,omitempty"`
	Skills         []string       `json:"skills,omitempty"`
	MCPServers     []MCPServer    `json:"mcp_servers,omitempty"`
	Version        string         `json:"version,omitempty"`
	Capabilities   map[string]any `json:"capabilities,omitempty"`

	// For assistant and user messages
	Message         *ChatMessage `json:"message,omitempty"`
	ParentToolUseID string       `json:"parent_tool_use_id,omitempty"`

	// For stream_event messages
	Event json.RawMessage `json:"event,omitempty"`

	// For control traffic
	RequestID string           `json:"request_id,omitempty"`
	Request   *ControlRequest  `json:"request,omitempty"`
	Response  *ControlResponse `json:"response,omitempty"`

	// For result messages. Result is either a string or an object.
	Result        json.RawMessage `json:"result,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	DurationAPIMS int64           `json:"duration_api_ms,omitempty"`
	TotalCostUSD  float64         `json:"total_cost_usd,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`

	// Raw line for adapters that need fields this struct does not model.
	Raw json.RawMessage `json:"-"`
}

// MCPServer describes one configured MCP server reported at init.
type MCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// ChatMessage is the inner message body of assistant and user lines.
type ChatMessage struct {
	ID         string         `json:"id,omitempty"`
	Role       string         `json:"role"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one block inside a chat message body.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content is either a string or a block list.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// For image blocks
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource carries base64 image data.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Usage contains token accounting.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ResultString returns the result field when it is a plain string.
func (m *Message) ResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// TextContent returns the content of a tool_result block when it is a
// plain string; block-list content is flattened to its text blocks.
func (b *ContentBlock) TextContent() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return ""
	}
	var out string
	for _, inner := range blocks {
		if inner.Type == "text" {
			out += inner.Text
		}
	}
	return out
}

// ControlRequest is a control request in either direction.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests (CLI → relay)
	ToolName    string         `json:"tool_name,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	ToolUseID   string         `json:"tool_use_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	BlockedPath string         `json:"blocked_path,omitempty"`

	// Permission rule suggestions attached to can_use_tool
	PermissionSuggestions []map[string]any `json:"permission_suggestions,omitempty"`

	// For set_permission_mode requests (relay → CLI)
	Mode string `json:"mode,omitempty"`

	// For set_model requests (relay → CLI)
	Model string `json:"model,omitempty"`

	// For initialize requests (relay → CLI)
	Hooks map[string]any `json:"hooks,omitempty"`
}

// ControlResponse is the body of a control_response line. For responses to
// relay-initiated requests the request id lives inside this body.
type ControlResponse struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`

	// For permission results (relay → CLI)
	Result *PermissionResult `json:"result,omitempty"`
}

// PermissionResult answers a can_use_tool request.
type PermissionResult struct {
	Behavior           string           `json:"behavior"`
	UpdatedInput       map[string]any   `json:"updatedInput,omitempty"`
	UpdatedPermissions []map[string]any `json:"updatedPermissions,omitempty"`
	Message            string           `json:"message,omitempty"`
	Interrupt          *bool            `json:"interrupt,omitempty"`
}

// InitializeResponse is the decoded response body of an initialize request.
type InitializeResponse struct {
	Commands []CommandInfo  `json:"commands,omitempty"`
	Models   []ModelInfo    `json:"models,omitempty"`
	Account  map[string]any `json:"account,omitempty"`
}

// CommandInfo describes one slash command the CLI supports natively.
type CommandInfo struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ArgumentHint string `json:"argument_hint,omitempty"`
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// UserMessage is the line sent to deliver a prompt.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody is the inner body of a user line. Content is either a
// plain string or a block list when images are attached.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content any    `json:"content"`
}

// OutgoingControlRequest is a control request line sent to the CLI.
type OutgoingControlRequest struct {
	Type      string          `json:"type"` // "control_request"
	RequestID string          `json:"request_id"`
	Request   *ControlRequest `json:"request"`
}

// OutgoingControlResponse is a control response line sent to the CLI.
type OutgoingControlResponse struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}
