// Package codexrpc provides types and client for the Codex app-server
// protocol: a JSON-RPC 2.0 variant over stdio that omits the
// "jsonrpc":"2.0" header.
package codexrpc

import "encoding/json"

// Request is a Codex JSON-RPC request.
type Request struct {
	ID     any             `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a Codex JSON-RPC response.
type Response struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a Codex notification (no id).
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Client → server methods.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized" // notification
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
	MethodModelList     = "model/list"
	MethodAccountRead   = "account/read"
)

// Server → client notifications.
const (
	NotifyThreadStarted          = "thread/started"
	NotifyTurnStarted            = "turn/started"
	NotifyTurnCompleted          = "turn/completed"
	NotifyItemStarted            = "item/started"
	NotifyItemCompleted          = "item/completed"
	NotifyItemAgentMessageDelta  = "item/agentMessage/delta"
	NotifyItemCmdExecOutputDelta = "item/commandExecution/outputDelta"
	NotifyError                  = "error"
	NotifyTokenCount             = "token_count"
	NotifyContextCompacted       = "context_compacted"
)

// Server → client approval requests.
const (
	RequestCmdExecApproval    = "item/commandExecution/requestApproval"
	RequestFileChangeApproval = "item/fileChange/requestApproval"
)

// InitializeParams for the initialize request.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize.
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// ThreadStartParams for thread/start.
type ThreadStartParams struct {
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
}

// ThreadResumeParams for thread/resume.
type ThreadResumeParams struct {
	ThreadID string `json:"threadId"`
}

// ThreadStartResult carries the new thread id.
type ThreadStartResult struct {
	ThreadID string `json:"threadId"`
}

// TurnStartParams for turn/start.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []TurnInput `json:"input"`
	Model    string      `json:"model,omitempty"`
}

// TurnInput is one input block of a turn.
type TurnInput struct {
	Type     string `json:"type"` // "text" or "image"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// TurnInterruptParams for turn/interrupt.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
}

// ThreadStartedNotification payload.
type ThreadStartedNotification struct {
	ThreadID string `json:"threadId"`
}

// TurnStartedNotification payload.
type TurnStartedNotification struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// TurnCompletedNotification payload.
type TurnCompletedNotification struct {
	ThreadID string     `json:"threadId"`
	TurnID   string     `json:"turnId"`
	Usage    *TurnUsage `json:"usage,omitempty"`
}

// TurnUsage is token accounting for a completed turn.
type TurnUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	CachedTokens int64 `json:"cachedTokens,omitempty"`
}

// ItemNotification payload for item/started and item/completed.
type ItemNotification struct {
	ThreadID string     `json:"threadId"`
	TurnID   string     `json:"turnId"`
	Item     ThreadItem `json:"item"`
}

// ThreadItem is one item in a Codex thread.
type ThreadItem struct {
	ID       string          `json:"id"`
	Type     string          `json:"itemType"` // agentMessage, reasoning, commandExecution, fileChange, mcpToolCall
	Text     string          `json:"text,omitempty"`
	Command  string          `json:"command,omitempty"`
	Output   string          `json:"output,omitempty"`
	ExitCode *int            `json:"exitCode,omitempty"`
	Status   string          `json:"status,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// AgentMessageDeltaNotification payload.
type AgentMessageDeltaNotification struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// ApprovalRequestParams carried by requestApproval server requests.
type ApprovalRequestParams struct {
	ThreadID string          `json:"threadId"`
	TurnID   string          `json:"turnId"`
	ItemID   string          `json:"itemId"`
	Command  string          `json:"command,omitempty"`
	Cwd      string          `json:"cwd,omitempty"`
	Changes  json.RawMessage `json:"changes,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// ApprovalResponse answers a requestApproval request.
type ApprovalResponse struct {
	Decision string `json:"decision"` // "approved" or "denied"
}

// ErrorNotification payload of the error notification.
type ErrorNotification struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	Message  string `json:"message"`
	Code     string `json:"code,omitempty"`
}

// ModelListResult from model/list.
type ModelListResult struct {
	Models []Model `json:"models"`
}

// Model describes one selectable model.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// AccountReadResult from account/read.
type AccountReadResult struct {
	Email string `json:"email,omitempty"`
	Plan  string `json:"plan,omitempty"`
}
