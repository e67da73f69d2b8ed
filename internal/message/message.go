// Package message defines the canonical message envelope that crosses every
// internal boundary of the relay. Backend translators produce it, the router
// reduces session state from it, and the gateway renders it to consumers.
package message

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Message type tags
const (
	TypeUserMessage         = "user_message"
	TypeAssistant           = "assistant"
	TypeResult              = "result"
	TypeStatusChange        = "status_change"
	TypeSessionInit         = "session_init"
	TypeSessionLifecycle    = "session_lifecycle"
	TypeStreamEvent         = "stream_event"
	TypePermissionRequest   = "permission_request"
	TypePermissionResponse  = "permission_response"
	TypeControlRequest      = "control_request"
	TypeControlResponse     = "control_response"
	TypeToolProgress        = "tool_progress"
	TypeToolUseSummary      = "tool_use_summary"
	TypeAuthStatus          = "auth_status"
	TypeConfigurationChange = "configuration_change"
	TypeInterrupt           = "interrupt"
	TypeSetModel            = "set_model"
	TypeSetPermissionMode   = "set_permission_mode"
	TypeUnknown             = "unknown"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Session activity statuses carried by status_change messages.
// An empty status means the backend has not reported yet.
const (
	StatusIdle       = "idle"
	StatusRunning    = "running"
	StatusCompacting = "compacting"
)

// Content block types
const (
	ContentText       = "text"
	ContentToolUse    = "tool_use"
	ContentToolResult = "tool_result"
	ContentImage      = "image"
	ContentCode       = "code"
	ContentRefusal    = "refusal"
)

// Content is one block in a message body. The Type field determines which
// of the remaining fields are populated.
type Content struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// For image blocks
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`

	// For code blocks
	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`

	// For refusal blocks
	Refusal string `json:"refusal,omitempty"`
}

// Text creates a text content block.
func Text(text string) Content {
	return Content{Type: ContentText, Text: text}
}

// ToolUse creates a tool_use content block.
func ToolUse(id, name string, input map[string]any) Content {
	return Content{Type: ContentToolUse, ID: id, Name: name, Input: input}
}

// ToolResult creates a tool_result content block.
func ToolResult(toolUseID, content string, isError bool) Content {
	return Content{Type: ContentToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Image creates an image content block carrying base64 data.
func Image(mediaType, data string) Content {
	return Content{Type: ContentImage, MediaType: mediaType, Data: data}
}

// Code creates a code content block.
func Code(language, code string) Content {
	return Content{Type: ContentCode, Language: language, Code: code}
}

// Refusal creates a refusal content block.
func Refusal(refusal string) Content {
	return Content{Type: ContentRefusal, Refusal: refusal}
}

// Message is the canonical envelope. Every instance carries a fresh unique
// id and an epoch-millisecond timestamp assigned at construction.
type Message struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	Type      string         `json:"type"`
	Role      string         `json:"role,omitempty"`
	Content   []Content      `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// New creates a message with a fresh id and current timestamp.
func New(msgType, role string, content ...Content) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
		Type:      msgType,
		Role:      role,
		Content:   content,
		Metadata:  make(map[string]any),
	}
}

// SetMeta sets a metadata key, allocating the map if needed.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// MetaString returns the metadata value at key if it is a string.
func (m *Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}

// MetaBool returns the metadata value at key if it is a bool.
func (m *Message) MetaBool(key string) bool {
	if m.Metadata == nil {
		return false
	}
	b, _ := m.Metadata[key].(bool)
	return b
}

// MetaInt returns the metadata value at key as an int. JSON decoding
// produces float64 for numbers, so both forms are accepted.
func (m *Message) MetaInt(key string) (int, bool) {
	if m.Metadata == nil {
		return 0, false
	}
	switch v := m.Metadata[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// MetaMap returns the metadata value at key if it is a string-keyed map.
func (m *Message) MetaMap(key string) map[string]any {
	if m.Metadata == nil {
		return nil
	}
	mm, _ := m.Metadata[key].(map[string]any)
	return mm
}

// JoinedText concatenates the text of every text content block.
func (m *Message) JoinedText() string {
	var out string
	for _, c := range m.Content {
		if c.Type == ContentText {
			out += c.Text
		}
	}
	return out
}

// ContentEqual reports whether two content sequences are structurally equal.
// Used for assistant message deduplication.
func ContentEqual(a, b []Content) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}
