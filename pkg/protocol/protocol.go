// Package protocol defines the consumer wire protocol: one JSON object per
// WebSocket text frame, UTF-8 encoded. Browsers, editors, and programmatic
// clients speak this protocol to the relay.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound frame types (consumer → relay).
const (
	InUserMessage         = "user_message"
	InPermissionResponse  = "permission_response"
	InInterrupt           = "interrupt"
	InSetModel            = "set_model"
	InSetPermissionMode   = "set_permission_mode"
	InPresenceQuery       = "presence_query"
	InSlashCommand        = "slash_command"
	InQueueMessage        = "queue_message"
	InUpdateQueuedMessage = "update_queued_message"
	InCancelQueuedMessage = "cancel_queued_message"
	InSetAdapter          = "set_adapter"
)

// Outbound frame types (relay → consumer).
const (
	OutIdentity            = "identity"
	OutSessionInit         = "session_init"
	OutSessionUpdate       = "session_update"
	OutMessageHistory      = "message_history"
	OutAssistant           = "assistant"
	OutUserMessage         = "user_message"
	OutResult              = "result"
	OutStatusChange        = "status_change"
	OutStreamEvent         = "stream_event"
	OutToolProgress        = "tool_progress"
	OutToolUseSummary      = "tool_use_summary"
	OutAuthStatus          = "auth_status"
	OutSessionLifecycle    = "session_lifecycle"
	OutPermissionRequest   = "permission_request"
	OutPermissionCancelled = "permission_cancelled"
	OutCapabilitiesReady   = "capabilities_ready"
	OutPresenceUpdate      = "presence_update"
	OutSessionNameUpdate   = "session_name_update"
	OutResumeFailed        = "resume_failed"
	OutCLIConnected        = "cli_connected"
	OutCLIDisconnected     = "cli_disconnected"
	OutProcessOutput       = "process_output"
	OutSlashCommandResult  = "slash_command_result"
	OutSlashCommandError   = "slash_command_error"
	OutMessageQueued       = "message_queued"
	OutQueuedMessageSent   = "queued_message_sent"
	OutError               = "error"
)

// Permission behaviors carried by permission_response frames.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Slash command result sources.
const (
	SlashSourceEmulated = "emulated"
	SlashSourceAdapter  = "adapter"
	SlashSourceCLI      = "cli"
)

// WebSocket close codes used by the gateway.
const (
	CloseOversized       = 1009 // inbound frame exceeded the size limit
	CloseAuthFailed      = 4001
	CloseSessionNotFound = 4404
)

// Version identifies the consumer protocol revision announced in session_init.
const Version = "1"

// participantOnly is the set of inbound types an observer may not send.
var participantOnly = map[string]bool{
	InUserMessage:         true,
	InPermissionResponse:  true,
	InInterrupt:           true,
	InSetModel:            true,
	InSetPermissionMode:   true,
	InSlashCommand:        true,
	InSetAdapter:          true,
	InQueueMessage:        true,
	InUpdateQueuedMessage: true,
	InCancelQueuedMessage: true,
}

// ParticipantOnly reports whether the given inbound type requires the
// participant role.
func ParticipantOnly(msgType string) bool {
	return participantOnly[msgType]
}

// ImageAttachment is a base64-encoded image carried by user_message and
// queue_message frames.
type ImageAttachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Inbound is a consumer → relay frame. The Type field determines which of
// the remaining fields are meaningful.
type Inbound struct {
	Type string `json:"type"`

	// For user_message and queue_message
	Content   string            `json:"content,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Images    []ImageAttachment `json:"images,omitempty"`

	// For permission_response
	RequestID          string           `json:"request_id,omitempty"`
	Behavior           string           `json:"behavior,omitempty"`
	UpdatedInput       map[string]any   `json:"updated_input,omitempty"`
	UpdatedPermissions []map[string]any `json:"updated_permissions,omitempty"`
	Message            string           `json:"message,omitempty"`

	// For set_model
	Model string `json:"model,omitempty"`

	// For set_permission_mode
	Mode string `json:"mode,omitempty"`

	// For slash_command
	Command string `json:"command,omitempty"`

	// For set_adapter
	Adapter string `json:"adapter,omitempty"`
}

// ParseInbound decodes and validates a raw inbound frame.
func ParseInbound(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return &in, nil
}

// Validate checks that the frame carries the fields its type requires.
func (in *Inbound) Validate() error {
	switch in.Type {
	case "":
		return fmt.Errorf("frame has no type")
	case InUserMessage, InQueueMessage:
		if in.Content == "" && len(in.Images) == 0 {
			return fmt.Errorf("%s requires content or images", in.Type)
		}
	case InUpdateQueuedMessage:
		if in.Content == "" {
			return fmt.Errorf("update_queued_message requires content")
		}
	case InPermissionResponse:
		if in.RequestID == "" {
			return fmt.Errorf("permission_response requires request_id")
		}
		if in.Behavior != BehaviorAllow && in.Behavior != BehaviorDeny {
			return fmt.Errorf("permission_response behavior must be allow or deny, got %q", in.Behavior)
		}
	case InSetModel:
		if in.Model == "" {
			return fmt.Errorf("set_model requires model")
		}
	case InSetPermissionMode:
		if in.Mode == "" {
			return fmt.Errorf("set_permission_mode requires mode")
		}
	case InSlashCommand:
		if in.Command == "" {
			return fmt.Errorf("slash_command requires command")
		}
	case InSetAdapter:
		if in.Adapter == "" {
			return fmt.Errorf("set_adapter requires adapter")
		}
	case InInterrupt, InPresenceQuery, InCancelQueuedMessage:
		// No payload.
	default:
		return fmt.Errorf("unknown inbound type %q", in.Type)
	}
	return nil
}

// Outbound is a relay → consumer frame. Fields are merged into the
// top-level JSON object next to "type".
type Outbound struct {
	Type   string
	Fields map[string]any
}

// NewOutbound creates an outbound frame of the given type.
func NewOutbound(msgType string, fields map[string]any) *Outbound {
	return &Outbound{Type: msgType, Fields: fields}
}

// ErrorFrame creates an error frame carrying a human-readable message.
func ErrorFrame(message string) *Outbound {
	return NewOutbound(OutError, map[string]any{"message": message})
}

// MarshalJSON flattens Fields next to the type discriminator.
func (o *Outbound) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(o.Fields)+1)
	for k, v := range o.Fields {
		if k == "type" {
			continue
		}
		obj[k] = v
	}
	obj["type"] = o.Type
	return json.Marshal(obj)
}

// UnmarshalJSON restores an outbound frame from its wire form. Used by
// tests and programmatic consumers.
func (o *Outbound) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	t, _ := obj["type"].(string)
	if t == "" {
		return fmt.Errorf("frame has no type")
	}
	delete(obj, "type")
	o.Type = t
	o.Fields = obj
	return nil
}

// Encode marshals the frame to its wire form.
func (o *Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}
