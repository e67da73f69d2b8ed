package message

import (
	"github.com/agentrelay/agentrelay/pkg/protocol"
)

// Metadata keys shared between the normalizer and the router.
const (
	MetaRequestID          = "request_id"
	MetaBehavior           = "behavior"
	MetaUpdatedInput       = "updated_input"
	MetaUpdatedPermissions = "updated_permissions"
	MetaDenyMessage        = "message"
	MetaModel              = "model"
	MetaPermissionMode     = "mode"
	MetaUserID             = "user_id"
	MetaDisplayName        = "display_name"
	MetaMessageID          = "message_id"
	MetaSubtype            = "subtype"
	MetaToolUseID          = "tool_use_id"
	MetaParentToolUseID    = "parent_tool_use_id"
)

// Metadata keys populated by backend adapters.
const (
	MetaBackendSessionID = "backend_session_id"
	MetaCwd              = "cwd"
	MetaVersion          = "version"
	MetaTools            = "tools"
	MetaSlashCommands    = "slash_commands"
	MetaSkills           = "skills"
	MetaMCPServers       = "mcp_servers"
	MetaStatus           = "status"
	MetaToolName         = "tool_name"
	MetaInput            = "input"
	MetaSuggestions      = "suggestions"
	MetaBlockedPath      = "blocked_path"
	MetaAgentID          = "agent_id"
	MetaEvent            = "event"
	MetaNumTurns         = "num_turns"
	MetaIsError          = "is_error"
	MetaDurationMS       = "duration_ms"
	MetaTotalCostUSD     = "total_cost_usd"
	MetaUsage            = "usage"
	MetaErrorKind        = "error_kind"
	MetaCommands         = "commands"
	MetaModels           = "models"
	MetaAccount          = "account"
)

// NormalizeInbound converts a validated consumer frame into a unified
// message. Only command-shaped frame types have a unified form; frames the
// runtime services locally (presence, queue management, slash commands)
// return nil.
func NormalizeInbound(in *protocol.Inbound) *Message {
	switch in.Type {
	case protocol.InUserMessage:
		content := make([]Content, 0, 1+len(in.Images))
		if in.Content != "" {
			content = append(content, Text(in.Content))
		}
		for _, img := range in.Images {
			content = append(content, Image(img.MediaType, img.Data))
		}
		return New(TypeUserMessage, RoleUser, content...)

	case protocol.InPermissionResponse:
		m := New(TypePermissionResponse, RoleUser)
		m.SetMeta(MetaRequestID, in.RequestID)
		m.SetMeta(MetaBehavior, in.Behavior)
		if in.UpdatedInput != nil {
			m.SetMeta(MetaUpdatedInput, in.UpdatedInput)
		}
		if in.UpdatedPermissions != nil {
			m.SetMeta(MetaUpdatedPermissions, in.UpdatedPermissions)
		}
		if in.Message != "" {
			m.SetMeta(MetaDenyMessage, in.Message)
		}
		return m

	case protocol.InInterrupt:
		return New(TypeInterrupt, RoleUser)

	case protocol.InSetModel:
		m := New(TypeSetModel, RoleUser)
		m.SetMeta(MetaModel, in.Model)
		return m

	case protocol.InSetPermissionMode:
		m := New(TypeSetPermissionMode, RoleUser)
		m.SetMeta(MetaPermissionMode, in.Mode)
		return m

	default:
		return nil
	}
}

// RenderInbound is the inverse of NormalizeInbound: it projects a unified
// command message back onto its consumer frame form. Returns nil for
// message kinds that have no inbound frame shape.
func RenderInbound(m *Message) *protocol.Inbound {
	switch m.Type {
	case TypeUserMessage:
		in := &protocol.Inbound{Type: protocol.InUserMessage}
		for _, c := range m.Content {
			switch c.Type {
			case ContentText:
				in.Content += c.Text
			case ContentImage:
				in.Images = append(in.Images, protocol.ImageAttachment{
					MediaType: c.MediaType,
					Data:      c.Data,
				})
			}
		}
		return in

	case TypePermissionResponse:
		in := &protocol.Inbound{
			Type:      protocol.InPermissionResponse,
			RequestID: m.MetaString(MetaRequestID),
			Behavior:  m.MetaString(MetaBehavior),
			Message:   m.MetaString(MetaDenyMessage),
		}
		in.UpdatedInput = m.MetaMap(MetaUpdatedInput)
		if ups, ok := m.Metadata[MetaUpdatedPermissions].([]map[string]any); ok {
			in.UpdatedPermissions = ups
		}
		return in

	case TypeInterrupt:
		return &protocol.Inbound{Type: protocol.InInterrupt}

	case TypeSetModel:
		return &protocol.Inbound{Type: protocol.InSetModel, Model: m.MetaString(MetaModel)}

	case TypeSetPermissionMode:
		return &protocol.Inbound{Type: protocol.InSetPermissionMode, Mode: m.MetaString(MetaPermissionMode)}

	default:
		return nil
	}
}
