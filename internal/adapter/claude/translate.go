package claude

import (
	"encoding/json"

	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/pkg/claudewire"
)

// toUnified maps one CLI wire line onto the canonical envelope. Lines with
// no unified form (user echoes of our own prompts, unhandled system
// subtypes) return nil.
func toUnified(w *claudewire.Message) *message.Message {
	switch w.Type {
	case claudewire.MessageTypeSystem:
		return systemToUnified(w)

	case claudewire.MessageTypeAssistant:
		m := message.New(message.TypeAssistant, message.RoleAssistant, chatContent(w.Message)...)
		if w.Message != nil {
			if w.Message.ID != "" {
				m.SetMeta(message.MetaMessageID, w.Message.ID)
			}
			if w.Message.Model != "" {
				m.SetMeta(message.MetaModel, w.Message.Model)
			}
		}
		if w.ParentToolUseID != "" {
			m.SetMeta(message.MetaParentToolUseID, w.ParentToolUseID)
		}
		return m

	case claudewire.MessageTypeUser:
		// Tool results come back as user messages carrying tool_result
		// blocks. Plain echoes are forwarded tagged as such; the router
		// drops them unless a slash passthrough is waiting on one.
		blocks := chatContent(w.Message)
		var results []message.Content
		var texts []message.Content
		for _, c := range blocks {
			switch c.Type {
			case message.ContentToolResult:
				results = append(results, c)
			case message.ContentText:
				texts = append(texts, c)
			}
		}
		if len(results) > 0 {
			m := message.New(message.TypeUserMessage, message.RoleTool, results...)
			if w.ParentToolUseID != "" {
				m.SetMeta(message.MetaParentToolUseID, w.ParentToolUseID)
			}
			return m
		}
		if len(texts) == 0 {
			return nil
		}
		m := message.New(message.TypeUserMessage, message.RoleUser, texts...)
		m.SetMeta(message.MetaSubtype, "echo")
		return m

	case claudewire.MessageTypeResult:
		m := message.New(message.TypeResult, message.RoleSystem)
		if s := w.ResultString(); s != "" {
			m.Content = []message.Content{message.Text(s)}
		}
		m.SetMeta(message.MetaIsError, w.IsError)
		m.SetMeta(message.MetaNumTurns, w.NumTurns)
		if w.DurationMS > 0 {
			m.SetMeta(message.MetaDurationMS, w.DurationMS)
		}
		if w.TotalCostUSD > 0 {
			m.SetMeta(message.MetaTotalCostUSD, w.TotalCostUSD)
		}
		if w.Usage != nil {
			m.SetMeta(message.MetaUsage, usageMap(w.Usage))
		}
		return m

	case claudewire.MessageTypeStreamEvent:
		m := message.New(message.TypeStreamEvent, message.RoleAssistant)
		if len(w.Event) > 0 {
			var event map[string]any
			if err := json.Unmarshal(w.Event, &event); err == nil {
				m.SetMeta(message.MetaEvent, event)
			}
		}
		if w.ParentToolUseID != "" {
			m.SetMeta(message.MetaParentToolUseID, w.ParentToolUseID)
		}
		return m

	default:
		return nil
	}
}

func systemToUnified(w *claudewire.Message) *message.Message {
	switch w.Subtype {
	case claudewire.SubtypeInit:
		m := message.New(message.TypeSessionInit, message.RoleSystem)
		m.SetMeta(message.MetaBackendSessionID, w.SessionID)
		m.SetMeta(message.MetaCwd, w.Cwd)
		m.SetMeta(message.MetaModel, w.Model)
		if w.PermissionMode != "" {
			m.SetMeta(message.MetaPermissionMode, w.PermissionMode)
		}
		if w.Version != "" {
			m.SetMeta(message.MetaVersion, w.Version)
		}
		if len(w.Tools) > 0 {
			m.SetMeta(message.MetaTools, w.Tools)
		}
		if len(w.SlashCommands) > 0 {
			m.SetMeta(message.MetaSlashCommands, w.SlashCommands)
		}
		if len(w.Skills) > 0 {
			m.SetMeta(message.MetaSkills, w.Skills)
		}
		if len(w.MCPServers) > 0 {
			servers := make([]map[string]any, 0, len(w.MCPServers))
			for _, srv := range w.MCPServers {
				servers = append(servers, map[string]any{"name": srv.Name, "status": srv.Status})
			}
			m.SetMeta(message.MetaMCPServers, servers)
		}
		return m

	case "status":
		m := message.New(message.TypeStatusChange, message.RoleSystem)
		m.SetMeta(message.MetaStatus, w.SessionStatus)
		return m

	default:
		return nil
	}
}

// chatContent flattens CLI content blocks into unified blocks. Thinking
// blocks are dropped; the paired stream events already carry them.
func chatContent(cm *claudewire.ChatMessage) []message.Content {
	if cm == nil {
		return nil
	}
	out := make([]message.Content, 0, len(cm.Content))
	for _, b := range cm.Content {
		switch b.Type {
		case "text":
			out = append(out, message.Text(b.Text))
		case "tool_use":
			out = append(out, message.ToolUse(b.ID, b.Name, b.Input))
		case "tool_result":
			out = append(out, message.ToolResult(b.ToolUseID, b.TextContent(), b.IsError))
		case "image":
			if b.Source != nil {
				out = append(out, message.Image(b.Source.MediaType, b.Source.Data))
			}
		}
	}
	return out
}

func usageMap(u *claudewire.Usage) map[string]any {
	return map[string]any{
		"input_tokens":                u.InputTokens,
		"output_tokens":               u.OutputTokens,
		"cache_creation_input_tokens": u.CacheCreationInputTokens,
		"cache_read_input_tokens":     u.CacheReadInputTokens,
	}
}

// userContent builds the wire content value for an outgoing prompt: a
// plain string when text-only, a block list when images ride along.
func userContent(m *message.Message) any {
	hasImages := false
	for _, c := range m.Content {
		if c.Type == message.ContentImage {
			hasImages = true
			break
		}
	}
	if !hasImages {
		return m.JoinedText()
	}
	blocks := make([]map[string]any, 0, len(m.Content))
	for _, c := range m.Content {
		switch c.Type {
		case message.ContentText:
			blocks = append(blocks, map[string]any{"type": "text", "text": c.Text})
		case message.ContentImage:
			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": c.MediaType,
					"data":       c.Data,
				},
			})
		}
	}
	return blocks
}
