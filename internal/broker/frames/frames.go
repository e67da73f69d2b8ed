// Package frames builds the outbound consumer frames shared by the router
// and the gateway replay path, so both sides emit identical shapes.
package frames

import (
	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/pkg/protocol"
)

// SessionView is the consumer-facing projection of a session.
type SessionView struct {
	ID               string        `json:"id"`
	Name             string        `json:"name,omitempty"`
	Adapter          string        `json:"adapter,omitempty"`
	BackendSessionID string        `json:"backend_session_id,omitempty"`
	Status           string        `json:"status,omitempty"`
	Phase            string        `json:"phase"`
	State            session.State `json:"state"`
}

// View projects a session for session_init frames and the REST API.
func View(s *session.Session, name string) SessionView {
	return SessionView{
		ID:               s.ID,
		Name:             name,
		Adapter:          s.AdapterName,
		BackendSessionID: s.BackendSessionID,
		Status:           s.LastStatus,
		Phase:            string(s.Lifecycle.Phase()),
		State:            s.State,
	}
}

// Identity builds the frame greeting a freshly authenticated consumer.
func Identity(id session.Identity) *protocol.Outbound {
	return protocol.NewOutbound(protocol.OutIdentity, map[string]any{
		"userId":      id.UserID,
		"displayName": id.DisplayName,
		"role":        id.Role,
	})
}

// SessionInit carries the session view and the protocol revision.
func SessionInit(view SessionView) *protocol.Outbound {
	return protocol.NewOutbound(protocol.OutSessionInit, map[string]any{
		"session":          view,
		"protocol_version": protocol.Version,
	})
}

// SessionUpdate carries a partial state patch.
func SessionUpdate(patch map[string]any) *protocol.Outbound {
	return protocol.NewOutbound(protocol.OutSessionUpdate, map[string]any{"update": patch})
}

// MessageHistory replays stored messages to a joining consumer.
func MessageHistory(messages []*message.Message) *protocol.Outbound {
	return protocol.NewOutbound(protocol.OutMessageHistory, map[string]any{"messages": messages})
}

// FromMessage wraps a unified message in its same-typed consumer frame.
func FromMessage(m *message.Message) *protocol.Outbound {
	return protocol.NewOutbound(m.Type, map[string]any{"message": m})
}

// StatusChange announces a backend status transition.
func StatusChange(status string) *protocol.Outbound {
	return protocol.NewOutbound(protocol.OutStatusChange, map[string]any{"status": status})
}

// PermissionRequest surfaces a pending tool-use approval.
func PermissionRequest(req session.PermissionRequest) *protocol.Outbound {
	return protocol.NewOutbound(protocol.OutPermissionRequest, map[string]any{"request": req})
}

// PermissionCancelled retracts a permission request.
func PermissionCancelled(requestID, reason string) *protocol.Outbound {
	return protocol.NewOutbound(protocol.OutPermissionCancelled, map[string]any{
		"request_id": requestID,
		"reason":     reason,
	})
}

// CapabilitiesReady announces the resolved capabilities tuple.
func CapabilitiesReady(caps *session.Capabilities) *protocol.Outbound {
	return protocol.NewOutbound(protocol.OutCapabilitiesReady, map[string]any{"capabilities": caps})
}

// PresenceUpdate lists the identities currently attached.
func PresenceUpdate(identities []session.Identity) *protocol.Outbound {
	return protocol.NewOutbound(protocol.OutPresenceUpdate, map[string]any{"consumers": identities})
}

// SessionNameUpdate announces a derived session name.
func SessionNameUpdate(name string) *protocol.Outbound {
	return protocol.NewOutbound(protocol.OutSessionNameUpdate, map[string]any{"name": name})
}

// CLIConnected announces a live backend connection.
func CLIConnected() *protocol.Outbound {
	return protocol.NewOutbound(protocol.OutCLIConnected, nil)
}

// CLIDisconnected announces a missing backend connection.
func CLIDisconnected() *protocol.Outbound {
	return protocol.NewOutbound(protocol.OutCLIDisconnected, nil)
}

// ProcessOutput streams one backend process log line.
func ProcessOutput(stream, line string) *protocol.Outbound {
	return protocol.NewOutbound(protocol.OutProcessOutput, map[string]any{
		"stream": stream,
		"line":   line,
	})
}

// ResumeFailed tells participants a backend resume attempt failed.
func ResumeFailed(reason string) *protocol.Outbound {
	return protocol.NewOutbound(protocol.OutResumeFailed, map[string]any{"reason": reason})
}

// MessageQueued announces the queued follow-up slot content.
func MessageQueued(q *session.QueuedMessage) *protocol.Outbound {
	return protocol.NewOutbound(protocol.OutMessageQueued, map[string]any{"queued": q})
}

// QueuedMessageSent announces the slot was released to the backend.
func QueuedMessageSent(q *session.QueuedMessage) *protocol.Outbound {
	return protocol.NewOutbound(protocol.OutQueuedMessageSent, map[string]any{"queued": q})
}

// SlashResult reports a resolved slash command.
func SlashResult(source, command, requestID, result string) *protocol.Outbound {
	fields := map[string]any{
		"source":  source,
		"command": command,
		"result":  result,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return protocol.NewOutbound(protocol.OutSlashCommandResult, fields)
}

// SlashError reports a failed slash command.
func SlashError(source, command, requestID, errMsg string) *protocol.Outbound {
	fields := map[string]any{
		"source":  source,
		"command": command,
		"error":   errMsg,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return protocol.NewOutbound(protocol.OutSlashCommandError, fields)
}
