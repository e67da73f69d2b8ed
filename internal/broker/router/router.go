// Package router dispatches backend traffic: every unified message reduces
// the session state, then runs its type-specific side effects (broadcast,
// history, persistence, signals).
package router

import (
	"context"
	"reflect"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/broker/capability"
	"github.com/agentrelay/agentrelay/internal/broker/frames"
	"github.com/agentrelay/agentrelay/internal/broker/permission"
	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/broker/slash"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/events"
	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/pkg/protocol"
)

// Broadcaster fans frames out to a session's consumers.
type Broadcaster interface {
	Broadcast(s *session.Session, frame *protocol.Outbound)
	BroadcastToParticipants(s *session.Session, frame *protocol.Outbound)
}

// Hooks are the collaborator callbacks the runtime wires in. All of them
// run on the session's dispatch lane.
type Hooks struct {
	// Persist snapshots the session asynchronously.
	Persist func(s *session.Session)
	// Emit publishes a typed signal on the event bus.
	Emit func(event, sessionID string, data map[string]any)
	// OnIdle releases the queued follow-up, if any.
	OnIdle func(s *session.Session)
	// FetchCapabilities starts the initialize handshake for backends
	// that have one. Called once per session_init without inline
	// capabilities.
	FetchCapabilities func(s *session.Session)
	// RefreshGit re-resolves git info; returns true when it changed.
	RefreshGit func(s *session.Session) bool
}

// Router handles backend → consumer dispatch for all sessions.
type Router struct {
	broadcaster Broadcaster
	slash       *slash.Service
	hooks       Hooks
	historyMax  int
	logger      *logger.Logger
}

// New creates the router.
func New(b Broadcaster, slashSvc *slash.Service, hooks Hooks, historyMax int, log *logger.Logger) *Router {
	if historyMax <= 0 {
		historyMax = 1000
	}
	return &Router{
		broadcaster: b,
		slash:       slashSvc,
		hooks:       hooks,
		historyMax:  historyMax,
		logger:      log,
	}
}

// Handle routes one backend message.
func (r *Router) Handle(ctx context.Context, s *session.Session, m *message.Message) {
	s.Touch()

	// Slash passthrough echoes never reach consumers as user messages.
	if m.Type == message.TypeUserMessage && m.MetaString(message.MetaSubtype) == "echo" {
		r.interceptEcho(s, m)
		return
	}

	reduce(&s.State, m)
	r.diffTeam(s, m)

	switch m.Type {
	case message.TypeSessionInit:
		r.handleSessionInit(s, m)

	case message.TypeStatusChange:
		r.handleStatusChange(s, m)

	case message.TypeAssistant:
		r.handleAssistant(s, m)

	case message.TypeUserMessage:
		// Tool results riding on user messages.
		s.AppendHistory(m, r.historyMax)
		r.broadcaster.Broadcast(s, frames.FromMessage(m))
		r.hooks.Persist(s)

	case message.TypeResult:
		r.handleResult(s, m)

	case message.TypeStreamEvent:
		r.handleStreamEvent(s, m)

	case message.TypePermissionRequest:
		r.handlePermissionRequest(s, m)

	case message.TypeControlResponse:
		// The capabilities handshake correlates its own responses; an
		// uncorrelated one reaching the router has nothing to match.
		r.logger.WithSessionID(s.ID).Debug("dropping uncorrelated control_response",
			zap.String("request_id", m.MetaString(message.MetaRequestID)))

	case message.TypeToolProgress, message.TypeSessionLifecycle:
		r.broadcaster.Broadcast(s, frames.FromMessage(m))

	case message.TypeToolUseSummary:
		r.handleToolUseSummary(s, m)

	case message.TypeAuthStatus:
		r.broadcaster.Broadcast(s, frames.FromMessage(m))
		r.hooks.Emit(events.AuthStatusChanged, s.ID, map[string]any{"status": m.MetaString(message.MetaStatus)})

	case message.TypeConfigurationChange:
		r.handleConfigurationChange(s, m)

	default:
		r.logger.WithSessionID(s.ID).Debug("dropping unroutable backend message", zap.String("type", m.Type))
	}
}

func (r *Router) handleSessionInit(s *session.Session, m *message.Message) {
	if id := m.MetaString(message.MetaBackendSessionID); id != "" && id != s.BackendSessionID {
		s.BackendSessionID = id
		r.hooks.Emit(events.BackendSessionID, s.ID, map[string]any{"backend_session_id": id})
	}

	if r.hooks.RefreshGit != nil && s.State.Cwd != "" {
		r.hooks.RefreshGit(s)
	}
	r.slash.Rebuild(s.ID, s.State)

	r.broadcaster.Broadcast(s, frames.SessionInit(frames.View(s, "")))
	r.hooks.Persist(s)

	if caps, ok := capability.FromMetadata(m); ok {
		r.ApplyCapabilities(s, caps)
	} else if r.hooks.FetchCapabilities != nil {
		r.hooks.FetchCapabilities(s)
	}
}

// ApplyCapabilities merges a resolved capabilities tuple into the session
// and announces it. Called inline for metadata capabilities and by the
// runtime when the initialize handshake completes.
func (r *Router) ApplyCapabilities(s *session.Session, caps *session.Capabilities) {
	s.State.Capabilities = caps
	r.slash.Enrich(s.ID, caps.Commands)
	r.broadcaster.Broadcast(s, frames.CapabilitiesReady(caps))
	r.hooks.Emit(events.CapabilitiesReady, s.ID, nil)
	r.hooks.Persist(s)
}

func (r *Router) handleStatusChange(s *session.Session, m *message.Message) {
	status := m.MetaString(message.MetaStatus)
	s.LastStatus = status
	r.broadcaster.Broadcast(s, frames.StatusChange(status))

	if mode := m.MetaString(message.MetaPermissionMode); mode != "" {
		r.broadcaster.Broadcast(s, frames.SessionUpdate(map[string]any{"permissionMode": mode}))
	}
	if status == message.StatusIdle && r.hooks.OnIdle != nil {
		r.hooks.OnIdle(s)
	}
}

// handleAssistant dedups streamed assistant updates by message id: equal
// content drops, changed content replaces in place, new ids append.
func (r *Router) handleAssistant(s *session.Session, m *message.Message) {
	id := m.MetaString(message.MetaMessageID)
	if id != "" {
		for i := len(s.MessageHistory) - 1; i >= 0; i-- {
			prev := s.MessageHistory[i]
			if prev.Type != message.TypeAssistant || prev.MetaString(message.MetaMessageID) != id {
				continue
			}
			if reflect.DeepEqual(prev.Content, m.Content) {
				return
			}
			s.MessageHistory[i] = m
			r.broadcaster.Broadcast(s, frames.FromMessage(m))
			r.hooks.Persist(s)
			return
		}
	}
	s.AppendHistory(m, r.historyMax)
	r.broadcaster.Broadcast(s, frames.FromMessage(m))
	r.hooks.Persist(s)
}

func (r *Router) handleResult(s *session.Session, m *message.Message) {
	s.AppendHistory(m, r.historyMax)
	r.broadcaster.Broadcast(s, frames.FromMessage(m))
	r.hooks.Persist(s)

	// A turn always ends idle, even when the backend forgets to say so.
	s.LastStatus = message.StatusIdle
	if r.hooks.OnIdle != nil {
		r.hooks.OnIdle(s)
	}

	numTurns, _ := m.MetaInt(message.MetaNumTurns)
	if numTurns == 1 && !m.MetaBool(message.MetaIsError) {
		if first := s.FirstUserMessage(); first != nil {
			r.hooks.Emit(events.SessionFirstTurnCompleted, s.ID, map[string]any{
				"first_user_message": first.JoinedText(),
			})
		}
	}

	if r.hooks.RefreshGit != nil && s.State.Cwd != "" {
		if r.hooks.RefreshGit(s) {
			r.broadcaster.Broadcast(s, frames.SessionUpdate(map[string]any{"git": s.State.Git}))
		}
	}
}

func (r *Router) handleStreamEvent(s *session.Session, m *message.Message) {
	if event := m.MetaMap(message.MetaEvent); event != nil {
		t, _ := event["type"].(string)
		if t == "message_start" && m.MetaString(message.MetaParentToolUseID) == "" {
			s.LastStatus = message.StatusRunning
			r.broadcaster.Broadcast(s, frames.StatusChange(message.StatusRunning))
		}
	}
	r.broadcaster.Broadcast(s, frames.FromMessage(m))
}

func (r *Router) handlePermissionRequest(s *session.Session, m *message.Message) {
	if m.MetaString(message.MetaSubtype) != "can_use_tool" {
		return
	}
	req := permission.RequestFromMessage(m)
	s.PendingPermissions[req.RequestID] = *req
	r.broadcaster.BroadcastToParticipants(s, frames.PermissionRequest(*req))
	r.hooks.Emit(events.PermissionRequested, s.ID, map[string]any{
		"request_id": req.RequestID,
		"tool_name":  req.ToolName,
	})
	r.hooks.Persist(s)
}

func (r *Router) handleToolUseSummary(s *session.Session, m *message.Message) {
	id := m.MetaString(message.MetaToolUseID)
	if id != "" {
		for i := len(s.MessageHistory) - 1; i >= 0; i-- {
			prev := s.MessageHistory[i]
			if prev.Type != message.TypeToolUseSummary || prev.MetaString(message.MetaToolUseID) != id {
				continue
			}
			if reflect.DeepEqual(prev.Content, m.Content) && reflect.DeepEqual(prev.Metadata, m.Metadata) {
				return
			}
			s.MessageHistory[i] = m
			break
		}
	}
	r.broadcaster.Broadcast(s, frames.FromMessage(m))
	r.hooks.Persist(s)
}

func (r *Router) handleConfigurationChange(s *session.Session, m *message.Message) {
	patch := map[string]any{}
	if model := m.MetaString(message.MetaModel); model != "" {
		patch["model"] = model
	}
	if mode := m.MetaString(message.MetaPermissionMode); mode != "" {
		patch["permissionMode"] = mode
	}
	if len(patch) == 0 {
		return
	}
	r.broadcaster.Broadcast(s, frames.SessionUpdate(patch))
	r.hooks.Persist(s)
}

// interceptEcho resolves the oldest pending slash passthrough with the
// echoed command output. Echoes with no waiter are dropped.
func (r *Router) interceptEcho(s *session.Session, m *message.Message) {
	p, ok := s.PopPassthrough()
	if !ok {
		return
	}
	result := slash.StripLocalOutput(m.JoinedText())
	r.broadcaster.Broadcast(s, frames.SlashResult(protocol.SlashSourceCLI, p.Command, p.SlashRequestID, result))
}

// diffTeam broadcasts team sub-state changes.
func (r *Router) diffTeam(s *session.Session, m *message.Message) {
	raw, ok := m.Metadata["team"]
	if !ok {
		return
	}
	team, _ := raw.(map[string]any)
	if reflect.DeepEqual(s.State.Team, team) {
		return
	}
	s.State.Team = team
	r.broadcaster.Broadcast(s, frames.SessionUpdate(map[string]any{"team": team}))
	r.hooks.Emit(events.SessionUpdated, s.ID, map[string]any{"team": team})
}

// reduce folds a backend message into the session state. Pure with respect
// to everything but the passed state.
func reduce(state *session.State, m *message.Message) {
	switch m.Type {
	case message.TypeSessionInit:
		if cwd := m.MetaString(message.MetaCwd); cwd != "" {
			state.Cwd = cwd
		}
		if model := m.MetaString(message.MetaModel); model != "" {
			state.Model = model
		}
		if mode := m.MetaString(message.MetaPermissionMode); mode != "" {
			state.PermissionMode = mode
		}
		if v := m.MetaString(message.MetaVersion); v != "" {
			state.Version = v
		}
		state.Tools = stringSlice(m.Metadata[message.MetaTools])
		state.SlashCommands = stringSlice(m.Metadata[message.MetaSlashCommands])
		state.Skills = stringSlice(m.Metadata[message.MetaSkills])
		state.MCPServers = mcpServers(m.Metadata[message.MetaMCPServers])

	case message.TypeStatusChange:
		state.Compacting = m.MetaString(message.MetaStatus) == message.StatusCompacting

	case message.TypeResult:
		if cost, ok := m.Metadata[message.MetaTotalCostUSD].(float64); ok && cost > 0 {
			state.TotalCostUSD = cost
		}
		if turns, ok := m.MetaInt(message.MetaNumTurns); ok {
			state.NumTurns = turns
		}
		if usage := m.MetaMap(message.MetaUsage); usage != nil {
			if pct, ok := usage["context_used_pct"].(float64); ok {
				state.ContextUsedPct = pct
			}
		}
		state.Compacting = false

	case message.TypeConfigurationChange:
		if model := m.MetaString(message.MetaModel); model != "" {
			state.Model = model
		}
		if mode := m.MetaString(message.MetaPermissionMode); mode != "" {
			state.PermissionMode = mode
		}
	}
}

func stringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func mcpServers(raw any) []session.MCPServer {
	switch v := raw.(type) {
	case []session.MCPServer:
		return v
	case []map[string]any:
		out := make([]session.MCPServer, 0, len(v))
		for _, e := range v {
			name, _ := e["name"].(string)
			status, _ := e["status"].(string)
			out = append(out, session.MCPServer{Name: name, Status: status})
		}
		return out
	case []any:
		out := make([]session.MCPServer, 0, len(v))
		for _, raw := range v {
			if e, ok := raw.(map[string]any); ok {
				name, _ := e["name"].(string)
				status, _ := e["status"].(string)
				out = append(out, session.MCPServer{Name: name, Status: status})
			}
		}
		return out
	}
	return nil
}
