// Package capability runs the post-init capabilities handshake: native
// slash commands, selectable models, and account info fetched from the
// backend once per session.
package capability

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/pkg/claudewire"
)

// DefaultTimeout bounds the initialize round-trip.
const DefaultTimeout = 5 * time.Second

// Initializer is implemented by backend sessions with a control-channel
// capabilities handshake (the Claude stream-json CLI).
type Initializer interface {
	Initialize(ctx context.Context, timeout time.Duration) (*claudewire.InitializeResponse, error)
}

// Policy decides how a session learns its backend capabilities.
type Policy struct {
	timeout time.Duration
	logger  *logger.Logger
}

// NewPolicy creates the policy. A zero timeout selects DefaultTimeout.
func NewPolicy(timeout time.Duration, log *logger.Logger) *Policy {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Policy{timeout: timeout, logger: log}
}

// FromMetadata extracts capabilities inlined into a session_init message.
// Forward adapters (Codex, ACP) resolve models and account during their
// own handshake and attach them here.
func FromMetadata(m *message.Message) (*session.Capabilities, bool) {
	caps := &session.Capabilities{}
	found := false

	if raw, ok := m.Metadata[message.MetaCommands]; ok {
		caps.Commands = commandsFromAny(raw)
		found = found || len(caps.Commands) > 0
	}
	if raw, ok := m.Metadata[message.MetaModels]; ok {
		caps.Models = modelsFromAny(raw)
		found = found || len(caps.Models) > 0
	}
	if account := m.MetaMap(message.MetaAccount); account != nil {
		caps.Account = account
		found = true
	}
	if !found {
		return nil, false
	}
	return caps, true
}

// Fetch runs the initialize handshake against the backend, blocking up to
// the policy timeout. Returns nil capabilities when the backend has no
// handshake or it timed out; timedOut distinguishes the two.
func (p *Policy) Fetch(ctx context.Context, sessionID string, backend adapter.BackendSession) (caps *session.Capabilities, timedOut bool) {
	init, ok := backend.(Initializer)
	if !ok {
		return nil, false
	}

	resp, err := init.Initialize(ctx, p.timeout)
	if err != nil {
		p.logger.WithSessionID(sessionID).Warn("capabilities handshake failed", zap.Error(err))
		return nil, true
	}
	return fromInitialize(resp), false
}

func fromInitialize(resp *claudewire.InitializeResponse) *session.Capabilities {
	caps := &session.Capabilities{Account: resp.Account}
	for _, c := range resp.Commands {
		caps.Commands = append(caps.Commands, session.Command{
			Name:         c.Name,
			Description:  c.Description,
			ArgumentHint: c.ArgumentHint,
		})
	}
	for _, m := range resp.Models {
		caps.Models = append(caps.Models, session.Model{ID: m.ID, DisplayName: m.DisplayName})
	}
	return caps
}

// commandsFromAny tolerates both typed slices and JSON-decoded shapes.
func commandsFromAny(raw any) []session.Command {
	switch v := raw.(type) {
	case []session.Command:
		return v
	case []map[string]any:
		out := make([]session.Command, 0, len(v))
		for _, e := range v {
			out = append(out, session.Command{
				Name:         str(e["name"]),
				Description:  str(e["description"]),
				ArgumentHint: str(e["argument_hint"]),
			})
		}
		return out
	case []any:
		out := make([]session.Command, 0, len(v))
		for _, raw := range v {
			if e, ok := raw.(map[string]any); ok {
				out = append(out, session.Command{
					Name:         str(e["name"]),
					Description:  str(e["description"]),
					ArgumentHint: str(e["argument_hint"]),
				})
			}
		}
		return out
	}
	return nil
}

func modelsFromAny(raw any) []session.Model {
	switch v := raw.(type) {
	case []session.Model:
		return v
	case []map[string]any:
		out := make([]session.Model, 0, len(v))
		for _, e := range v {
			out = append(out, session.Model{ID: str(e["id"]), DisplayName: str(e["display_name"])})
		}
		return out
	case []any:
		out := make([]session.Model, 0, len(v))
		for _, raw := range v {
			if e, ok := raw.(map[string]any); ok {
				out = append(out, session.Model{ID: str(e["id"]), DisplayName: str(e["display_name"])})
			}
		}
		return out
	}
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
