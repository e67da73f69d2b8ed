// Package slash resolves /commands through three tiers: an adapter-owned
// executor, relay-side emulated built-ins, and native passthrough to the
// CLI with echo interception.
package slash

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/pkg/protocol"
)

// Outcome is the resolution of one slash command.
type Outcome struct {
	Source string // protocol.SlashSource*
	Result string
	Err    error

	// Passthrough is set when the command must be forwarded to the CLI
	// as a raw user message; the descriptor correlates the echo.
	Passthrough *session.Passthrough
}

// Service tracks per-session command registries and resolves commands.
type Service struct {
	mu         sync.RWMutex
	registries map[string][]session.Command

	logger *logger.Logger
}

// NewService creates the service.
func NewService(log *logger.Logger) *Service {
	return &Service{
		registries: make(map[string][]session.Command),
		logger:     log,
	}
}

// Rebuild replaces a session's registry from session_init state. Skills
// surface as /skill-name commands.
func (s *Service) Rebuild(sessionID string, state session.State) {
	commands := make([]session.Command, 0, len(state.SlashCommands)+len(state.Skills))
	for _, name := range state.SlashCommands {
		commands = append(commands, session.Command{Name: strings.TrimPrefix(name, "/")})
	}
	for _, skill := range state.Skills {
		commands = append(commands, session.Command{
			Name:        strings.TrimPrefix(skill, "/"),
			Description: "Skill",
		})
	}
	s.mu.Lock()
	s.registries[sessionID] = commands
	s.mu.Unlock()
}

// Enrich merges capability-handshake commands into the registry,
// preferring the richer descriptions.
func (s *Service) Enrich(sessionID string, commands []session.Command) {
	if len(commands) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.registries[sessionID]
	byName := make(map[string]int, len(existing))
	for i, c := range existing {
		byName[c.Name] = i
	}
	for _, c := range commands {
		c.Name = strings.TrimPrefix(c.Name, "/")
		if i, ok := byName[c.Name]; ok {
			existing[i] = c
			continue
		}
		existing = append(existing, c)
	}
	s.registries[sessionID] = existing
}

// Commands returns the registry sorted by name.
func (s *Service) Commands(sessionID string) []session.Command {
	s.mu.RLock()
	out := append([]session.Command(nil), s.registries[sessionID]...)
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Drop forgets a closed session's registry.
func (s *Service) Drop(sessionID string) {
	s.mu.Lock()
	delete(s.registries, sessionID)
	s.mu.Unlock()
}

// Execute resolves a command through the tiers. slashRequestID is the
// consumer-supplied correlation id, may be empty.
func (s *Service) Execute(ctx context.Context, sess *session.Session, command, slashRequestID string) Outcome {
	name, _ := Split(command)

	// Tier 1: adapter-owned executor.
	if sess.SlashExecutor != nil {
		result, claimed, err := sess.SlashExecutor.ExecuteSlash(ctx, sess.ID, command)
		if claimed {
			if err != nil {
				return Outcome{Source: protocol.SlashSourceAdapter, Err: err}
			}
			return Outcome{Source: protocol.SlashSourceAdapter, Result: result}
		}
	}

	// Tier 2: emulated built-ins.
	if result, ok := s.emulate(sess, name); ok {
		return Outcome{Source: protocol.SlashSourceEmulated, Result: result}
	}

	// Tier 3: native passthrough.
	if sess.SupportsSlashPassthrough {
		return Outcome{
			Source: protocol.SlashSourceCLI,
			Passthrough: &session.Passthrough{
				Command:        command,
				RequestID:      uuid.New().String(),
				SlashRequestID: slashRequestID,
				TraceID:        traceID(ctx),
				StartedAtMs:    time.Now().UnixMilli(),
			},
		}
	}

	return Outcome{Err: fmt.Errorf("unknown command: /%s", name)}
}

// emulate services the relay-side built-ins.
func (s *Service) emulate(sess *session.Session, name string) (string, bool) {
	switch name {
	case "help":
		commands := s.Commands(sess.ID)
		if len(commands) == 0 {
			return "No commands available for this session.", true
		}
		var b strings.Builder
		b.WriteString("Available commands:\n")
		for _, c := range commands {
			b.WriteString("/")
			b.WriteString(c.Name)
			if c.ArgumentHint != "" {
				b.WriteString(" ")
				b.WriteString(c.ArgumentHint)
			}
			if c.Description != "" {
				b.WriteString(" - ")
				b.WriteString(c.Description)
			}
			b.WriteString("\n")
		}
		return strings.TrimRight(b.String(), "\n"), true
	case "clear":
		// Caller holds the runtime lock for the session.
		n := len(sess.MessageHistory)
		sess.MessageHistory = nil
		return fmt.Sprintf("Cleared %d messages from history.", n), true
	case "status":
		return fmt.Sprintf("adapter=%s model=%s mode=%s status=%s",
			sess.AdapterName, sess.State.Model, sess.State.PermissionMode, sess.LastStatus), true
	}
	return "", false
}

// Split separates a /command into name and arguments.
func Split(command string) (name, args string) {
	command = strings.TrimSpace(strings.TrimPrefix(command, "/"))
	if i := strings.IndexByte(command, ' '); i >= 0 {
		return command[:i], strings.TrimSpace(command[i+1:])
	}
	return command, ""
}

// IsCommand reports whether a consumer message is a slash command.
func IsCommand(content string) bool {
	return strings.HasPrefix(content, "/") && len(strings.TrimSpace(content)) > 1
}

// StripLocalOutput unwraps the <local-command-stdout> envelope the CLI
// wraps around echoed command output. Input without the envelope passes
// through unchanged.
func StripLocalOutput(text string) string {
	const openTag, closeTag = "<local-command-stdout>", "</local-command-stdout>"
	start := strings.Index(text, openTag)
	if start < 0 {
		return text
	}
	rest := text[start+len(openTag):]
	end := strings.Index(rest, closeTag)
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// Capable reports whether the adapter supports native passthrough.
func Capable(caps adapter.Capabilities) bool {
	return caps.SlashCommands
}

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
