package manager

import (
	"context"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/broker/frames"
	"github.com/agentrelay/agentrelay/internal/broker/registry"
	"github.com/agentrelay/agentrelay/internal/events"
	"github.com/agentrelay/agentrelay/internal/events/bus"
)

// outputRing keeps the most recent process output lines for replay.
type outputRing struct {
	max   int
	lines []ProcessLine
}

// ProcessLine is one captured line of backend process output.
type ProcessLine struct {
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

func (r *outputRing) append(stream, line string) {
	r.lines = append(r.lines, ProcessLine{Stream: stream, Line: line})
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
}

// ProcessLog returns the buffered output lines for one session.
func (m *Manager) ProcessLog(sessionID string) []ProcessLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, ok := m.rings[sessionID]
	if !ok {
		return nil
	}
	out := make([]ProcessLine, len(ring.lines))
	copy(out, ring.lines)
	return out
}

func (m *Manager) recordOutput(sessionID, stream, line string) {
	m.mu.Lock()
	ring, ok := m.rings[sessionID]
	if !ok {
		max := m.cfg.Session.ProcessLogMaxLines
		if max <= 0 {
			max = 500
		}
		ring = &outputRing{max: max}
		m.rings[sessionID] = ring
	}
	ring.append(stream, line)
	m.mu.Unlock()
}

func (m *Manager) subscribe() error {
	handlers := map[string]bus.EventHandler{
		events.BuildRelaunchNeededWildcardSubject():     m.onRelaunchNeeded,
		events.BuildFirstTurnCompletedWildcardSubject(): m.onFirstTurnCompleted,
		events.BuildProcessStdoutWildcardSubject():      m.onProcessOutput,
		events.BuildProcessStderrWildcardSubject():      m.onProcessOutput,
		events.BuildProcessExitedWildcardSubject():      m.onProcessExited,
		events.BuildResumeFailedWildcardSubject():       m.onResumeFailed,
	}
	for subject, handler := range handlers {
		sub, err := m.deps.Bus.Subscribe(subject, handler)
		if err != nil {
			return err
		}
		m.subs = append(m.subs, sub)
	}
	return nil
}

func eventSessionID(event *bus.Event) string {
	id, _ := event.Data["session_id"].(string)
	return id
}

func (m *Manager) onRelaunchNeeded(_ context.Context, event *bus.Event) error {
	if id := eventSessionID(event); id != "" {
		m.handleRelaunchNeeded(id)
	}
	return nil
}

// onFirstTurnCompleted names an anonymous session after its first user
// message, truncated on a rune boundary.
func (m *Manager) onFirstTurnCompleted(_ context.Context, event *bus.Event) error {
	sessionID := eventSessionID(event)
	if sessionID == "" {
		return nil
	}
	rt, ok := m.Runtime(sessionID)
	if !ok {
		return nil
	}
	if m.repo.Name(sessionID) != "" {
		return nil
	}

	name, _ := event.Data["first_user_message"].(string)
	if name == "" {
		if first := rt.Session().FirstUserMessage(); first != nil {
			name = first.JoinedText()
		}
	}
	name = truncateRunes(name, m.nameMaxRunes())
	if name == "" {
		return nil
	}

	m.repo.SetName(sessionID, name)
	m.deps.Broadcaster.Broadcast(rt.Session(), frames.SessionNameUpdate(name))
	m.repo.Persist(rt.Session())
	m.logger.Debug("session named from first turn",
		zap.String("session_id", sessionID), zap.String("name", name))
	return nil
}

func (m *Manager) onProcessOutput(_ context.Context, event *bus.Event) error {
	sessionID := eventSessionID(event)
	if sessionID == "" {
		return nil
	}
	stream, _ := event.Data["stream"].(string)
	line, _ := event.Data["line"].(string)
	m.recordOutput(sessionID, stream, line)

	if rt, ok := m.Runtime(sessionID); ok {
		m.deps.Broadcaster.BroadcastToParticipants(rt.Session(), frames.ProcessOutput(stream, line))
	}
	return nil
}

func (m *Manager) onProcessExited(_ context.Context, event *bus.Event) error {
	sessionID := eventSessionID(event)
	if sessionID == "" {
		return nil
	}
	if entry := m.reg.Get(sessionID); entry != nil && entry.Phase != registry.PhaseStopped {
		m.reg.SetPhase(sessionID, registry.PhaseStopped)
	}
	return nil
}

// onResumeFailed tells consumers the backend could not pick up the
// prior conversation and drops the stale backend id so the next launch
// starts fresh.
func (m *Manager) onResumeFailed(_ context.Context, event *bus.Event) error {
	sessionID := eventSessionID(event)
	if sessionID == "" {
		return nil
	}
	rt, ok := m.Runtime(sessionID)
	if !ok {
		return nil
	}
	reason, _ := event.Data["reason"].(string)
	if reason == "" {
		reason = "backend could not resume the previous conversation"
	}

	rt.ClearBackendSessionID()
	s := rt.Session()
	m.deps.Broadcaster.Broadcast(s, frames.ResumeFailed(reason))
	m.repo.Persist(s)
	return nil
}

func (m *Manager) nameMaxRunes() int {
	if m.cfg.Session.NameFromFirstTurnMaxRunes > 0 {
		return m.cfg.Session.NameFromFirstTurnMaxRunes
	}
	return 80
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
