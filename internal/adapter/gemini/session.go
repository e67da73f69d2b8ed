package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/pkg/sse"
)

const messageBufferSize = 256

// turnRequest is the POST /v1/chat body.
type turnRequest struct {
	SessionID string      `json:"session_id"`
	Model     string      `json:"model,omitempty"`
	Content   []turnBlock `json:"content"`
}

type turnBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// streamPayload is the data body of one SSE event from the bridge.
type streamPayload struct {
	SessionID string         `json:"session_id,omitempty"`
	Model     string         `json:"model,omitempty"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Message   string         `json:"message,omitempty"`
	Code      string         `json:"code,omitempty"`
	Usage     map[string]any `json:"usage,omitempty"`
}

// Session is one conversation against a spawned bridge process.
type Session struct {
	id     string
	proc   Proc
	hc     *http.Client
	logger *logger.Logger

	mu         sync.Mutex
	model      string
	backendID  string
	turnCancel context.CancelFunc // cancels the in-flight turn, nil between turns

	in   chan *message.Message
	msgs chan *message.Message
	done chan struct{}
	once sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(sessionID string, proc Proc, hc *http.Client, opts adapter.ConnectOptions, log *logger.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        sessionID,
		proc:      proc,
		hc:        hc,
		logger:    log.WithSessionID(sessionID),
		model:     opts.Model,
		backendID: sessionID,
		in:        make(chan *message.Message, messageBufferSize),
		msgs:      make(chan *message.Message, messageBufferSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	go s.forward()
	go s.watchExit()

	init := message.New(message.TypeSessionInit, message.RoleSystem)
	init.SetMeta(message.MetaBackendSessionID, s.backendID)
	init.SetMeta(message.MetaCwd, opts.Cwd)
	if opts.Model != "" {
		init.SetMeta(message.MetaModel, opts.Model)
	}
	s.deliver(init)
	return s
}

func (s *Session) SessionID() string { return s.id }

func (s *Session) Send(msg *message.Message) error {
	select {
	case <-s.done:
		return adapter.ErrSessionClosed
	default:
	}

	switch msg.Type {
	case message.TypeUserMessage:
		go s.runTurn(msg)
		return nil

	case message.TypeInterrupt:
		s.mu.Lock()
		cancel := s.turnCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		go s.postInterrupt()
		return nil

	case message.TypeSetModel:
		s.mu.Lock()
		s.model = msg.MetaString(message.MetaModel)
		s.mu.Unlock()
		return nil

	default:
		return adapter.ErrUnsupported
	}
}

// SendRaw is not supported; the bridge has no raw channel.
func (s *Session) SendRaw(string) error { return adapter.ErrUnsupported }

func (s *Session) Messages() <-chan *message.Message { return s.msgs }

// Close kills the bridge process. Idempotent.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		err = s.proc.Kill()
	})
	return err
}

func (s *Session) forward() {
	for {
		select {
		case <-s.done:
			close(s.msgs)
			return
		case m := <-s.in:
			select {
			case s.msgs <- m:
			case <-s.done:
				close(s.msgs)
				return
			}
		}
	}
}

func (s *Session) watchExit() {
	select {
	case <-s.proc.Done():
		s.logger.Info("gemini bridge exited")
		if err := s.Close(); err != nil {
			s.logger.Warn("close after exit failed", zap.Error(err))
		}
	case <-s.done:
	}
}

func (s *Session) deliver(m *message.Message) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.in <- m:
	case <-s.done:
	default:
		s.logger.Warn("dropping backend message, buffer full", zap.String("type", m.Type))
	}
}

// runTurn posts the prompt and consumes the response SSE stream until the
// bridge sends result or error.
func (s *Session) runTurn(msg *message.Message) {
	turnCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.mu.Lock()
	s.turnCancel = cancel
	model := s.model
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.turnCancel != nil {
			s.turnCancel = nil
		}
		s.mu.Unlock()
	}()

	blocks := make([]turnBlock, 0, len(msg.Content))
	for _, c := range msg.Content {
		switch c.Type {
		case message.ContentText:
			blocks = append(blocks, turnBlock{Type: "text", Text: c.Text})
		case message.ContentImage:
			blocks = append(blocks, turnBlock{Type: "image", MediaType: c.MediaType, Data: c.Data})
		}
	}
	body, err := json.Marshal(turnRequest{SessionID: s.backendID, Model: model, Content: blocks})
	if err != nil {
		s.emitError(fmt.Sprintf("failed to encode turn: %v", err), "")
		return
	}

	req, err := http.NewRequestWithContext(turnCtx, http.MethodPost, s.proc.BaseURL()+"/v1/chat", bytes.NewReader(body))
	if err != nil {
		s.emitError(err.Error(), "")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	status := message.New(message.TypeStatusChange, message.RoleSystem)
	status.SetMeta(message.MetaStatus, message.StatusRunning)
	s.deliver(status)

	resp, err := s.hc.Do(req)
	if err != nil {
		if turnCtx.Err() != nil {
			// interrupted; the bridge aborts the turn server-side
			return
		}
		s.emitError(err.Error(), "")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.emitError(string(data), fmt.Sprintf("%d", resp.StatusCode))
		return
	}

	s.consumeStream(turnCtx, resp.Body)
}

func (s *Session) consumeStream(ctx context.Context, body io.Reader) {
	reader := sse.NewReader(body)
	sawTerminal := false
	for {
		event, err := reader.Next(ctx)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.emitError(fmt.Sprintf("stream read failed: %v", err), "")
			} else if !sawTerminal && ctx.Err() == nil {
				// stream ended without a result; surface it so the turn
				// does not hang in running state
				s.emitError("stream ended unexpectedly", "")
			}
			return
		}
		if s.handleEvent(event) {
			sawTerminal = true
		}
	}
}

// handleEvent translates one SSE event; reports whether it was terminal.
func (s *Session) handleEvent(event *sse.Event) bool {
	var p streamPayload
	if event.Data != "" {
		if err := json.Unmarshal([]byte(event.Data), &p); err != nil {
			s.logger.Warn("failed to parse stream payload",
				zap.String("event", event.Event), zap.Error(err))
			return false
		}
	}

	switch event.Event {
	case "init":
		if p.SessionID != "" {
			s.mu.Lock()
			s.backendID = p.SessionID
			s.mu.Unlock()
		}
		return false

	case "delta", "thought":
		m := message.New(message.TypeStreamEvent, message.RoleAssistant)
		m.SetMeta(message.MetaEvent, map[string]any{"type": event.Event, "text": p.Text})
		s.deliver(m)
		return false

	case "message":
		m := message.New(message.TypeAssistant, message.RoleAssistant, message.Text(p.Text))
		if p.ID != "" {
			m.SetMeta(message.MetaMessageID, p.ID)
		}
		s.deliver(m)
		return false

	case "tool":
		s.deliver(message.New(message.TypeAssistant, message.RoleAssistant,
			message.ToolUse(p.ID, p.Name, p.Input)))
		return false

	case "tool_result":
		s.deliver(message.New(message.TypeUserMessage, message.RoleTool,
			message.ToolResult(p.ID, p.Output, p.IsError)))
		return false

	case "result":
		m := message.New(message.TypeResult, message.RoleSystem)
		m.SetMeta(message.MetaIsError, false)
		if p.Usage != nil {
			m.SetMeta(message.MetaUsage, p.Usage)
		}
		s.deliver(m)
		return true

	case "error":
		s.emitError(p.Message, p.Code)
		return true

	default:
		s.logger.Debug("unhandled stream event", zap.String("event", event.Event))
		return false
	}
}

func (s *Session) postInterrupt() {
	body, _ := json.Marshal(map[string]string{"session_id": s.backendID})
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.proc.BaseURL()+"/v1/interrupt", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.hc.Do(req)
	if err != nil {
		s.logger.Warn("interrupt post failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}

func (s *Session) emitError(msg, code string) {
	m := message.New(message.TypeResult, message.RoleSystem, message.Text(msg))
	m.SetMeta(message.MetaIsError, true)
	if kind := adapter.ClassifyError(msg, code); kind != "" {
		m.SetMeta(message.MetaErrorKind, kind)
	}
	s.deliver(m)
}
