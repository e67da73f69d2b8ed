package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	acpsdk "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/message"
)

const messageBufferSize = 256

// Session is one ACP agent conversation.
type Session struct {
	id     string
	proc   Proc
	conn   *acpsdk.ClientSideConnection
	logger *logger.Logger

	agentSessionID string

	mu         sync.Mutex
	turnText   strings.Builder // accumulated message chunks of the running turn
	turnCancel context.CancelFunc

	in   chan *message.Message
	msgs chan *message.Message
	done chan struct{}
	once sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(ctx context.Context, sessionID string, proc Proc, opts adapter.ConnectOptions, log *logger.Logger) (*Session, error) {
	bg, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     sessionID,
		proc:   proc,
		logger: log.WithSessionID(sessionID),
		in:     make(chan *message.Message, messageBufferSize),
		msgs:   make(chan *message.Message, messageBufferSize),
		done:   make(chan struct{}),
		ctx:    bg,
		cancel: cancel,
	}

	cl := &client{
		sessionID: sessionID,
		cwd:       opts.Cwd,
		gate:      opts.Permissions,
		onUpdate:  s.handleUpdate,
		logger:    s.logger,
	}
	s.conn = acpsdk.NewClientSideConnection(cl, proc.Stdin(), proc.Stdout())

	if err := s.handshake(ctx, opts); err != nil {
		cancel()
		return nil, err
	}

	go s.forward()
	go s.watchExit()
	return s, nil
}

func (s *Session) handshake(ctx context.Context, opts adapter.ConnectOptions) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	initResp, err := s.conn.Initialize(hctx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientInfo: &acpsdk.Implementation{
			Name:    "agentrelay",
			Version: "1.0.0",
		},
	})
	if err != nil {
		return fmt.Errorf("acp initialize failed: %w", adapter.ErrBackendUnavailable)
	}

	if opts.ResumeSessionID != "" && initResp.AgentCapabilities.LoadSession {
		if _, err := s.conn.LoadSession(hctx, acpsdk.LoadSessionRequest{
			SessionId: acpsdk.SessionId(opts.ResumeSessionID),
		}); err != nil {
			return fmt.Errorf("acp session load failed: %w", err)
		}
		s.agentSessionID = opts.ResumeSessionID
	} else {
		resp, err := s.conn.NewSession(hctx, acpsdk.NewSessionRequest{
			Cwd:        opts.Cwd,
			McpServers: []acpsdk.McpServer{},
		})
		if err != nil {
			return fmt.Errorf("acp session create failed: %w", err)
		}
		s.agentSessionID = string(resp.SessionId)
	}

	init := message.New(message.TypeSessionInit, message.RoleSystem)
	init.SetMeta(message.MetaBackendSessionID, s.agentSessionID)
	init.SetMeta(message.MetaCwd, opts.Cwd)
	if initResp.AgentInfo != nil {
		init.SetMeta(message.MetaVersion, initResp.AgentInfo.Name+"/"+initResp.AgentInfo.Version)
	}
	s.deliver(init)
	return nil
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
		go func() {
			if err := s.conn.Cancel(s.ctx, acpsdk.CancelNotification{
				SessionId: acpsdk.SessionId(s.agentSessionID),
			}); err != nil {
				s.logger.Warn("cancel notification failed", zap.Error(err))
			}
			if cancel != nil {
				cancel()
			}
		}()
		return nil

	default:
		return adapter.ErrUnsupported
	}
}

// SendRaw is not supported; the stdio channel is owned by the SDK.
func (s *Session) SendRaw(string) error { return adapter.ErrUnsupported }

func (s *Session) Messages() <-chan *message.Message { return s.msgs }

// Close kills the agent subprocess. Idempotent.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		err = s.proc.Kill()
	})
	return err
}

// runTurn sends the prompt and blocks until the agent finishes. Prompt
// returns only at end of turn, so completion maps directly to result.
func (s *Session) runTurn(msg *message.Message) {
	turnCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.mu.Lock()
	s.turnText.Reset()
	s.turnCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.turnCancel = nil
		s.mu.Unlock()
	}()

	prompt := make([]acpsdk.ContentBlock, 0, len(msg.Content))
	for _, c := range msg.Content {
		if c.Type == message.ContentText {
			prompt = append(prompt, acpsdk.TextBlock(c.Text))
		}
	}

	status := message.New(message.TypeStatusChange, message.RoleSystem)
	status.SetMeta(message.MetaStatus, message.StatusRunning)
	s.deliver(status)

	_, err := s.conn.Prompt(turnCtx, acpsdk.PromptRequest{
		SessionId: acpsdk.SessionId(s.agentSessionID),
		Prompt:    prompt,
	})

	s.mu.Lock()
	text := s.turnText.String()
	s.turnText.Reset()
	s.mu.Unlock()

	if text != "" {
		assistant := message.New(message.TypeAssistant, message.RoleAssistant, message.Text(text))
		s.deliver(assistant)
	}

	result := message.New(message.TypeResult, message.RoleSystem)
	if err != nil && turnCtx.Err() == nil {
		result.Content = []message.Content{message.Text(err.Error())}
		result.SetMeta(message.MetaIsError, true)
		if kind := adapter.ClassifyError(err.Error(), ""); kind != "" {
			result.SetMeta(message.MetaErrorKind, kind)
		}
	} else {
		result.SetMeta(message.MetaIsError, false)
	}
	s.deliver(result)
}

// handleUpdate translates SDK session notifications into unified messages.
func (s *Session) handleUpdate(n acpsdk.SessionNotification) {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text == nil {
			return
		}
		text := u.AgentMessageChunk.Content.Text.Text
		s.mu.Lock()
		s.turnText.WriteString(text)
		s.mu.Unlock()
		m := message.New(message.TypeStreamEvent, message.RoleAssistant)
		m.SetMeta(message.MetaEvent, map[string]any{"type": "agent_message_delta", "text": text})
		s.deliver(m)

	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text == nil {
			return
		}
		m := message.New(message.TypeStreamEvent, message.RoleAssistant)
		m.SetMeta(message.MetaEvent, map[string]any{
			"type": "reasoning",
			"text": u.AgentThoughtChunk.Content.Text.Text,
		})
		s.deliver(m)

	case u.ToolCall != nil:
		input := map[string]any{}
		if u.ToolCall.RawInput != nil {
			if m, ok := u.ToolCall.RawInput.(map[string]any); ok {
				input = m
			} else {
				input["raw_input"] = u.ToolCall.RawInput
			}
		}
		if u.ToolCall.Title != "" {
			input["title"] = u.ToolCall.Title
		}
		s.deliver(message.New(message.TypeAssistant, message.RoleAssistant,
			message.ToolUse(string(u.ToolCall.ToolCallId), string(u.ToolCall.Kind), input)))

	case u.ToolCallUpdate != nil:
		status := ""
		if u.ToolCallUpdate.Status != nil {
			status = string(*u.ToolCallUpdate.Status)
		}
		if status != "completed" && status != "failed" {
			return
		}
		output := ""
		if u.ToolCallUpdate.RawOutput != nil {
			if b, err := json.Marshal(u.ToolCallUpdate.RawOutput); err == nil {
				output = string(b)
			}
		}
		s.deliver(message.New(message.TypeUserMessage, message.RoleTool,
			message.ToolResult(string(u.ToolCallUpdate.ToolCallId), output, status == "failed")))

	case u.Plan != nil:
		entries := make([]map[string]any, 0, len(u.Plan.Entries))
		for _, e := range u.Plan.Entries {
			entries = append(entries, map[string]any{
				"content":  e.Content,
				"status":   string(e.Status),
				"priority": string(e.Priority),
			})
		}
		m := message.New(message.TypeStreamEvent, message.RoleAssistant)
		m.SetMeta(message.MetaEvent, map[string]any{"type": "plan", "entries": entries})
		s.deliver(m)
	}
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
		s.logger.Info("acp agent exited")
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
