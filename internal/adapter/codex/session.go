package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/pkg/codexrpc"
)

const messageBufferSize = 256

// Session is one Codex thread bound to a spawned app-server.
type Session struct {
	id     string
	proc   Proc
	client *codexrpc.Client
	gate   adapter.PermissionGate
	logger *logger.Logger

	mu sync.Mutex
	// threadID is written by both the connect path and the RPC read
	// goroutine (thread/started notification).
	threadID string
	model    string // model for the next turn; set_model takes effect lazily

	// in receives translated messages from the RPC read goroutine; a
	// forwarder moves them to msgs so exactly one goroutine closes msgs.
	in        chan *message.Message
	msgs      chan *message.Message
	done      chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(ctx context.Context, sessionID string, proc Proc, opts adapter.ConnectOptions, log *logger.Logger) (*Session, error) {
	bg, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     sessionID,
		proc:   proc,
		gate:   opts.Permissions,
		logger: log.WithSessionID(sessionID),
		model:  opts.Model,
		in:     make(chan *message.Message, messageBufferSize),
		msgs:   make(chan *message.Message, messageBufferSize),
		done:   make(chan struct{}),
		ctx:    bg,
		cancel: cancel,
	}
	s.client = codexrpc.NewClient(proc.Stdin(), proc.Stdout(), log)
	s.client.SetNotificationHandler(s.handleNotification)
	s.client.SetRequestHandler(s.handleRequest)
	s.client.Start(bg)

	if err := s.handshake(ctx, opts); err != nil {
		cancel()
		s.client.Stop()
		return nil, err
	}

	go s.forward()
	go s.watchExit()
	return s, nil
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

func (s *Session) handshake(ctx context.Context, opts adapter.ConnectOptions) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	resp, err := s.client.Call(hctx, codexrpc.MethodInitialize, &codexrpc.InitializeParams{
		ClientInfo: &codexrpc.ClientInfo{Name: "agentrelay", Version: "1"},
	})
	if err != nil {
		return fmt.Errorf("initialize failed: %w", adapter.ErrBackendUnavailable)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize rejected: %s: %w", resp.Error.Message, adapter.ErrBackendUnavailable)
	}
	if err := s.client.Notify(codexrpc.MethodInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized: %w", err)
	}

	if opts.ResumeSessionID != "" {
		resp, err = s.client.Call(hctx, codexrpc.MethodThreadResume, &codexrpc.ThreadResumeParams{
			ThreadID: opts.ResumeSessionID,
		})
	} else {
		resp, err = s.client.Call(hctx, codexrpc.MethodThreadStart, &codexrpc.ThreadStartParams{
			Model: opts.Model,
			Cwd:   opts.Cwd,
		})
	}
	if err != nil {
		return fmt.Errorf("thread start failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("thread start rejected: %s", resp.Error.Message)
	}
	var started codexrpc.ThreadStartResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &started); err != nil {
			return fmt.Errorf("failed to decode thread start result: %w", err)
		}
	}
	if started.ThreadID == "" && opts.ResumeSessionID != "" {
		started.ThreadID = opts.ResumeSessionID
	}
	s.setThreadID(started.ThreadID)

	s.emitInit(hctx, opts)
	return nil
}

// emitInit synthesizes the session_init message Codex never sends,
// enriched with its model and account listings.
func (s *Session) emitInit(ctx context.Context, opts adapter.ConnectOptions) {
	init := message.New(message.TypeSessionInit, message.RoleSystem)
	init.SetMeta(message.MetaBackendSessionID, s.getThreadID())
	init.SetMeta(message.MetaCwd, opts.Cwd)
	if opts.Model != "" {
		init.SetMeta(message.MetaModel, opts.Model)
	}

	if resp, err := s.client.Call(ctx, codexrpc.MethodModelList, nil); err == nil && resp.Error == nil {
		var list codexrpc.ModelListResult
		if json.Unmarshal(resp.Result, &list) == nil && len(list.Models) > 0 {
			models := make([]map[string]any, 0, len(list.Models))
			for _, m := range list.Models {
				models = append(models, map[string]any{"id": m.ID, "display_name": m.DisplayName})
			}
			init.SetMeta(message.MetaModels, models)
		}
	}
	if resp, err := s.client.Call(ctx, codexrpc.MethodAccountRead, nil); err == nil && resp.Error == nil {
		var account map[string]any
		if json.Unmarshal(resp.Result, &account) == nil && len(account) > 0 {
			init.SetMeta(message.MetaAccount, account)
		}
	}
	s.deliver(init)
}

func (s *Session) SessionID() string { return s.id }

func (s *Session) getThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// setThreadID records the backend thread id, ignoring empty values so a
// late empty result cannot clobber an id already delivered by the
// thread/started notification.
func (s *Session) setThreadID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.threadID = id
	s.mu.Unlock()
}

// Send maps unified commands onto thread and turn calls.
func (s *Session) Send(msg *message.Message) error {
	select {
	case <-s.done:
		return adapter.ErrSessionClosed
	default:
	}

	switch msg.Type {
	case message.TypeUserMessage:
		return s.startTurn(msg)

	case message.TypeInterrupt:
		go func() {
			if _, err := s.client.Call(s.ctx, codexrpc.MethodTurnInterrupt, &codexrpc.TurnInterruptParams{
				ThreadID: s.getThreadID(),
			}); err != nil {
				s.logger.Warn("turn interrupt failed", zap.Error(err))
			}
		}()
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

func (s *Session) startTurn(msg *message.Message) error {
	input := make([]codexrpc.TurnInput, 0, len(msg.Content))
	for _, c := range msg.Content {
		switch c.Type {
		case message.ContentText:
			input = append(input, codexrpc.TurnInput{Type: "text", Text: c.Text})
		case message.ContentImage:
			input = append(input, codexrpc.TurnInput{
				Type:     "image",
				ImageURL: "data:" + c.MediaType + ";base64," + c.Data,
			})
		}
	}
	s.mu.Lock()
	model := s.model
	threadID := s.threadID
	s.mu.Unlock()

	go func() {
		resp, err := s.client.Call(s.ctx, codexrpc.MethodTurnStart, &codexrpc.TurnStartParams{
			ThreadID: threadID,
			Input:    input,
			Model:    model,
		})
		if err != nil {
			s.logger.Warn("turn start failed", zap.Error(err))
			return
		}
		if resp.Error != nil {
			s.emitError(resp.Error.Message, "")
		}
	}()
	return nil
}

// SendRaw is not supported; the stdio channel is owned by the RPC client.
func (s *Session) SendRaw(string) error { return adapter.ErrUnsupported }

func (s *Session) Messages() <-chan *message.Message { return s.msgs }

// Close kills the app-server. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.client.Stop()
		err = s.proc.Kill()
	})
	return err
}

func (s *Session) watchExit() {
	select {
	case <-s.proc.Done():
		s.logger.Info("codex app-server exited")
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

func (s *Session) emitError(msg, code string) {
	m := message.New(message.TypeResult, message.RoleSystem, message.Text(msg))
	m.SetMeta(message.MetaIsError, true)
	if kind := adapter.ClassifyError(msg, code); kind != "" {
		m.SetMeta(message.MetaErrorKind, kind)
	}
	s.deliver(m)
}

func (s *Session) handleNotification(method string, params json.RawMessage) {
	switch method {
	case codexrpc.NotifyThreadStarted:
		var n codexrpc.ThreadStartedNotification
		if json.Unmarshal(params, &n) == nil {
			s.setThreadID(n.ThreadID)
		}

	case codexrpc.NotifyTurnStarted:
		m := message.New(message.TypeStatusChange, message.RoleSystem)
		m.SetMeta(message.MetaStatus, message.StatusRunning)
		s.deliver(m)

	case codexrpc.NotifyTurnCompleted:
		var n codexrpc.TurnCompletedNotification
		m := message.New(message.TypeResult, message.RoleSystem)
		m.SetMeta(message.MetaIsError, false)
		if json.Unmarshal(params, &n) == nil && n.Usage != nil {
			m.SetMeta(message.MetaUsage, map[string]any{
				"input_tokens":  n.Usage.InputTokens,
				"output_tokens": n.Usage.OutputTokens,
				"cached_tokens": n.Usage.CachedTokens,
			})
		}
		s.deliver(m)

	case codexrpc.NotifyItemAgentMessageDelta:
		var n codexrpc.AgentMessageDeltaNotification
		if json.Unmarshal(params, &n) != nil {
			return
		}
		m := message.New(message.TypeStreamEvent, message.RoleAssistant)
		m.SetMeta(message.MetaEvent, map[string]any{
			"type":    "agent_message_delta",
			"item_id": n.ItemID,
			"delta":   n.Delta,
		})
		s.deliver(m)

	case codexrpc.NotifyItemStarted, codexrpc.NotifyItemCompleted:
		var n codexrpc.ItemNotification
		if json.Unmarshal(params, &n) != nil {
			return
		}
		if m := s.itemToUnified(method, &n.Item); m != nil {
			s.deliver(m)
		}

	case codexrpc.NotifyError:
		var n codexrpc.ErrorNotification
		if json.Unmarshal(params, &n) != nil {
			return
		}
		s.emitError(n.Message, n.Code)

	case codexrpc.NotifyContextCompacted:
		m := message.New(message.TypeStatusChange, message.RoleSystem)
		m.SetMeta(message.MetaStatus, message.StatusCompacting)
		s.deliver(m)
	}
}

// itemToUnified maps thread items onto assistant content. Command and
// file-change items become tool_use on start and tool_result on
// completion so consumers render them like any other tool call.
func (s *Session) itemToUnified(method string, item *codexrpc.ThreadItem) *message.Message {
	completed := method == codexrpc.NotifyItemCompleted

	switch item.Type {
	case "agentMessage":
		if !completed {
			return nil
		}
		m := message.New(message.TypeAssistant, message.RoleAssistant, message.Text(item.Text))
		m.SetMeta(message.MetaMessageID, item.ID)
		return m

	case "reasoning":
		if !completed {
			return nil
		}
		m := message.New(message.TypeStreamEvent, message.RoleAssistant)
		m.SetMeta(message.MetaEvent, map[string]any{
			"type":    "reasoning",
			"item_id": item.ID,
			"text":    item.Text,
		})
		return m

	case "commandExecution":
		if !completed {
			return message.New(message.TypeAssistant, message.RoleAssistant,
				message.ToolUse(item.ID, "commandExecution", map[string]any{"command": item.Command}))
		}
		isError := item.ExitCode != nil && *item.ExitCode != 0
		return message.New(message.TypeUserMessage, message.RoleTool,
			message.ToolResult(item.ID, item.Output, isError))

	case "fileChange":
		if !completed {
			return message.New(message.TypeAssistant, message.RoleAssistant,
				message.ToolUse(item.ID, "fileChange", nil))
		}
		return message.New(message.TypeUserMessage, message.RoleTool,
			message.ToolResult(item.ID, item.Status, false))

	case "mcpToolCall":
		if !completed {
			return message.New(message.TypeAssistant, message.RoleAssistant,
				message.ToolUse(item.ID, "mcpToolCall", nil))
		}
		return message.New(message.TypeUserMessage, message.RoleTool,
			message.ToolResult(item.ID, item.Output, false))

	default:
		return nil
	}
}

// handleRequest answers approval requests through the permission gate.
func (s *Session) handleRequest(id any, method string, params json.RawMessage) {
	switch method {
	case codexrpc.RequestCmdExecApproval, codexrpc.RequestFileChangeApproval:
		go s.resolveApproval(id, method, params)
	default:
		if err := s.client.SendResponse(id, nil, &codexrpc.Error{
			Code:    codexrpc.MethodNotFound,
			Message: "Method not found",
		}); err != nil {
			s.logger.Warn("failed to reject server request", zap.Error(err))
		}
	}
}

func (s *Session) resolveApproval(id any, method string, params json.RawMessage) {
	var req codexrpc.ApprovalRequestParams
	if err := json.Unmarshal(params, &req); err != nil {
		s.logger.Warn("failed to parse approval request", zap.Error(err))
		_ = s.client.SendResponse(id, nil, &codexrpc.Error{Code: codexrpc.InvalidParams, Message: "invalid params"})
		return
	}

	toolName := "commandExecution"
	input := map[string]any{"command": req.Command, "cwd": req.Cwd}
	if method == codexrpc.RequestFileChangeApproval {
		toolName = "fileChange"
		input = map[string]any{"cwd": req.Cwd}
		if len(req.Changes) > 0 {
			var changes any
			if json.Unmarshal(req.Changes, &changes) == nil {
				input["changes"] = changes
			}
		}
	}

	decision := adapter.PermissionDecision{Behavior: "allow"}
	if s.gate != nil {
		decision = s.gate.CanUseTool(s.ctx, s.id, toolName, input, adapter.PermissionOptions{
			ToolUseID: req.ItemID,
		})
	}

	result := codexrpc.ApprovalResponse{Decision: "approved"}
	if decision.Behavior != "allow" {
		result.Decision = "denied"
	}
	if err := s.client.SendResponse(id, &result, nil); err != nil {
		s.logger.Warn("failed to send approval response", zap.Error(err))
	}
}
