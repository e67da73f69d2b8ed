package claude

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/pkg/claudewire"
)

const (
	messageBufferSize     = 256
	controlCallTimeout    = 30 * time.Second
	permissionGateTimeout = 120 * time.Second
)

// Session is one live CLI conversation over a delivered socket.
type Session struct {
	id     string
	sock   adapter.Socket
	client *claudewire.Client
	gate   adapter.PermissionGate
	logger *logger.Logger

	// in receives translated messages from the socket read goroutine; a
	// forwarder moves them to msgs so exactly one goroutine closes msgs.
	in   chan *message.Message
	msgs chan *message.Message
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(sessionID string, sock adapter.Socket, opts adapter.ConnectOptions, log *logger.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     sessionID,
		sock:   sock,
		gate:   opts.Permissions,
		logger: log.WithSessionID(sessionID),
		in:     make(chan *message.Message, messageBufferSize),
		msgs:   make(chan *message.Message, messageBufferSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	s.client = claudewire.NewClient(sock, log)
	s.client.SetMessageHandler(s.handleMessage)
	s.client.SetRequestHandler(s.handleControlRequest)
	go s.forward()
	// SetHandler replays frames the CLI sent before delivery.
	sock.SetHandler(s.client.HandleFrame)
	return s
}

// SessionID returns the relay session id, not the CLI-native one.
func (s *Session) SessionID() string { return s.id }

// Send translates a unified command onto the wire. Control-shaped
// commands run asynchronously; failures are logged, not returned, because
// the CLI acknowledges them out of band.
func (s *Session) Send(msg *message.Message) error {
	select {
	case <-s.done:
		return adapter.ErrSessionClosed
	default:
	}

	switch msg.Type {
	case message.TypeUserMessage:
		return s.client.SendUserMessage(userContent(msg))

	case message.TypeInterrupt:
		s.callAsync(&claudewire.ControlRequest{Subtype: claudewire.SubtypeInterrupt})
		return nil

	case message.TypeSetModel:
		s.callAsync(&claudewire.ControlRequest{
			Subtype: claudewire.SubtypeSetModel,
			Model:   msg.MetaString(message.MetaModel),
		})
		return nil

	case message.TypeSetPermissionMode:
		s.callAsync(&claudewire.ControlRequest{
			Subtype: claudewire.SubtypeSetPermissionMode,
			Mode:    msg.MetaString(message.MetaPermissionMode),
		})
		return nil

	default:
		return adapter.ErrUnsupported
	}
}

// SendRaw writes a pre-encoded protocol line unchanged.
func (s *Session) SendRaw(data string) error {
	select {
	case <-s.done:
		return adapter.ErrSessionClosed
	default:
	}
	return s.client.SendRaw(data)
}

// Messages yields translated backend traffic; closed on session teardown.
func (s *Session) Messages() <-chan *message.Message { return s.msgs }

// Close tears the session down. Idempotent.
func (s *Session) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	s.cancel()
	s.client.Close()
	return s.sock.Close()
}

// Initialize runs the capabilities handshake against the CLI.
func (s *Session) Initialize(ctx context.Context, timeout time.Duration) (*claudewire.InitializeResponse, error) {
	return s.client.Initialize(ctx, timeout)
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

func (s *Session) handleMessage(w *claudewire.Message) {
	m := toUnified(w)
	if m == nil {
		return
	}
	select {
	case s.in <- m:
	case <-s.done:
	default:
		s.logger.Warn("dropping backend message, buffer full", zap.String("type", m.Type))
	}
}

func (s *Session) handleControlRequest(requestID string, req *claudewire.ControlRequest) {
	switch req.Subtype {
	case claudewire.SubtypeCanUseTool:
		go s.resolvePermission(requestID, req)

	case claudewire.SubtypeHookCallback:
		// Hooks are not configured; acknowledge so the CLI does not stall.
		if err := s.client.SendControlResponse(requestID, &claudewire.ControlResponse{
			Subtype: claudewire.ResponseSuccess,
		}); err != nil {
			s.logger.Warn("failed to ack hook callback", zap.Error(err))
		}

	default:
		s.logger.Debug("unhandled control request from cli", zap.String("subtype", req.Subtype))
		if err := s.client.SendControlResponse(requestID, &claudewire.ControlResponse{
			Subtype: claudewire.ResponseError,
			Error:   "unsupported control request: " + req.Subtype,
		}); err != nil {
			s.logger.Warn("failed to reject control request", zap.Error(err))
		}
	}
}

// resolvePermission blocks on the permission gate and answers the CLI. A
// nil gate allows everything, which only happens in tests.
func (s *Session) resolvePermission(requestID string, req *claudewire.ControlRequest) {
	decision := adapter.PermissionDecision{Behavior: claudewire.BehaviorAllow}
	if s.gate != nil {
		ctx, cancel := context.WithTimeout(s.ctx, permissionGateTimeout)
		defer cancel()
		decision = s.gate.CanUseTool(ctx, s.id, req.ToolName, req.Input, adapter.PermissionOptions{
			ToolUseID:   req.ToolUseID,
			AgentID:     req.AgentID,
			BlockedPath: req.BlockedPath,
			Suggestions: req.PermissionSuggestions,
		})
	}

	result := &claudewire.PermissionResult{
		Behavior:           decision.Behavior,
		UpdatedInput:       decision.UpdatedInput,
		UpdatedPermissions: decision.UpdatedPermissions,
		Message:            decision.Message,
	}
	if result.Behavior == claudewire.BehaviorAllow && result.UpdatedInput == nil {
		// The CLI requires updatedInput on allow results.
		result.UpdatedInput = req.Input
	}
	if err := s.client.SendControlResponse(requestID, &claudewire.ControlResponse{
		Subtype: claudewire.ResponseSuccess,
		Result:  result,
	}); err != nil {
		s.logger.Warn("failed to send permission result",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// callAsync fires a control request without blocking the dispatch lane.
func (s *Session) callAsync(req *claudewire.ControlRequest) {
	go func() {
		if _, err := s.client.Call(s.ctx, req, controlCallTimeout); err != nil {
			s.logger.Warn("control request failed",
				zap.String("subtype", req.Subtype),
				zap.Error(err))
		}
	}()
}
