package claudewire

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
)

// FrameWriter writes one protocol line toward the CLI. The transport owns
// framing; the client only supplies complete JSON objects.
type FrameWriter interface {
	WriteFrame(data []byte) error
}

// RequestHandler handles control requests arriving from the CLI, such as
// can_use_tool. Implementations answer via SendControlResponse.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler handles non-control lines from the CLI.
type MessageHandler func(msg *Message)

type pendingCall struct {
	ch chan *ControlResponse
}

// Client correlates stream-json traffic over a frame pipe. The transport
// feeds every incoming line to HandleFrame; outgoing lines go through the
// FrameWriter.
type Client struct {
	w      FrameWriter
	logger *logger.Logger

	requestHandler RequestHandler
	messageHandler MessageHandler

	pending   map[string]*pendingCall
	pendingMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// NewClient creates a client writing to w.
func NewClient(w FrameWriter, log *logger.Logger) *Client {
	return &Client{
		w:       w,
		logger:  log.WithFields(zap.String("component", "claudewire")),
		pending: make(map[string]*pendingCall),
	}
}

// SetRequestHandler sets the handler for CLI-initiated control requests.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetMessageHandler sets the handler for non-control lines.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// Close marks the client closed and fails outstanding calls.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.pendingMu.Lock()
	for id, call := range c.pending {
		close(call.ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// HandleFrame processes one incoming protocol line.
func (c *Client) HandleFrame(line []byte) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse line", zap.Error(err), zap.Int("bytes", len(line)))
		return
	}
	msg.Raw = append([]byte(nil), line...)

	switch {
	case msg.Type == MessageTypeControlRequest && msg.Request != nil:
		c.dispatchRequest(msg.RequestID, msg.Request)
	case msg.Type == MessageTypeControlResponse && msg.Response != nil:
		c.dispatchResponse(msg.Response)
	default:
		c.mu.RLock()
		handler := c.messageHandler
		c.mu.RUnlock()
		if handler != nil {
			handler(&msg)
		}
	}
}

// Call sends a control request and waits for the matching response.
func (c *Client) Call(ctx context.Context, req *ControlRequest, timeout time.Duration) (*ControlResponse, error) {
	requestID := uuid.New().String()
	call := &pendingCall{ch: make(chan *ControlResponse, 1)}

	c.pendingMu.Lock()
	c.pending[requestID] = call
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	if err := c.SendControlRequest(requestID, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("control request %s timed out after %v", req.Subtype, timeout)
	case resp, ok := <-call.ch:
		if !ok {
			return nil, fmt.Errorf("client closed while awaiting %s response", req.Subtype)
		}
		if resp.Subtype == ResponseError {
			return nil, fmt.Errorf("control request %s failed: %s", req.Subtype, resp.Error)
		}
		return resp, nil
	}
}

// Initialize performs the initialize handshake and decodes the response.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) (*InitializeResponse, error) {
	resp, err := c.Call(ctx, &ControlRequest{Subtype: SubtypeInitialize}, timeout)
	if err != nil {
		return nil, err
	}
	var init InitializeResponse
	if len(resp.Response) > 0 {
		if err := json.Unmarshal(resp.Response, &init); err != nil {
			return nil, fmt.Errorf("failed to decode initialize response: %w", err)
		}
	}
	return &init, nil
}

// SendControlRequest sends a control request line with the given id.
func (c *Client) SendControlRequest(requestID string, req *ControlRequest) error {
	return c.send(&OutgoingControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   req,
	})
}

// SendControlResponse answers a CLI-initiated control request.
func (c *Client) SendControlResponse(requestID string, resp *ControlResponse) error {
	return c.send(&OutgoingControlResponse{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response:  resp,
	})
}

// SendUserMessage delivers a prompt. Content is a plain string or a block
// list when images ride along.
func (c *Client) SendUserMessage(content any) error {
	return c.send(&UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	})
}

// SendRaw writes a pre-encoded line unchanged.
func (c *Client) SendRaw(data string) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return fmt.Errorf("client closed")
	}
	return c.w.WriteFrame([]byte(data))
}

func (c *Client) send(msg any) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return fmt.Errorf("client closed")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := c.w.WriteFrame(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *Client) dispatchRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler == nil {
		c.logger.Warn("control request with no handler registered",
			zap.String("request_id", requestID),
			zap.String("subtype", req.Subtype))
		if err := c.SendControlResponse(requestID, &ControlResponse{
			Subtype: ResponseError,
			Error:   "no handler registered",
		}); err != nil {
			c.logger.Warn("failed to send error response", zap.Error(err))
		}
		return
	}
	handler(requestID, req)
}

func (c *Client) dispatchResponse(resp *ControlResponse) {
	c.pendingMu.Lock()
	call, ok := c.pending[resp.RequestID]
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Warn("control response for unknown request",
			zap.String("request_id", resp.RequestID),
			zap.String("subtype", resp.Subtype))
		return
	}

	select {
	case call.ch <- resp:
	default:
	}
}
