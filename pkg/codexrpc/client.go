package codexrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
)

// Client handles Codex JSON-RPC communication over stdin/stdout streams.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	requestID atomic.Int64
	pending   map[any]chan *Response
	mu        sync.Mutex

	onNotification func(method string, params json.RawMessage)
	onRequest      func(id any, method string, params json.RawMessage)

	logger *logger.Logger
	done   chan struct{}
	once   sync.Once
}

// NewClient creates a client over the given subprocess pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[any]chan *Response),
		logger:  log.WithFields(zap.String("component", "codexrpc")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for server notifications.
func (c *Client) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for server-initiated requests
// (approval requests).
func (c *Client) SetRequestHandler(handler func(id any, method string, params json.RawMessage)) {
	c.onRequest = handler
}

// Start begins the stdout read loop.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the client. Safe to call more than once.
func (c *Client) Stop() {
	c.once.Do(func() { close(c.done) })
}

// Call sends a request and waits for the matching response.
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&Request{ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client closed")
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params any) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	return c.send(&Notification{Method: method, Params: paramsJSON})
}

// SendResponse answers a server-initiated request.
func (c *Client) SendResponse(id any, result any, rpcErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && rpcErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	return c.send(&Response{ID: id, Result: resultJSON, Error: rpcErr})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			ID     any             `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("failed to parse line", zap.Error(err))
			continue
		}

		hasID := msg.ID != nil
		hasMethod := msg.Method != ""

		switch {
		case hasID && !hasMethod && (msg.Result != nil || msg.Error != nil):
			c.handleResponse(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case hasID && hasMethod:
			c.handleRequest(msg.ID, msg.Method, msg.Params)
		case hasMethod:
			if c.onNotification != nil {
				c.onNotification(msg.Method, msg.Params)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleResponse(resp *Response) {
	id := normalizeID(resp.ID)
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("response for unknown request", zap.Any("id", resp.ID))
		return
	}
	ch <- resp
}

// normalizeID maps JSON number ids back to the int64 keys used by Call.
func normalizeID(id any) any {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}

func (c *Client) handleRequest(id any, method string, params json.RawMessage) {
	if c.onRequest == nil {
		c.logger.Warn("server request with no handler registered", zap.String("method", method))
		if err := c.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "Method not found"}); err != nil {
			c.logger.Warn("failed to send method not found response", zap.Error(err))
		}
		return
	}
	c.onRequest(id, method, params)
}
