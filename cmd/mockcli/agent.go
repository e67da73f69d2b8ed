package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/pkg/claudewire"
)

// mockAgent is a minimal stream-json speaker: it reports a system init
// line on connect, answers the initialize handshake, and turns every
// user message into an assistant echo plus a result line.
type mockAgent struct {
	sessionID      string
	cliSessionID   string
	cwd            string
	model          string
	permissionEach int
	logger         *logger.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	turns     int
	reqSeq    int
	done      chan struct{}
	closeOnce sync.Once
}

func (a *mockAgent) run(serverURL string) error {
	url := serverURL
	if !strings.Contains(url, "session_id=") {
		url = fmt.Sprintf("%s?session_id=%s", serverURL, a.sessionID)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}
	a.conn = conn
	a.done = make(chan struct{})
	a.logger.Info("connected to relay", zap.String("url", url))

	a.sendInit()
	go a.readLoop()
	return nil
}

func (a *mockAgent) close() {
	a.closeOnce.Do(func() {
		if a.conn != nil {
			_ = a.conn.Close()
		}
	})
}

func (a *mockAgent) readLoop() {
	defer close(a.done)
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			a.logger.Info("relay connection closed", zap.Error(err))
			return
		}
		a.handleLine(data)
	}
}

// incomingUser tolerates both content shapes the relay sends: a plain
// string, or a block list when images are attached.
type incomingUser struct {
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

func (a *mockAgent) handleLine(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		a.logger.Warn("dropping unparseable line", zap.Error(err))
		return
	}

	switch head.Type {
	case claudewire.MessageTypeUser:
		var user incomingUser
		if err := json.Unmarshal(data, &user); err != nil {
			a.logger.Warn("dropping malformed user line", zap.Error(err))
			return
		}
		a.handleUserMessage(extractText(user.Message.Content))

	case claudewire.MessageTypeControlRequest:
		var msg claudewire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			a.logger.Warn("dropping malformed control request", zap.Error(err))
			return
		}
		a.handleControlRequest(&msg)

	case claudewire.MessageTypeControlResponse:
		// Responses to our own can_use_tool requests arrive here; the
		// turn continues regardless of the decision.
		a.logger.Debug("control response received")

	default:
		a.logger.Debug("ignoring line", zap.String("type", head.Type))
	}
}

// sendInit reports the session the way the real CLI announces itself.
func (a *mockAgent) sendInit() {
	a.send(&claudewire.Message{
		Type:           claudewire.MessageTypeSystem,
		Subtype:        claudewire.SubtypeInit,
		SessionID:      a.cliSessionID,
		Cwd:            a.cwd,
		Model:          a.model,
		PermissionMode: "default",
		Tools:          []string{"Bash", "Read", "Edit"},
		SlashCommands:  []string{"compact", "context"},
		Version:        "0.1.0-mock",
	})
}

func (a *mockAgent) handleControlRequest(msg *claudewire.Message) {
	if msg.Request == nil {
		return
	}
	switch msg.Request.Subtype {
	case claudewire.SubtypeInitialize:
		body, _ := json.Marshal(claudewire.InitializeResponse{
			Commands: []claudewire.CommandInfo{
				{Name: "compact", Description: "Compact the conversation"},
				{Name: "context", Description: "Show context usage"},
			},
			Models: []claudewire.ModelInfo{
				{ID: a.model, DisplayName: "Mock Model"},
			},
		})
		a.respond(msg.RequestID, &claudewire.ControlResponse{
			Subtype:  claudewire.ResponseSuccess,
			Response: body,
		})

	case claudewire.SubtypeInterrupt:
		a.logger.Info("interrupt acknowledged")
		a.respond(msg.RequestID, &claudewire.ControlResponse{Subtype: claudewire.ResponseSuccess})

	case claudewire.SubtypeSetModel:
		a.model = msg.Request.Model
		a.respond(msg.RequestID, &claudewire.ControlResponse{Subtype: claudewire.ResponseSuccess})

	case claudewire.SubtypeSetPermissionMode:
		a.respond(msg.RequestID, &claudewire.ControlResponse{Subtype: claudewire.ResponseSuccess})

	default:
		a.respond(msg.RequestID, &claudewire.ControlResponse{
			Subtype: claudewire.ResponseError,
			Error:   "unsupported control request: " + msg.Request.Subtype,
		})
	}
}

func (a *mockAgent) handleUserMessage(content string) {
	a.turns++
	a.logger.Info("user message received", zap.Int("turn", a.turns))

	if a.permissionEach > 0 && a.turns%a.permissionEach == 0 {
		a.requestPermission()
	}

	started := time.Now()
	a.send(&claudewire.Message{
		Type:      claudewire.MessageTypeAssistant,
		SessionID: a.cliSessionID,
		Message: &claudewire.ChatMessage{
			Role:  "assistant",
			Model: a.model,
			Content: []claudewire.ContentBlock{
				{Type: "text", Text: "You said: " + content},
			},
		},
	})

	result, _ := json.Marshal("You said: " + content)
	a.send(&claudewire.Message{
		Type:         claudewire.MessageTypeResult,
		Subtype:      "success",
		SessionID:    a.cliSessionID,
		Result:       result,
		NumTurns:     a.turns,
		DurationMS:   time.Since(started).Milliseconds(),
		TotalCostUSD: 0.0001 * float64(a.turns),
		Usage:        &claudewire.Usage{InputTokens: 10, OutputTokens: 12},
	})
}

// requestPermission asks for a Bash tool approval and does not wait
// for the answer, mimicking the CLI's fire-and-continue behavior for
// scenario testing.
func (a *mockAgent) requestPermission() {
	a.reqSeq++
	a.send(&claudewire.OutgoingControlRequest{
		Type:      claudewire.MessageTypeControlRequest,
		RequestID: fmt.Sprintf("mockreq_%d", a.reqSeq),
		Request: &claudewire.ControlRequest{
			Subtype:   claudewire.SubtypeCanUseTool,
			ToolName:  "Bash",
			Input:     map[string]any{"command": "echo hello"},
			ToolUseID: fmt.Sprintf("toolu_mock_%d", a.reqSeq),
		},
	})
	a.logger.Info("permission requested", zap.Int("request", a.reqSeq))
}

func (a *mockAgent) respond(requestID string, resp *claudewire.ControlResponse) {
	a.send(&claudewire.OutgoingControlResponse{
		Type:      claudewire.MessageTypeControlResponse,
		RequestID: requestID,
		Response:  resp,
	})
}

func (a *mockAgent) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		a.logger.Error("encode failed", zap.Error(err))
		return
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		a.logger.Warn("write failed", zap.Error(err))
	}
}

func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []claudewire.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}
