package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
)

const writeWait = 10 * time.Second

// proxySocket wraps a dialed-back CLI connection behind the
// adapter.Socket contract. Frames read before SetHandler are buffered
// and replayed in order once a handler is installed, so nothing the CLI
// sends during adapter resolution is lost.
type proxySocket struct {
	conn   *websocket.Conn
	logger *logger.Logger

	mu      sync.Mutex
	handler func(data []byte)
	buffer  [][]byte

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newProxySocket(conn *websocket.Conn, log *logger.Logger) *proxySocket {
	p := &proxySocket{
		conn:   conn,
		logger: log,
		done:   make(chan struct{}),
	}
	go p.readLoop()
	return p
}

// WriteFrame sends one frame toward the CLI.
func (p *proxySocket) WriteFrame(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// SetHandler installs the inbound frame callback and replays anything
// buffered before delivery. Replay happens under the lock so no frame
// can interleave ahead of the backlog.
func (p *proxySocket) SetHandler(fn func(data []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, frame := range p.buffer {
		fn(frame)
	}
	p.buffer = nil
	p.handler = fn
}

// Close tears the socket down. Idempotent.
func (p *proxySocket) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}

func (p *proxySocket) readLoop() {
	defer p.Close()
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.logger.Debug("cli socket read error", zap.Error(err))
			}
			return
		}
		p.mu.Lock()
		if p.handler != nil {
			fn := p.handler
			p.mu.Unlock()
			fn(data)
			continue
		}
		p.buffer = append(p.buffer, data)
		p.mu.Unlock()
	}
}
