package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	sendQueueSize = 256
)

var errSendQueueFull = errors.New("consumer send queue full")

// wsConn wraps a gorilla connection behind the session.ConsumerConn
// contract: a buffered send queue drained by a single write pump, with
// the queued byte count exposed for backpressure checks.
type wsConn struct {
	conn     *websocket.Conn
	send     chan []byte
	buffered atomic.Int64
	logger   *logger.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn, log *logger.Logger) *wsConn {
	return &wsConn{
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		logger: log,
		done:   make(chan struct{}),
	}
}

// Send enqueues one encoded frame. It never blocks: a full queue means
// the peer stopped draining, so the caller drops the consumer.
func (w *wsConn) Send(data []byte) error {
	select {
	case <-w.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case w.send <- data:
		w.buffered.Add(int64(len(data)))
		return nil
	default:
		return errSendQueueFull
	}
}

// BufferedAmount reports bytes accepted by Send but not yet written.
func (w *wsConn) BufferedAmount() int64 {
	return w.buffered.Load()
}

// Close sends a close frame with the given code and tears the socket
// down. Idempotent.
func (w *wsConn) Close(code int, reason string) error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		if werr := w.conn.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil {
			w.logger.Debug("close frame write failed", zap.Error(werr))
		}
		err = w.conn.Close()
	})
	return err
}

// writePump drains the send queue and keeps the connection alive with
// pings. Runs until Close or a write error.
func (w *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case data := <-w.send:
			w.buffered.Add(-int64(len(data)))
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				w.logger.Debug("consumer write failed", zap.Error(err))
				w.Close(websocket.CloseGoingAway, "")
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.Close(websocket.CloseGoingAway, "")
				return
			}
		}
	}
}

// readPump forwards raw inbound frames to out and closes it when the
// socket dies. oversized reports whether the read limit was hit.
func (w *wsConn) readPump(limit int64, out chan<- []byte, oversized *atomic.Bool) {
	defer close(out)

	w.conn.SetReadLimit(limit)
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				oversized.Store(true)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				w.logger.Debug("consumer read error", zap.Error(err))
			}
			return
		}
		select {
		case out <- data:
		case <-w.done:
			return
		}
	}
}
