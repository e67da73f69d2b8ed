package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/broker/registry"
	"github.com/agentrelay/agentrelay/internal/common/logger"
)

// deliverWindow bounds how long the hub waits for a pending connection
// attempt to appear after it asks the manager to connect.
const deliverWindow = 5 * time.Second

// Connector starts a backend connection attempt for a session. The
// manager implements it; for inverted adapters the call blocks inside
// the adapter until a socket is delivered, so the hub invokes it on its
// own goroutine.
type Connector interface {
	ConnectBackend(ctx context.Context, sessionID string) error
}

// Hub terminates WebSocket connections dialed back by launched CLI
// processes and hands them to the owning inverted adapter.
type Hub struct {
	registry  *registry.Registry
	resolver  *adapter.Resolver
	connector Connector
	logger    *logger.Logger
	upgrader  websocket.Upgrader

	done chan struct{}
}

func NewHub(reg *registry.Registry, resolver *adapter.Resolver, connector Connector, log *logger.Logger) *Hub {
	return &Hub{
		registry:  reg,
		resolver:  resolver,
		connector: connector,
		logger:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// Stop refuses further deliveries. Live sockets are owned by their
// adapter sessions and close with them.
func (h *Hub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// HandleCLI is the gin handler for GET /cli/ws?session_id=...
// Only sessions the launcher reported as starting may dial in.
func (h *Hub) HandleCLI(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	entry := h.registry.Get(sessionID)
	if entry == nil || entry.Phase != registry.PhaseStarting {
		h.logger.Warn("rejecting cli connection for unknown or non-starting session",
			zap.String("session_id", sessionID))
		c.JSON(http.StatusConflict, gin.H{"error": "no starting session with that id"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("cli websocket upgrade failed", zap.Error(err))
		return
	}

	log := h.logger.WithSessionID(sessionID).WithAdapter(entry.AdapterName)
	sock := newProxySocket(conn, log)

	if err := h.deliver(c.Request.Context(), sessionID, entry.AdapterName, sock); err != nil {
		log.Error("cli socket delivery failed", zap.Error(err))
		sock.Close()
	}
}

func (h *Hub) deliver(ctx context.Context, sessionID, adapterName string, sock adapter.Socket) error {
	select {
	case <-h.done:
		return fmt.Errorf("transport hub is stopped")
	default:
	}

	a, err := h.resolver.Resolve(adapterName)
	if err != nil {
		return fmt.Errorf("resolving adapter: %w", err)
	}
	inv, ok := a.(adapter.InvertedAdapter)
	if !ok {
		return fmt.Errorf("adapter %s does not accept dial-back connections", adapterName)
	}

	// The usual path: the manager called Connect when it launched the
	// process, so an attempt is already waiting for this socket.
	if inv.DeliverSocket(sessionID, sock) {
		h.logger.Info("cli socket delivered", zap.String("session_id", sessionID))
		return nil
	}

	// No pending attempt (relaunch after a broker restart, or the CLI
	// dialed in faster than the manager registered). Start one and
	// retry delivery until it shows up.
	go func() {
		if err := h.connector.ConnectBackend(context.Background(), sessionID); err != nil {
			h.logger.Warn("backend connect failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}()

	deadline := time.NewTimer(deliverWindow)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if inv.DeliverSocket(sessionID, sock) {
				h.logger.Info("cli socket delivered", zap.String("session_id", sessionID))
				return nil
			}
		case <-deadline.C:
			inv.CancelPending(sessionID)
			return fmt.Errorf("no connection attempt appeared within %s", deliverWindow)
		case <-ctx.Done():
			inv.CancelPending(sessionID)
			return ctx.Err()
		case <-h.done:
			inv.CancelPending(sessionID)
			return fmt.Errorf("transport hub is stopped")
		}
	}
}
