package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/broker/frames"
	"github.com/agentrelay/agentrelay/internal/broker/runtime"
	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/common/ratelimit"
	"github.com/agentrelay/agentrelay/internal/events"
	"github.com/agentrelay/agentrelay/pkg/protocol"
)

const (
	defaultMaxInboundBytes = 256 * 1024
	defaultTokensPerSec    = 50.0
	defaultBurstSize       = 20
)

// SessionSource resolves a session id to its live runtime. The manager
// implements it.
type SessionSource interface {
	Runtime(sessionID string) (*runtime.Runtime, bool)
	SessionName(sessionID string) string
}

// Authenticator is the optional identity provider port. Authenticate
// must honor ctx cancellation; a nil identity with nil error is treated
// as a rejection.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*session.Identity, error)
}

// EmitFunc publishes a broker event on the bus.
type EmitFunc func(event, sessionID string, data map[string]any)

// Gateway owns the consumer-facing WebSocket endpoint: authentication,
// join replay, per-frame authorization and rate limiting, and dispatch
// into the session runtime.
type Gateway struct {
	sessions SessionSource
	fanout   *Fanout
	auth     Authenticator
	cfg      config.ConsumerConfig
	emit     EmitFunc
	logger   *logger.Logger
	upgrader websocket.Upgrader

	anonSeq atomic.Uint64
}

func New(sessions SessionSource, fanout *Fanout, auth Authenticator, cfg config.ConsumerConfig, emit EmitFunc, log *logger.Logger) *Gateway {
	return &Gateway{
		sessions: sessions,
		fanout:   fanout,
		auth:     auth,
		cfg:      cfg,
		emit:     emit,
		logger:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// HandleConsumer is the gin handler for GET /ws/sessions/:id.
func (g *Gateway) HandleConsumer(c *gin.Context) {
	sessionID := c.Param("id")
	rt, found := g.sessions.Runtime(sessionID)

	raw, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newWSConn(raw, g.logger.WithSessionID(sessionID))
	go conn.writePump()

	if !found {
		conn.Close(protocol.CloseSessionNotFound, "session not found")
		return
	}

	limit := g.cfg.MaxInboundBytes
	if limit <= 0 {
		limit = defaultMaxInboundBytes
	}
	inbound := make(chan []byte, 16)
	var oversized atomic.Bool
	go conn.readPump(limit, inbound, &oversized)

	identity, ok := g.authenticate(c.Request.Context(), c.Query("token"), inbound)
	if !ok {
		conn.Close(protocol.CloseAuthFailed, "authentication failed")
		return
	}

	rate, burst := g.cfg.RateLimit.TokensPerSecond, g.cfg.RateLimit.BurstSize
	if rate <= 0 {
		rate = defaultTokensPerSec
	}
	if burst <= 0 {
		burst = defaultBurstSize
	}
	consumer := &session.Consumer{
		ID:       uuid.NewString(),
		Identity: *identity,
		Conn:     conn,
		Limiter:  ratelimit.NewTokenBucket(rate, burst),
	}

	// Register before replay so broadcasts during replay reach the new
	// socket, but announce presence only after the replay block: the
	// joiner's first frame must be its identity.
	rt.AddConsumer(consumer)
	g.replay(rt, consumer)
	rt.AnnounceConsumer(consumer)
	g.serve(c.Request.Context(), rt, consumer, conn, inbound, &oversized)
}

// authenticate resolves the consumer identity before any frame is
// processed. Frames arriving during the race belong to an unregistered
// socket and are dropped.
func (g *Gateway) authenticate(ctx context.Context, token string, inbound <-chan []byte) (*session.Identity, bool) {
	if g.cfg.AuthToken != "" && token != g.cfg.AuthToken {
		return nil, false
	}

	if g.auth == nil {
		n := g.anonSeq.Add(1)
		return &session.Identity{
			UserID:      fmt.Sprintf("anonymous-%d", n),
			DisplayName: fmt.Sprintf("anonymous-%d", n),
			Role:        session.RoleParticipant,
		}, true
	}

	authCtx, cancel := context.WithTimeout(ctx, g.cfg.AuthTimeout())
	defer cancel()

	type authResult struct {
		identity *session.Identity
		err      error
	}
	resultCh := make(chan authResult, 1)
	go func() {
		id, err := g.auth.Authenticate(authCtx, token)
		resultCh <- authResult{id, err}
	}()

	for {
		select {
		case res := <-resultCh:
			if res.err != nil || res.identity == nil {
				if res.err != nil {
					g.logger.Warn("authentication failed", zap.Error(res.err))
				}
				return nil, false
			}
			return res.identity, true
		case _, open := <-inbound:
			if !open {
				// Socket closed mid-race: the authenticator result, if
				// any, is discarded.
				return nil, false
			}
			// Pre-auth traffic from an unregistered socket.
		case <-authCtx.Done():
			g.logger.Warn("authentication timed out")
			return nil, false
		}
	}
}

// replay brings a freshly joined socket up to date. Order matters:
// identity, session snapshot, history, capabilities, pending
// permissions, queued message, presence, backend connectivity.
func (g *Gateway) replay(rt *runtime.Runtime, c *session.Consumer) {
	s := rt.Session()

	g.fanout.SendTo(c, frames.Identity(c.Identity))
	g.fanout.SendTo(c, frames.SessionInit(frames.View(s, g.sessions.SessionName(s.ID))))

	if len(s.MessageHistory) > 0 {
		g.fanout.SendTo(c, frames.MessageHistory(s.MessageHistory))
	}
	if s.State.Capabilities != nil {
		g.fanout.SendTo(c, frames.CapabilitiesReady(s.State.Capabilities))
	}
	if c.Identity.Role == session.RoleParticipant {
		pending := s.PendingPermissionList()
		sort.SliceStable(pending, func(i, j int) bool {
			return pending[i].RequestedAt < pending[j].RequestedAt
		})
		for _, req := range pending {
			g.fanout.SendTo(c, frames.PermissionRequest(req))
		}
	}
	if s.QueuedMessage != nil {
		g.fanout.SendTo(c, frames.MessageQueued(s.QueuedMessage))
	}
	g.fanout.SendTo(c, frames.PresenceUpdate(s.Identities()))

	if s.Backend != nil {
		g.fanout.SendTo(c, frames.CLIConnected())
	} else {
		g.fanout.SendTo(c, frames.CLIDisconnected())
		if g.emit != nil {
			g.emit(events.BackendRelaunchNeeded, s.ID, nil)
		}
	}
}

// serve is the per-socket dispatch loop. Runs until the socket dies.
func (g *Gateway) serve(ctx context.Context, rt *runtime.Runtime, c *session.Consumer, conn *wsConn, inbound <-chan []byte, oversized *atomic.Bool) {
	defer rt.RemoveConsumer(c.ID)

	log := g.logger.WithSessionID(rt.Session().ID).WithFields(
		zap.String("consumer_id", c.ID),
		zap.String("user_id", c.Identity.UserID))

	for raw := range inbound {
		in, err := protocol.ParseInbound(raw)
		if err != nil {
			log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		if c.Identity.Role == session.RoleObserver && protocol.ParticipantOnly(in.Type) {
			g.fanout.SendTo(c, protocol.ErrorFrame(fmt.Sprintf("Observers cannot send %s messages", in.Type)))
			continue
		}
		if !c.Limiter.Allow() {
			g.fanout.SendTo(c, protocol.ErrorFrame("Rate limit exceeded, slow down"))
			continue
		}
		rt.HandleInboundFrame(ctx, c, in)
	}

	if oversized.Load() {
		conn.Close(protocol.CloseOversized, "frame too large")
	} else {
		conn.Close(websocket.CloseNormalClosure, "")
	}
}
