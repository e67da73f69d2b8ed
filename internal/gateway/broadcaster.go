package gateway

import (
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/broker/frames"
	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/pkg/protocol"
)

// softDropBytes is the per-socket backpressure threshold: consumers with
// more than this queued are skipped on regular broadcasts so one slow
// reader cannot stall the fan-out.
const softDropBytes = 1 << 20

// Fanout delivers encoded frames to a session's consumer set. It is the
// broadcaster handed to every runtime and router.
type Fanout struct {
	logger *logger.Logger
}

func NewFanout(log *logger.Logger) *Fanout {
	return &Fanout{logger: log}
}

// Broadcast sends a frame to every attached consumer, skipping sockets
// over the backpressure threshold.
func (f *Fanout) Broadcast(s *session.Session, frame *protocol.Outbound) {
	f.fanout(s, frame, false, false)
}

// BroadcastToParticipants sends a frame to participant-role consumers
// only. Control-plane frames must reach participants even under
// backpressure, so the threshold does not apply here.
func (f *Fanout) BroadcastToParticipants(s *session.Session, frame *protocol.Outbound) {
	f.fanout(s, frame, true, true)
}

// SendTo delivers a frame to a single consumer.
func (f *Fanout) SendTo(c *session.Consumer, frame *protocol.Outbound) {
	data, err := frame.Encode()
	if err != nil {
		f.logger.Error("failed to encode frame", zap.String("type", frame.Type), zap.Error(err))
		return
	}
	if c.Conn == nil {
		return
	}
	if err := c.Conn.Send(data); err != nil {
		f.logger.Warn("direct send failed",
			zap.String("consumer_id", c.ID),
			zap.String("type", frame.Type),
			zap.Error(err))
	}
}

func (f *Fanout) fanout(s *session.Session, frame *protocol.Outbound, participantsOnly, bypassBackpressure bool) {
	data, err := frame.Encode()
	if err != nil {
		f.logger.Error("failed to encode frame", zap.String("type", frame.Type), zap.Error(err))
		return
	}

	var dropped []*session.Consumer
	for _, c := range s.Consumers() {
		if participantsOnly && c.Identity.Role != session.RoleParticipant {
			continue
		}
		if c.Conn == nil {
			continue
		}
		if !bypassBackpressure && c.Conn.BufferedAmount() > softDropBytes {
			f.logger.Warn("skipping slow consumer",
				zap.String("session_id", s.ID),
				zap.String("consumer_id", c.ID),
				zap.String("type", frame.Type),
				zap.Int64("buffered", c.Conn.BufferedAmount()))
			continue
		}
		if err := c.Conn.Send(data); err != nil {
			dropped = append(dropped, c)
		}
	}

	// A failed send means the socket is dead or hopelessly backed up:
	// detach it and let the remaining consumers see updated presence.
	for _, c := range dropped {
		f.logger.Warn("removing consumer after failed send",
			zap.String("session_id", s.ID),
			zap.String("consumer_id", c.ID))
		s.RemoveConsumer(c.ID)
		c.Conn.Close(websocket.CloseGoingAway, "send buffer overflow")
	}
	if len(dropped) > 0 {
		f.Broadcast(s, frames.PresenceUpdate(s.Identities()))
	}
}
