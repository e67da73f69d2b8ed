// Package queue implements the single-slot follow-up queue: while the
// backend is busy, one message per session may wait for the next idle
// transition. The slot belongs to its author.
package queue

import (
	"errors"
	"time"

	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/message"
	"github.com/agentrelay/agentrelay/pkg/protocol"
)

var (
	// ErrSlotTaken is returned when another message already waits.
	ErrSlotTaken = errors.New("a message is already queued")
	// ErrNotOwner is returned when a consumer touches someone else's slot.
	ErrNotOwner = errors.New("only the author may modify the queued message")
	// ErrEmpty is returned when no message is queued.
	ErrEmpty = errors.New("no message is queued")
)

// ShouldQueue reports whether a follow-up must wait for the current turn.
func ShouldQueue(s *session.Session) bool {
	return s.LastStatus == message.StatusRunning || s.LastStatus == message.StatusCompacting
}

// Offer stores the message in the session's slot. The caller has already
// decided queueing applies (ShouldQueue).
func Offer(s *session.Session, c *session.Consumer, content string, images []protocol.ImageAttachment) (*session.QueuedMessage, error) {
	if s.QueuedMessage != nil {
		return nil, ErrSlotTaken
	}
	q := &session.QueuedMessage{
		ConsumerID:  c.Identity.UserID,
		DisplayName: c.Identity.DisplayName,
		Content:     content,
		Images:      append([]protocol.ImageAttachment(nil), images...),
		QueuedAt:    time.Now().UnixMilli(),
	}
	s.QueuedMessage = q
	return q, nil
}

// Update rewrites the queued content. Only the author may update.
func Update(s *session.Session, c *session.Consumer, content string) (*session.QueuedMessage, error) {
	if s.QueuedMessage == nil {
		return nil, ErrEmpty
	}
	if s.QueuedMessage.ConsumerID != c.Identity.UserID {
		return nil, ErrNotOwner
	}
	s.QueuedMessage.Content = content
	return s.QueuedMessage, nil
}

// Cancel clears the slot. Only the author may cancel.
func Cancel(s *session.Session, c *session.Consumer) error {
	if s.QueuedMessage == nil {
		return ErrEmpty
	}
	if s.QueuedMessage.ConsumerID != c.Identity.UserID {
		return ErrNotOwner
	}
	s.QueuedMessage = nil
	return nil
}

// Take pops the queued message for delivery on an idle transition.
func Take(s *session.Session) *session.QueuedMessage {
	q := s.QueuedMessage
	s.QueuedMessage = nil
	return q
}
