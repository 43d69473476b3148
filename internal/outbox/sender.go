// Package outbox persists outgoing messages to the backend, keeping a local
// record of every attempt keyed by its idempotency token.
package outbox

import (
	"context"
	"fmt"

	"github.com/matheus3301/duet/internal/bus"
	"github.com/matheus3301/duet/internal/chat"
	"go.uber.org/zap"
)

// Inserter persists a message in the durable store.
type Inserter interface {
	Insert(ctx context.Context, m chat.Message) (chat.Message, error)
}

// Log is the local record of send attempts.
type Log interface {
	QueueOutbox(clientToken, tempID, peerID, body string) error
	MarkOutboxSent(clientToken string, serverMsgID int64) error
	MarkOutboxFailed(clientToken, errMsg string) error
	AbandonQueuedOutbox() (int64, error)
}

// Ack is the payload of message.send_ack events.
type Ack struct {
	Token     string
	TempID    string
	PeerID    string
	MessageID int64
}

// Failure is the payload of message.send_failed events.
type Failure struct {
	Token  string
	TempID string
	PeerID string
	Error  string
}

// Sender hands messages to the backend. It never retries: a rejected send
// is reported once and left for the user to resend.
type Sender struct {
	log     Log
	backend Inserter
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewSender creates a new outbox sender.
func NewSender(log Log, backend Inserter, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		log:     log,
		backend: backend,
		bus:     b,
		logger:  logger,
	}
}

// Recover resolves attempts a previous run left in flight.
func (s *Sender) Recover() error {
	n, err := s.log.AbandonQueuedOutbox()
	if err != nil {
		return fmt.Errorf("abandon queued sends: %w", err)
	}
	if n > 0 {
		s.logger.Warn("abandoned sends from previous run", zap.Int64("count", n))
	}
	return nil
}

// Deliver records the attempt, inserts m and returns the persisted row.
// m must carry Token and TempID. Safe to call off the event loop.
func (s *Sender) Deliver(ctx context.Context, m chat.Message) (chat.Message, error) {
	if err := s.log.QueueOutbox(m.Token, m.TempID, m.RecipientID, m.Text); err != nil {
		return chat.Message{}, fmt.Errorf("queue send: %w", err)
	}

	persisted, err := s.backend.Insert(ctx, m)
	if err != nil {
		s.logger.Error("failed to send message", zap.Error(err), zap.String("token", m.Token))
		if markErr := s.log.MarkOutboxFailed(m.Token, err.Error()); markErr != nil {
			s.logger.Error("failed to mark send failed", zap.Error(markErr), zap.String("token", m.Token))
		}
		s.publish(bus.KindMessageSendFailed, Failure{
			Token:  m.Token,
			TempID: m.TempID,
			PeerID: m.RecipientID,
			Error:  err.Error(),
		})
		return chat.Message{}, err
	}

	if err := s.log.MarkOutboxSent(m.Token, persisted.ID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("token", m.Token))
	}
	s.logger.Info("message sent", zap.String("token", m.Token), zap.Int64("id", persisted.ID))
	s.publish(bus.KindMessageSendAck, Ack{
		Token:     m.Token,
		TempID:    m.TempID,
		PeerID:    m.RecipientID,
		MessageID: persisted.ID,
	})
	return persisted, nil
}

func (s *Sender) publish(kind string, payload any) {
	if s.bus != nil {
		s.bus.Publish(bus.NewEvent(kind, payload))
	}
}
