// Package sync keeps the visible message sequence of the one open
// conversation consistent across optimistic sends, history loads and
// realtime echoes.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/duet/internal/bus"
	"github.com/matheus3301/duet/internal/chat"
	"github.com/matheus3301/duet/internal/loop"
	"github.com/matheus3301/duet/internal/session"
	"go.uber.org/zap"
)

var (
	// ErrNoConversation is returned when an operation needs an open conversation.
	ErrNoConversation = errors.New("no conversation open")
	// ErrSuperseded resolves a history load overtaken by a later open.
	ErrSuperseded = errors.New("conversation load superseded")
)

// PersistenceError reports a send the durable store rejected.
type PersistenceError struct {
	Op     string
	TempID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.TempID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// History loads a full conversation, oldest first.
type History interface {
	Conversation(ctx context.Context, a, b string) ([]chat.Message, error)
}

// Deliverer persists an outgoing message.
type Deliverer interface {
	Deliver(ctx context.Context, m chat.Message) (chat.Message, error)
}

// Opened is the payload of message.conversation_opened events.
type Opened struct {
	PeerID   string
	Messages int
}

// Engine owns the visible sequence. Every method must run on the loop.
type Engine struct {
	history History
	sender  Deliverer
	sess    *session.Context
	loop    *loop.Loop
	bus     *bus.Bus
	logger  *zap.Logger

	msgs []chat.Message
	gen  uint64
	now  func() time.Time
}

// NewEngine creates an engine with no conversation materialized.
func NewEngine(history History, sender Deliverer, sess *session.Context, l *loop.Loop, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		history: history,
		sender:  sender,
		sess:    sess,
		loop:    l,
		bus:     b,
		logger:  logger,
		now:     time.Now,
	}
}

// OpenConversation makes peerID the open conversation and loads its
// history. Events and sends that land while the query is in flight are
// merged into the loaded history rather than lost.
func (e *Engine) OpenConversation(peerID string) *loop.Future {
	e.sess.Activate(peerID)
	e.gen++
	e.msgs = nil

	gen := e.gen
	local := e.sess.UserID()
	fut := loop.NewFuture()

	var rows []chat.Message
	e.loop.Go(func(ctx context.Context) error {
		var err error
		rows, err = e.history.Conversation(ctx, local, peerID)
		return err
	}, func(err error) {
		if gen != e.gen {
			e.logger.Debug("discarding stale history", zap.String("peer", peerID))
			fut.Resolve(ErrSuperseded)
			return
		}
		if err != nil {
			e.logger.Error("failed to load conversation", zap.String("peer", peerID), zap.Error(err))
			fut.Resolve(fmt.Errorf("load conversation: %w", err))
			return
		}
		merged := rows
		for _, m := range e.msgs {
			if m.Optimistic() && persisted(merged, m.Token) {
				continue
			}
			merged = reconcile(merged, m)
		}
		e.msgs = merged
		e.logger.Debug("conversation loaded", zap.String("peer", peerID), zap.Int("messages", len(merged)))
		if e.bus != nil {
			e.bus.Publish(bus.NewEvent(bus.KindConversationOpened, Opened{PeerID: peerID, Messages: len(merged)}))
		}
		fut.Resolve(nil)
	})
	return fut
}

// Send appends an optimistic copy of text and persists it in the
// background. Blank text or no open conversation is a no-op and returns a
// nil future. On rejection the optimistic entry is removed and the future
// resolves with a *PersistenceError; on success reconciliation waits for
// the store's own insert event.
func (e *Engine) Send(text string) (string, *loop.Future) {
	peerID, ok := e.sess.ActivePeer()
	if !ok || strings.TrimSpace(text) == "" {
		return "", nil
	}

	m := chat.Message{
		TempID:      "tmp-" + uuid.NewString(),
		Token:       uuid.NewString(),
		SenderID:    e.sess.UserID(),
		RecipientID: peerID,
		Text:        text,
		CreatedAt:   e.now(),
	}
	e.msgs = append(e.msgs, m)

	fut := loop.NewFuture()
	e.loop.Go(func(ctx context.Context) error {
		_, err := e.sender.Deliver(ctx, m)
		return err
	}, func(err error) {
		if err == nil {
			fut.Resolve(nil)
			return
		}
		var removed bool
		e.msgs, removed = removeTemp(e.msgs, m.TempID)
		e.logger.Warn("send rolled back",
			zap.String("temp_id", m.TempID),
			zap.Bool("removed", removed),
			zap.Error(err))
		fut.Resolve(&PersistenceError{Op: "send", TempID: m.TempID, Err: err})
	})
	return m.TempID, fut
}

// OnInserted reconciles a persisted row into the open conversation.
// Rows for other conversations are ignored here.
func (e *Engine) OnInserted(row chat.Message) {
	if !e.visible(row) {
		return
	}
	row.TempID = ""
	e.msgs = reconcile(e.msgs, row)
}

// OnUpdated replaces the entry with row's id. A miss is ignored.
func (e *Engine) OnUpdated(row chat.Message) {
	if !e.visible(row) {
		return
	}
	for i := range e.msgs {
		if e.msgs[i].ID == row.ID {
			row.TempID = ""
			e.msgs[i] = row
			return
		}
	}
	e.logger.Debug("update matched no local entry", zap.Int64("id", row.ID))
}

// Messages returns a copy of the visible sequence.
func (e *Engine) Messages() []chat.Message {
	out := make([]chat.Message, len(e.msgs))
	copy(out, e.msgs)
	return out
}

func (e *Engine) visible(row chat.Message) bool {
	peerID, ok := e.sess.ActivePeer()
	return ok && row.Between(e.sess.UserID(), peerID)
}
