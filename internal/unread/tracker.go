// Package unread keeps per-peer unread counts and issues read receipts.
package unread

import (
	"context"

	"github.com/matheus3301/duet/internal/bus"
	"github.com/matheus3301/duet/internal/chat"
	"github.com/matheus3301/duet/internal/loop"
	"github.com/matheus3301/duet/internal/session"
	"go.uber.org/zap"
)

// ReadMarker flags every unread message from sender to recipient as read.
type ReadMarker interface {
	MarkRead(ctx context.Context, recipientID, senderID string) error
}

// Change is the payload of message.unread_changed events.
type Change struct {
	PeerID string
	Count  int
}

// Tracker counts messages received while their conversation was not open.
// The count of the active peer is always zero. Loop-only.
type Tracker struct {
	counts map[string]int
	sess   *session.Context
	marker ReadMarker
	loop   *loop.Loop
	bus    *bus.Bus
	logger *zap.Logger
}

// NewTracker creates a tracker with no unread messages.
func NewTracker(sess *session.Context, marker ReadMarker, l *loop.Loop, b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		counts: make(map[string]int),
		sess:   sess,
		marker: marker,
		loop:   l,
		bus:    b,
		logger: logger,
	}
}

// Seed loads counts fetched from the backend at startup. Inserts counted
// while the fetch was in flight are kept when they exceed the fetched
// count. The active peer, if any, stays at zero.
func (t *Tracker) Seed(counts map[string]int) {
	for peer, n := range counts {
		if n <= t.counts[peer] || t.sess.IsActive(peer) {
			continue
		}
		t.set(peer, n)
	}
}

// OnInserted counts an inbound message, or acknowledges it when its
// conversation is the open one.
func (t *Tracker) OnInserted(m chat.Message) {
	if m.RecipientID != t.sess.UserID() || m.SenderID == t.sess.UserID() {
		return
	}
	if t.sess.IsActive(m.SenderID) {
		t.markRead(m.SenderID)
		return
	}
	t.set(m.SenderID, t.counts[m.SenderID]+1)
}

// OpenConversation zeroes peerID's count and marks its messages read.
func (t *Tracker) OpenConversation(peerID string) {
	t.set(peerID, 0)
	t.markRead(peerID)
}

// Count returns the unread count for peerID.
func (t *Tracker) Count(peerID string) int {
	return t.counts[peerID]
}

// Counts returns a copy of all non-zero counts.
func (t *Tracker) Counts() map[string]int {
	out := make(map[string]int, len(t.counts))
	for peer, n := range t.counts {
		out[peer] = n
	}
	return out
}

func (t *Tracker) set(peerID string, n int) {
	if t.counts[peerID] == n {
		return
	}
	if n == 0 {
		delete(t.counts, peerID)
	} else {
		t.counts[peerID] = n
	}
	if t.bus != nil {
		t.bus.Publish(bus.NewEvent(bus.KindUnreadChanged, Change{PeerID: peerID, Count: n}))
	}
}

// markRead issues the receipt off-loop. Failures are logged and skipped.
func (t *Tracker) markRead(senderID string) {
	if t.marker == nil {
		return
	}
	recipient := t.sess.UserID()
	t.loop.Go(func(ctx context.Context) error {
		return t.marker.MarkRead(ctx, recipient, senderID)
	}, func(err error) {
		if err != nil {
			t.logger.Warn("read receipt skipped", zap.String("peer", senderID), zap.Error(err))
		}
	})
}
