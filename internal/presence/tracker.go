// Package presence tracks which peers are currently connected.
//
// Snapshots are authoritative and replace the set. Join/leave events are
// applied only when they carry a version newer than anything applied so far,
// so a late incremental can never undo a fresher snapshot.
package presence

import (
	"slices"

	"github.com/matheus3301/duet/internal/bus"
	"go.uber.org/zap"
)

// Snapshot is a full enumeration of connected peers.
type Snapshot struct {
	IDs     []string
	Version uint64
}

// Delta is a single join or leave. Version 0 means unversioned.
type Delta struct {
	ID      string
	Version uint64
}

// Change is the payload of presence.changed events.
type Change struct {
	Online []string
}

// Tracker holds the online set. Loop-only.
type Tracker struct {
	online  map[string]struct{}
	version uint64
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		online: make(map[string]struct{}),
		bus:    b,
		logger: logger,
	}
}

// OnSnapshot replaces the online set wholesale.
func (t *Tracker) OnSnapshot(s Snapshot) {
	next := make(map[string]struct{}, len(s.IDs))
	for _, id := range s.IDs {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	t.online = next
	t.version = s.Version
	t.publish()
}

// OnJoin marks d.ID online if d is newer than the last applied version.
func (t *Tracker) OnJoin(d Delta) bool {
	if !t.accept(d, "join") {
		return false
	}
	t.online[d.ID] = struct{}{}
	t.publish()
	return true
}

// OnLeave marks d.ID offline if d is newer than the last applied version.
func (t *Tracker) OnLeave(d Delta) bool {
	if !t.accept(d, "leave") {
		return false
	}
	delete(t.online, d.ID)
	t.publish()
	return true
}

func (t *Tracker) accept(d Delta, op string) bool {
	if d.ID == "" || d.Version == 0 || d.Version <= t.version {
		t.logger.Debug("presence incremental dropped",
			zap.String("op", op),
			zap.String("peer", d.ID),
			zap.Uint64("version", d.Version),
			zap.Uint64("current", t.version))
		return false
	}
	t.version = d.Version
	return true
}

// IsOnline reports whether peerID is in the online set.
func (t *Tracker) IsOnline(peerID string) bool {
	_, ok := t.online[peerID]
	return ok
}

// Online returns the online ids, sorted.
func (t *Tracker) Online() []string {
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Version is the last applied version.
func (t *Tracker) Version() uint64 {
	return t.version
}

func (t *Tracker) publish() {
	if t.bus != nil {
		t.bus.Publish(bus.NewEvent(bus.KindPresenceChanged, Change{Online: t.Online()}))
	}
}
