// Package call runs the single call session: outbound placement, inbound
// offers, and teardown with guaranteed release of local media.
package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/duet/internal/media"
)

// Phase is the call session phase.
type Phase string

const (
	Idle      Phase = "idle"
	Calling   Phase = "calling"
	Ringing   Phase = "ringing"
	Connected Phase = "connected"
	Declined  Phase = "declined"
)

// validTransitions defines allowed phase transitions. Inbound calls go
// straight from idle to connected once the remote stream arrives.
var validTransitions = map[Phase][]Phase{
	Idle:      {Calling, Connected},
	Calling:   {Ringing, Connected, Declined, Idle},
	Ringing:   {Connected, Declined, Idle},
	Connected: {Idle},
	Declined:  {Idle},
}

// Kind is the media kind of a call.
type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

// ParseKind accepts "audio" or "video".
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Audio, Video:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown call kind %q", s)
}

// Direction of the call relative to the local user.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Options is the configuration of one call attempt. It is passed and
// stored by value, so an attempt's options never change under it.
type Options struct {
	Kind Kind
}

// Constraints derives capture constraints: audio always, video for video calls.
func (o Options) Constraints() media.Constraints {
	return media.Constraints{Audio: true, Video: o.Kind == Video}
}

// EventType tags handle events.
type EventType int

const (
	EventRinging EventType = iota + 1
	EventRemoteStream
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventRinging:
		return "ringing"
	case EventRemoteStream:
		return "remote_stream"
	case EventClosed:
		return "closed"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// HandleEvent is one lifecycle event of a signaling handle.
type HandleEvent struct {
	Type   EventType
	Remote *media.Stream
}

// Handle is one in-progress media negotiation. Events is closed after the
// handle closes. Close is idempotent.
type Handle interface {
	Events() <-chan HandleEvent
	Close()
}

// Offer is an inbound call awaiting a decision. Done is closed once the
// offer is settled: answered, declined, or withdrawn by the caller.
// Answer on a withdrawn offer fails with ErrWithdrawn.
type Offer interface {
	CallID() string
	PeerID() string
	Options() Options
	Answer(ctx context.Context, local *media.Stream) (Handle, error)
	Close()
	Done() <-chan struct{}
}

// Signaling places outbound calls.
type Signaling interface {
	Place(ctx context.Context, callID, peerID string, local *media.Stream, opts Options) (Handle, error)
}

// MediaProvider acquires local capture streams.
type MediaProvider interface {
	Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error)
}

var (
	ErrBusy           = errors.New("a call is already in progress")
	ErrNoPendingOffer = errors.New("no pending incoming call")
	ErrNoPeer         = errors.New("no peer to call")
	ErrWithdrawn      = errors.New("caller withdrew the offer")
	// ErrEnded resolves an attempt that was ended before it finished starting.
	ErrEnded = errors.New("call ended")
)

// CapabilityError reports that local media could not be acquired.
type CapabilityError struct {
	Constraints media.Constraints
	Err         error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("acquire media (audio=%t video=%t): %v", e.Constraints.Audio, e.Constraints.Video, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// PhaseChange is the payload of call.phase_changed events.
type PhaseChange struct {
	From      Phase
	To        Phase
	CallID    string
	PeerID    string
	Direction Direction
	Kind      Kind
}

// Incoming is the payload of call.incoming events.
type Incoming struct {
	CallID string
	PeerID string
	Kind   Kind
}

// Failure is the payload of call.failed events.
type Failure struct {
	CallID string
	PeerID string
	Reason string
}

// Session is a read-only view of the call state.
type Session struct {
	Phase        Phase
	CallID       string
	PeerID       string
	Direction    Direction
	Kind         Kind
	StartedAt    time.Time
	LocalTracks  []media.Track
	RemoteTracks []media.Track
	Pending      *Incoming
}
