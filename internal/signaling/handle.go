package signaling

import (
	"context"
	"sync"

	"github.com/matheus3301/duet/internal/call"
	"github.com/matheus3301/duet/internal/media"
)

// handle is one negotiation. Events is closed exactly once, by whichever
// side closes first.
type handle struct {
	client *Client
	callID string
	peerID string

	mu     sync.Mutex
	events chan call.HandleEvent
	closed bool
}

func newHandle(c *Client, callID, peerID string) *handle {
	return &handle{
		client: c,
		callID: callID,
		peerID: peerID,
		events: make(chan call.HandleEvent, 8),
	}
}

func (h *handle) Events() <-chan call.HandleEvent { return h.events }

// Close hangs up and tells the peer.
func (h *handle) Close() {
	if h.shut() {
		h.client.forget(h.callID)
		h.client.sendBestEffort(Frame{Type: frameClose, CallID: h.callID, To: h.peerID})
	}
}

// remoteClosed handles a close from the peer or a lost connection.
func (h *handle) remoteClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	select {
	case h.events <- call.HandleEvent{Type: call.EventClosed}:
	default:
	}
	close(h.events)
}

func (h *handle) emit(ev call.HandleEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
	}
}

func (h *handle) shut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	close(h.events)
	return true
}

// offer is an inbound call that has not been answered or declined. The
// client keeps it in its pending set until one of those happens or the
// caller withdraws it.
type offer struct {
	client *Client
	callID string
	from   string
	opts   call.Options
	stream *StreamInfo

	once sync.Once
	done chan struct{}
}

func newOffer(c *Client, f Frame, opts call.Options) *offer {
	return &offer{client: c, callID: f.CallID, from: f.From, opts: opts, stream: f.Stream, done: make(chan struct{})}
}

func (o *offer) CallID() string        { return o.callID }
func (o *offer) PeerID() string        { return o.from }
func (o *offer) Options() call.Options { return o.opts }
func (o *offer) Done() <-chan struct{} { return o.done }

// Answer sends local media back to the caller. The returned handle
// delivers the caller's stream right away.
func (o *offer) Answer(ctx context.Context, local *media.Stream) (call.Handle, error) {
	h := newHandle(o.client, o.callID, o.from)
	if !o.client.promote(o, h) {
		h.shut()
		return nil, call.ErrWithdrawn
	}
	o.settle()
	err := o.client.send(ctx, Frame{
		Type:   frameAnswer,
		CallID: o.callID,
		To:     o.from,
		Kind:   string(o.opts.Kind),
		Stream: describe(local),
	})
	if err != nil {
		o.client.forget(o.callID)
		h.shut()
		return nil, err
	}
	h.emit(call.HandleEvent{Type: call.EventRemoteStream, Remote: o.stream.remote()})
	return h, nil
}

// Close declines the offer. It does nothing once the offer was answered
// or withdrawn.
func (o *offer) Close() {
	if !o.client.drop(o) {
		return
	}
	o.settle()
	o.client.sendBestEffort(Frame{Type: frameClose, CallID: o.callID, To: o.from})
}

func (o *offer) settle() {
	o.once.Do(func() { close(o.done) })
}
