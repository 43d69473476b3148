// Package signaling negotiates calls through a websocket rendezvous: the
// client registers under its user id and exchanges offer, ringing, answer
// and close frames keyed by call id.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/duet/internal/call"
	"github.com/matheus3301/duet/internal/media"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when the rendezvous is unreachable.
var ErrNotConnected = errors.New("signaling not connected")

var _ call.Signaling = (*Client)(nil)

const (
	writeWait      = 10 * time.Second
	defaultBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Client is the local end of the rendezvous.
type Client struct {
	url    string
	userID string
	dialer *websocket.Dialer
	logger *zap.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	handles map[string]*handle
	pending map[string]*offer

	offers chan call.Offer
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a client registering as userID at rawURL.
func NewClient(rawURL, userID string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:     rawURL,
		userID:  userID,
		dialer:  websocket.DefaultDialer,
		logger:  logger,
		handles: make(map[string]*handle),
		pending: make(map[string]*offer),
		offers:  make(chan call.Offer, 8),
	}
}

// Offers delivers inbound calls.
func (c *Client) Offers() <-chan call.Offer {
	return c.offers
}

// Start keeps a registration open in the background, reconnecting with
// backoff, until Stop.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
}

// Stop disconnects and waits for the background loop to exit.
func (c *Client) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	<-c.done
}

// Connected reports whether a registration is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) run(ctx context.Context) {
	wait := defaultBackoff
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("signaling disconnected", zap.Error(err), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait = min(wait*2, maxBackoff)
	}
}

// session dials, registers and reads until the connection fails.
func (c *Client) session(ctx context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("parse signaling url: %w", err)
	}
	q := u.Query()
	q.Set("id", c.userID)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial rendezvous: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer c.disconnect(conn)

	if err := c.send(ctx, Frame{Type: frameRegister, From: c.userID}); err != nil {
		return err
	}
	c.logger.Info("signaling registered", zap.String("user", c.userID))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping malformed signaling frame", zap.Error(err))
			continue
		}
		c.dispatch(f)
	}
}

// disconnect drops conn, closes every open negotiation and withdraws
// every unanswered offer.
func (c *Client) disconnect(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	c.conn = nil
	handles := c.handles
	c.handles = make(map[string]*handle)
	pending := c.pending
	c.pending = make(map[string]*offer)
	c.mu.Unlock()
	for _, h := range handles {
		h.remoteClosed()
	}
	for _, o := range pending {
		o.settle()
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.Type {
	case frameOffer:
		kind, err := call.ParseKind(f.Kind)
		if err != nil {
			kind = call.Video
		}
		o := newOffer(c, f, call.Options{Kind: kind})
		c.mu.Lock()
		c.pending[o.callID] = o
		c.mu.Unlock()
		c.sendBestEffort(Frame{Type: frameRinging, CallID: f.CallID, To: f.From})
		select {
		case c.offers <- o:
		default:
			c.logger.Warn("offer queue full, declining", zap.String("call_id", f.CallID))
			o.Close()
		}
	case frameRinging:
		if h := c.lookup(f.CallID); h != nil {
			h.emit(call.HandleEvent{Type: call.EventRinging})
		}
	case frameAnswer:
		if h := c.lookup(f.CallID); h != nil {
			h.emit(call.HandleEvent{Type: call.EventRemoteStream, Remote: f.Stream.remote()})
		}
	case frameClose:
		c.mu.Lock()
		h := c.handles[f.CallID]
		delete(c.handles, f.CallID)
		o := c.pending[f.CallID]
		delete(c.pending, f.CallID)
		c.mu.Unlock()
		if h != nil {
			h.remoteClosed()
		}
		if o != nil {
			c.logger.Info("offer withdrawn", zap.String("call_id", f.CallID), zap.String("peer", o.from))
			o.settle()
		}
	default:
		c.logger.Debug("ignoring signaling frame", zap.String("type", f.Type))
	}
}

// Place offers local media to peerID.
func (c *Client) Place(ctx context.Context, callID, peerID string, local *media.Stream, opts call.Options) (call.Handle, error) {
	h := newHandle(c, callID, peerID)
	c.track(h)
	err := c.send(ctx, Frame{
		Type:   frameOffer,
		CallID: callID,
		From:   c.userID,
		To:     peerID,
		Kind:   string(opts.Kind),
		Stream: describe(local),
	})
	if err != nil {
		c.forget(callID)
		h.shut()
		return nil, err
	}
	return h, nil
}

func (c *Client) send(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if f.From == "" {
		f.From = c.userID
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", f.Type, err)
	}
	return nil
}

func (c *Client) sendBestEffort(f Frame) {
	if err := c.send(context.Background(), f); err != nil {
		c.logger.Debug("signaling frame not sent", zap.String("type", f.Type), zap.Error(err))
	}
}

func (c *Client) track(h *handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[h.callID] = h
}

// promote swaps a pending offer for its answering handle. It fails once
// the offer is no longer pending.
func (c *Client) promote(o *offer, h *handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[o.callID] != o {
		return false
	}
	delete(c.pending, o.callID)
	c.handles[h.callID] = h
	return true
}

func (c *Client) drop(o *offer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[o.callID] != o {
		return false
	}
	delete(c.pending, o.callID)
	return true
}

func (c *Client) forget(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, callID)
}

func (c *Client) lookup(callID string) *handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[callID]
}
