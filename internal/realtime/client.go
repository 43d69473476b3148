package realtime

import (
	"context"
	"time"

	"github.com/matheus3301/duet/internal/bus"
	"github.com/matheus3301/duet/internal/status"
	"go.uber.org/zap"
)

const (
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
	streamBuffer      = 256
)

// Client keeps one subscription open, reconnecting with exponential
// backoff, and drives the connection status machine.
type Client struct {
	source     Source
	channel    string
	status     *status.Machine
	bus        *bus.Bus
	logger     *zap.Logger
	backoff    time.Duration
	maxBackoff time.Duration
	events     chan bus.Event
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewClient creates a client for userID's channel.
func NewClient(source Source, userID string, sm *status.Machine, b *bus.Bus, backoff, maxBackoff time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	if maxBackoff < backoff {
		maxBackoff = max(defaultMaxBackoff, backoff)
	}
	return &Client{
		source:     source,
		channel:    ChannelName(userID),
		status:     sm,
		bus:        b,
		logger:     logger.With(zap.String("channel", ChannelName(userID))),
		backoff:    backoff,
		maxBackoff: maxBackoff,
		events:     make(chan bus.Event, streamBuffer),
	}
}

// Events delivers every decoded frame in arrival order. The bus gets a
// copy too, but a slow bus subscriber loses events while this channel
// never does: reading pauses while it is full, so it must be drained.
func (c *Client) Events() <-chan bus.Event {
	return c.events
}

// Start runs the subscription in the background until Stop.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.Run(ctx)
	}()
}

// Stop cancels the subscription and waits for it to wind down.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// Run blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	wait := c.backoff
	for {
		c.transition(status.Connecting)
		stream, err := c.source.Open(ctx, c.channel)
		if err != nil {
			if ctx.Err() != nil {
				c.transition(status.Offline)
				return
			}
			c.logger.Warn("stream connect failed", zap.Error(err), zap.Duration("retry_in", wait))
			c.transition(status.Error)
		} else {
			c.transition(status.Online)
			c.logger.Info("stream online")
			wait = c.backoff
			err = c.consume(ctx, stream)
			_ = stream.Close()
			if ctx.Err() != nil {
				c.transition(status.Offline)
				return
			}
			c.logger.Warn("stream dropped", zap.Error(err), zap.Duration("retry_in", wait))
			c.transition(status.Reconnecting)
		}

		select {
		case <-ctx.Done():
			c.transition(status.Offline)
			return
		case <-time.After(wait):
		}
		wait = min(wait*2, c.maxBackoff)
	}
}

func (c *Client) consume(ctx context.Context, stream Stream) error {
	for {
		data, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		evt, ok, err := Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		c.bus.Publish(evt)
		select {
		case c.events <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) transition(to status.State) {
	if c.status == nil {
		return
	}
	if err := c.status.Transition(to); err != nil {
		c.logger.Error("status transition", zap.Error(err))
	}
}
