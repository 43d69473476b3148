// Package loop provides the single logical thread every core mutation runs on.
//
// Components own plain, unlocked state and rely on being touched only from
// the loop goroutine. Blocking work (store queries, media acquisition,
// signaling handshakes) runs off-loop through Go and re-enters via Post.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned when work is submitted to a loop that is no longer running.
var ErrStopped = errors.New("event loop stopped")

// Loop is a cooperative, single-goroutine executor of posted closures.
type Loop struct {
	queue  chan func()
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	logger *zap.Logger
}

// New creates a loop with the given queue capacity.
func New(size int, logger *zap.Logger) *Loop {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		queue:  make(chan func(), size),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Run executes posted closures in order until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer l.Stop()
	for {
		select {
		case fn := <-l.queue:
			l.exec(fn)
		case <-ctx.Done():
			return
		case <-l.done:
			return
		}
	}
}

// Stop halts the loop and cancels the context handed to background work.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.cancel()
		close(l.done)
	})
}

// Context is cancelled when the loop stops.
func (l *Loop) Context() context.Context {
	return l.ctx
}

// Post enqueues fn. Returns false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call posts fn and waits until it has run on the loop.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Go runs work on its own goroutine and re-enters the loop with then(err).
// If the loop stops first the continuation is dropped.
func (l *Loop) Go(work func(ctx context.Context) error, then func(err error)) {
	go func() {
		err := work(l.ctx)
		if !l.Post(func() { then(err) }) {
			l.logger.Debug("continuation dropped, loop stopped", zap.Error(err))
		}
	}()
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic on event loop", zap.String("panic", fmt.Sprint(r)), zap.Stack("stack"))
		}
	}()
	fn()
}
