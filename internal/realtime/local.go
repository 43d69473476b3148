package realtime

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("stream closed")

const localBuffer = 64

var (
	_ Source    = (*LocalSource)(nil)
	_ Publisher = (*LocalSource)(nil)
	_ Publisher = (*RedisSource)(nil)
)

// LocalSource is an in-process channel hub for daemons running against a
// local backend. Publish blocks until every open stream on the channel
// has room, so frames are never dropped.
type LocalSource struct {
	mu   sync.Mutex
	subs map[string]map[*localStream]struct{}
}

// NewLocalSource creates an empty hub.
func NewLocalSource() *LocalSource {
	return &LocalSource{subs: make(map[string]map[*localStream]struct{})}
}

// Open joins channel.
func (s *LocalSource) Open(ctx context.Context, channel string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := &localStream{src: s, channel: channel, frames: make(chan []byte, localBuffer), done: make(chan struct{})}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[*localStream]struct{})
	}
	s.subs[channel][st] = struct{}{}
	return st, nil
}

// Publish delivers frame to every stream open on channel. Frames sent
// while nobody listens are discarded, as with Redis pub/sub.
func (s *LocalSource) Publish(ctx context.Context, channel string, frame []byte) error {
	s.mu.Lock()
	streams := make([]*localStream, 0, len(s.subs[channel]))
	for st := range s.subs[channel] {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		select {
		case st.frames <- frame:
		case <-st.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *LocalSource) leave(st *localStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[st.channel], st)
	if len(s.subs[st.channel]) == 0 {
		delete(s.subs, st.channel)
	}
}

type localStream struct {
	src     *LocalSource
	channel string
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
}

func (st *localStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case data := <-st.frames:
		return data, nil
	case <-st.done:
		return nil, ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (st *localStream) Close() error {
	st.once.Do(func() {
		st.src.leave(st)
		close(st.done)
	})
	return nil
}
