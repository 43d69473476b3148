// Package realtime subscribes to the backend's per-user event channel and
// republishes its frames as stream.* events.
package realtime

import "context"

// ChannelName is the per-user channel every client subscribes to.
func ChannelName(userID string) string {
	return "sync-all-" + userID
}

// Source opens a subscription to a named channel.
type Source interface {
	Open(ctx context.Context, channel string) (Stream, error)
}

// Stream yields raw frames until it fails or is closed.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Publisher writes raw frames to a named channel. A local backend uses it
// to stand in for the hosted backend's change feed.
type Publisher interface {
	Publish(ctx context.Context, channel string, frame []byte) error
}
