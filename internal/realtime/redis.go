package realtime

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisSource subscribes to the channel through Redis pub/sub.
type RedisSource struct {
	Client *redis.Client
}

// NewRedisSource connects to addr.
func NewRedisSource(addr, password string) *RedisSource {
	return &RedisSource{Client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})}
}

// Open subscribes and waits for the subscription to be confirmed.
func (s *RedisSource) Open(ctx context.Context, channel string) (Stream, error) {
	sub := s.Client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &redisStream{sub: sub}, nil
}

// Publish sends one frame to channel. Used by local backends and tests.
func (s *RedisSource) Publish(ctx context.Context, channel string, frame []byte) error {
	return s.Client.Publish(ctx, channel, frame).Err()
}

// Close closes the Redis client.
func (s *RedisSource) Close() error {
	return s.Client.Close()
}

type redisStream struct {
	sub *redis.PubSub
}

func (s *redisStream) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.sub.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (s *redisStream) Close() error {
	return s.sub.Close()
}
