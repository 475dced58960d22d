package realtime

import (
	"context"
	"fmt"
	"time"

	"alertflow/internal/config"

	"github.com/go-redis/redis/v8"
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisSink publishes updates with PUBLISH on channel `<prefix>:<routing key>`.
type RedisSink struct {
	client redisPublisher
	prefix string
}

// NewRedisSink connects to Redis and verifies it with PING.
// Params: realtime Redis config.
// Returns: sink or connect error.
func NewRedisSink(ctx context.Context, cfg config.RealtimeRedisConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect realtime redis %s: %w", cfg.Addr, err)
	}
	return &RedisSink{client: client, prefix: cfg.ChannelPrefix}, nil
}

// Name returns metric label.
func (s *RedisSink) Name() string { return "redis" }

// Send publishes body to the routing key channel.
func (s *RedisSink) Send(ctx context.Context, routingKey string, body []byte) error {
	channel := s.prefix + ":" + routingKey
	if err := s.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Close closes the client pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
