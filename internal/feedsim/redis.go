package feedsim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"chartpipe/internal/feed"
	"chartpipe/internal/model"
)

// RedisSink publishes price and candle frames to one pub/sub channel per
// symbol, the layout feed.RedisTransport subscribes to. Heartbeats are not
// published; Redis keeps its own connections alive.
type RedisSink struct {
	client *goredis.Client
	prefix string
}

// NewRedisSink connects and pings the server.
func NewRedisSink(cfg feed.RedisConfig, log *slog.Logger) (*RedisSink, error) {
	if log == nil {
		log = slog.Default()
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = feed.DefaultChannelPrefix
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info("redis sink connected", slog.String("component", "feedsim"),
		slog.String("addr", cfg.Addr), slog.String("prefix", prefix))
	return &RedisSink{client: client, prefix: prefix}, nil
}

// Client returns the underlying Redis client for health checks.
func (s *RedisSink) Client() *goredis.Client { return s.client }

// Publish implements Sink.
func (s *RedisSink) Publish(ctx context.Context, f model.InboundFrame) error {
	if f.Type == model.FrameHeartbeat || f.Symbol == "" {
		return nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.prefix+f.Symbol, b).Err()
}

// Close releases the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
