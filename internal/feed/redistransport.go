package feed

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"chartpipe/internal/model"
)

// DefaultChannelPrefix prefixes per-symbol pub/sub channels.
const DefaultChannelPrefix = "pub:price:"

// RedisConfig configures a RedisTransport.
type RedisConfig struct {
	Addr          string // e.g. "localhost:6379"
	Password      string
	DB            int
	ChannelPrefix string
}

// RedisTransport reads price frames from Redis pub/sub, one channel per
// symbol. Subscribe/unsubscribe control frames map onto channel
// SUBSCRIBE/UNSUBSCRIBE.
type RedisTransport struct {
	client *goredis.Client
	prefix string
}

// NewRedisTransport creates the client. No connection is made until Dial.
func NewRedisTransport(cfg RedisConfig) *RedisTransport {
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisTransport{
		client: goredis.NewClient(&goredis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: prefix,
	}
}

// Dial pings the server and opens a pub/sub connection with no channels.
func (t *RedisTransport) Dial(ctx context.Context) (Conn, error) {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	ps := t.client.Subscribe(ctx)
	return &redisConn{ps: ps, prefix: t.prefix}, nil
}

// Client returns the underlying Redis client for health checks.
func (t *RedisTransport) Client() *goredis.Client { return t.client }

// Close releases the underlying client.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}

type redisConn struct {
	ps     *goredis.PubSub
	prefix string
}

func (c *redisConn) ReadFrame() ([]byte, error) {
	msg, err := c.ps.ReceiveMessage(context.Background())
	if err != nil {
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (c *redisConn) WriteFrame(ctx context.Context, f model.ControlFrame) error {
	channel := c.prefix + f.Symbol
	switch f.Type {
	case model.FrameSubscribe:
		return c.ps.Subscribe(ctx, channel)
	case model.FrameUnsubscribe:
		return c.ps.Unsubscribe(ctx, channel)
	default:
		return fmt.Errorf("redis transport: unsupported control frame %q", f.Type)
	}
}

func (c *redisConn) Close() error {
	return c.ps.Close()
}
