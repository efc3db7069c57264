package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisPublisher mirrors hub events onto a Redis pub/sub channel so other
// processes (a second UI, a hub dashboard) can follow sync progress.
type RedisPublisher struct {
	rdb     *goredis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisPublisher connects to addr and verifies the connection.
func NewRedisPublisher(ctx context.Context, addr, channel string, logger *slog.Logger) (*RedisPublisher, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}
	if channel = strings.TrimSpace(channel); channel == "" {
		channel = "folia.events"
	}
	if logger == nil {
		logger = slog.Default()
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisPublisher{rdb: rdb, channel: channel, logger: logger}, nil
}

// Publish sends a single event.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, raw).Err()
}

// Forward publishes every hub event until ctx is done. Publish failures are
// logged and do not stop forwarding.
func (p *RedisPublisher) Forward(ctx context.Context, hub *Hub) {
	for e := range hub.Subscribe(ctx, 256) {
		pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := p.Publish(pubCtx, e); err != nil && ctx.Err() == nil {
			p.logger.Warn("publishing event to redis failed", "channel", p.channel, "error", err)
		}
		cancel()
	}
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error { return p.rdb.Close() }
