package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "nexus:realtime"

// RedisRelay publishes events on a Redis channel so that every API instance,
// and events raised by the worker, reach all connected subscribers.
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisRelay(client *redis.Client, channel string, logger *slog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisRelay{client: client, channel: channel, logger: logger}
}

func (r *RedisRelay) Publish(ctx context.Context, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// Run forwards relayed events into hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context, hub *Hub) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}
	r.logger.Info("realtime relay subscribed", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				r.logger.Warn("discarding malformed realtime event", "error", err)
				continue
			}
			_ = hub.Publish(ctx, e)
		}
	}
}
