package redisstore

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/pixveil/gen-platform/internal/generation"
)

// EventSink publishes lifecycle events to a Redis pub/sub channel.
// Metrics collectors and websocket notifiers subscribe on their own;
// the queue only ever publishes.
type EventSink struct {
	client  *redis.Client
	channel string
}

func NewEventSink(addr, password string, db int, channel string) *EventSink {
	return &EventSink{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		channel: channel,
	}
}

var _ generation.Publisher = (*EventSink)(nil)

func (s *EventSink) Publish(ctx context.Context, ev generation.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, b).Err()
}

func (s *EventSink) Close() error { return s.client.Close() }
