package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Envelope is the wire form of an event on the relay.
type Envelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	JobID   string          `json:"job_id"`
	Payload json.RawMessage `json:"payload"`
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisRelay forwards bus events to Redis pub/sub so that watchers in other
// processes can follow a job. Channels are named "<prefix>:<topic>".
type RedisRelay struct {
	client redisPublisher
	prefix string
	logger *slog.Logger
}

// NewRedisRelay connects to the Redis server at address (a redis:// URL).
func NewRedisRelay(address, prefix string, logger *slog.Logger) (*RedisRelay, error) {
	if address == "" {
		address = "redis://127.0.0.1:6379"
	}
	options, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newRedisRelay(redis.NewClient(options), prefix, logger), nil
}

func newRedisRelay(client redisPublisher, prefix string, logger *slog.Logger) *RedisRelay {
	if prefix == "" {
		prefix = "workgraph"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RedisRelay{client: client, prefix: prefix, logger: logger}
}

// Channel returns the Redis channel name used for a topic.
func (r *RedisRelay) Channel(topic string) string {
	return r.prefix + ":" + topic
}

// Forward publishes a single event.
func (r *RedisRelay) Forward(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.EventType(), err)
	}
	env, err := json.Marshal(Envelope{
		Type:    event.EventType(),
		Topic:   event.Topic(),
		JobID:   event.JobID(),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.Channel(event.Topic()), env).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// Run forwards events from ch until it is closed or ctx is done. Publish
// failures are logged and do not stop the relay.
func (r *RedisRelay) Run(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := r.Forward(ctx, event); err != nil {
				r.logger.Warn("event relay failed", "type", event.EventType(), "job_id", event.JobID(), "error", err)
			}
		}
	}
}

// Close releases the Redis connection.
func (r *RedisRelay) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
