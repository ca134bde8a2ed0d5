// Package events publishes committed settlement journal entries to external
// consumers. Redis Streams is the production transport; an in-memory ring is
// used when Redis is not configured (single-process deployments, tests).
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/agoramesh-ai/settlement/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// Publisher delivers journal entries after their transaction has committed.
// Publishing is best-effort: the journal row is the source of truth, so a
// failed publish is logged and counted, never propagated to the caller.
type Publisher interface {
	Publish(ctx context.Context, e model.Event)
	Close() error
}

// RedisPublisher appends events to a Redis stream via XADD.
type RedisPublisher struct {
	client    *redis.Client
	streamKey string
	logger    *slog.Logger
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(url, streamKey string, logger *slog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisPublisher{
		client:    client,
		streamKey: streamKey,
		logger:    logger.With("component", "events"),
	}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, e model.Event) {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.streamKey,
		Values: map[string]any{
			"id":        e.ID.String(),
			"kind":      string(e.Kind),
			"entity_id": e.EntityID,
			"payload":   string(e.Payload),
			"ts":        e.CreatedAt.UnixMilli(),
		},
	}).Err()
	if err != nil {
		metrics.EventPublishErrors.WithLabelValues("redis").Inc()
		p.logger.Warn("event publish failed", "kind", e.Kind, "entity_id", e.EntityID, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues("redis").Inc()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// InMemoryPublisher keeps the most recent events in a bounded ring buffer.
type InMemoryPublisher struct {
	mu  sync.Mutex
	buf []model.Event
	max int
}

// NewInMemoryPublisher creates a ring buffer publisher holding up to max events.
func NewInMemoryPublisher(max int) *InMemoryPublisher {
	if max <= 0 {
		max = 1024
	}
	return &InMemoryPublisher{max: max}
}

func (p *InMemoryPublisher) Publish(_ context.Context, e model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, e)
	if len(p.buf) > p.max {
		p.buf = p.buf[len(p.buf)-p.max:]
	}
	metrics.EventsPublished.WithLabelValues("memory").Inc()
}

// Recent returns a copy of the buffered events, oldest first.
func (p *InMemoryPublisher) Recent() []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Event, len(p.buf))
	copy(out, p.buf)
	return out
}

func (p *InMemoryPublisher) Close() error {
	return nil
}
