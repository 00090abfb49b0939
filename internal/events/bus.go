// Package events announces committed agent state changes over Redis Streams
// so that registries in other processes can drop stale resident copies.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStream is the stream all registries share.
const DefaultStream = "agentvault:events"

// Event types.
const (
	TypeSaved   = "saved"
	TypeCreated = "created"
	TypeDeleted = "deleted"
	TypeCloned  = "cloned"
)

// Event is one committed change to an agent's stored state.
type Event struct {
	ID       string    `json:"id"`
	Origin   string    `json:"origin"`
	Identity string    `json:"identity"`
	Type     string    `json:"type"`
	SavedAt  time.Time `json:"saved_at"`
}

// Bus publishes and reads events on one Redis stream.
type Bus struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewBus connects to redisURL and verifies the connection.
func NewBus(ctx context.Context, redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{rdb: rdb, stream: DefaultStream, maxLen: 10000, logger: logger}, nil
}

// WithStream returns a copy of the bus bound to another stream name.
func (b *Bus) WithStream(stream string) *Bus {
	cp := *b
	cp.stream = stream
	return &cp
}

// Publish appends ev to the stream, assigning an ID when empty.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", b.stream, err)
	}

	b.logger.Debug("published event",
		zap.String("identity", ev.Identity),
		zap.String("type", ev.Type))
	return nil
}

// Subscribe reads events appended after the call and hands each to fn until
// ctx is cancelled. The returned channel is closed once the reader has
// exited.
func (b *Bus) Subscribe(ctx context.Context, fn func(context.Context, Event)) <-chan struct{} {
	done := make(chan struct{})
	lastID := b.tail(ctx)

	go func() {
		defer close(done)

		for {
			if ctx.Err() != nil {
				return
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("read events", zap.Error(err))
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if err := json.Unmarshal([]byte(data), &ev); err != nil {
						b.logger.Warn("malformed event", zap.String("id", msg.ID), zap.Error(err))
						continue
					}
					fn(ctx, ev)
				}
			}
		}
	}()

	return done
}

// tail returns the ID of the newest entry so that reading resumes after it.
func (b *Bus) tail(ctx context.Context) string {
	msgs, err := b.rdb.XRevRangeN(ctx, b.stream, "+", "-", 1).Result()
	if err != nil {
		b.logger.Warn("read stream tail", zap.String("stream", b.stream), zap.Error(err))
		return "$"
	}
	if len(msgs) == 0 {
		return "0-0"
	}
	return msgs[0].ID
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
