// Package events carries band transitions between processes over Redis Streams.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/warmth-engine/internal/warmth"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultStream = "warmth:transitions"
	defaultMaxLen = 100000
)

// Bus publishes transitions to a Redis stream and reads them back.
type Bus struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewBus connects to redisURL and verifies the connection.
func NewBus(redisURL, stream string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewBusWithClient(rdb, stream, logger), nil
}

// NewBusWithClient wraps an existing client.
func NewBusWithClient(rdb *redis.Client, stream string, logger *zap.Logger) *Bus {
	if stream == "" {
		stream = DefaultStream
	}
	return &Bus{rdb: rdb, stream: stream, maxLen: defaultMaxLen, logger: logger}
}

// Client exposes the underlying connection so other components can share it.
func (b *Bus) Client() *redis.Client { return b.rdb }

// Stream returns the stream key.
func (b *Bus) Stream() string { return b.stream }

// Publish appends t to the stream. Bus implements warmth.TransitionSink.
func (b *Bus) Publish(ctx context.Context, t warmth.Transition) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"contact": t.ContactID,
			"data":    string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", b.stream, err)
	}

	b.logger.Debug("published transition",
		zap.String("contact", t.ContactID),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)))
	return nil
}

// Subscribe reads transitions appended after lastID ("$" for new entries
// only, "0" for the whole stream). The channel closes when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, lastID string) <-chan warmth.Transition {
	ch := make(chan warmth.Transition, 16)
	if lastID == "" {
		lastID = "$"
	}

	go func() {
		defer close(ch)
		for {
			if ctx.Err() != nil {
				return
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.stream, lastID},
				Count:   50,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("transition stream read failed", zap.Error(err))
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
					t, err := decodeTransition(msg)
					if err != nil {
						b.logger.Warn("dropping malformed transition", zap.String("id", msg.ID), zap.Error(err))
						continue
					}
					select {
					case ch <- t:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// EnsureGroup creates group on the stream if it does not exist. A new group
// starts at the end of the stream; from then on the group keeps its position
// across consumer restarts.
func (b *Bus) EnsureGroup(ctx context.Context, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, b.stream, group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", group, b.stream, err)
	}
	return nil
}

// ConsumeGroup reads the stream as consumer within group and feeds sink
// until ctx ends. Entries are acknowledged once sink accepts them. Entries
// left pending by an earlier run of the same consumer are replayed first,
// then everything after the group's position, including entries published
// while no consumer ran.
func (b *Bus) ConsumeGroup(ctx context.Context, group, consumer string, sink warmth.TransitionSink) error {
	if err := b.EnsureGroup(ctx, group); err != nil {
		return err
	}

	// "0" pages through this consumer's pending entries, ">" reads new ones.
	readID := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}

		results, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{b.stream, readID},
			Count:    50,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				readID = ">"
			} else {
				b.logger.Warn("transition group read failed", zap.String("group", group), zap.Error(err))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
			}
			continue
		}

		n := 0
		for _, r := range results {
			for _, msg := range r.Messages {
				n++
				if readID != ">" {
					readID = msg.ID
				}
				b.deliver(ctx, group, msg, sink)
			}
		}
		if readID != ">" && n == 0 {
			readID = ">"
		}
	}
}

// deliver hands one entry to sink. Malformed entries are acknowledged and
// dropped; entries the sink rejects stay pending for the next run.
func (b *Bus) deliver(ctx context.Context, group string, msg redis.XMessage, sink warmth.TransitionSink) {
	t, err := decodeTransition(msg)
	if err != nil {
		b.logger.Warn("dropping malformed transition", zap.String("id", msg.ID), zap.Error(err))
		b.ack(ctx, group, msg.ID)
		return
	}
	if err := sink.Publish(ctx, t); err != nil {
		b.logger.Warn("transition consumer failed, leaving entry pending",
			zap.String("id", msg.ID), zap.String("contact", t.ContactID), zap.Error(err))
		return
	}
	b.ack(ctx, group, msg.ID)
}

func (b *Bus) ack(ctx context.Context, group, id string) {
	if err := b.rdb.XAck(context.WithoutCancel(ctx), b.stream, group, id).Err(); err != nil {
		b.logger.Warn("transition ack failed", zap.String("id", id), zap.Error(err))
	}
}

func decodeTransition(msg redis.XMessage) (warmth.Transition, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return warmth.Transition{}, fmt.Errorf("entry has no data field")
	}
	var t warmth.Transition
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return warmth.Transition{}, fmt.Errorf("decode transition: %w", err)
	}
	if err := warmth.ValidateContactID(t.ContactID); err != nil {
		return warmth.Transition{}, err
	}
	from, err := warmth.ParseBand(string(t.From))
	if err != nil {
		return warmth.Transition{}, err
	}
	to, err := warmth.ParseBand(string(t.To))
	if err != nil {
		return warmth.Transition{}, err
	}
	t.From, t.To = from, to
	return t, nil
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
