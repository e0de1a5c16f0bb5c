package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/riskengine/internal/metrics"
)

// payloadField holds the JSON document of every stream entry.
const payloadField = "data"

// RedisSource reads one stream through a consumer group. Entries another
// consumer left pending longer than minIdle are claimed before new ones
// are read.
type RedisSource struct {
	client   redis.UniversalClient
	stream   string
	group    string
	consumer string
	block    time.Duration
	minIdle  time.Duration

	mu     sync.Mutex
	cursor string
}

// NewRedisSource creates a source for stream as consumer within group.
func NewRedisSource(client redis.UniversalClient, stream, group, consumer string, block, minIdle time.Duration) *RedisSource {
	if block <= 0 {
		block = time.Second
	}
	return &RedisSource{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
		minIdle:  minIdle,
		cursor:   "0-0",
	}
}

// EnsureGroup creates the consumer group (and the stream) if missing.
func (s *RedisSource) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", s.group, s.stream, err)
	}
	return nil
}

func (s *RedisSource) Fetch(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	if s.minIdle > 0 {
		claimed, err := s.reclaim(ctx, max)
		if err != nil || len(claimed) > 0 {
			return claimed, err
		}
	}

	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    int64(max),
		Block:    s.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.stream, err)
	}
	var out []Message
	for _, st := range res {
		out = append(out, toMessages(st.Messages)...)
	}
	return out, nil
}

// reclaim takes over entries idle for at least minIdle, scanning the
// pending list from where the previous call stopped.
func (s *RedisSource) reclaim(ctx context.Context, max int) ([]Message, error) {
	s.mu.Lock()
	start := s.cursor
	s.mu.Unlock()

	msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  s.minIdle,
		Start:    start,
		Count:    int64(max),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("autoclaim %s: %w", s.stream, err)
	}

	s.mu.Lock()
	s.cursor = next
	s.mu.Unlock()
	return toMessages(msgs), nil
}

func (s *RedisSource) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.stream, s.group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", s.stream, err)
	}
	return nil
}

// Pending returns the number of delivered but unacknowledged entries.
func (s *RedisSource) Pending(ctx context.Context) (int64, error) {
	p, err := s.client.XPending(ctx, s.stream, s.group).Result()
	if err != nil {
		return 0, fmt.Errorf("pending %s: %w", s.stream, err)
	}
	return p.Count, nil
}

// WatchPending samples Pending into the stream pending gauge every
// interval. Call in a goroutine; exits when ctx is done.
func (s *RedisSource) WatchPending(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.reportPending(ctx, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *RedisSource) reportPending(ctx context.Context, logger *slog.Logger) {
	n, err := s.Pending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("stream pending check failed", "stream", s.stream, "error", err)
		}
		return
	}
	metrics.StreamPending.Set(float64(n))
}

func toMessages(xs []redis.XMessage) []Message {
	out := make([]Message, 0, len(xs))
	for _, x := range xs {
		var payload []byte
		switch v := x.Values[payloadField].(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		}
		out = append(out, Message{ID: x.ID, Payload: payload})
	}
	return out
}

// RedisSink appends entries to a capped stream.
type RedisSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisSink creates a sink trimming stream to about maxLen entries
// (zero disables trimming).
func NewRedisSink(client redis.UniversalClient, stream string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Publish(ctx context.Context, key string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{"transaction_id": key, payloadField: payload},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.stream, err)
	}
	return nil
}
