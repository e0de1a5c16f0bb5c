package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/riskengine/internal/fraud"
)

const pendingValue = "pending"

// releaseIfPending deletes a claim only while it is still pending, so a
// late Release never erases a completed result.
var releaseIfPending = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLedger keeps claims as SET NX leases and results as JSON values.
type RedisLedger struct {
	client    redis.UniversalClient
	prefix    string
	lease     time.Duration
	retention time.Duration
}

// NewRedisLedger creates a RedisLedger. Keys are "<prefix>dedup:<txID>".
func NewRedisLedger(client redis.UniversalClient, prefix string, lease, retention time.Duration) *RedisLedger {
	if lease <= 0 {
		lease = DefaultLease
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisLedger{client: client, prefix: prefix, lease: lease, retention: retention}
}

func (l *RedisLedger) key(txID string) string { return l.prefix + "dedup:" + txID }

func (l *RedisLedger) Claim(ctx context.Context, txID string) (Claim, error) {
	key := l.key(txID)
	// The existing value can expire between SET NX and GET; retry then.
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := l.client.SetNX(ctx, key, pendingValue, l.lease).Result()
		if err != nil {
			return Claim{}, unavailable("claim", err)
		}
		if ok {
			return Claim{State: Claimed}, nil
		}

		val, err := l.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Claim{}, unavailable("claim", err)
		}
		if val == pendingValue {
			return Claim{State: InFlight}, nil
		}
		res, err := decodeResult(val)
		if err != nil {
			return Claim{}, err
		}
		return Claim{State: Completed, Result: res}, nil
	}
	return Claim{State: InFlight}, nil
}

func (l *RedisLedger) Complete(ctx context.Context, txID string, result *fraud.ScoreResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("dedup: encode result: %w", err)
	}
	if err := l.client.Set(ctx, l.key(txID), data, l.retention).Err(); err != nil {
		return unavailable("complete", err)
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, txID string) error {
	if err := releaseIfPending.Run(ctx, l.client, []string{l.key(txID)}, pendingValue).Err(); err != nil {
		return unavailable("release", err)
	}
	return nil
}

func (l *RedisLedger) Lookup(ctx context.Context, txID string) (*fraud.ScoreResult, bool, error) {
	val, err := l.client.Get(ctx, l.key(txID)).Result()
	if errors.Is(err, redis.Nil) || val == pendingValue {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("lookup", err)
	}
	res, err := decodeResult(val)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

func (l *RedisLedger) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func decodeResult(val string) (*fraud.ScoreResult, error) {
	var res fraud.ScoreResult
	if err := json.Unmarshal([]byte(val), &res); err != nil {
		return nil, fmt.Errorf("dedup: decode result: %w", err)
	}
	return &res, nil
}
