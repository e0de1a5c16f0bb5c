package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/mbd888/riskengine/internal/retry"
)

// maxOptimisticAttempts bounds WATCH retries per profile update.
const maxOptimisticAttempts = 32

// incrementWindows atomically marks the transaction applied and, when the
// marker is new, resets expired buckets and adds the event to each window.
// An event older than the start of a live bucket leaves it untouched and
// sees a window holding only itself.
//
// KEYS[1]    applied marker
// KEYS[2..]  window hashes (fields c=count, s=sum, e=expiry unix ms)
// ARGV[1]    event time unix ms
// ARGV[2]    amount
// ARGV[3]    marker retention ms
// ARGV[4..]  window sizes ms, aligned with KEYS[2..]
var incrementWindows = redis.NewScript(`
local now = tonumber(ARGV[1])
local fresh = redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[3])
local out = {}
for i = 2, #KEYS do
  local size = tonumber(ARGV[i + 2])
  local exp = tonumber(redis.call('HGET', KEYS[i], 'e') or '0')
  if exp > now and now < exp - size then
    out[#out + 1] = {1, ARGV[2], now + size}
  else
    if fresh then
      if exp <= now then
        redis.call('DEL', KEYS[i])
        exp = now + size
        redis.call('HSET', KEYS[i], 'e', exp)
      end
      redis.call('HINCRBY', KEYS[i], 'c', 1)
      redis.call('HINCRBYFLOAT', KEYS[i], 's', ARGV[2])
      redis.call('PEXPIRE', KEYS[i], exp - now + size)
    end
    if exp <= now then
      out[#out + 1] = {0, '0', 0}
    else
      local v = redis.call('HMGET', KEYS[i], 'c', 's')
      out[#out + 1] = {tonumber(v[1] or '0'), v[2] or '0', exp}
    end
  end
end
return out
`)

// RedisStore keeps profiles as JSON documents updated under WATCH/MULTI and
// velocity windows as hashes updated by a server-side script, so per-entity
// atomicity holds across engine replicas.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	limits     Limits
	retention  time.Duration
	profileTTL time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key (default "risk:").
func WithKeyPrefix(p string) RedisOption {
	return func(s *RedisStore) { s.prefix = p }
}

// WithRedisLimits sets ring and set bounds.
func WithRedisLimits(l Limits) RedisOption {
	return func(s *RedisStore) { s.limits = l }
}

// WithProfileTTL expires idle profiles; zero keeps them forever.
func WithProfileTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.profileTTL = ttl }
}

// NewRedisStore creates a Redis-backed store. Applied-transaction markers
// live for retention.
func NewRedisStore(client redis.UniversalClient, retention time.Duration, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		prefix:    "risk:",
		limits:    DefaultLimits(),
		retention: retention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys of one entity share the {entity} hash tag so scripts and MULTI
// blocks stay within one cluster slot.
func (s *RedisStore) profileKey(entity string) string { return s.prefix + "profile:{" + entity + "}" }
func (s *RedisStore) windowKey(entity, label string) string {
	return s.prefix + "vel:{" + entity + "}:" + label
}
func (s *RedisStore) markerKey(kind, entity, txID string) string {
	return s.prefix + "applied:" + kind + ":{" + entity + "}:" + txID
}

func (s *RedisStore) User(ctx context.Context, userID string) (*UserProfile, error) {
	p := NewUserProfile(userID)
	found, err := s.load(ctx, s.client, s.profileKey(UserKey(userID)), p)
	if err != nil {
		return nil, err
	}
	if !found {
		return NewUserProfile(userID), nil
	}
	return p, nil
}

func (s *RedisStore) Merchant(ctx context.Context, merchantID string) (*MerchantProfile, error) {
	p := NewMerchantProfile(merchantID)
	found, err := s.load(ctx, s.client, s.profileKey(MerchantKey(merchantID)), p)
	if err != nil {
		return nil, err
	}
	if !found {
		return NewMerchantProfile(merchantID), nil
	}
	return p, nil
}

func (s *RedisStore) ApplyUser(ctx context.Context, userID string, o Outcome) (*UserProfile, error) {
	entity := UserKey(userID)
	var out *UserProfile
	err := s.watchApply(ctx, s.profileKey(entity), s.markerKey("profile", entity, o.TxID),
		func(tx *redis.Tx, key string) (any, error) {
			out = NewUserProfile(userID)
			_, err := s.load(ctx, tx, key, out)
			return out, err
		},
		func() { out.Apply(o, s.limits) })
	return out, err
}

func (s *RedisStore) ApplyMerchant(ctx context.Context, merchantID string, o Outcome) (*MerchantProfile, error) {
	entity := MerchantKey(merchantID)
	var out *MerchantProfile
	err := s.watchApply(ctx, s.profileKey(entity), s.markerKey("profile", entity, o.TxID),
		func(tx *redis.Tx, key string) (any, error) {
			out = NewMerchantProfile(merchantID)
			_, err := s.load(ctx, tx, key, out)
			return out, err
		},
		func() { out.Apply(o, s.limits) })
	return out, err
}

// watchApply loads the document at key under WATCH, applies mutate to it
// unless the marker exists, and writes document and marker in one MULTI.
// It retries when another writer touched either key in between.
func (s *RedisStore) watchApply(
	ctx context.Context,
	key, marker string,
	load func(tx *redis.Tx, key string) (any, error),
	mutate func(),
) error {
	txf := func(tx *redis.Tx) error {
		doc, err := load(tx, key)
		if err != nil {
			return err
		}
		applied, err := tx.Exists(ctx, marker).Result()
		if err != nil {
			return unavailable("check marker", err)
		}
		if applied > 0 {
			return nil
		}
		mutate()
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.profileTTL)
			pipe.Set(ctx, marker, "1", s.retention)
			return nil
		})
		return err
	}

	backoff := retry.Backoff{Base: time.Millisecond, Max: 25 * time.Millisecond}
	for attempt := 0; attempt < maxOptimisticAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key, marker)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			select {
			case <-ctx.Done():
				return unavailable("update profile", ctx.Err())
			case <-time.After(backoff.Next()):
			}
			continue
		}
		if errors.Is(err, ErrUnavailable) {
			return err
		}
		return unavailable("update profile", err)
	}
	return fmt.Errorf("%s: %w", key, ErrConflict)
}

func (s *RedisStore) load(ctx context.Context, c redis.Cmdable, key string, into any) (bool, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("get profile", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return false, fmt.Errorf("decode profile %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) IncrementWindows(ctx context.Context, entity, txID string, specs []WindowSpec, amount decimal.Decimal, now time.Time) ([]Window, error) {
	keys := make([]string, 0, len(specs)+1)
	keys = append(keys, s.markerKey("velocity", entity, txID))
	args := make([]any, 0, len(specs)+3)
	args = append(args, now.UnixMilli(), amount.String(), s.retention.Milliseconds())
	for _, spec := range specs {
		keys = append(keys, s.windowKey(entity, spec.Label))
		args = append(args, spec.Size.Milliseconds())
	}

	res, err := incrementWindows.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, unavailable("increment windows", err)
	}
	if len(res) != len(specs) {
		return nil, fmt.Errorf("increment windows: got %d results for %d windows", len(res), len(specs))
	}

	out := make([]Window, len(specs))
	for i, spec := range specs {
		row, ok := res[i].([]any)
		if !ok || len(row) != 3 {
			return nil, fmt.Errorf("increment windows: malformed reply for %s", spec.Label)
		}
		w, err := parseWindow(spec, row[0], row[1], row[2])
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

func (s *RedisStore) Windows(ctx context.Context, entity string, specs []WindowSpec, now time.Time) ([]Window, error) {
	cmds := make([]*redis.SliceCmd, len(specs))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, spec := range specs {
			cmds[i] = pipe.HMGet(ctx, s.windowKey(entity, spec.Label), "c", "s", "e")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("read windows", err)
	}

	out := make([]Window, len(specs))
	for i, spec := range specs {
		vals := cmds[i].Val()
		if len(vals) != 3 || vals[2] == nil {
			out[i] = Window{Label: spec.Label, Size: spec.Size, Sum: decimal.Zero}
			continue
		}
		w, err := parseWindow(spec, vals[0], vals[1], vals[2])
		if err != nil {
			return nil, err
		}
		out[i] = liveOrZero(w, spec, now)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// parseWindow accepts either script replies (int64/string) or HMGET
// replies (string/nil).
func parseWindow(spec WindowSpec, count, sum, exp any) (Window, error) {
	w := Window{Label: spec.Label, Size: spec.Size, Sum: decimal.Zero}

	c, err := toInt64(count)
	if err != nil {
		return w, fmt.Errorf("window %s count: %w", spec.Label, err)
	}
	e, err := toInt64(exp)
	if err != nil {
		return w, fmt.Errorf("window %s expiry: %w", spec.Label, err)
	}
	if e == 0 {
		return w, nil
	}
	w.Count = c
	w.ExpiresAt = time.UnixMilli(e).UTC()
	if str, ok := sum.(string); ok && str != "" {
		d, err := decimal.NewFromString(str)
		if err != nil {
			return w, fmt.Errorf("window %s sum: %w", spec.Label, err)
		}
		// HINCRBYFLOAT accumulates in long double.
		w.Sum = d.Round(8)
	}
	return w, nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return x, nil
	case string:
		if x == "" {
			return 0, nil
		}
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
