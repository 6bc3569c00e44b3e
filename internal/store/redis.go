package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for the ephemeral state this backend owns: session
// bindings, usage counters, and headers-cache snapshots.
const (
	keySessionPrefix = "relay:session:"
	keyUsagePrefix   = "relay:usage:"
	keyHeadersPrefix = "relay:headers:"
)

// RedisStore implements Sessions, Usage and HeadersCache against a Redis
// instance, pipelining multi-field writes into single round trips.
type RedisStore struct {
	rdb *redis.Client
}

var (
	_ Sessions     = (*RedisStore)(nil)
	_ Usage        = (*RedisStore)(nil)
	_ HeadersCache = (*RedisStore)(nil)
)

// NewRedis dials addr and verifies connectivity before returning.
func NewRedis(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

// --- Sessions ---

func (s *RedisStore) GetSession(ctx context.Context, fingerprint string) (*SessionBinding, error) {
	m, err := s.rdb.HGetAll(ctx, keySessionPrefix+fingerprint).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return &SessionBinding{AccountID: m["accountId"], Platform: m["platform"]}, nil
}

func (s *RedisStore) SetSession(ctx context.Context, fingerprint, accountID, platform string, ttl time.Duration) error {
	key := keySessionPrefix + fingerprint
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, "accountId", accountID, "platform", platform)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// ExtendSessionIfNeeded renews the TTL to ttl only when the key's
// remaining TTL has fallen below deadband, avoiding a write on every read
// of a freshly-bound session.
func (s *RedisStore) ExtendSessionIfNeeded(ctx context.Context, fingerprint string, ttl, deadband time.Duration) (bool, error) {
	key := keySessionPrefix + fingerprint
	remaining, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if remaining <= 0 {
		return false, ErrNotFound
	}
	if remaining >= deadband {
		return false, nil
	}
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, fingerprint string) error {
	return s.rdb.Del(ctx, keySessionPrefix+fingerprint).Err()
}

// --- Usage ---

// IncrementUsage pipelines an HINCRBY per field per bucket into one round
// trip, then sets per-bucket TTLs (lifetime excluded).
func (s *RedisStore) IncrementUsage(ctx context.Context, keyID string, buckets BucketKeys, inc UsageIncrement) error {
	ttls := map[string]time.Duration{
		"day:" + buckets.DayKey:     buckets.DayTTL,
		"month:" + buckets.MonthKey: buckets.MonthTTL,
		"hour:" + buckets.HourKey:   buckets.HourTTL,
	}

	pipe := s.rdb.Pipeline()
	for _, bucket := range []string{"lifetime", "day:" + buckets.DayKey, "month:" + buckets.MonthKey, "hour:" + buckets.HourKey} {
		key := keyUsagePrefix + keyID + ":" + bucket
		incrementFields(ctx, pipe, key, inc, bucket == "lifetime")
		if ttl, ok := ttls[bucket]; ok {
			pipe.Expire(ctx, key, ttl)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// incrementFields applies inc's counters to key. The long-context variants
// are only ever passed through on the lifetime bucket.
func incrementFields(ctx context.Context, pipe redis.Pipeliner, key string, inc UsageIncrement, lifetime bool) {
	pipe.HIncrBy(ctx, key, "inputTokens", inc.InputTokens)
	pipe.HIncrBy(ctx, key, "outputTokens", inc.OutputTokens)
	pipe.HIncrBy(ctx, key, "cacheCreateTokens", inc.CacheCreateTokens)
	pipe.HIncrBy(ctx, key, "cacheReadTokens", inc.CacheReadTokens)
	pipe.HIncrBy(ctx, key, "requests", inc.Requests)
	pipe.HIncrBy(ctx, key, "ephemeral5mTokens", inc.Ephemeral5mTokens)
	pipe.HIncrBy(ctx, key, "ephemeral1hTokens", inc.Ephemeral1hTokens)
	pipe.HIncrByFloat(ctx, key, "cost", inc.Cost)
	if lifetime {
		pipe.HIncrBy(ctx, key, "longContextInputTokens", inc.LongContextInputTokens)
		pipe.HIncrBy(ctx, key, "longContextOutputTokens", inc.LongContextOutputTokens)
		pipe.HIncrBy(ctx, key, "longContextRequests", inc.LongContextRequests)
	}
}

func (s *RedisStore) GetUsage(ctx context.Context, keyID, bucket string) (UsageIncrement, error) {
	m, err := s.rdb.HGetAll(ctx, keyUsagePrefix+keyID+":"+bucket).Result()
	if err != nil {
		return UsageIncrement{}, err
	}
	return UsageIncrement{
		InputTokens:             hgetInt64(m, "inputTokens"),
		OutputTokens:            hgetInt64(m, "outputTokens"),
		CacheCreateTokens:       hgetInt64(m, "cacheCreateTokens"),
		CacheReadTokens:         hgetInt64(m, "cacheReadTokens"),
		Requests:                hgetInt64(m, "requests"),
		Ephemeral5mTokens:       hgetInt64(m, "ephemeral5mTokens"),
		Ephemeral1hTokens:       hgetInt64(m, "ephemeral1hTokens"),
		LongContextInputTokens:  hgetInt64(m, "longContextInputTokens"),
		LongContextOutputTokens: hgetInt64(m, "longContextOutputTokens"),
		LongContextRequests:     hgetInt64(m, "longContextRequests"),
		Cost:                    hgetFloat64(m, "cost"),
	}, nil
}

func hgetInt64(m map[string]string, field string) int64 {
	var n int64
	fmt.Sscanf(m[field], "%d", &n)
	return n
}

func hgetFloat64(m map[string]string, field string) float64 {
	var f float64
	fmt.Sscanf(m[field], "%f", &f)
	return f
}

// --- Headers cache ---

type headersSnapshotWire struct {
	Headers   map[string]string `json:"headers"`
	Version   string            `json:"version"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func (s *RedisStore) GetHeaders(ctx context.Context, accountID string) (*HeadersSnapshot, error) {
	raw, err := s.rdb.Get(ctx, keyHeadersPrefix+accountID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var w headersSnapshotWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("decode headers snapshot: %w", err)
	}
	return &HeadersSnapshot{Headers: w.Headers, Version: w.Version, UpdatedAt: w.UpdatedAt}, nil
}

func (s *RedisStore) SetHeaders(ctx context.Context, accountID string, snap HeadersSnapshot, ttl time.Duration) error {
	raw, err := json.Marshal(headersSnapshotWire{Headers: snap.Headers, Version: snap.Version, UpdatedAt: snap.UpdatedAt})
	if err != nil {
		return fmt.Errorf("encode headers snapshot: %w", err)
	}
	return s.rdb.Set(ctx, keyHeadersPrefix+accountID, raw, ttl).Err()
}
