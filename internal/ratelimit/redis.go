package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript implements the fixed window atomically: reset when the stored
// window has lapsed, otherwise increment. The key expires after 2x the
// window so idle identifiers cost nothing.
var incrScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local start = redis.call('HGET', key, 'start')
if (not start) or (now - tonumber(start) >= window) then
  redis.call('HSET', key, 'start', now, 'count', 1)
  redis.call('PEXPIRE', key, window * 2)
  return {1, now}
end
local count = redis.call('HINCRBY', key, 'count', 1)
redis.call('PEXPIRE', key, window * 2)
return {count, tonumber(start)}
`)

// RedisStore keeps counters in a shared Redis so that all replicas agree on
// a tenant's budget.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis and verifies connectivity before use.
func NewRedisStore(addr, password string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr)
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an existing client. Tests use this with
// miniredis.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Incr advances the counter for key atomically.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (Result, error) {
	raw, err := incrScript.Run(ctx, s.rdb, []string{key},
		time.Now().UnixMilli(), window.Milliseconds()).Result()
	if err != nil {
		return Result{}, err
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("unexpected script reply %T", raw)
	}
	count, ok1 := vals[0].(int64)
	startMs, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return Result{}, fmt.Errorf("unexpected script reply values %v", vals)
	}

	return Result{Count: count, WindowStart: time.UnixMilli(startMs)}, nil
}

// Ping checks the connection. Health probes call this after boot; the
// constructor already pinged once.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close shuts down the underlying redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
