package leasestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript deletes the key only when its current value
// matches the caller's copy.
// KEYS[1] = record key
// ARGV[1] = expected value
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// compareAndSwapScript replaces value and TTL only when the current value
// matches the caller's copy. A TTL of 0 clears expiry.
// KEYS[1] = record key
// ARGV[1] = expected value
// ARGV[2] = replacement value
// ARGV[3] = TTL in milliseconds (0 = none)
var compareAndSwapScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    local ttl = tonumber(ARGV[3])
    if ttl > 0 then
        redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
    else
        redis.call("SET", KEYS[1], ARGV[2])
    end
    return 1
end
return 0
`)

// Redis implements Store on a single Redis endpoint. Record expiry rides
// on Redis' native TTL; no sweeper runs in-process.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedis connects to the Redis at url (redis:// form) with a bounded
// connection pool. Every store call is capped at timeout; exhaustion of
// the pool queues callers up to the same bound.
func NewRedis(url string, poolSize int, timeout time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse lease store url: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	if timeout > 0 {
		opts.PoolTimeout = timeout
	}
	return &Redis{client: redis.NewClient(opts), timeout: timeout}, nil
}

// Ping verifies connectivity.
func (s *Redis) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *Redis) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	return ok, nil
}

func (s *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return val, nil
}

func (s *Redis) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *Redis) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expect).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *Redis) CompareAndSwap(ctx context.Context, key string, expect, replace []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := compareAndSwapScript.Run(ctx, s.client, []string{key}, expect, replace, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-swap %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *Redis) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis SADD %s: %w", key, err)
	}
	return nil
}

func (s *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS %s: %w", key, err)
	}
	return members, nil
}

func (s *Redis) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis SREM %s: %w", key, err)
	}
	return nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}
