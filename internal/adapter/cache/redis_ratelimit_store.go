package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ereffner/stimma/internal/repository"
)

const rateLimitKeyPrefix = "ratelimit:"

// RedisRateLimitStore implements RateLimitStore. Counters live server-side
// keyed purely by the caller-supplied identity hash, so clearing cookies does
// not reset an attacker's budget. The key TTL is the lockout window; Redis
// expiry performs the window reset.
type RedisRateLimitStore struct {
	client redis.UniversalClient
}

var _ repository.RateLimitStore = (*RedisRateLimitStore)(nil)

// NewRedisRateLimitStore constructs a Redis-backed counter store.
func NewRedisRateLimitStore(client redis.UniversalClient) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client}
}

// Count returns the current attempt count and the time left in the window.
// An absent key reports zero attempts.
func (s *RedisRateLimitStore) Count(ctx context.Context, key string) (int, time.Duration, error) {
	full := rateLimitKeyPrefix + key
	count, err := s.client.Get(ctx, full).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("load rate counter: %w", err)
	}
	ttl, err := s.client.TTL(ctx, full).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("rate counter ttl: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return count, ttl, nil
}

// Increment bumps the counter atomically, starting the window on first use.
// INCR and EXPIRE travel in one transaction, and the NX variant runs on every
// call: a counter can never end up without a deadline, which would otherwise
// lock the identity out permanently instead of for one window.
func (s *RedisRateLimitStore) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	full := rateLimitKeyPrefix + key

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, full)
		pipe.ExpireNX(ctx, full, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment rate counter: %w", err)
	}
	return int(incr.Val()), nil
}
