package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore delegates counting to a shared Redis instance so limits hold
// across server instances. Requests use a sorted set of event timestamps;
// tokens use a plain counter with a TTL.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) CheckRequest(ctx context.Context, key string, window time.Duration, max int) (Decision, error) {
	now := time.Now().UnixMilli()
	cutoff := now - window.Milliseconds()
	rkey := "rl:req:" + key

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(cutoff, 10))
	cardCmd := pipe.ZCard(ctx, rkey)
	oldestCmd := pipe.ZRangeWithScores(ctx, rkey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis request check: %w", err)
	}

	current := int(cardCmd.Val())

	resetAt := now + window.Milliseconds()
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = int64(oldest[0].Score) + window.Milliseconds()
	}

	if current >= max {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt, Total: max, Current: current}, nil
	}

	// Members need uniqueness beyond the millisecond score so concurrent
	// admissions are all counted.
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()

	pipe = s.client.TxPipeline()
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: member})
	pipe.PExpire(ctx, rkey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis request record: %w", err)
	}

	return Decision{
		Allowed:   true,
		Remaining: max - current - 1,
		ResetAt:   resetAt,
		Total:     max,
		Current:   current + 1,
	}, nil
}

func (s *RedisStore) CheckTokens(ctx context.Context, key string, window time.Duration, charge, max int) (Decision, error) {
	now := time.Now().UnixMilli()
	rkey := "rl:tok:" + key

	current, err := s.client.Get(ctx, rkey).Int()
	if err != nil && err != redis.Nil {
		return Decision{}, fmt.Errorf("redis token read: %w", err)
	}

	ttl, err := s.client.PTTL(ctx, rkey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis token ttl: %w", err)
	}

	resetAt := now + window.Milliseconds()
	if ttl > 0 {
		resetAt = now + ttl.Milliseconds()
	}

	if current+charge > max {
		remaining := max - current
		if remaining < 0 {
			remaining = 0
		}
		return Decision{Allowed: false, Remaining: remaining, ResetAt: resetAt, Total: max, Current: current}, nil
	}

	if current == 0 && ttl <= 0 {
		if err := s.client.Set(ctx, rkey, charge, window).Err(); err != nil {
			return Decision{}, fmt.Errorf("redis token set: %w", err)
		}
	} else {
		if err := s.client.IncrBy(ctx, rkey, int64(charge)).Err(); err != nil {
			return Decision{}, fmt.Errorf("redis token incr: %w", err)
		}
	}

	return Decision{
		Allowed:   true,
		Remaining: max - current - charge,
		ResetAt:   resetAt,
		Total:     max,
		Current:   current + charge,
	}, nil
}
