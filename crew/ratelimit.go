package crew

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/altis0725/OKAMI/core"
)

// RateLimiter enforces an agent's max_rpm as a sliding-window token
// bucket. Allow blocks up to waitBudget before returning
// core.ErrRateBudgetExceeded.
type RateLimiter interface {
	Allow(ctx context.Context, agentName string, maxRPM int, waitBudget time.Duration) error
}

// InProcessRateLimiter keeps one sliding 60s window per agent name in
// memory. Same accounting as RedisRateLimiter, without the Redis round
// trips, for single-process deployments.
type InProcessRateLimiter struct {
	mu     sync.Mutex
	window map[string][]time.Time
}

func NewInProcessRateLimiter() *InProcessRateLimiter {
	return &InProcessRateLimiter{window: make(map[string][]time.Time)}
}

func (l *InProcessRateLimiter) Allow(ctx context.Context, agentName string, maxRPM int, waitBudget time.Duration) error {
	if maxRPM <= 0 {
		return nil // 0 = unlimited
	}
	deadline := time.Now().Add(waitBudget)
	for {
		wait, ok := l.tryReserve(agentName, maxRPM)
		if ok {
			return nil
		}
		if time.Now().Add(wait).After(deadline) {
			return fmt.Errorf("%w: agent %s exceeded %d rpm", core.ErrRateBudgetExceeded, agentName, maxRPM)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (l *InProcessRateLimiter) tryReserve(agentName string, maxRPM int) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)
	entries := l.window[agentName]
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= maxRPM {
		oldest := kept[0]
		return oldest.Add(time.Minute).Sub(now), false
	}
	kept = append(kept, now)
	l.window[agentName] = kept
	return 0, true
}

// RedisRateLimiter backs the same algorithm with a Redis sorted set per
// agent, so rate limits hold across multiple process instances.
type RedisRateLimiter struct {
	client *core.RedisClient
}

func NewRedisRateLimiter(client *core.RedisClient) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, agentName string, maxRPM int, waitBudget time.Duration) error {
	if maxRPM <= 0 {
		return nil
	}
	key := "rpm:" + agentName
	deadline := time.Now().Add(waitBudget)
	for {
		now := time.Now()
		cutoff := now.Add(-time.Minute)
		if err := l.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff.UnixNano())); err != nil {
			return fmt.Errorf("trim rate limit window: %w", err)
		}
		count, err := l.client.ZCard(ctx, key)
		if err != nil {
			return fmt.Errorf("read rate limit window: %w", err)
		}
		if count < int64(maxRPM) {
			if err := l.client.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixNano()), Member: fmt.Sprintf("%d", now.UnixNano())}); err != nil {
				return fmt.Errorf("reserve rate limit slot: %w", err)
			}
			_ = l.client.Expire(ctx, key, time.Minute)
			return nil
		}
		if now.Add(time.Second).After(deadline) {
			return fmt.Errorf("%w: agent %s exceeded %d rpm", core.ErrRateBudgetExceeded, agentName, maxRPM)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
