package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSlidingWindow implements Limiter with one Redis sorted set per user.
// Scores are millisecond timestamps. Redis failures fail open.
type RedisSlidingWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisSlidingWindow creates a Redis-backed limiter
func NewRedisSlidingWindow(client *redis.Client, limit int, window time.Duration, logger *zap.Logger) *RedisSlidingWindow {
	return &RedisSlidingWindow{
		client: client,
		limit:  limit,
		window: window,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the time source, for tests
func (l *RedisSlidingWindow) WithClock(now func() time.Time) *RedisSlidingWindow {
	l.now = now
	return l
}

// CheckRateLimit implements the sliding window check
func (l *RedisSlidingWindow) CheckRateLimit(ctx context.Context, userID string) bool {
	allowed, err := l.check(ctx, userID)
	if err != nil {
		l.logger.Error("rate limiter unavailable, allowing message",
			zap.String("user_id", userID),
			zap.Error(err))
		return true
	}
	return allowed
}

// slidingWindowScript prunes, counts and records in one atomic step.
// KEYS[1] window key; ARGV: window start, now, limit, member, ttl in ms.
var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

func (l *RedisSlidingWindow) check(ctx context.Context, userID string) (bool, error) {
	key := getRateLimitKey(userID)
	now := l.now()
	windowStart := now.Add(-l.window).UnixMilli()

	allowed, err := slidingWindowScript.Run(ctx, l.client, []string{key},
		windowStart,
		now.UnixMilli(),
		l.limit,
		fmt.Sprintf("%d:%s", now.UnixMilli(), uuid.NewString()),
		(l.window + time.Minute).Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to check window: %w", err)
	}

	return allowed == 1, nil
}

// ResetUser deletes the user's sorted set
func (l *RedisSlidingWindow) ResetUser(ctx context.Context, userID string) {
	if err := l.client.Del(ctx, getRateLimitKey(userID)).Err(); err != nil {
		l.logger.Warn("failed to reset rate limit window",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

// CleanupOldEntries is a no-op: every window key carries its own expiry
func (l *RedisSlidingWindow) CleanupOldEntries(context.Context, time.Duration) int {
	return 0
}

// getRateLimitKey returns the Redis key for a user's window
func getRateLimitKey(userID string) string {
	return fmt.Sprintf("collab:ratelimit:%s", userID)
}
