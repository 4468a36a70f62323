package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
)

// RedisAttemptLimiter is a sliding-window limiter on Redis sorted sets. It
// lets several guardian processes share one attempt budget per subject.
type RedisAttemptLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	clock  activity.Clock
	logger *zap.Logger
}

func NewRedisAttemptLimiter(client *redis.Client, limit int, window time.Duration, clock activity.Clock, logger *zap.Logger) *RedisAttemptLimiter {
	if clock == nil {
		clock = activity.RealClock{}
	}
	return &RedisAttemptLimiter{
		client: client,
		limit:  limit,
		window: window,
		clock:  clock,
		logger: logger,
	}
}

// Allow records an attempt if the window still has room
func (r *RedisAttemptLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := r.clock.Now()
	windowStart := now.Add(-r.window)
	limitKey := AttemptPrefix + key
	member := uuid.NewString()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, limitKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, limitKey)
	pipe.ZAdd(ctx, limitKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	})
	pipe.Expire(ctx, limitKey, r.window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("attempt limiter pipeline failed",
			zap.String("key", key),
			zap.Error(err))
		return false, fmt.Errorf("attempt limiter pipeline failed: %w", err)
	}

	// count excludes the attempt just added
	current := countCmd.Val()
	if current >= int64(r.limit) {
		if err := r.client.ZRem(ctx, limitKey, member).Err(); err != nil {
			r.logger.Warn("failed to drop rejected attempt", zap.String("key", key), zap.Error(err))
		}
		r.logger.Debug("attempt limit exceeded",
			zap.String("key", key),
			zap.Int64("current_count", current),
			zap.Int("limit", r.limit))
		return false, nil
	}
	return true, nil
}

// Remaining returns how many attempts are left in the current window
func (r *RedisAttemptLimiter) Remaining(ctx context.Context, key string) (int, error) {
	limitKey := AttemptPrefix + key
	windowStart := r.clock.Now().Add(-r.window)

	if err := r.client.ZRemRangeByScore(ctx, limitKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10)).Err(); err != nil {
		return 0, fmt.Errorf("attempt limiter cleanup failed: %w", err)
	}
	count, err := r.client.ZCard(ctx, limitKey).Result()
	if err != nil {
		return 0, fmt.Errorf("attempt limiter count failed: %w", err)
	}
	remaining := r.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears the attempt history for key
func (r *RedisAttemptLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, AttemptPrefix+key).Err(); err != nil {
		r.logger.Error("attempt limiter reset failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("attempt limiter reset failed: %w", err)
	}
	return nil
}
