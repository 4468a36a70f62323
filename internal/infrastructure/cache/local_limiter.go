package cache

import (
	"context"
	"sync"
	"time"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
)

// LocalAttemptLimiter is the in-process counterpart of RedisAttemptLimiter.
// It keeps the accepted attempt times per key and admits at most limit of
// them in any window.
type LocalAttemptLimiter struct {
	limit  int
	window time.Duration
	clock  activity.Clock

	mu       sync.Mutex
	attempts map[string][]time.Time
}

func NewLocalAttemptLimiter(limit int, window time.Duration, clock activity.Clock) *LocalAttemptLimiter {
	if clock == nil {
		clock = activity.RealClock{}
	}
	if limit < 1 {
		limit = 1
	}
	return &LocalAttemptLimiter{
		limit:    limit,
		window:   window,
		clock:    clock,
		attempts: make(map[string][]time.Time),
	}
}

// recent drops attempts that have left the window; callers hold mu
func (l *LocalAttemptLimiter) recent(key string, now time.Time) []time.Time {
	windowStart := now.Add(-l.window)
	kept := l.attempts[key][:0]
	for _, at := range l.attempts[key] {
		if at.After(windowStart) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(l.attempts, key)
		return nil
	}
	l.attempts[key] = kept
	return kept
}

// Allow records an attempt if the window still has room
func (l *LocalAttemptLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if len(l.recent(key, now)) >= l.limit {
		return false, nil
	}
	l.attempts[key] = append(l.attempts[key], now)
	return true, nil
}

func (l *LocalAttemptLimiter) Remaining(ctx context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := l.limit - len(l.recent(key, l.clock.Now()))
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (l *LocalAttemptLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
	return nil
}
