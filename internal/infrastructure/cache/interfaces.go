package cache

import "context"

// AttemptLimiter bounds how many attempts a key may make within a window.
// Allow consumes an attempt when it returns true.
type AttemptLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Remaining(ctx context.Context, key string) (int, error)
	Reset(ctx context.Context, key string) error
}

// Key prefixes
const (
	AttemptPrefix = "guardian:attempts:"
)
