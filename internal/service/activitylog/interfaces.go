package activitylog

import (
	"context"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
)

// Sink is the durable append-only store behind the log. An Append that
// returns nil must survive a crash immediately afterwards.
type Sink interface {
	// Append persists one sealed event. Events arrive in sequence order.
	Append(ctx context.Context, event activity.Event) error
	// ReadPage returns up to limit events with sequence greater than after, in order
	ReadPage(ctx context.Context, after uint64, limit int) ([]activity.Event, error)
	// LastSequence returns the highest persisted sequence, zero when empty
	LastSequence(ctx context.Context) (uint64, error)
}

// Recorder is the write side of the log used by producers
type Recorder interface {
	Append(ctx context.Context, draft activity.Draft) (activity.Event, error)
}
