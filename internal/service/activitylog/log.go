package activitylog

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/errors"
	"github.com/davidleathers/guardian-core/internal/metrics"
)

const (
	defaultRetain   = 1000
	defaultPageSize = 256
)

// Options tunes a Log. Zero values select defaults.
type Options struct {
	Retain   int
	PageSize int
	Clock    activity.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Registry
}

// Log is the append-only, totally ordered activity log. Appends are
// serialized by a single writer lock; the sequence counter advances only
// when the sink accepts the event, so committed sequences are gapless.
type Log struct {
	sink     Sink
	clock    activity.Clock
	logger   *zap.Logger
	metrics  *metrics.Registry
	retain   int
	pageSize int

	mu     sync.Mutex
	last   uint64
	lastAt time.Time
	tail   []activity.Event
}

// Open recovers the committed sequence from the sink and preloads the
// in-memory tail used for analysis.
func Open(ctx context.Context, sink Sink, opts Options) (*Log, error) {
	if sink == nil {
		return nil, errors.NewConfigurationError("activity log requires a sink")
	}
	if opts.Retain <= 0 {
		opts.Retain = defaultRetain
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Clock == nil {
		opts.Clock = activity.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	l := &Log{
		sink:     sink,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("activitylog"),
		metrics:  opts.Metrics,
		retain:   opts.Retain,
		pageSize: opts.PageSize,
	}

	last, err := sink.LastSequence(ctx)
	if err != nil {
		return nil, errors.NewStorageError("failed to read last sequence").WithCause(err)
	}
	l.last = last

	from := uint64(0)
	if last > uint64(l.retain) {
		from = last - uint64(l.retain)
	}
	for ev, err := range l.readRange(ctx, from, last) {
		if err != nil {
			return nil, err
		}
		l.remember(ev)
	}

	l.logger.Info("activity log opened",
		zap.Uint64("last_sequence", last),
		zap.Int("tail", len(l.tail)),
	)
	return l, nil
}

// Append seals the draft at the next sequence and hands it to the sink.
// On sink failure the sequence is not consumed and a StorageError is
// returned; the event is not visible to readers.
func (l *Log) Append(ctx context.Context, draft activity.Draft) (activity.Event, error) {
	if err := draft.Validate(); err != nil {
		return activity.Event{}, err
	}

	l.mu.Lock()
	at := l.clock.Now()
	if at.Before(l.lastAt) {
		at = l.lastAt
	}
	ev := draft.Seal(l.last+1, at)

	if err := l.sink.Append(ctx, ev); err != nil {
		l.mu.Unlock()
		l.metrics.AppendFailed()
		l.logger.Error("activity append failed",
			zap.Uint64("sequence", ev.Sequence),
			zap.String("category", string(ev.Category)),
			zap.Error(err),
		)
		return activity.Event{}, errors.NewStorageError("failed to append activity event").WithCause(err)
	}

	l.last = ev.Sequence
	l.lastAt = ev.Timestamp
	l.remember(ev)
	l.mu.Unlock()

	l.metrics.EventAppended(string(ev.Source), ev.Severity.String())
	l.logger.Debug("activity appended",
		zap.Uint64("sequence", ev.Sequence),
		zap.String("source", string(ev.Source)),
		zap.String("category", string(ev.Category)),
		zap.Stringer("severity", ev.Severity),
	)
	return ev, nil
}

// LastSequence returns the highest committed sequence
func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// ReadSince lazily yields every committed event with sequence greater than
// after. The upper bound is fixed when iteration starts, so the sequence is
// finite; ranging over it again restarts from after.
func (l *Log) ReadSince(ctx context.Context, after uint64) iter.Seq2[activity.Event, error] {
	return func(yield func(activity.Event, error) bool) {
		for ev, err := range l.readRange(ctx, after, l.LastSequence()) {
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

func (l *Log) readRange(ctx context.Context, after, upTo uint64) iter.Seq2[activity.Event, error] {
	return func(yield func(activity.Event, error) bool) {
		next := after + 1
		for next <= upTo {
			if err := ctx.Err(); err != nil {
				yield(activity.Event{}, errors.NewTimeoutError("read activity log").WithCause(err))
				return
			}
			limit := l.pageSize
			if remaining := upTo - next + 1; remaining < uint64(limit) {
				limit = int(remaining)
			}
			page, err := l.sink.ReadPage(ctx, next-1, limit)
			if err != nil {
				yield(activity.Event{}, errors.NewStorageError("failed to read activity page").WithCause(err))
				return
			}
			if len(page) == 0 {
				yield(activity.Event{}, errors.NewStorageError(
					fmt.Sprintf("activity log truncated at sequence %d", next)))
				return
			}
			for _, ev := range page {
				if ev.Sequence != next {
					yield(activity.Event{}, errors.NewStorageError(
						fmt.Sprintf("activity log gap: expected %d, got %d", next, ev.Sequence)))
					return
				}
				if !yield(ev, nil) {
					return
				}
				next++
				if next > upTo {
					return
				}
			}
		}
	}
}

// Tail returns a copy of the last n retained events, oldest first
func (l *Log) Tail(n int) []activity.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > l.retain {
		n = l.retain
	}
	if n > len(l.tail) {
		n = len(l.tail)
	}
	out := make([]activity.Event, n)
	copy(out, l.tail[len(l.tail)-n:])
	return out
}

// TailSince returns a copy of retained events stamped within d of now
func (l *Log) TailSince(d time.Duration) []activity.Event {
	cutoff := l.clock.Now().Add(-d)
	l.mu.Lock()
	defer l.mu.Unlock()
	floor := 0
	if len(l.tail) > l.retain {
		floor = len(l.tail) - l.retain
	}
	i := len(l.tail)
	for i > floor && !l.tail[i-1].Timestamp.Before(cutoff) {
		i--
	}
	out := make([]activity.Event, len(l.tail)-i)
	copy(out, l.tail[i:])
	return out
}

// remember appends ev to the retained tail; callers hold mu
func (l *Log) remember(ev activity.Event) {
	l.tail = append(l.tail, ev)
	if len(l.tail) > l.retain*2 {
		l.tail = append([]activity.Event(nil), l.tail[len(l.tail)-l.retain:]...)
	}
}
