package activitylog_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/errors"
	"github.com/davidleathers/guardian-core/internal/infrastructure/sink"
	"github.com/davidleathers/guardian-core/internal/service/activitylog"
)

// flakySink fails appends while failing is set
type flakySink struct {
	*sink.MemorySink
	mu      sync.Mutex
	failing bool
}

func (f *flakySink) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakySink) Append(ctx context.Context, ev activity.Event) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return fmt.Errorf("disk full")
	}
	return f.MemorySink.Append(ctx, ev)
}

func draft(category activity.Category, sev activity.Severity) activity.Draft {
	return activity.Draft{
		Source:   activity.SourceExternal,
		Category: category,
		Severity: sev,
	}
}

func openLog(t *testing.T, s activitylog.Sink, opts activitylog.Options) *activitylog.Log {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	l, err := activitylog.Open(context.Background(), s, opts)
	require.NoError(t, err)
	return l
}

func collect(t *testing.T, l *activitylog.Log, after uint64) []activity.Event {
	t.Helper()
	var out []activity.Event
	for ev, err := range l.ReadSince(context.Background(), after) {
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestLog_AppendAssignsSequence(t *testing.T) {
	l := openLog(t, sink.NewMemorySink(), activitylog.Options{})

	first, err := l.Append(context.Background(), draft("probe", activity.SeverityInformational))
	require.NoError(t, err)
	second, err := l.Append(context.Background(), draft("probe", activity.SeverityInformational))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, uint64(2), l.LastSequence())
}

func TestLog_AppendRejectsInvalidDraft(t *testing.T) {
	l := openLog(t, sink.NewMemorySink(), activitylog.Options{})

	_, err := l.Append(context.Background(), activity.Draft{Source: "nowhere", Category: "x"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeInput))
	assert.Zero(t, l.LastSequence())
}

func TestLog_SinkFailureDoesNotConsumeSequence(t *testing.T) {
	s := &flakySink{MemorySink: sink.NewMemorySink()}
	l := openLog(t, s, activitylog.Options{})
	ctx := context.Background()

	_, err := l.Append(ctx, draft("probe", activity.SeverityInformational))
	require.NoError(t, err)

	s.setFailing(true)
	_, err = l.Append(ctx, draft("probe", activity.SeverityInformational))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
	assert.Len(t, l.Tail(0), 1)

	s.setFailing(false)
	ev, err := l.Append(ctx, draft("probe", activity.SeverityInformational))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ev.Sequence)
}

func TestLog_ReadSinceIsGaplessUnderConcurrentAppends(t *testing.T) {
	l := openLog(t, sink.NewMemorySink(), activitylog.Options{PageSize: 7})
	ctx := context.Background()

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_, err := l.Append(ctx, draft(activity.Category(fmt.Sprintf("producer.%d", p)), activity.SeverityInformational))
				assert.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()

	events := collect(t, l, 0)
	require.Len(t, events, producers*perProducer)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
		if i > 0 {
			assert.False(t, ev.Timestamp.Before(events[i-1].Timestamp))
		}
	}
}

func TestLog_ReadSinceIsRestartableAndBounded(t *testing.T) {
	l := openLog(t, sink.NewMemorySink(), activitylog.Options{PageSize: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, draft("probe", activity.SeverityInformational))
		require.NoError(t, err)
	}

	seq := l.ReadSince(ctx, 2)

	var seen []uint64
	for ev, err := range seq {
		require.NoError(t, err)
		seen = append(seen, ev.Sequence)
		if ev.Sequence == 3 {
			// appended during iteration; the high-water mark was fixed at start
			_, err := l.Append(ctx, draft("probe", activity.SeverityInformational))
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []uint64{3, 4, 5}, seen)

	seen = seen[:0]
	for ev, err := range seq {
		require.NoError(t, err)
		seen = append(seen, ev.Sequence)
	}
	assert.Equal(t, []uint64{3, 4, 5, 6}, seen)
}

func TestLog_ReadSinceStopsEarly(t *testing.T) {
	l := openLog(t, sink.NewMemorySink(), activitylog.Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, draft("probe", activity.SeverityInformational))
		require.NoError(t, err)
	}

	count := 0
	for range l.ReadSince(ctx, 0) {
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestLog_OpenRecoversFromSink(t *testing.T) {
	s := sink.NewMemorySink()
	ctx := context.Background()

	first := openLog(t, s, activitylog.Options{Retain: 3})
	for i := 0; i < 5; i++ {
		_, err := first.Append(ctx, draft("probe", activity.SeverityInformational))
		require.NoError(t, err)
	}

	second := openLog(t, s, activitylog.Options{Retain: 3})
	assert.Equal(t, uint64(5), second.LastSequence())

	tail := second.Tail(0)
	require.Len(t, tail, 3)
	assert.Equal(t, uint64(3), tail[0].Sequence)

	ev, err := second.Append(ctx, draft("probe", activity.SeverityInformational))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), ev.Sequence)
}

func TestLog_TailAndTailSince(t *testing.T) {
	clock := activity.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := openLog(t, sink.NewMemorySink(), activitylog.Options{Retain: 4, Clock: clock})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := l.Append(ctx, draft("probe", activity.SeverityInformational))
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	assert.Len(t, l.Tail(0), 4)
	assert.Len(t, l.Tail(2), 2)
	assert.Equal(t, uint64(6), l.Tail(1)[0].Sequence)

	// events at 12:03, 12:04 and 12:05; now is 12:06
	recent := l.TailSince(3 * time.Minute)
	require.Len(t, recent, 3)
	assert.Equal(t, uint64(4), recent[0].Sequence)

	tail := l.Tail(1)
	tail[0].Category = "mutated"
	assert.Equal(t, activity.Category("probe"), l.Tail(1)[0].Category)
}

func TestOpen_RequiresSink(t *testing.T) {
	_, err := activitylog.Open(context.Background(), nil, activitylog.Options{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
}
