package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
)

// MemorySink keeps events in process memory. It offers no crash durability
// and is meant for tests and ephemeral runs.
type MemorySink struct {
	mu     sync.RWMutex
	events []activity.Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(ctx context.Context, event activity.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.events); n > 0 && event.Sequence <= s.events[n-1].Sequence {
		return fmt.Errorf("out of order append: sequence %d after %d", event.Sequence, s.events[n-1].Sequence)
	}
	event.Payload = event.Payload.Clone()
	s.events = append(s.events, event)
	return nil
}

func (s *MemorySink) ReadPage(ctx context.Context, after uint64, limit int) ([]activity.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].Sequence > after
	})
	end := len(s.events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]activity.Event, end-start)
	copy(out, s.events[start:end])
	return out, nil
}

func (s *MemorySink) LastSequence(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return 0, nil
	}
	return s.events[len(s.events)-1].Sequence, nil
}

// Len returns the number of stored events
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
