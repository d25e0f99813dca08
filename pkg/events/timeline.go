package events

import (
	"sync"
	"time"
)

// Query filters timeline events.
type Query struct {
	HeadID string
	Type   *Type
	After  *time.Time
	Before *time.Time
	Limit  int
}

// Timeline collects every published event, queryable by head, type and time
// range.
type Timeline struct {
	mu      sync.RWMutex
	entries []Event
	index   map[string][]int // head id → entry indices
	clock   func() time.Time
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		index: make(map[string][]int),
		clock: time.Now,
	}
}

// WithClock overrides the clock for testing.
func (t *Timeline) WithClock(clock func() time.Time) *Timeline {
	t.clock = clock
	return t
}

func (t *Timeline) record(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := len(t.entries)
	t.entries = append(t.entries, ev)
	if ev.HeadID != "" {
		t.index[ev.HeadID] = append(t.index[ev.HeadID], idx)
	}
}

// Len returns the number of recorded events.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Query returns events matching q in publication order.
func (t *Timeline) Query(q Query) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var candidates []Event
	if q.HeadID != "" {
		for _, idx := range t.index[q.HeadID] {
			candidates = append(candidates, t.entries[idx])
		}
	} else {
		candidates = append(candidates, t.entries...)
	}

	var out []Event
	for _, ev := range candidates {
		if q.Type != nil && ev.Type != *q.Type {
			continue
		}
		if q.After != nil && !ev.Timestamp.After(*q.After) {
			continue
		}
		if q.Before != nil && !ev.Timestamp.Before(*q.Before) {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}
