// Package events publishes the settlement core's observable events.
//
// Events are fire-and-forget: the core never awaits consumers and has no
// dependency on whether anyone is listening. Every published event is also
// recorded in a queryable timeline for downstream UI and audit.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an observable settlement event.
type Type string

const (
	HeadOpened     Type = "HEAD_OPENED"
	OrderCommitted Type = "ORDER_COMMITTED"
	ProofAttached  Type = "PROOF_ATTACHED"
	OrderFinalized Type = "ORDER_FINALIZED"
	HeadClosed     Type = "HEAD_CLOSED"
	HeadErrored    Type = "HEAD_ERRORED"
)

// Event is one observable occurrence in the settlement core.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	HeadID    string            `json:"head_id"`
	OrderID   string            `json:"order_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Bus fans events out to subscribers and records them in the timeline.
type Bus struct {
	mu       sync.RWMutex
	subs     []chan Event
	timeline *Timeline
	clock    func() time.Time
}

// NewBus creates a bus with an attached timeline.
func NewBus() *Bus {
	return &Bus{
		timeline: NewTimeline(),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	b.timeline.WithClock(clock)
	return b
}

// Timeline returns the bus's event timeline.
func (b *Bus) Timeline() *Timeline { return b.timeline }

// Subscribe registers a buffered subscriber channel. The caller owns the
// consumption pace; a full channel drops the oldest pending event rather than
// blocking a publisher.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish emits an event. Never blocks.
func (b *Bus) Publish(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock().UTC()
	}

	b.timeline.record(ev)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop the oldest pending event to make room; a slow consumer
			// must not stall settlement.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
	return ev
}
