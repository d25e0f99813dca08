package events_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkshield/settle/pkg/events"
)

// TestPublish_StampsIDAndTimestamp verifies every published event gets a
// unique ID and a timestamp.
func TestPublish_StampsIDAndTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := events.NewBus().WithClock(func() time.Time { return now })

	ev1 := b.Publish(events.Event{Type: events.HeadOpened, HeadID: "h-s1"})
	ev2 := b.Publish(events.Event{Type: events.HeadClosed, HeadID: "h-s1"})

	assert.NotEmpty(t, ev1.ID)
	assert.NotEqual(t, ev1.ID, ev2.ID)
	assert.Equal(t, now, ev1.Timestamp)
}

// TestSubscribe_ReceivesInOrder verifies subscribers observe events in
// publication order.
func TestSubscribe_ReceivesInOrder(t *testing.T) {
	b := events.NewBus()
	ch := b.Subscribe(16)

	for i := 0; i < 5; i++ {
		b.Publish(events.Event{
			Type:   events.OrderCommitted,
			HeadID: "h-s1",
			Fields: map[string]string{"n": fmt.Sprintf("%d", i)},
		})
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-ch:
			assert.Equal(t, fmt.Sprintf("%d", i), ev.Fields["n"])
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

// TestPublish_NeverBlocksOnSlowConsumer verifies a full subscriber channel
// drops old events instead of stalling the publisher.
func TestPublish_NeverBlocksOnSlowConsumer(t *testing.T) {
	b := events.NewBus()
	ch := b.Subscribe(2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(events.Event{Type: events.OrderCommitted, HeadID: "h-s1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow consumer")
	}
	assert.NotEmpty(t, ch)
}

// TestTimeline_Query exercises filtering by head, type, time range and limit.
func TestTimeline_Query(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := events.NewBus().WithClock(func() time.Time { return now })

	b.Publish(events.Event{Type: events.HeadOpened, HeadID: "h-s1"})
	now = now.Add(time.Second)
	b.Publish(events.Event{Type: events.OrderCommitted, HeadID: "h-s1", OrderID: "o-h-s1-0001"})
	now = now.Add(time.Second)
	b.Publish(events.Event{Type: events.HeadOpened, HeadID: "h-s2"})
	now = now.Add(time.Second)
	b.Publish(events.Event{Type: events.HeadClosed, HeadID: "h-s1"})

	tl := b.Timeline()
	assert.Equal(t, 4, tl.Len())

	byHead := tl.Query(events.Query{HeadID: "h-s1"})
	require.Len(t, byHead, 3)
	assert.Equal(t, events.HeadOpened, byHead[0].Type)
	assert.Equal(t, events.HeadClosed, byHead[2].Type)

	opened := events.HeadOpened
	byType := tl.Query(events.Query{Type: &opened})
	assert.Len(t, byType, 2)

	after := time.Date(2026, 3, 1, 12, 0, 1, 500000000, time.UTC)
	late := tl.Query(events.Query{After: &after})
	assert.Len(t, late, 2)

	limited := tl.Query(events.Query{HeadID: "h-s1", Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, events.HeadOpened, limited[0].Type)
}
