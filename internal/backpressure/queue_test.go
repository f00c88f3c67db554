package backpressure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrlshc/ofm-social-os-sub001/internal/stream"
)

func TestPriorityQueueOrdering(t *testing.T) {
	q := NewPriorityQueue()
	base := time.Now()

	q.Push(&QueuedMessage{MsgID: "low", Priority: stream.PriorityLow, EnqueuedAt: base})
	q.Push(&QueuedMessage{MsgID: "crit", Priority: stream.PriorityCritical, EnqueuedAt: base.Add(time.Second)})
	q.Push(&QueuedMessage{MsgID: "med", Priority: stream.PriorityMedium, EnqueuedAt: base})
	q.Push(&QueuedMessage{MsgID: "high", Priority: stream.PriorityHigh, EnqueuedAt: base})

	var ids []string
	for m := q.Pop(); m != nil; m = q.Pop() {
		ids = append(ids, m.MsgID)
	}
	assert.Equal(t, []string{"crit", "high", "med", "low"}, ids)
}

func TestPriorityQueueFIFOWithinPriority(t *testing.T) {
	q := NewPriorityQueue()
	ts := time.Now()

	// Identical priority and timestamp: insertion order must hold.
	for _, id := range []string{"a", "b", "c", "d"} {
		q.Push(&QueuedMessage{MsgID: id, Priority: stream.PriorityMedium, EnqueuedAt: ts})
	}

	var ids []string
	for m := q.Pop(); m != nil; m = q.Pop() {
		ids = append(ids, m.MsgID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
}

func TestPriorityQueueOlderFirst(t *testing.T) {
	q := NewPriorityQueue()
	base := time.Now()

	q.Push(&QueuedMessage{MsgID: "newer", Priority: stream.PriorityHigh, EnqueuedAt: base.Add(time.Minute)})
	q.Push(&QueuedMessage{MsgID: "older", Priority: stream.PriorityHigh, EnqueuedAt: base})

	first := q.Pop()
	require.NotNil(t, first)
	assert.Equal(t, "older", first.MsgID)
}

func TestPriorityQueuePopN(t *testing.T) {
	q := NewPriorityQueue()
	for i := 0; i < 5; i++ {
		q.Push(&QueuedMessage{Priority: stream.PriorityMedium})
	}

	batch := q.PopN(3)
	assert.Len(t, batch, 3)
	assert.Equal(t, 2, q.Len())

	batch = q.PopN(10)
	assert.Len(t, batch, 2)
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.Pop())
}
