package backpressure

import (
	"container/heap"
	"sync"
	"time"

	"github.com/chrlshc/ofm-social-os-sub001/internal/stream"
)

// QueuedMessage is a message accepted by admission but not yet dispatched.
type QueuedMessage struct {
	Subject    string
	Payload    []byte
	MsgID      string
	Priority   stream.Priority
	EnqueuedAt time.Time
	RetryCount int

	seq   uint64
	index int
}

// PriorityQueue orders messages by (priority desc, enqueueTs asc). Equal
// priority is FIFO by insertion sequence, so ordering is stable even when
// timestamps collide. All operations are guarded by one mutex; critical
// sections are O(log n).
type PriorityQueue struct {
	mu  sync.Mutex
	h   msgHeap
	seq uint64
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{}
}

// Push enqueues a message.
func (q *PriorityQueue) Push(m *QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}
	q.seq++
	m.seq = q.seq
	heap.Push(&q.h, m)
}

// Pop removes the highest-priority message, or nil when empty.
func (q *PriorityQueue) Pop() *QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*QueuedMessage)
}

// PopN removes up to n messages in priority order.
func (q *PriorityQueue) PopN(n int) []*QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > q.h.Len() {
		n = q.h.Len()
	}
	out := make([]*QueuedMessage, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, heap.Pop(&q.h).(*QueuedMessage))
	}
	return out
}

// Len returns the queue depth.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// -- heap plumbing --

type msgHeap []*QueuedMessage

func (h msgHeap) Len() int { return len(h) }

func (h msgHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h msgHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *msgHeap) Push(x interface{}) {
	m := x.(*QueuedMessage)
	m.index = len(*h)
	*h = append(*h, m)
}

func (h *msgHeap) Pop() interface{} {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return m
}
