// Package delayqueue provides a deadline-ordered queue with first-class
// cancellation. Every backoff routine in the control plane (publish retries,
// batch retries, breaker cooldown probes) schedules through one of these
// instead of ad-hoc timers, so pending work is visible and drainable on
// shutdown.
package delayqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Item is a scheduled unit of work.
type Item struct {
	// ReadyAt is the earliest time the item may be dequeued.
	ReadyAt time.Time

	// Value is the caller's payload.
	Value interface{}

	index int
	seq   uint64
}

// Queue is a deadline-ordered delay queue. Push is non-blocking; Pop blocks
// until an item's deadline passes or the context is cancelled. Items with
// equal deadlines dequeue in insertion order.
type Queue struct {
	mu     sync.Mutex
	items  itemHeap
	wake   chan struct{}
	seq    uint64
	closed bool
}

// New creates an empty delay queue.
func New() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
	}
}

// Push schedules a value for the given deadline.
func (q *Queue) Push(readyAt time.Time, value interface{}) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.seq++
	heap.Push(&q.items, &Item{ReadyAt: readyAt, Value: value, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// PushAfter schedules a value to become ready after the given delay.
func (q *Queue) PushAfter(delay time.Duration, value interface{}) {
	q.Push(time.Now().Add(delay), value)
}

// Pop blocks until the earliest item is ready, then returns its value.
// Returns ctx.Err() on cancellation and ErrClosed after Close.
func (q *Queue) Pop(ctx context.Context) (interface{}, error) {
	for {
		q.mu.Lock()
		if q.closed && q.items.Len() == 0 {
			q.mu.Unlock()
			return nil, ErrClosed
		}

		var wait time.Duration
		if q.items.Len() == 0 {
			wait = -1 // no items: wait for a wake-up
		} else {
			head := q.items[0]
			wait = time.Until(head.ReadyAt)
			if wait <= 0 {
				item := heap.Pop(&q.items).(*Item)
				q.mu.Unlock()
				return item.Value, nil
			}
		}
		q.mu.Unlock()

		if wait < 0 {
			select {
			case <-q.wake:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// TryPop returns the earliest ready value without blocking.
// The second return is false when nothing is due.
func (q *Queue) TryPop() (interface{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 || q.items[0].ReadyAt.After(time.Now()) {
		return nil, false
	}
	item := heap.Pop(&q.items).(*Item)
	return item.Value, true
}

// Len returns the number of pending items, ready or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Drain removes and returns every pending item regardless of deadline.
// Used by shutdown paths that need to dead-letter unfinished work.
func (q *Queue) Drain() []interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]interface{}, 0, q.items.Len())
	for q.items.Len() > 0 {
		out = append(out, heap.Pop(&q.items).(*Item).Value)
	}
	return out
}

// Close marks the queue closed. Pending items remain poppable; Push becomes
// a no-op. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// ErrClosed is returned by Pop once the queue is closed and empty.
var ErrClosed = errClosed{}

type errClosed struct{}

func (errClosed) Error() string { return "delayqueue: closed" }

// -- heap plumbing --

type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].ReadyAt.Equal(h[j].ReadyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].ReadyAt.Before(h[j].ReadyAt)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
