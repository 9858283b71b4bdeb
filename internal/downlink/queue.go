package downlink

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueFull reports that the producer's bounded wait for queue space
// expired. The caller logs and drops; nothing is discarded silently.
var ErrQueueFull = errors.New("downlink queue full")

// Queue is a bounded priority queue. Items come out in non-decreasing
// priority order; equal priorities keep arrival order. A full queue blocks
// Push up to the configured timeout.
type Queue struct {
	slots chan struct{}

	mu       sync.Mutex
	items    itemHeap
	arrivals uint64

	putTimeout time.Duration
}

// NewQueue builds a queue holding at most capacity items; producers wait
// up to putTimeout for space before giving up with ErrQueueFull.
func NewQueue(capacity int, putTimeout time.Duration) *Queue {
	return &Queue{
		slots:      make(chan struct{}, capacity),
		putTimeout: putTimeout,
	}
}

// Push schedules the item, blocking up to the queue's put timeout when
// full. Arrival order is stamped under the lock, so two pushes serialized
// by the caller keep their order at equal priority.
func (q *Queue) Push(ctx context.Context, it *Item) error {
	timer := time.NewTimer(q.putTimeout)
	defer timer.Stop()

	select {
	case q.slots <- struct{}{}:
	case <-timer.C:
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	it.arrival = q.arrivals
	q.arrivals++
	heap.Push(&q.items, it)
	q.mu.Unlock()
	return nil
}

// TryPop removes and returns the most urgent item, or false when empty.
func (q *Queue) TryPop() (*Item, bool) {
	q.mu.Lock()
	if q.items.Len() == 0 {
		q.mu.Unlock()
		return nil, false
	}
	it := heap.Pop(&q.items).(*Item)
	q.mu.Unlock()
	<-q.slots
	return it, true
}

// Len returns the number of queued items (the beacon's backlog field).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// itemHeap orders by (priority, arrival): container/heap gives O(log n)
// scheduling with the same ordering contract as draining and re-sorting
// the whole queue each tick.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].arrival < h[j].arrival
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
