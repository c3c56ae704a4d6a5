package queue

import (
	"sync"
	"sync/atomic"
)

// Queue is a cost-bounded FIFO.
//
// Enqueue never blocks; Dequeue blocks until an item is available or the
// queue is closed. It backs the per-connection signaling write pumps and the
// per-peer negotiation workers.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxCost int
	curCost int
	cost    func(T) int
	items   []T

	drops atomic.Uint64
}

// New returns a queue that holds at most maxCost worth of items, where each
// item's cost is computed by cost. A maxCost <= 0 disables the bound and a
// nil cost counts every item as 1.
func New[T any](maxCost int, cost func(T) int) *Queue[T] {
	if cost == nil {
		cost = func(T) int { return 1 }
	}
	q := &Queue[T]{maxCost: maxCost, cost: cost}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *Queue[T]) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends item if the queue is open and the item fits within the
// budget.
func (q *Queue[T]) Enqueue(item T) bool {
	c := q.cost(item)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.drops.Add(1)
		return false
	}
	if q.maxCost > 0 && q.curCost+c > q.maxCost {
		q.drops.Add(1)
		return false
	}

	q.items = append(q.items, item)
	q.curCost += c
	q.notEmpty.Signal()
	return true
}

// Dequeue returns the oldest item. ok is false once the queue is closed;
// items still queued at Close are discarded.
func (q *Queue[T]) Dequeue() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return item, false
	}
	item = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	q.curCost -= q.cost(item)
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.items = nil
		q.curCost = 0
	}
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
