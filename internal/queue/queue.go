// Package queue provides the bounded drop-oldest FIFO the pipeline is built
// around. Push never blocks: when the buffer is full the oldest element is
// evicted to make room, trading guaranteed delivery for bounded memory and
// bounded staleness. Pop blocks until an element is available or the queue
// is closed and drained.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop once the queue is closed and empty.
var ErrClosed = errors.New("queue: closed")

// Dropping is a thread-safe FIFO with a fixed capacity and a drop-oldest
// overflow policy. The zero value is not usable; construct with NewDropping.
type Dropping[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool
	dropped  int64
	waiters  []*waiter[T]
}

// NewDropping returns an empty queue holding at most capacity elements.
// Capacity must be positive.
func NewDropping[T any](capacity int) *Dropping[T] {
	if capacity < 1 {
		panic("queue: capacity must be positive")
	}
	return &Dropping[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push inserts item at the tail. When the buffer is at capacity the head
// (oldest) element is evicted first; Push never blocks and never fails.
// If a consumer is parked on an empty buffer the item is handed to the
// oldest parked consumer directly. Pushing into a closed queue discards
// the item.
func (q *Dropping[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.dropped++
		return
	}
	// Waiters exist only while the buffer is empty; hand off directly so
	// FIFO wake order matches FIFO element order.
	for len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters[0] = nil
		q.waiters = q.waiters[1:]
		if w.deliver(item) {
			return
		}
	}
	if len(q.items) >= q.capacity {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, item)
}

// Pop removes and returns the head element. It blocks while the queue is
// empty and open, returning as soon as an element is pushed, the queue is
// closed, or ctx is done. Once the queue is closed Pop keeps returning
// buffered elements until the buffer drains, then reports ErrClosed.
func (q *Dropping[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if len(q.items) > 0 {
		item := q.items[0]
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()
		return item, nil
	}
	if q.closed {
		q.mu.Unlock()
		return zero, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		q.mu.Unlock()
		return zero, err
	}
	w := newWaiter[T](ctx)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case item := <-w.result:
		return item, nil
	case err := <-w.err:
		return zero, err
	case <-ctx.Done():
		q.abandon(w)
		return zero, ctx.Err()
	}
}

// abandon deregisters w after its Pop lost the race to ctx cancellation.
// When w is no longer registered a concurrent Push already handed it an
// element; that element is put back at the head so it is not lost.
func (q *Dropping[T]) abandon(w *waiter[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cand := range q.waiters {
		if cand == w {
			copy(q.waiters[i:], q.waiters[i+1:])
			q.waiters[len(q.waiters)-1] = nil
			q.waiters = q.waiters[:len(q.waiters)-1]
			return
		}
	}
	select {
	case item := <-w.result:
		if len(q.items) >= q.capacity {
			// The recovered element is the oldest in flight; at capacity
			// the drop-oldest policy discards it.
			q.dropped++
			return
		}
		q.items = append([]T{item}, q.items...)
	default:
	}
}

// Close marks the queue closed and wakes every parked consumer. Buffered
// elements survive and are drained by subsequent Pops. Close is idempotent.
func (q *Dropping[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, w := range q.waiters {
		w.deliverErr(ErrClosed)
	}
	q.waiters = nil
}

// Len reports the number of buffered elements.
func (q *Dropping[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Empty reports whether the buffer holds no elements.
func (q *Dropping[T]) Empty() bool {
	return q.Len() == 0
}

// Dropped reports the total number of elements discarded by eviction or by
// pushes into a closed queue.
func (q *Dropping[T]) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

type waiter[T any] struct {
	ctx    context.Context
	result chan T
	err    chan error
}

func newWaiter[T any](ctx context.Context) *waiter[T] {
	return &waiter[T]{
		ctx:    ctx,
		result: make(chan T, 1),
		err:    make(chan error, 1),
	}
}

func (w *waiter[T]) deliver(item T) bool {
	select {
	case <-w.ctx.Done():
		return false
	default:
	}
	select {
	case w.result <- item:
		return true
	default:
		return false
	}
}

func (w *waiter[T]) deliverErr(err error) {
	select {
	case w.err <- err:
	default:
	}
}
