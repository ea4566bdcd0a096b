// Package queue provides a thread-safe FIFO with an optional capacity and
// blocking removal.
//
// It backs each work area's task queue: producers Add without ever blocking,
// workers Remove and block until work arrives, the queue is closed or their
// context ends.
package queue

import (
	"context"
	"fmt"
	"sync"
)

// Queue is a FIFO of T. The zero value is not usable; call New.
//
// Thread Safety: a single mutex serialises every operation, so Add and the
// Remove variants are atomic with respect to each other.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool
	// ready is closed (and replaced) whenever an item is added or the queue
	// closes, waking every blocked Remove.
	ready chan struct{}
}

// New creates a queue. A capacity <= 0 means unbounded.
func New[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		capacity: capacity,
		ready:    make(chan struct{}),
	}
}

// Capacity returns the configured maximum size, or 0 if unbounded.
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

// Add appends item to the tail.
//
// Returns ErrFull if a capacity is set and the queue already holds that many
// items (the item is not added), or ErrClosed after Close.
func (q *Queue[T]) Add(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return fmt.Errorf("%w: capacity %d", ErrFull, q.capacity)
	}
	q.items = append(q.items, item)
	q.signalLocked()
	return nil
}

// RemoveNoWait pops the head, or returns ErrEmpty immediately.
func (q *Queue[T]) RemoveNoWait() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		if q.closed {
			return zero, ErrClosed
		}
		return zero, ErrEmpty
	}
	return q.popLocked(), nil
}

// Remove pops the head, blocking until an item is available.
//
// Items already queued are always handed out in order; there is no fairness
// guarantee between competing waiters. Returns ctx.Err() if the context ends
// first, or ErrClosed once the queue is closed and drained.
func (q *Queue[T]) Remove(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.popLocked()
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			var zero T
			return zero, ErrClosed
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Peek returns the item at index (0 is the head) without removing it.
func (q *Queue[T]) Peek(index int) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if index < 0 || index >= len(q.items) {
		var zero T
		return zero, fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, index, len(q.items))
	}
	return q.items[index], nil
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether the queue holds no items.
func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Close rejects further Adds and wakes every blocked Remove. Items already
// queued can still be removed. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalLocked()
}

// IsClosed reports whether Close has been called.
func (q *Queue[T]) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drain removes and returns every queued item in FIFO order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// popLocked removes the head. Caller holds q.mu and has checked len > 0.
func (q *Queue[T]) popLocked() T {
	item := q.items[0]
	var zero T
	q.items[0] = zero // release reference for GC
	q.items = q.items[1:]
	return item
}

// signalLocked wakes blocked removers. Caller holds q.mu.
func (q *Queue[T]) signalLocked() {
	close(q.ready)
	q.ready = make(chan struct{})
}
