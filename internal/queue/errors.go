package queue

import "errors"

var (
	// ErrFull is returned by Add when a capacity is configured and reached.
	ErrFull = errors.New("queue: full")

	// ErrEmpty is returned by non-blocking removal from an empty queue.
	ErrEmpty = errors.New("queue: empty")

	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("queue: closed")

	// ErrIndexOutOfRange is returned by Peek for an index past the tail.
	ErrIndexOutOfRange = errors.New("queue: index out of range")
)
