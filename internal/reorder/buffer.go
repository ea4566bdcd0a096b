package reorder

import (
	"fmt"
	"sort"
	"time"
)

// DefaultWindow is the reorder window used when none is configured.
const DefaultWindow = 5000 * time.Millisecond

// DefaultStartSeq is the sequence number a fresh source is expected to
// start from.
const DefaultStartSeq uint64 = 1

// Item is a released notification.
type Item[T any] struct {
	Seq uint64
	// InSequence is false when the item was released past a gap that never
	// filled within the window.
	InSequence bool
	Payload    T
}

// Buffer holds the pending items of a single source.
//
// Buffer is not safe for concurrent use; Collection serialises access.
type Buffer[T any] struct {
	window time.Duration
	// startSeq is the expected first sequence number; 0 adopts the lowest
	// buffered key instead.
	startSeq uint64

	items        map[uint64]T
	lastReleased uint64
	released     bool
	windowStart  time.Time
	used         bool
}

// NewBuffer creates an empty buffer. A window <= 0 selects DefaultWindow.
// startSeq is the sequence number expected first; pass 0 to accept whatever
// the lowest buffered number turns out to be.
func NewBuffer[T any](window time.Duration, startSeq uint64) *Buffer[T] {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Buffer[T]{
		window:   window,
		startSeq: startSeq,
		items:    make(map[uint64]T),
	}
}

// Add stores payload under seq.
//
// The very first item of a never-used buffer starts the window clock, so a
// consumer that was idle for a long time does not grant an oversized grace
// period.
func (b *Buffer[T]) Add(seq uint64, payload T, now time.Time) error {
	if b.released && seq <= b.lastReleased {
		return fmt.Errorf("%w: %d <= last released %d", ErrStale, seq, b.lastReleased)
	}
	if _, dup := b.items[seq]; dup {
		return fmt.Errorf("%w: %d", ErrDuplicate, seq)
	}
	if !b.used {
		b.used = true
		b.windowStart = now
	}
	b.items[seq] = payload
	return nil
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int {
	return len(b.items)
}

// LastReleased returns the last released sequence number and whether any
// item has been released yet.
func (b *Buffer[T]) LastReleased() (uint64, bool) {
	return b.lastReleased, b.released
}

// Deadline returns the instant at which the current window expires.
func (b *Buffer[T]) Deadline() time.Time {
	return b.windowStart.Add(b.window)
}

// IsReady reports whether RemoveIfReady would release an item at now.
func (b *Buffer[T]) IsReady(now time.Time) bool {
	return b.inSequenceReady() || b.timedOut(now)
}

// IsHidingItems reports whether items are being held back because the
// expected sequence number is missing, as opposed to simply being empty or
// having a releasable backlog.
func (b *Buffer[T]) IsHidingItems(now time.Time) bool {
	if len(b.items) == 0 || b.IsReady(now) {
		return false
	}
	exp, ok := b.expected()
	if !ok {
		return false
	}
	_, present := b.items[exp]
	return !present
}

// RemoveIfReady releases the next item, or returns ErrEmpty when nothing is
// ready.
//
// The expected item is released in sequence. After the window expires the
// lowest buffered item is released instead, with InSequence false. Either
// way the released number becomes the new baseline and the window restarts.
func (b *Buffer[T]) RemoveIfReady(now time.Time) (Item[T], error) {
	if b.inSequenceReady() {
		exp, _ := b.expected()
		return b.release(exp, true, now), nil
	}
	if b.timedOut(now) {
		low, _ := b.lowest()
		return b.release(low, false, now), nil
	}
	return Item[T]{}, ErrEmpty
}

// Pending returns the buffered sequence numbers in ascending order.
func (b *Buffer[T]) Pending() []uint64 {
	keys := make([]uint64, 0, len(b.items))
	for k := range b.items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (b *Buffer[T]) release(seq uint64, inSequence bool, now time.Time) Item[T] {
	payload := b.items[seq]
	delete(b.items, seq)
	b.lastReleased = seq
	b.released = true
	b.windowStart = now
	return Item[T]{Seq: seq, InSequence: inSequence, Payload: payload}
}

// inSequenceReady is true when the expected key is buffered and no lower
// (latecomer) key sits in front of it.
func (b *Buffer[T]) inSequenceReady() bool {
	exp, ok := b.expected()
	if !ok {
		return false
	}
	if _, present := b.items[exp]; !present {
		return false
	}
	low, _ := b.lowest()
	return low >= exp
}

func (b *Buffer[T]) timedOut(now time.Time) bool {
	return len(b.items) > 0 && now.Sub(b.windowStart) > b.window
}

// expected returns the next sequence number that can be released in order.
func (b *Buffer[T]) expected() (uint64, bool) {
	if b.released {
		return b.lastReleased + 1, true
	}
	if b.startSeq > 0 {
		return b.startSeq, true
	}
	return b.lowest()
}

func (b *Buffer[T]) lowest() (uint64, bool) {
	var low uint64
	found := false
	for k := range b.items {
		if !found || k < low {
			low = k
			found = true
		}
	}
	return low, found
}
