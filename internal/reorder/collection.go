package reorder

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the collection.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds the reorder settings shared by every buffer in a collection.
type Config struct {
	// Window is how long a gap may hide later items. Zero selects
	// DefaultWindow.
	Window time.Duration

	// StartSeq is the sequence number expected first from a new source.
	// Zero adopts the lowest number that arrives instead.
	StartSeq uint64
}

// DefaultConfig returns the standard reorder settings.
func DefaultConfig() Config {
	return Config{Window: DefaultWindow, StartSeq: DefaultStartSeq}
}

// Stats counts collection activity since creation.
type Stats struct {
	Accepted      uint64 `json:"accepted"`
	Released      uint64 `json:"released"`
	OutOfSequence uint64 `json:"out_of_sequence"`
	Duplicates    uint64 `json:"duplicates"`
	Stale         uint64 `json:"stale"`
	Pending       int    `json:"pending"`
	Sources       int    `json:"sources"`
}

// Collection keeps one Buffer per source and releases items across sources
// in approximate arrival order.
//
// Thread Safety: all methods are safe for concurrent use.
type Collection[T any] struct {
	cfg Config

	mu      sync.Mutex
	buffers map[string]*Buffer[T]
	// arrivals holds one source entry per buffered item, oldest first.
	arrivals []string
	stats    Stats
	now      func() time.Time

	notify chan struct{}
	logger Logger
}

// NewCollection creates an empty collection.
func NewCollection[T any](cfg Config) *Collection[T] {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Collection[T]{
		cfg:     cfg,
		buffers: make(map[string]*Buffer[T]),
		now:     time.Now,
		notify:  make(chan struct{}, 1),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the collection.
func (c *Collection[T]) SetLogger(logger Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	c.logger = logger
}

// SetClock replaces the time source. Used by tests.
func (c *Collection[T]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Window returns the configured reorder window.
func (c *Collection[T]) Window() time.Duration {
	return c.cfg.Window
}

// Notify returns a channel that receives a value after each accepted Add.
// The channel is buffered with capacity one, so bursts coalesce.
func (c *Collection[T]) Notify() <-chan struct{} {
	return c.notify
}

// Add stores payload for source under seq, creating the source's buffer on
// first use. Rejected items (ErrDuplicate, ErrStale) are counted and logged
// but never stored.
func (c *Collection[T]) Add(seq uint64, payload T, source string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.buffers[source]
	if !ok {
		buf = NewBuffer[T](c.cfg.Window, c.cfg.StartSeq)
		c.buffers[source] = buf
	}

	if err := buf.Add(seq, payload, c.now()); err != nil {
		switch {
		case errors.Is(err, ErrDuplicate):
			c.stats.Duplicates++
		case errors.Is(err, ErrStale):
			c.stats.Stale++
		}
		c.logger.Warn("notification rejected",
			"source", source,
			"seq", seq,
			"error", err,
		)
		return err
	}

	c.stats.Accepted++
	c.arrivals = append(c.arrivals, source)

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// RemoveReadyItem releases the first ready item, scanning sources in the
// order their items arrived. It returns the item and its source, or
// ErrEmpty when no buffer is ready.
func (c *Collection[T]) RemoveReadyItem() (Item[T], string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	checked := make(map[string]bool)
	for i, source := range c.arrivals {
		if checked[source] {
			continue
		}
		checked[source] = true

		buf, ok := c.buffers[source]
		if !ok || !buf.IsReady(now) {
			continue
		}
		item, err := buf.RemoveIfReady(now)
		if err != nil {
			continue
		}

		c.arrivals = append(c.arrivals[:i], c.arrivals[i+1:]...)
		c.stats.Released++
		if !item.InSequence {
			c.stats.OutOfSequence++
			c.logger.Warn("notification released out of sequence",
				"source", source,
				"seq", item.Seq,
			)
		}
		return item, source, nil
	}
	return Item[T]{}, "", ErrEmpty
}

// IsEmpty reports whether no items are buffered.
func (c *Collection[T]) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.arrivals) == 0
}

// Len returns the number of buffered items across all sources.
func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.arrivals)
}

// IsHidingItems reports whether any buffer is holding items behind a gap.
func (c *Collection[T]) IsHidingItems() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, buf := range c.buffers {
		if buf.IsHidingItems(now) {
			return true
		}
	}
	return false
}

// NextDeadline returns the earliest window expiry among buffers holding
// items they cannot release yet, whether behind a gap or behind a
// latecomer below the expected number. ok is false when no buffer waits.
func (c *Collection[T]) NextDeadline() (deadline time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, buf := range c.buffers {
		if buf.Len() == 0 || buf.IsReady(now) {
			continue
		}
		d := buf.Deadline()
		if !ok || d.Before(deadline) {
			deadline = d
			ok = true
		}
	}
	return deadline, ok
}

// Prune drops the buffers of every source not in live, along with their
// pending items. It returns the number of buffers removed.
func (c *Collection[T]) Prune(live []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keep := make(map[string]bool, len(live))
	for _, s := range live {
		keep[s] = true
	}

	removed := 0
	for source := range c.buffers {
		if !keep[source] {
			delete(c.buffers, source)
			removed++
		}
	}
	if removed == 0 {
		return 0
	}

	kept := c.arrivals[:0]
	for _, source := range c.arrivals {
		if keep[source] {
			kept = append(kept, source)
		}
	}
	c.arrivals = kept

	c.logger.Debug("pruned reorder buffers", "removed", removed)
	return removed
}

// Sources returns the known sources, sorted.
func (c *Collection[T]) Sources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.buffers))
	for s := range c.buffers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Stats returns a snapshot of the collection counters.
func (c *Collection[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Pending = len(c.arrivals)
	s.Sources = len(c.buffers)
	return s
}
