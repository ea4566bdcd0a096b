package lock

import (
	"context"
	"fmt"
	"sync"
)

// Rank orders lock classes. Multi-lock acquisition always proceeds from the
// lowest rank to the highest, which rules out lock-order deadlocks.
type Rank int

const (
	RankUngrouped Rank = iota
	RankFirmware
	RankGroup
	RankDevice
)

// String returns the rank name used in logs.
func (r Rank) String() string {
	switch r {
	case RankUngrouped:
		return "ungrouped"
	case RankFirmware:
		return "firmware"
	case RankGroup:
		return "group"
	case RankDevice:
		return "device"
	default:
		return fmt.Sprintf("rank(%d)", int(r))
	}
}

// Logger defines the logging interface used by locks.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Lock is a reentrant write lock supporting fail-fast and blocking
// acquisition.
//
// Invariant: count > 0 if and only if owner != "".
//
// Thread Safety: all methods are safe for concurrent use. Each Lock is
// serialised by its own mutex; distinct locks never interact.
type Lock struct {
	name string
	rank Rank

	mu      sync.Mutex
	owner   Owner
	count   int
	retired bool
	// wake is closed (and replaced) whenever the lock becomes free or is
	// retired, releasing every blocked Acquire to re-check the state.
	wake chan struct{}

	logger Logger
}

// New creates an unowned lock.
func New(name string, rank Rank) *Lock {
	return &Lock{
		name:   name,
		rank:   rank,
		wake:   make(chan struct{}),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger used to report misuse.
func (l *Lock) SetLogger(logger Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = logger
}

// Name returns the diagnostic name of the lock.
func (l *Lock) Name() string {
	return l.name
}

// Rank returns the lock class used for ordering.
func (l *Lock) Rank() Rank {
	return l.rank
}

// TryAcquire takes the lock without blocking.
//
// Returns:
//   - nil if the lock was free or already held by owner (count is incremented)
//   - ErrBusy if another owner holds it
//   - ErrDeleted if the lock was retired
//   - ErrNoOwner if owner is empty
func (l *Lock) TryAcquire(owner Owner) error {
	if owner == "" {
		return ErrNoOwner
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tryLocked(owner)
}

// tryLocked performs the acquisition attempt. Caller holds l.mu.
func (l *Lock) tryLocked(owner Owner) error {
	if l.retired {
		return fmt.Errorf("%w: %s", ErrDeleted, l.name)
	}
	if l.count > 0 && l.owner != owner {
		return fmt.Errorf("%w: %s held by %s", ErrBusy, l.name, l.owner)
	}
	l.owner = owner
	l.count++
	return nil
}

// Acquire blocks until owner holds the lock or ctx is done.
//
// Wake-ups are only hints: every wake-up re-checks the state, so spurious or
// stolen wake-ups simply loop. Cancellation is returned to the caller, wrapped
// around ctx.Err().
func (l *Lock) Acquire(ctx context.Context, owner Owner) error {
	if owner == "" {
		return ErrNoOwner
	}
	for {
		l.mu.Lock()
		err := l.tryLocked(owner)
		if err == nil || l.retired {
			l.mu.Unlock()
			return err
		}
		wake := l.wake
		l.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return fmt.Errorf("acquiring lock %s: %w", l.name, ctx.Err())
		}
	}
}

// Release gives up one level of ownership.
//
// It is a no-op when the lock is not held. A release by anyone other than the
// owner is logged and ignored. When the count reaches zero the owner is
// cleared and every waiter is woken.
func (l *Lock) Release(owner Owner) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 {
		return
	}
	if l.owner != owner {
		l.logger.Warn("lock released by non-owner",
			"lock", l.name,
			"owner", l.owner,
			"caller", owner,
		)
		return
	}

	l.count--
	if l.count == 0 {
		l.owner = ""
		l.broadcastLocked()
	}
}

// IsAvailable reports whether owner could take the lock right now.
func (l *Lock) IsAvailable(owner Owner) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retired {
		return false
	}
	return l.count == 0 || l.owner == owner
}

// Holder returns the current owner and reentrancy count.
func (l *Lock) Holder() (Owner, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner, l.count
}

// Retire marks the protected resource as deleted. Further acquisitions fail
// with ErrDeleted and blocked waiters are released. A current holder can
// still Release.
func (l *Lock) Retire() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retired {
		return
	}
	l.retired = true
	l.broadcastLocked()
}

// IsRetired reports whether Retire has been called.
func (l *Lock) IsRetired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retired
}

// broadcastLocked wakes every blocked Acquire. Caller holds l.mu.
func (l *Lock) broadcastLocked() {
	close(l.wake)
	l.wake = make(chan struct{})
}
