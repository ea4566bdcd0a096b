package lock

import "errors"

var (
	// ErrBusy is returned by TryAcquire when another owner holds the lock.
	// It is a control-flow signal, not a failure.
	ErrBusy = errors.New("lock: busy")

	// ErrDeleted is returned when the resource behind a lock has been removed.
	ErrDeleted = errors.New("lock: resource deleted")

	// ErrNoOwner is returned when an acquisition is attempted without an owner.
	ErrNoOwner = errors.New("lock: owner required")
)
