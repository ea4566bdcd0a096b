package reorder

import "errors"

var (
	// ErrEmpty is returned when no item is ready for release.
	ErrEmpty = errors.New("reorder: no item ready")

	// ErrDuplicate is returned when a sequence number is already buffered.
	ErrDuplicate = errors.New("reorder: duplicate sequence number")

	// ErrStale is returned when a sequence number is not newer than the last
	// released one.
	ErrStale = errors.New("reorder: stale sequence number")
)
