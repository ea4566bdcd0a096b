package progress

import "errors"

var (
	// ErrAlreadyTerminal is returned when a second terminal transition is
	// attempted. The first outcome is kept.
	ErrAlreadyTerminal = errors.New("progress: already terminal")

	// ErrNothingStaged is returned by Commit when no uncommitted result is
	// pending.
	ErrNothingStaged = errors.New("progress: nothing staged")
)
