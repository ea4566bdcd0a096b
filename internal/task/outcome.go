package task

import (
	"context"
	"errors"

	"github.com/nerrad567/fleet-core/internal/lock"
	"github.com/nerrad567/fleet-core/internal/queue"
)

// Outcome is the tagged result of a finished task.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeBusy    Outcome = "busy"
	OutcomeFull    Outcome = "full"
	OutcomeDeleted Outcome = "deleted"
	OutcomeError   Outcome = "error"
)

// Classify maps an error onto an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, lock.ErrBusy):
		return OutcomeBusy
	case errors.Is(err, queue.ErrFull):
		return OutcomeFull
	case errors.Is(err, lock.ErrDeleted):
		return OutcomeDeleted
	default:
		return OutcomeError
	}
}

// IsCancellation reports whether err came from a cancelled or expired
// context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
