package task

import "errors"

var (
	// ErrPoolStopped is returned by Submit after Shutdown and recorded on
	// tasks that were still queued when the pool stopped.
	ErrPoolStopped = errors.New("task: pool stopped")

	// ErrAreaNotFound is returned when a work area does not exist.
	ErrAreaNotFound = errors.New("task: work area not found")

	// ErrAreaExists is returned when creating a work area that already exists.
	ErrAreaExists = errors.New("task: work area already exists")

	// ErrTaskNotFound is returned when a task ID is unknown or was evicted.
	ErrTaskNotFound = errors.New("task: task not found")

	// ErrTaskPanicked is recorded when a task function panics.
	ErrTaskPanicked = errors.New("task: panicked")

	// ErrAlreadySubmitted is returned when a task is submitted twice.
	ErrAlreadySubmitted = errors.New("task: already submitted")
)
