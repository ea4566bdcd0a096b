package history

import "errors"

// ErrTaskNotFound is returned when no history row exists for a task ID.
var ErrTaskNotFound = errors.New("history: task not found")
