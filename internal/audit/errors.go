package audit

import "errors"

var (
	// ErrInvalidEntry is returned when an entry lacks an action or entity type.
	ErrInvalidEntry = errors.New("audit: action and entity type are required")
)
