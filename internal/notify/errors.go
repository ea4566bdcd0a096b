package notify

import "errors"

var (
	// ErrUnknownTopic is returned when a message arrives on a topic that
	// does not carry a device serial.
	ErrUnknownTopic = errors.New("notify: not a notification topic")

	// ErrPayloadTooLarge is returned when a payload exceeds the configured
	// maximum size.
	ErrPayloadTooLarge = errors.New("notify: payload too large")

	// ErrMalformed is returned when a payload is not a valid notification.
	ErrMalformed = errors.New("notify: malformed notification")
)
