package mqtt

import "errors"

// Sentinel errors, checked with errors.Is.
var (
	// ErrNotConnected is returned while the broker connection is down.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrConnectionFailed wraps the cause of a failed Connect.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS rejects QoS levels above 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level")

	ErrInvalidTopic = errors.New("mqtt: empty topic")

	// ErrPayloadTooLarge rejects payloads above maxPayloadSize.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")

	// ErrTimeout means the broker did not acknowledge in time.
	ErrTimeout = errors.New("mqtt: operation timed out")
)
