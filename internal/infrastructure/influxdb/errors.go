package influxdb

import "errors"

// Sentinel errors, checked with errors.Is.
var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: disabled")

	// ErrConnectionFailed wraps the cause of a failed Connect.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned by HealthCheck after Close.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrUnhealthy means the server answered the ping but reported itself unhealthy.
	ErrUnhealthy = errors.New("influxdb: server not healthy")
)
