package fleet

import "errors"

// Domain errors for the fleet package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, fleet.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a serial number is not registered.
	ErrDeviceNotFound = errors.New("fleet: device not found")

	// ErrDeviceExists is returned when registering a serial that already exists.
	ErrDeviceExists = errors.New("fleet: device already exists")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("fleet: invalid device")

	// ErrInvalidSerial is returned when a serial number is empty or malformed.
	ErrInvalidSerial = errors.New("fleet: invalid serial")

	// ErrInvalidName is returned when a name is empty or too long.
	ErrInvalidName = errors.New("fleet: invalid name")

	// ErrInvalidDomain is returned when an application domain name is malformed.
	ErrInvalidDomain = errors.New("fleet: invalid domain")

	// ErrUnknownDomain is returned when a device does not host the requested domain.
	ErrUnknownDomain = errors.New("fleet: domain not on device")

	// ErrGroupNotFound is returned when a group ID does not exist.
	ErrGroupNotFound = errors.New("fleet: group not found")

	// ErrGroupExists is returned when creating a group whose name is taken.
	ErrGroupExists = errors.New("fleet: group already exists")

	// ErrNoDevices is returned when an operation is given an empty device list.
	ErrNoDevices = errors.New("fleet: no devices")

	// ErrInvalidFirmware is returned when a firmware version string is empty.
	ErrInvalidFirmware = errors.New("fleet: invalid firmware version")

	// ErrNotStarted is returned when the Manager is used before Start.
	ErrNotStarted = errors.New("fleet: manager not started")
)
