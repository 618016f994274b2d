package pump_controller

import "errors"

var (
	// ErrActuationWrite is returned when a pump command could not be delivered
	// (publish failure, timeout or open breaker).
	ErrActuationWrite = errors.New("actuation write failed")
	// ErrStaleRead is returned when the actuator state could not be read back.
	ErrStaleRead = errors.New("actuator state unavailable")
	// ErrAutoMode rejects user pump commands while the threshold controller owns the pump.
	ErrAutoMode      = errors.New("pump is under automatic control")
	ErrUnknownDevice = errors.New("unknown device")
	// ErrOutOfOrder marks a reading older than the last one applied.
	ErrOutOfOrder = errors.New("reading older than last applied")
	// ErrSuperseded releases the waiter of a queued command replaced by a newer one.
	ErrSuperseded = errors.New("command superseded by a newer one")
	ErrStopped    = errors.New("controller stopped")
)
