package capture

import "errors"

var (
	// ErrDeviceInit is returned by New when the device cannot be brought to
	// streaming state.
	ErrDeviceInit = errors.New("capture: device initialization failed")

	// ErrResourceExhausted reports that the device could not provide or map
	// the requested buffers. It is wrapped together with ErrDeviceInit.
	ErrResourceExhausted = errors.New("capture: resources exhausted")

	// ErrTransient marks an interrupted or would-block device call.
	// Devices return it (wrapped) to have the call retried.
	ErrTransient = errors.New("capture: transient i/o error")

	// ErrTimeout marks a dequeue that saw no frame within the timeout.
	ErrTimeout = errors.New("capture: dequeue timeout")

	// ErrFatalDevice wraps the error that ended a capture loop.
	ErrFatalDevice = errors.New("capture: fatal device error")

	ErrAlreadyStarted = errors.New("capture: already started")
	ErrStopped        = errors.New("capture: stopped")
)
