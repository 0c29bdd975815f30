package device

import "errors"

var (
	// ErrNoDevice is returned when a device id is out of range or the
	// backend found nothing to run on.
	ErrNoDevice = errors.New("device: no such device")

	// ErrDeviceFault is returned when a provider operation fails (bad
	// arguments, out of memory, lost device).
	ErrDeviceFault = errors.New("device: fault")

	// ErrUnsupportedPrecision is returned when a handle cannot run the
	// requested element type.
	ErrUnsupportedPrecision = errors.New("device: unsupported precision")

	// ErrClosed is returned by a Pool after Close.
	ErrClosed = errors.New("device: pool closed")
)
