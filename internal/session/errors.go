package session

import "errors"

var (
	// ErrNoDevice is returned by Connect before a device is assigned.
	ErrNoDevice = errors.New("no device assigned")

	// ErrNoDialer is returned by Connect when the session was built
	// without a Dialer.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNoTransport is recorded when a Dialer reports success but hands
	// back no transport.
	ErrNoTransport = errors.New("dialer returned no transport")

	// ErrBackingOff is returned by Connect while a previous failure's
	// embargo is still running.
	ErrBackingOff = errors.New("backing off after link failure")
)
