package gateway

import (
	"errors"

	"github.com/bluerobotics/device-gateway/internal/transport"
)

var (
	// ErrUnknownDevice means no registry entry exists for the id.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrNoRoute means the device's IP is not known yet (never discovered,
	// or evicted by a liveness timeout).
	ErrNoRoute = errors.New("no route to device")

	// ErrNotConfigured means a USB-bound device has no serial port set.
	ErrNotConfigured = errors.New("no serial port configured")

	// ErrTransportDisabled mirrors the UDP transport's bind-failure state.
	ErrTransportDisabled = transport.ErrDisabled
)
