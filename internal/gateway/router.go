package gateway

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/bluerobotics/device-gateway/internal/device"
	"github.com/bluerobotics/device-gateway/internal/transport"
)

// Router delivers commands to the transport a device is bound to.
// Commands never cross transports: a USB-bound device is only ever written
// over its serial port, a network device only over UDP.
type Router struct {
	registry *device.Registry
	udp      *transport.UDP
	serial   *transport.SerialManager
	logs     *logBuffer
	stats    *statsCounter
	logger   *zap.Logger
}

// Dispatch sends command to the device. The returned error is one of the
// sentinel kinds (ErrUnknownDevice, ErrNotConfigured, ErrNoRoute,
// ErrTransportDisabled) or the underlying I/O error. Sends are not
// retried; callers reissue.
func (r *Router) Dispatch(id, command string) error {
	state := r.registry.Get(id)
	if state == nil {
		return ErrUnknownDevice
	}

	var err error
	if state.Transport == device.TransportUSB {
		if state.SerialPort == "" {
			err = ErrNotConfigured
		} else {
			err = r.serial.Send(state.SerialPort, command)
		}
	} else {
		if state.IP == nil {
			err = ErrNoRoute
		} else {
			err = r.udp.Send(state.IP, state.Port, []byte(command))
		}
	}

	if err != nil {
		r.stats.add(func(s *Stats) { s.CommandErrors++ })
		r.logs.Add("ERROR", fmt.Sprintf("command to %s failed: %v", id, err))
		r.logger.Warn("Command dispatch failed",
			zap.String("device", id),
			zap.Error(err))
		return err
	}

	r.stats.add(func(s *Stats) { s.CommandsSent++ })
	r.logs.Add(fmt.Sprintf("CMD SENT to %s", id), command)
	return nil
}
