package gateway

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/bluerobotics/device-gateway/internal/definitions"
	"github.com/bluerobotics/device-gateway/internal/device"
	"github.com/bluerobotics/device-gateway/internal/event"
	"github.com/bluerobotics/device-gateway/internal/telemetry"
	"github.com/bluerobotics/device-gateway/pkg/wire"
)

// dispatcher turns classified wire frames from either transport into
// registry mutations and bus events. It is the only writer of connection
// state on the receive path.
type dispatcher struct {
	registry *device.Registry
	defs     *definitions.Store
	bus      *event.Bus
	logs     *logBuffer
	stats    *statsCounter
	logger   *zap.Logger
}

// HandleUDP processes one datagram line. Frames addressed to USB-bound
// devices never touch their state (the device is on the other wire).
func (d *dispatcher) HandleUDP(src *net.UDPAddr, line string) {
	d.stats.add(func(s *Stats) { s.UDPFrames++ })

	frame := wire.Classify(line, d.defs.DeviceByLinePrefix)
	switch frame.Kind {
	case wire.KindDiscoveryResponse:
		d.handleDiscoveryResponse(src, frame)

	case wire.KindTelemetry:
		d.handleUDPTelemetry(src, line, frame)

	case wire.KindRecovery:
		d.logs.Add("UDP RX", line)
		d.bus.Publish(event.Event{
			Type:   event.TypeRecovery,
			Device: frame.DeviceID,
			Data:   frame.Payload,
		})

	case wire.KindNVMDump:
		d.bus.Publish(event.Event{
			Type:   event.TypeNVMDump,
			Device: frame.DeviceID,
			Data:   frame.Payload,
		})

	case wire.KindStatus:
		d.logs.Add("UDP RX", line)
		d.bus.Publish(event.Event{
			Type: event.TypeStatusMessage,
			Data: map[string]string{"level": frame.Level, "message": frame.Payload},
		})
		d.touchBySourceIP(src.IP)

	case wire.KindDeviceStatus:
		d.logs.Add("UDP RX", line)
		d.bus.Publish(event.Event{
			Type:   event.TypeStatusMessage,
			Device: frame.DeviceID,
			Data:   map[string]string{"message": frame.Payload},
		})
		d.touchNetworkDevice(frame.DeviceID)

	default:
		d.stats.add(func(s *Stats) { s.Unhandled++ })
		d.logs.Add(fmt.Sprintf("UNHANDLED @%s", src.IP), line)
	}
}

func (d *dispatcher) handleDiscoveryResponse(src *net.UDPAddr, frame wire.Frame) {
	if !d.defs.Known(frame.DeviceID) {
		d.stats.add(func(s *Stats) { s.Unhandled++ })
		d.logs.Add(fmt.Sprintf("UNHANDLED @%s", src.IP), "discovery response from unknown device "+frame.DeviceID)
		return
	}

	var ignored bool
	changes, snap, ok := d.registry.Update(frame.DeviceID, func(s *device.State) {
		if s.Transport == device.TransportUSB {
			ignored = true
			return
		}
		s.Connected = true
		s.IP = src.IP
		if frame.Port != 0 {
			s.Port = frame.Port
		}
		s.LastRx = time.Now()
		if frame.Firmware != "" {
			s.Firmware = frame.Firmware
		}
	})
	if !ok {
		return
	}
	if ignored {
		d.stats.add(func(s *Stats) { s.UDPIgnored++ })
		return
	}

	if changes.Connected {
		d.logs.Add("SYSTEM", fmt.Sprintf("%s connected via network (%s)", frame.DeviceID, src.IP))
	}
	if changes.Notable() {
		d.publishDeviceUpdate(snap)
	}
}

func (d *dispatcher) handleUDPTelemetry(src *net.UDPAddr, line string, frame wire.Frame) {
	if !d.defs.Known(frame.DeviceID) {
		d.stats.add(func(s *Stats) { s.Unhandled++ })
		d.logs.Add(fmt.Sprintf("UNHANDLED @%s", src.IP), line)
		return
	}

	parsed := telemetry.Parse(line, frame.DeviceID, d.defs.Schema(frame.DeviceID))

	var ignored bool
	changes, snap, ok := d.registry.Update(frame.DeviceID, func(s *device.State) {
		if s.Transport == device.TransportUSB {
			ignored = true
			return
		}
		s.Connected = true
		s.IP = src.IP
		s.LastRx = time.Now()
		for k, v := range parsed {
			s.Telemetry[k] = v
		}
	})
	if !ok {
		return
	}
	if ignored {
		d.stats.add(func(s *Stats) { s.UDPIgnored++ })
		return
	}

	d.stats.add(func(s *Stats) { s.TelemetryFrames++ })
	if changes.Connected {
		d.logs.Add("SYSTEM", fmt.Sprintf("%s connected via network (%s)", frame.DeviceID, src.IP))
	}
	if changes.Notable() {
		d.publishDeviceUpdate(snap)
	}
	if len(parsed) > 0 {
		d.bus.Publish(event.Event{
			Type:   event.TypeTelemetry,
			Device: frame.DeviceID,
			Data:   parsed,
		})
	}
}

// HandleSerial processes one reassembled line from a port listener. Serial
// reception is authoritative for the bound device: it forces the USB
// transport and refreshes liveness before the line is classified.
func (d *dispatcher) HandleSerial(port, deviceID, line string) {
	d.stats.add(func(s *Stats) { s.SerialFrames++ })

	changes, snap, ok := d.registry.Update(deviceID, func(s *device.State) {
		s.Connected = true
		s.Transport = device.TransportUSB
		s.SerialPort = port
		s.LastRx = time.Now()
	})
	if !ok {
		d.stats.add(func(s *Stats) { s.Unhandled++ })
		d.logs.Add("UNHANDLED @serial", line)
		return
	}
	if changes.Connected {
		d.logs.Add("SYSTEM", fmt.Sprintf("%s connected via %s", deviceID, port))
	}
	if changes.Notable() {
		d.publishDeviceUpdate(snap)
	}

	frame := wire.Classify(line, d.defs.DeviceByLinePrefix)
	switch frame.Kind {
	case wire.KindDiscoveryResponse:
		if frame.Firmware == "" {
			return
		}
		fwChanges, fwSnap, ok := d.registry.Update(deviceID, func(s *device.State) {
			s.Firmware = frame.Firmware
		})
		if ok && fwChanges.Notable() {
			d.publishDeviceUpdate(fwSnap)
		}

	case wire.KindTelemetry:
		id := frame.DeviceID
		if !d.defs.Known(id) {
			id = deviceID
		}
		parsed := telemetry.Parse(line, id, d.defs.Schema(id))
		if len(parsed) == 0 {
			return
		}
		d.registry.Update(deviceID, func(s *device.State) {
			for k, v := range parsed {
				s.Telemetry[k] = v
			}
		})
		d.stats.add(func(s *Stats) { s.TelemetryFrames++ })
		d.bus.Publish(event.Event{
			Type:   event.TypeTelemetry,
			Device: deviceID,
			Data:   parsed,
		})

	case wire.KindRecovery:
		d.bus.Publish(event.Event{
			Type:   event.TypeRecovery,
			Device: deviceID,
			Data:   frame.Payload,
		})

	case wire.KindNVMDump:
		d.bus.Publish(event.Event{
			Type:   event.TypeNVMDump,
			Device: frame.DeviceID,
			Data:   frame.Payload,
		})

	case wire.KindStatus:
		d.bus.Publish(event.Event{
			Type:   event.TypeStatusMessage,
			Device: deviceID,
			Data:   map[string]string{"level": frame.Level, "message": frame.Payload},
		})

	case wire.KindDeviceStatus:
		d.bus.Publish(event.Event{
			Type:   event.TypeStatusMessage,
			Device: frame.DeviceID,
			Data:   map[string]string{"message": frame.Payload},
		})

	default:
		d.logger.Debug("Unclassified serial line",
			zap.String("port", port),
			zap.String("line", line))
	}
}

// touchBySourceIP refreshes last_rx on the first network device whose IP
// matches src. USB-bound devices are never touched by UDP traffic.
func (d *dispatcher) touchBySourceIP(src net.IP) {
	for id, s := range d.registry.List() {
		if s.Transport != device.TransportNetwork || s.IP == nil {
			continue
		}
		if s.IP.Equal(src) {
			d.registry.Update(id, func(s *device.State) { s.LastRx = time.Now() })
			return
		}
	}
}

func (d *dispatcher) touchNetworkDevice(id string) {
	d.registry.Update(id, func(s *device.State) {
		if s.Transport == device.TransportNetwork {
			s.LastRx = time.Now()
		}
	})
}

func (d *dispatcher) publishDeviceUpdate(snap *device.State) {
	d.bus.Publish(event.Event{
		Type:   event.TypeDeviceUpdate,
		Device: snap.ID,
		Data:   snap,
	})
}
