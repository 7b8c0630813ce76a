// Package gateway wires the transports, registry, parser and event bus
// into the running daemon.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bluerobotics/device-gateway/internal/config"
	"github.com/bluerobotics/device-gateway/internal/definitions"
	"github.com/bluerobotics/device-gateway/internal/device"
	"github.com/bluerobotics/device-gateway/internal/event"
	"github.com/bluerobotics/device-gateway/internal/logging"
	"github.com/bluerobotics/device-gateway/internal/persist"
	"github.com/bluerobotics/device-gateway/internal/transport"
)

// detectTimeout bounds the serial identification probe.
const detectTimeout = 2 * time.Second

// Service owns every worker of the device gateway: the UDP transport and
// its read loop, the serial manager, the discovery and liveness tickers,
// and the event bus clients subscribe to.
type Service struct {
	cfg        *config.Config
	defs       *definitions.Store
	registry   *device.Registry
	bus        *event.Bus
	store      *persist.Store
	logs       *logBuffer
	stats      *statsCounter
	dispatcher *dispatcher
	router     *Router
	udp        *transport.UDP
	serial     *transport.SerialManager
	logger     *zap.Logger

	liveness livenessConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles a service from loaded configuration and definitions.
func New(cfg *config.Config, defs *definitions.Store, store *persist.Store) *Service {
	logger := logging.With(zap.String("component", "gateway"))

	s := &Service{
		cfg:      cfg,
		defs:     defs,
		registry: device.NewRegistry(),
		bus:      event.NewBus(),
		store:    store,
		stats:    &statsCounter{},
		logger:   logger,
		liveness: defaultLivenessConfig(),
	}
	s.logs = newLogBuffer(s.bus)
	s.dispatcher = &dispatcher{
		registry: s.registry,
		defs:     defs,
		bus:      s.bus,
		logs:     s.logs,
		stats:    s.stats,
		logger:   logging.With(zap.String("component", "dispatch")),
	}
	s.serial = transport.NewSerialManager(cfg.Serial.Baud, s.dispatcher.HandleSerial, s.onSerialClosed)
	return s
}

// Start binds the UDP socket, restores persisted transport choices and
// launches the workers. A UDP bind failure disables the network transport
// but does not stop the service; serial keeps working.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.running = true
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)

	for _, id := range s.defs.IDs() {
		s.registry.Ensure(id)
	}
	s.restoreConnections()

	s.udp = transport.NewUDP(ctx, s.cfg.UDP.Listen, s.dispatcher.HandleUDP)
	s.router = &Router{
		registry: s.registry,
		udp:      s.udp,
		serial:   s.serial,
		logs:     s.logs,
		stats:    s.stats,
		logger:   logging.With(zap.String("component", "router")),
	}

	if s.udp.Disabled() {
		s.logs.Add("WARNING", "UDP port in use, network transport disabled")
	} else {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.udp.Run(ctx)
		}()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runDiscovery(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLiveness(ctx, s.liveness)
	}()

	s.logs.Add("SYSTEM", "gateway started")
	s.logger.Info("Gateway service started",
		zap.Int("devices", len(s.defs.IDs())),
		zap.Bool("udp", !s.udp.Disabled()))
	return nil
}

// Stop shuts down every worker and transport.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.serial.CloseAll()
	if s.udp != nil {
		s.udp.Close()
	}
	s.wg.Wait()
	s.logger.Info("Gateway service stopped")
}

// runDiscovery broadcasts on a fixed period until ctx is cancelled.
func (s *Service) runDiscovery(ctx context.Context) {
	interval := s.cfg.UDP.DiscoveryInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.broadcastOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcastOnce()
		}
	}
}

func (s *Service) broadcastOnce() {
	var round uint64
	s.stats.add(func(st *Stats) {
		st.DiscoveryRounds++
		round = st.DiscoveryRounds
	})
	s.logs.Add(fmt.Sprintf("DISCOVERY #%d", round), transport.DiscoveryMessage)
	s.udp.Broadcast()
}

// TriggerDiscovery performs one extra broadcast on demand.
func (s *Service) TriggerDiscovery() error {
	if s.udp == nil || s.udp.Disabled() {
		return ErrTransportDisabled
	}
	s.broadcastOnce()
	return nil
}

// Subscribe attaches a new event bus subscriber.
func (s *Service) Subscribe() *event.Subscriber {
	return s.bus.Subscribe()
}

// Devices returns a snapshot of every device.
func (s *Service) Devices() map[string]*device.State {
	return s.registry.List()
}

// Device returns one device snapshot, or nil.
func (s *Service) Device(id string) *device.State {
	return s.registry.Get(strings.ToLower(id))
}

// Definitions returns the loaded definition set.
func (s *Service) Definitions() map[string]*definitions.Definition {
	return s.defs.All()
}

// Stats returns the runtime counters.
func (s *Service) Stats() Stats {
	return s.stats.snapshot()
}

// Logs returns the buffered log entries.
func (s *Service) Logs() []LogEntry {
	return s.logs.Entries()
}

// ClearLogs empties the log buffer.
func (s *Service) ClearLogs() {
	s.logs.Clear()
}

// Send dispatches a command to a device over its bound transport.
func (s *Service) Send(id, command string) error {
	return s.router.Dispatch(strings.ToLower(id), command)
}

// SerialPorts enumerates the system's serial devices.
func (s *Service) SerialPorts() ([]string, error) {
	return s.serial.Ports()
}

// SerialConnections returns the port → device map of running listeners.
func (s *Service) SerialConnections() map[string]string {
	return s.serial.Connections()
}

// ConnectSerial binds a device to a serial port and starts its listener.
// The transport choice is persisted. Idempotent per port.
func (s *Service) ConnectSerial(port, id string) error {
	id = strings.ToLower(id)
	if !s.defs.Known(id) {
		return ErrUnknownDevice
	}

	// Bind the state to USB before the listener can deliver its first
	// line, so no UDP frame slips in between.
	_, snap, ok := s.registry.Update(id, func(st *device.State) {
		st.Transport = device.TransportUSB
		st.SerialPort = port
		st.Connected = false
		st.IP = nil
	})
	if !ok {
		return ErrUnknownDevice
	}
	s.dispatcher.publishDeviceUpdate(snap)
	s.persistConnections()

	if err := s.serial.Connect(port, id); err != nil {
		s.logs.Add("ERROR", fmt.Sprintf("failed to open %s: %v", port, err))
		return err
	}
	s.logs.Add("SYSTEM", fmt.Sprintf("%s bound to %s", id, port))
	return nil
}

// DisconnectSerial stops the listener on port and marks its device
// disconnected.
func (s *Service) DisconnectSerial(port string) error {
	id, ok := s.serial.Disconnect(port)
	if !ok {
		return fmt.Errorf("no listener on %s", port)
	}

	changes, snap, ok := s.registry.Update(id, func(st *device.State) {
		st.Connected = false
	})
	if ok && changes.Any() {
		s.dispatcher.publishDeviceUpdate(snap)
	}
	s.logs.Add("SYSTEM", fmt.Sprintf("%s released %s", id, port))
	return nil
}

// DetectSerial probes a port for a known device by matching the
// definitions' usb_identifiers against the boot banner.
func (s *Service) DetectSerial(port string) (string, error) {
	return s.serial.Detect(port, detectTimeout, s.identifyLine)
}

// identifyLine resolves an uppercased serial line to the device whose
// usb_identifiers contain a matching substring.
func (s *Service) identifyLine(line string) string {
	for id, def := range s.defs.All() {
		for _, ident := range def.Config.USBIdentifiers {
			if ident == "" {
				continue
			}
			if strings.Contains(line, strings.ToUpper(ident)) {
				return id
			}
		}
	}
	return ""
}

// UseNetwork switches a device back to the network transport, tearing
// down any serial listener bound to it.
func (s *Service) UseNetwork(id string) error {
	id = strings.ToLower(id)
	state := s.registry.Get(id)
	if state == nil {
		return ErrUnknownDevice
	}

	if state.SerialPort != "" {
		if owner, ok := s.serial.DeviceFor(state.SerialPort); ok && owner == id {
			s.serial.Disconnect(state.SerialPort)
		}
	}

	changes, snap, ok := s.registry.Update(id, func(st *device.State) {
		st.Transport = device.TransportNetwork
		st.SerialPort = ""
		st.Connected = false
	})
	if !ok {
		return ErrUnknownDevice
	}
	if changes.Any() {
		s.dispatcher.publishDeviceUpdate(snap)
	}
	s.persistConnections()
	s.logs.Add("SYSTEM", fmt.Sprintf("%s switched to network transport", id))
	return nil
}

// DevicePaths returns the persisted definition search paths.
func (s *Service) DevicePaths() ([]string, error) {
	return s.store.LoadDevicePaths()
}

// SetDevicePaths persists the definition search paths.
func (s *Service) SetDevicePaths(paths []string) error {
	return s.store.SaveDevicePaths(paths)
}

// UDPDisabled reports whether the network transport failed to bind.
func (s *Service) UDPDisabled() bool {
	return s.udp == nil || s.udp.Disabled()
}

// onSerialClosed handles a listener dying on a port error (unplug). The
// device flips to disconnected immediately rather than waiting out the
// liveness window.
func (s *Service) onSerialClosed(port, id string, err error) {
	changes, snap, ok := s.registry.Update(id, func(st *device.State) {
		st.Connected = false
	})
	if ok && changes.Connected {
		s.dispatcher.publishDeviceUpdate(snap)
	}
	s.logs.Add("ERROR", fmt.Sprintf("serial port %s lost: %v", port, err))
}

// restoreConnections applies the persisted transport choice per device.
// Listeners are not restarted automatically; a USB device stays
// disconnected until the client reconnects its port or data arrives.
func (s *Service) restoreConnections() {
	conns, err := s.store.LoadConnections()
	if err != nil {
		s.logger.Warn("Failed to load persisted connections", zap.Error(err))
		return
	}

	for id, conn := range conns {
		id = strings.ToLower(id)
		if !s.defs.Known(id) {
			continue
		}
		s.registry.Update(id, func(st *device.State) {
			if conn.Transport == string(device.TransportUSB) {
				st.Transport = device.TransportUSB
				if conn.SerialPort != nil {
					st.SerialPort = *conn.SerialPort
				}
			} else {
				st.Transport = device.TransportNetwork
			}
		})
	}
}

// persistConnections writes the current transport bindings to disk.
func (s *Service) persistConnections() {
	conns := make(map[string]persist.Connection)
	for id, st := range s.registry.List() {
		conn := persist.Connection{Transport: string(st.Transport)}
		if st.SerialPort != "" {
			port := st.SerialPort
			conn.SerialPort = &port
		}
		conns[id] = conn
	}
	if err := s.store.SaveConnections(conns); err != nil {
		s.logger.Warn("Failed to persist connections", zap.Error(err))
	}
}

// EnsureDevices registers registry entries for newly-loaded definitions.
// Called after a definitions reload.
func (s *Service) EnsureDevices() {
	for _, id := range s.defs.IDs() {
		s.registry.Ensure(id)
	}
}
