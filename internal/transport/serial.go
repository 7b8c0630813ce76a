package transport

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/bluerobotics/device-gateway/internal/logging"
	"github.com/bluerobotics/device-gateway/pkg/wire"
)

// DefaultBaudRate matches the controllers' fixed UART configuration.
const DefaultBaudRate = 9600

const (
	serialReadTimeout  = 100 * time.Millisecond
	serialDrainTimeout = 50 * time.Millisecond
	serialIdleSleep    = 10 * time.Millisecond
	drainDeadline      = 2 * time.Second
)

// ErrPortBusy is returned when a port is already bound to another device.
var ErrPortBusy = errors.New("serial port already connected to another device")

// SerialHandler receives each complete (chunk-reassembled) line together
// with the port it arrived on and the device the port is bound to.
type SerialHandler func(port, deviceID, line string)

// ClosedFunc is called when a listener dies on a port error (unplug,
// permission loss). It is not called for explicit disconnects.
type ClosedFunc func(port, deviceID string, err error)

// SerialManager owns one listener per connected port and the one-shot
// probe/write paths for unowned ports.
type SerialManager struct {
	baud     int
	handler  SerialHandler
	onClosed ClosedFunc
	logger   *zap.Logger

	// openPort is swappable so tests can run against a fake port.
	openPort func(name string, mode *serial.Mode) (serial.Port, error)

	mu    sync.Mutex
	conns map[string]*portListener
}

// NewSerialManager creates a manager. onClosed may be nil.
func NewSerialManager(baud int, handler SerialHandler, onClosed ClosedFunc) *SerialManager {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &SerialManager{
		baud:     baud,
		handler:  handler,
		onClosed: onClosed,
		logger:   logging.With(zap.String("transport", "serial")),
		openPort: serial.Open,
		conns:    make(map[string]*portListener),
	}
}

// Ports enumerates the system's serial devices.
func (m *SerialManager) Ports() ([]string, error) {
	return serial.GetPortsList()
}

// Connections returns the port → device map of running listeners.
func (m *SerialManager) Connections() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.conns))
	for port, l := range m.conns {
		out[port] = l.device
	}
	return out
}

// DeviceFor returns the device bound to port, if a listener owns it.
func (m *SerialManager) DeviceFor(port string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.conns[port]
	if !ok {
		return "", false
	}
	return l.device, true
}

// Connect opens port and starts its listener for deviceID. A second call
// for the same port and device is a no-op returning success; the port
// being bound to a different device is an error.
func (m *SerialManager) Connect(port, deviceID string) error {
	m.mu.Lock()
	if l, ok := m.conns[port]; ok {
		m.mu.Unlock()
		if l.device != deviceID {
			return fmt.Errorf("%w: %s", ErrPortBusy, l.device)
		}
		return nil
	}
	m.mu.Unlock()

	handle, err := m.openForListening(port)
	if err != nil {
		return err
	}

	l := &portListener{
		manager: m,
		port:    port,
		device:  deviceID,
		handle:  handle,
		framer:  wire.NewLineFramer(handle),
		chunks:  wire.NewChunkAssembler(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	m.mu.Lock()
	if existing, ok := m.conns[port]; ok {
		// Lost the race to another Connect for the same port.
		m.mu.Unlock()
		_ = handle.Close()
		if existing.device != deviceID {
			return fmt.Errorf("%w: %s", ErrPortBusy, existing.device)
		}
		return nil
	}
	m.conns[port] = l
	m.mu.Unlock()

	m.logger.Info("Serial listener started",
		zap.String("port", port),
		zap.String("device", deviceID))
	go l.run()
	return nil
}

// Disconnect stops the listener for port. Returns the device it was bound
// to, or false when no listener owned the port.
func (m *SerialManager) Disconnect(port string) (string, bool) {
	m.mu.Lock()
	l, ok := m.conns[port]
	if ok {
		delete(m.conns, port)
	}
	m.mu.Unlock()
	if !ok {
		return "", false
	}

	l.stop()
	<-l.doneCh
	m.logger.Info("Serial listener stopped", zap.String("port", port))
	return l.device, true
}

// CloseAll disconnects every listener.
func (m *SerialManager) CloseAll() {
	for port := range m.Connections() {
		m.Disconnect(port)
	}
}

// Send writes cmd (newline-appended) to port. When a listener owns the
// port the write shares its handle under the port lock; otherwise the port
// is opened just for this write.
func (m *SerialManager) Send(port, cmd string) error {
	payload := []byte(cmd + "\n")

	m.mu.Lock()
	l, owned := m.conns[port]
	m.mu.Unlock()

	if owned {
		l.writeMu.Lock()
		defer l.writeMu.Unlock()
		_, err := l.handle.Write(payload)
		return err
	}

	mode := &serial.Mode{
		BaudRate: m.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	handle, err := m.openPort(port, mode)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", port, err)
	}
	defer func() { _ = handle.Close() }()

	_, err = handle.Write(payload)
	return err
}

// Detect probes an unowned port: it reads lines for up to timeout and
// returns the first device id identify resolves from an uppercased line,
// or "" when nothing matched. The port is always closed before returning.
func (m *SerialManager) Detect(port string, timeout time.Duration, identify func(line string) string) (string, error) {
	if _, owned := m.DeviceFor(port); owned {
		return "", ErrPortBusy
	}

	mode := &serial.Mode{
		BaudRate: m.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	handle, err := m.openPort(port, mode)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", port, err)
	}
	defer func() { _ = handle.Close() }()

	if err := handle.SetReadTimeout(serialReadTimeout); err != nil {
		return "", err
	}

	framer := wire.NewLineFramer(handle)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		line, err := framer.ReadLine()
		if err == wire.ErrNoLine {
			time.Sleep(serialIdleSleep)
			continue
		}
		if err != nil {
			return "", err
		}
		if id := identify(strings.ToUpper(line)); id != "" {
			return id, nil
		}
	}
	return "", nil
}

// openForListening runs the MCU-friendly opening sequence: a DTR/RTS reset
// pulse, buffer reset, then a bounded drain of whatever the boot spewed.
func (m *SerialManager) openForListening(port string) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: m.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	handle, err := m.openPort(port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", port, err)
	}

	fail := func(err error) (serial.Port, error) {
		_ = handle.Close()
		return nil, err
	}

	if err := handle.SetDTR(false); err != nil {
		return fail(fmt.Errorf("failed to clear DTR: %w", err))
	}
	if err := handle.SetRTS(false); err != nil {
		return fail(fmt.Errorf("failed to clear RTS: %w", err))
	}
	time.Sleep(100 * time.Millisecond)

	if err := handle.SetDTR(true); err != nil {
		return fail(fmt.Errorf("failed to set DTR: %w", err))
	}
	if err := handle.SetRTS(true); err != nil {
		return fail(fmt.Errorf("failed to set RTS: %w", err))
	}
	time.Sleep(200 * time.Millisecond)

	if err := handle.ResetInputBuffer(); err != nil {
		return fail(fmt.Errorf("failed to reset input buffer: %w", err))
	}
	if err := handle.ResetOutputBuffer(); err != nil {
		return fail(fmt.Errorf("failed to reset output buffer: %w", err))
	}

	// Discard whatever queued while the MCU rebooted.
	_ = handle.SetReadTimeout(serialDrainTimeout)
	drainUntil := time.Now().Add(drainDeadline)
	buf := make([]byte, 1024)
	for time.Now().Before(drainUntil) {
		n, err := handle.Read(buf)
		if err != nil || n == 0 {
			break
		}
	}

	if err := handle.SetReadTimeout(serialReadTimeout); err != nil {
		return fail(fmt.Errorf("failed to set read timeout: %w", err))
	}
	return handle, nil
}

// portListener is the read loop bound to one open port.
type portListener struct {
	manager *SerialManager
	port    string
	device  string
	handle  serial.Port
	framer  *wire.LineFramer
	chunks  *wire.ChunkAssembler

	writeMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func (l *portListener) stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		// Closing the handle unblocks a pending read.
		_ = l.handle.Close()
	})
}

func (l *portListener) run() {
	defer close(l.doneCh)

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		line, err := l.framer.ReadLine()
		if err == wire.ErrNoLine {
			time.Sleep(serialIdleSleep)
			continue
		}
		if err != nil {
			select {
			case <-l.stopCh:
				// Explicit disconnect closed the handle under us.
				return
			default:
			}
			l.manager.handleListenerDeath(l, err)
			return
		}
		if line == "" {
			continue
		}

		complete, ok := l.chunks.Feed(line)
		if !ok || complete == "" {
			continue
		}
		l.manager.handler(l.port, l.device, complete)
	}
}

// handleListenerDeath removes a listener that died on an I/O error and
// reports it upstream.
func (m *SerialManager) handleListenerDeath(l *portListener, err error) {
	m.mu.Lock()
	if m.conns[l.port] == l {
		delete(m.conns, l.port)
	}
	m.mu.Unlock()

	l.stopOnce.Do(func() {
		close(l.stopCh)
		_ = l.handle.Close()
	})

	m.logger.Warn("Serial listener terminated",
		zap.String("port", l.port),
		zap.String("device", l.device),
		zap.Error(err))

	if m.onClosed != nil {
		m.onClosed(l.port, l.device, err)
	}
}
