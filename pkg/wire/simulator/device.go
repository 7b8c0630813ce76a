// Package simulator provides a UDP controller simulator for testing.
package simulator

import (
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"
)

// DeviceConfig holds configuration for the simulated controller.
type DeviceConfig struct {
	// DeviceID is the controller's identifier (lowercase).
	DeviceID string
	// Port is the local UDP port to listen on (8888-8891 are probed by the
	// gateway's discovery broadcast).
	Port int
	// Firmware is the version reported in discovery responses.
	Firmware string
	// TelemetryInterval is how often telemetry is streamed to the last
	// discoverer (0 = manual only).
	TelemetryInterval time.Duration
	// Verbose enables stdout logging of simulator traffic.
	Verbose bool
}

// DefaultConfig returns a default controller configuration.
func DefaultConfig() DeviceConfig {
	return DeviceConfig{
		DeviceID:          "pressboi",
		Port:              8888,
		Firmware:          "1.2.3",
		TelemetryInterval: time.Second,
	}
}

// Device simulates one embedded controller reachable over UDP.
type Device struct {
	config DeviceConfig
	logger func(format string, args ...interface{})

	mu       sync.Mutex
	conn     *net.UDPConn
	client   *net.UDPAddr // last peer that discovered us
	running  bool
	stopCh   chan struct{}
	sequence int
}

// New creates a new simulated controller.
func New(config DeviceConfig) *Device {
	logger := func(_ string, _ ...interface{}) {}
	if config.Verbose {
		logger = func(format string, args ...interface{}) {
			fmt.Printf("[SIM %s] "+format+"\n", append([]interface{}{config.DeviceID}, args...)...)
		}
	}

	return &Device{
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start binds the simulator socket and returns its address.
func (d *Device) Start() (*net.UDPAddr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return d.conn.LocalAddr().(*net.UDPAddr), nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: d.config.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind simulator socket: %w", err)
	}

	d.conn = conn
	d.running = true
	d.stopCh = make(chan struct{})

	go d.readLoop()
	if d.config.TelemetryInterval > 0 {
		go d.telemetryLoop()
	}

	addr := conn.LocalAddr().(*net.UDPAddr)
	d.logger("listening on %s", addr)
	return addr, nil
}

// Stop shuts the simulator down.
func (d *Device) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	close(d.stopCh)
	_ = d.conn.Close()
}

// Addr returns the bound address, or nil before Start.
func (d *Device) Addr() *net.UDPAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr().(*net.UDPAddr)
}

func (d *Device) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
				continue
			}
		}

		line := strings.TrimSpace(string(buf[:n]))
		d.logger("rx from %s: %s", src, line)

		if strings.HasPrefix(line, "DISCOVER_DEVICE") {
			d.mu.Lock()
			d.client = src
			d.mu.Unlock()

			reply := fmt.Sprintf("DISCOVERY_RESPONSE: DEVICE_ID=%s PORT=%d FW=%s",
				d.config.DeviceID, d.config.Port, d.config.Firmware)
			d.send(src, reply)
			continue
		}

		// Anything else is a command; acknowledge it.
		d.send(src, fmt.Sprintf("DONE:%s", line))
	}
}

func (d *Device) telemetryLoop() {
	ticker := time.NewTicker(d.config.TelemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.mu.Lock()
			client := d.client
			d.mu.Unlock()
			if client == nil {
				continue
			}
			d.send(client, d.telemetryFrame())
		}
	}
}

// SendTelemetry pushes one telemetry frame to the last discoverer.
func (d *Device) SendTelemetry() {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return
	}
	d.send(client, d.telemetryFrame())
}

// telemetryFrame produces a slowly-varying payload so clients see motion.
func (d *Device) telemetryFrame() string {
	d.mu.Lock()
	d.sequence++
	seq := d.sequence
	d.mu.Unlock()

	psi := 10 + 5*math.Sin(float64(seq)/10)
	temp := 21.5 + 0.5*math.Cos(float64(seq)/20)
	return fmt.Sprintf("%s_TELEM:psi=%.3f;temp=%.1f;seq=%d",
		strings.ToUpper(d.config.DeviceID), psi, temp, seq)
}

func (d *Device) send(to *net.UDPAddr, line string) {
	if _, err := d.conn.WriteToUDP([]byte(line), to); err != nil {
		d.logger("tx failed: %v", err)
		return
	}
	d.logger("tx to %s: %s", to, line)
}
