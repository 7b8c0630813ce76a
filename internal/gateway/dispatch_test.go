package gateway

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bluerobotics/device-gateway/internal/definitions"
	"github.com/bluerobotics/device-gateway/internal/device"
	"github.com/bluerobotics/device-gateway/internal/event"
)

func intPtr(v int) *int { return &v }

func testDefinitions() *definitions.Store {
	defs := definitions.NewStore()
	defs.Replace([]*definitions.Definition{
		{
			ID: "pressboi",
			Config: definitions.Config{
				USBIdentifiers: []string{"PRESSBOI"},
			},
			Schema: map[string]definitions.FieldSpec{
				"psi": {Type: "float", Precision: intPtr(2), Unit: "PSI"},
			},
		},
	})
	return defs
}

func newTestDispatcher() (*dispatcher, *device.Registry, *event.Bus) {
	defs := testDefinitions()
	registry := device.NewRegistry()
	registry.Ensure("pressboi")
	bus := event.NewBus()

	d := &dispatcher{
		registry: registry,
		defs:     defs,
		bus:      bus,
		logs:     newLogBuffer(bus),
		stats:    &statsCounter{},
		logger:   zap.NewNop(),
	}
	return d, registry, bus
}

func udpAddr(ip string) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: 8888}
}

func collectEvents(t *testing.T, sub *event.Subscriber, types map[event.Type]bool, want int) []event.Event {
	t.Helper()
	var got []event.Event
	deadline := time.After(2 * time.Second)
	for len(got) < want {
		select {
		case e := <-sub.Events():
			if types[e.Type] {
				got = append(got, e)
			}
		case <-deadline:
			t.Fatalf("timeout: collected %d/%d events", len(got), want)
		}
	}
	return got
}

func TestUDPTelemetryUpdatesDevice(t *testing.T) {
	d, registry, bus := newTestDispatcher()
	sub := bus.Subscribe()
	defer sub.Close()

	d.HandleUDP(udpAddr("10.0.0.5"), "PRESSBOI_TELEM:psi=12.345")

	state := registry.Get("pressboi")
	if !state.Connected {
		t.Error("device should be connected")
	}
	if state.IP.String() != "10.0.0.5" {
		t.Errorf("ip = %v", state.IP)
	}
	if state.LastRx.IsZero() {
		t.Error("last_rx not set")
	}
	if state.Telemetry["psi"] != "12.345" {
		t.Errorf("telemetry.psi = %q", state.Telemetry["psi"])
	}
	if state.Telemetry["psi_formatted"] != "12.35 PSI" {
		t.Errorf("telemetry.psi_formatted = %q", state.Telemetry["psi_formatted"])
	}

	events := collectEvents(t, sub, map[event.Type]bool{event.TypeTelemetry: true}, 1)
	if events[0].Device != "pressboi" {
		t.Errorf("telemetry event device = %q", events[0].Device)
	}
	data := events[0].Data.(map[string]string)
	if data["psi_formatted"] != "12.35 PSI" {
		t.Errorf("event payload = %v", data)
	}
}

func TestUDPIgnoredForUSBBoundDevice(t *testing.T) {
	d, registry, _ := newTestDispatcher()

	registry.Update("pressboi", func(s *device.State) {
		s.Transport = device.TransportUSB
	})

	d.HandleUDP(udpAddr("10.0.0.5"), "PRESSBOI_TELEM:psi=1")

	state := registry.Get("pressboi")
	if state.Connected {
		t.Error("UDP frame must not connect a USB-bound device")
	}
	if !state.LastRx.IsZero() {
		t.Error("UDP frame must not touch last_rx of a USB-bound device")
	}
	if state.IP != nil {
		t.Error("UDP frame must not set ip of a USB-bound device")
	}
	if len(state.Telemetry) != 0 {
		t.Error("UDP frame must not merge telemetry for a USB-bound device")
	}
	if d.stats.snapshot().UDPIgnored != 1 {
		t.Errorf("UDPIgnored = %d, want 1", d.stats.snapshot().UDPIgnored)
	}
}

func TestDiscoveryResponse(t *testing.T) {
	d, registry, bus := newTestDispatcher()
	sub := bus.Subscribe()
	defer sub.Close()

	d.HandleUDP(udpAddr("10.0.0.5"), "DISCOVERY_RESPONSE: DEVICE_ID=pressboi PORT=8889 FW=1.2.3")

	state := registry.Get("pressboi")
	if !state.Connected {
		t.Error("device should be connected")
	}
	if state.IP.String() != "10.0.0.5" {
		t.Errorf("ip = %v", state.IP)
	}
	if state.Port != 8889 {
		t.Errorf("port = %d", state.Port)
	}
	if state.Firmware != "1.2.3" {
		t.Errorf("firmware = %q", state.Firmware)
	}

	events := collectEvents(t, sub, map[event.Type]bool{event.TypeDeviceUpdate: true}, 1)
	snap := events[0].Data.(*device.State)
	if !snap.Connected || snap.Firmware != "1.2.3" {
		t.Errorf("device_update payload = %+v", snap)
	}
}

func TestDiscoveryResponseUnknownDevice(t *testing.T) {
	d, registry, _ := newTestDispatcher()

	d.HandleUDP(udpAddr("10.0.0.5"), "DISCOVERY_RESPONSE: DEVICE_ID=mystery PORT=8889")

	if registry.Get("mystery") != nil {
		t.Error("unknown device must not create registry state")
	}
	if d.stats.snapshot().Unhandled != 1 {
		t.Errorf("Unhandled = %d", d.stats.snapshot().Unhandled)
	}
}

func TestStatusTouchesDeviceBySourceIP(t *testing.T) {
	d, registry, bus := newTestDispatcher()

	// Establish the device's address first.
	d.HandleUDP(udpAddr("10.0.0.5"), "DISCOVERY_RESPONSE: DEVICE_ID=pressboi")
	before := registry.Get("pressboi").LastRx

	sub := bus.Subscribe()
	defer sub.Close()

	time.Sleep(10 * time.Millisecond)
	d.HandleUDP(udpAddr("10.0.0.5"), "INFO: calibration complete")

	after := registry.Get("pressboi").LastRx
	if !after.After(before) {
		t.Error("INFO from the device's ip should refresh last_rx")
	}

	events := collectEvents(t, sub, map[event.Type]bool{event.TypeStatusMessage: true}, 1)
	data := events[0].Data.(map[string]string)
	if data["level"] != "INFO" || data["message"] != "calibration complete" {
		t.Errorf("status payload = %v", data)
	}
}

func TestUnhandledLineIsLogged(t *testing.T) {
	d, _, _ := newTestDispatcher()

	d.HandleUDP(udpAddr("10.0.0.9"), "totally unknown garbage")

	if d.stats.snapshot().Unhandled != 1 {
		t.Errorf("Unhandled = %d", d.stats.snapshot().Unhandled)
	}
	entries := d.logs.Entries()
	if len(entries) != 1 || entries[0].Type != "UNHANDLED @10.0.0.9" {
		t.Errorf("log entries = %+v", entries)
	}
}

func TestSerialDispatchForcesUSB(t *testing.T) {
	d, registry, bus := newTestDispatcher()
	sub := bus.Subscribe()
	defer sub.Close()

	d.HandleSerial("/dev/ttyUSB0", "pressboi", "PRESSBOI_TELEM:psi=3.5")

	state := registry.Get("pressboi")
	if !state.Connected {
		t.Error("serial rx should connect the device")
	}
	if state.Transport != device.TransportUSB {
		t.Errorf("transport = %q, want usb", state.Transport)
	}
	if state.SerialPort != "/dev/ttyUSB0" {
		t.Errorf("serial_port = %q", state.SerialPort)
	}
	if state.Telemetry["psi"] != "3.5" {
		t.Errorf("telemetry = %v", state.Telemetry)
	}

	collectEvents(t, sub, map[event.Type]bool{
		event.TypeDeviceUpdate: true,
		event.TypeTelemetry:    true,
	}, 2)
}

func TestSerialThenUDPIsIgnored(t *testing.T) {
	d, registry, _ := newTestDispatcher()

	d.HandleSerial("/dev/ttyUSB0", "pressboi", "PRESSBOI_STATUS_OK")
	serialRx := registry.Get("pressboi").LastRx

	d.HandleUDP(udpAddr("10.0.0.5"), "PRESSBOI_TELEM:psi=9")

	state := registry.Get("pressboi")
	if !state.LastRx.Equal(serialRx) {
		t.Error("UDP must not refresh last_rx once the device went USB")
	}
	if state.IP != nil {
		t.Error("UDP must not set ip once the device went USB")
	}
}

func TestSerialNVMDump(t *testing.T) {
	d, _, bus := newTestDispatcher()
	sub := bus.Subscribe()
	defer sub.Close()

	d.HandleSerial("/dev/ttyUSB0", "pressboi", "NVMDUMP:pressboi:0102deadbeef")

	events := collectEvents(t, sub, map[event.Type]bool{event.TypeNVMDump: true}, 1)
	if events[0].Device != "pressboi" || events[0].Data != "0102deadbeef" {
		t.Errorf("nvm_dump event = %+v", events[0])
	}
}
