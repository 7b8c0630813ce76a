package wire

import (
	"strings"
	"testing"
)

func knownPrefix(ids ...string) func(string) string {
	return func(line string) string {
		for _, id := range ids {
			if strings.HasPrefix(line, strings.ToUpper(id)+"_") {
				return id
			}
		}
		return ""
	}
}

func TestClassifyDiscoveryResponse(t *testing.T) {
	f := Classify("DISCOVERY_RESPONSE: DEVICE_ID=pressboi PORT=8889 FW=1.2.3", nil)
	if f.Kind != KindDiscoveryResponse {
		t.Fatalf("expected discovery response, got %v", f.Kind)
	}
	if f.DeviceID != "pressboi" {
		t.Errorf("DeviceID = %q, want pressboi", f.DeviceID)
	}
	if f.Port != 8889 {
		t.Errorf("Port = %d, want 8889", f.Port)
	}
	if f.Firmware != "1.2.3" {
		t.Errorf("Firmware = %q, want 1.2.3", f.Firmware)
	}
}

func TestClassifyDiscoveryResponseTokenOrder(t *testing.T) {
	f := Classify("DISCOVERY_RESPONSE: VERSION=2.0 DEVICE_ID=THRUSTER", nil)
	if f.Kind != KindDiscoveryResponse {
		t.Fatalf("expected discovery response, got %v", f.Kind)
	}
	if f.DeviceID != "thruster" {
		t.Errorf("DeviceID = %q, want thruster (lowercased)", f.DeviceID)
	}
	if f.Firmware != "2.0" {
		t.Errorf("Firmware = %q, want 2.0", f.Firmware)
	}
	if f.Port != 0 {
		t.Errorf("Port = %d, want 0 when absent", f.Port)
	}
}

func TestClassifyDiscoveryResponseMissingID(t *testing.T) {
	f := Classify("DISCOVERY_RESPONSE: PORT=8888", nil)
	if f.Kind != KindUnhandled {
		t.Errorf("response without DEVICE_ID should be unhandled, got %v", f.Kind)
	}
}

func TestClassifyTelemetry(t *testing.T) {
	f := Classify("PRESSBOI_TELEM:psi=12.345", nil)
	if f.Kind != KindTelemetry {
		t.Fatalf("expected telemetry, got %v", f.Kind)
	}
	if f.DeviceID != "pressboi" {
		t.Errorf("DeviceID = %q, want pressboi", f.DeviceID)
	}
	if f.Payload != "psi=12.345" {
		t.Errorf("Payload = %q", f.Payload)
	}
}

func TestClassifyRecovery(t *testing.T) {
	f := Classify("PRESSBOI_RECOVERY:stage 2", nil)
	if f.Kind != KindRecovery || f.DeviceID != "pressboi" || f.Payload != "stage 2" {
		t.Errorf("device recovery misparsed: %+v", f)
	}

	f = Classify("RECOVERY:rebooting", nil)
	if f.Kind != KindRecovery || f.DeviceID != "" || f.Payload != "rebooting" {
		t.Errorf("bare recovery misparsed: %+v", f)
	}
}

func TestClassifyNVMDump(t *testing.T) {
	f := Classify("NVMDUMP:pressboi:deadbeef:cafe", nil)
	if f.Kind != KindNVMDump {
		t.Fatalf("expected nvm dump, got %v", f.Kind)
	}
	if f.DeviceID != "pressboi" {
		t.Errorf("DeviceID = %q", f.DeviceID)
	}
	// Only the first two colons split; the rest is payload.
	if f.Payload != "deadbeef:cafe" {
		t.Errorf("Payload = %q", f.Payload)
	}

	if f := Classify("NVMDUMP:short", nil); f.Kind != KindUnhandled {
		t.Errorf("two-part NVMDUMP should be unhandled, got %v", f.Kind)
	}
}

func TestClassifyStatus(t *testing.T) {
	for _, level := range []string{"INFO", "DONE", "ERROR"} {
		f := Classify(level+": all good", nil)
		if f.Kind != KindStatus {
			t.Errorf("%s: expected status, got %v", level, f.Kind)
		}
		if f.Level != level {
			t.Errorf("Level = %q, want %s", f.Level, level)
		}
		if f.Payload != "all good" {
			t.Errorf("Payload = %q", f.Payload)
		}
	}
}

func TestClassifyDeviceStatus(t *testing.T) {
	match := knownPrefix("pressboi")

	f := Classify("PRESSBOI_CAL_COMPLETE", match)
	if f.Kind != KindDeviceStatus {
		t.Fatalf("expected device status, got %v", f.Kind)
	}
	if f.DeviceID != "pressboi" {
		t.Errorf("DeviceID = %q", f.DeviceID)
	}

	if f := Classify("WHOAMI_CAL_COMPLETE", match); f.Kind != KindUnhandled {
		t.Errorf("unknown prefix should be unhandled, got %v", f.Kind)
	}
}

func TestClassifyUnhandled(t *testing.T) {
	f := Classify("garbage line", nil)
	if f.Kind != KindUnhandled {
		t.Errorf("expected unhandled, got %v", f.Kind)
	}
}
