package persist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func strPtr(s string) *string { return &s }

func TestConnectionsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	in := map[string]Connection{
		"pressboi": {Transport: "usb", SerialPort: strPtr("/dev/ttyUSB0")},
		"divebot":  {Transport: "network", SerialPort: nil},
	}
	if err := s.SaveConnections(in); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	out, err := s.LoadConnections()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("loaded %d entries", len(out))
	}
	if out["pressboi"].Transport != "usb" || *out["pressboi"].SerialPort != "/dev/ttyUSB0" {
		t.Errorf("pressboi = %+v", out["pressboi"])
	}
	if out["divebot"].Transport != "network" || out["divebot"].SerialPort != nil {
		t.Errorf("divebot = %+v", out["divebot"])
	}
}

func TestLoadMissingFiles(t *testing.T) {
	s := newTestStore(t)

	conns, err := s.LoadConnections()
	if err != nil || len(conns) != 0 {
		t.Errorf("missing connections file: %v, %v", conns, err)
	}
	paths, err := s.LoadDevicePaths()
	if err != nil || len(paths) != 0 {
		t.Errorf("missing paths file: %v, %v", paths, err)
	}
}

func TestDevicePathsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	in := []string{"/opt/defs", "./local"}
	if err := s.SaveDevicePaths(in); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	out, err := s.LoadDevicePaths()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(out) != 2 || out[0] != "/opt/defs" || out[1] != "./local" {
		t.Errorf("paths = %v", out)
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveConnections(map[string]Connection{"a": {Transport: "network"}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("readdir failed: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "connections.json")); err != nil {
		t.Errorf("target file missing: %v", err)
	}
}

func TestOverwrite(t *testing.T) {
	s := newTestStore(t)

	_ = s.SaveConnections(map[string]Connection{"a": {Transport: "usb"}})
	_ = s.SaveConnections(map[string]Connection{"a": {Transport: "network"}})

	out, err := s.LoadConnections()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if out["a"].Transport != "network" {
		t.Errorf("overwrite lost: %+v", out["a"])
	}
}
