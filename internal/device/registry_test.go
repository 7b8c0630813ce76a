package device

import (
	"net"
	"testing"
	"time"
)

func TestEnsureIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Ensure("pressboi")

	_, _, ok := r.Update("pressboi", func(s *State) { s.Firmware = "1.0" })
	if !ok {
		t.Fatal("device should exist")
	}

	r.Ensure("pressboi")
	if got := r.Get("pressboi"); got.Firmware != "1.0" {
		t.Errorf("second Ensure must not reset state, firmware = %q", got.Firmware)
	}
}

func TestGetUnknown(t *testing.T) {
	r := NewRegistry()
	if r.Get("nope") != nil {
		t.Error("unknown id should return nil")
	}
	if _, _, ok := r.Update("nope", func(s *State) {}); ok {
		t.Error("update of unknown id should report ok=false")
	}
}

func TestUpdateChangeSet(t *testing.T) {
	r := NewRegistry()
	r.Ensure("pressboi")

	now := time.Now()
	changes, snap, ok := r.Update("pressboi", func(s *State) {
		s.Connected = true
		s.IP = net.ParseIP("10.0.0.5")
		s.Port = 8889
		s.LastRx = now
	})
	if !ok {
		t.Fatal("update failed")
	}
	if !changes.Connected || !changes.IP || !changes.Port || !changes.LastRx {
		t.Errorf("changeset incomplete: %+v", changes)
	}
	if changes.Transport || changes.SerialPort || changes.Firmware || changes.Telemetry {
		t.Errorf("changeset overreports: %+v", changes)
	}
	if !changes.Notable() {
		t.Error("connection change must be notable")
	}
	if !snap.Connected || snap.Port != 8889 {
		t.Errorf("snapshot stale: %+v", snap)
	}
}

func TestLastRxOnlyIsNotNotable(t *testing.T) {
	r := NewRegistry()
	r.Ensure("pressboi")

	changes, _, _ := r.Update("pressboi", func(s *State) { s.LastRx = time.Now() })
	if changes.Notable() {
		t.Error("bare last_rx refresh should not be notable")
	}
	if !changes.Any() {
		t.Error("last_rx refresh is still a change")
	}
}

func TestSnapshotsDoNotAlias(t *testing.T) {
	r := NewRegistry()
	r.Ensure("pressboi")
	r.Update("pressboi", func(s *State) { s.Telemetry["psi"] = "1" })

	snap := r.Get("pressboi")
	snap.Telemetry["psi"] = "tampered"
	snap.Connected = true

	fresh := r.Get("pressboi")
	if fresh.Telemetry["psi"] != "1" || fresh.Connected {
		t.Error("snapshot mutation leaked into the registry")
	}
}

func TestListSnapshots(t *testing.T) {
	r := NewRegistry()
	r.Ensure("a")
	r.Ensure("b")

	all := r.List()
	if len(all) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(all))
	}
	all["a"].Connected = true
	if r.Get("a").Connected {
		t.Error("list snapshot mutation leaked into the registry")
	}
}
