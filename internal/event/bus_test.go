package event

import (
	"testing"
	"time"
)

func recv(t *testing.T, s *Subscriber) Event {
	t.Helper()
	select {
	case e := <-s.Events():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestFanOut(t *testing.T) {
	b := NewBus()
	s1 := b.Subscribe()
	defer s1.Close()
	s2 := b.Subscribe()
	defer s2.Close()

	b.Publish(Event{Type: TypeLog, Data: "hello"})

	for _, s := range []*Subscriber{s1, s2} {
		e := recv(t, s)
		if e.Type != TypeLog || e.Data != "hello" {
			t.Errorf("got %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Error("publish must stamp events")
		}
	}
}

func TestDeviceUpdateCoalescing(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()
	defer s.Close()

	// Nobody is reading, so at most one update can be in flight inside the
	// pump; the rest must collapse to the newest snapshot per device.
	for i := 1; i <= 5; i++ {
		b.Publish(Event{Type: TypeDeviceUpdate, Device: "pressboi", Data: i})
	}
	b.Publish(Event{Type: TypeDeviceUpdate, Device: "divebot", Data: "x"})

	var pressboi []Event
	for {
		e := recv(t, s)
		if e.Device == "divebot" {
			break
		}
		pressboi = append(pressboi, e)
	}

	if n := len(pressboi); n < 1 || n > 2 {
		t.Fatalf("got %d pressboi updates, coalescing should leave 1-2", n)
	}
	if last := pressboi[len(pressboi)-1]; last.Data != 5 {
		t.Errorf("last pressboi update = %v, want the newest (5)", last.Data)
	}

	select {
	case e := <-s.Events():
		t.Errorf("unexpected extra event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOldest(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()
	defer s.Close()

	total := queueSize + 50
	for i := 0; i < total; i++ {
		b.Publish(Event{Type: TypeTelemetry, Device: "pressboi", Data: i})
	}

	var got []int
	for {
		var done bool
		select {
		case e := <-s.Events():
			got = append(got, e.Data.(int))
			done = e.Data.(int) == total-1
		case <-time.After(2 * time.Second):
			t.Fatal("timeout draining events")
		}
		if done {
			break
		}
	}

	if s.Dropped() == 0 {
		t.Error("overflow should have dropped events")
	}
	if uint64(len(got))+s.Dropped() != uint64(total) {
		t.Errorf("received %d + dropped %d != published %d", len(got), s.Dropped(), total)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("delivery out of order at %d: %d after %d", i, got[i], got[i-1])
		}
	}
}

func TestUpdatesSurviveTelemetryFlood(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()
	defer s.Close()

	b.Publish(Event{Type: TypeDeviceUpdate, Device: "pressboi", Data: "update"})
	for i := 0; i < queueSize*2; i++ {
		b.Publish(Event{Type: TypeTelemetry, Device: "pressboi"})
	}

	if e := recv(t, s); e.Type != TypeDeviceUpdate {
		t.Errorf("device update lost under telemetry flood, got %+v", e)
	}
}

func TestCloseUnblocksReader(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()

	done := make(chan struct{})
	go func() {
		for range s.Events() {
		}
		close(done)
	}()

	s.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Events channel did not close")
	}

	// Publishing after close must not panic or deliver.
	b.Publish(Event{Type: TypeLog})
}
