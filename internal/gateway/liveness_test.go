package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/bluerobotics/device-gateway/internal/config"
	"github.com/bluerobotics/device-gateway/internal/device"
	"github.com/bluerobotics/device-gateway/internal/event"
	"github.com/bluerobotics/device-gateway/internal/persist"
)

func newLivenessService(t *testing.T) *Service {
	t.Helper()

	store, err := persist.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("persist store: %v", err)
	}

	s := New(config.DefaultConfig(), testDefinitions(), store)
	s.liveness = livenessConfig{
		period:         20 * time.Millisecond,
		networkTimeout: 100 * time.Millisecond,
		usbTimeout:     300 * time.Millisecond,
	}
	s.registry.Ensure("pressboi")
	return s
}

func TestLivenessFlipsStaleNetworkDevice(t *testing.T) {
	s := newLivenessService(t)
	sub := s.bus.Subscribe()
	defer sub.Close()

	s.registry.Update("pressboi", func(st *device.State) {
		st.Connected = true
		st.LastRx = time.Now()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.runLiveness(ctx, s.liveness)

	deadline := time.After(2 * time.Second)
	var updates int
	for {
		select {
		case e := <-sub.Events():
			if e.Type != event.TypeDeviceUpdate {
				continue
			}
			snap := e.Data.(*device.State)
			if snap.Connected {
				t.Fatalf("unexpected connected update: %+v", snap)
			}
			updates++
		case <-deadline:
			t.Fatal("device never flipped to disconnected")
		case <-time.After(600 * time.Millisecond):
			// Quiet period after the flip: verify exactly one emission.
			if updates != 1 {
				t.Fatalf("got %d disconnect updates, want exactly 1", updates)
			}
			state := s.registry.Get("pressboi")
			if state.Connected {
				t.Error("device should be disconnected")
			}
			if state.IP != nil {
				t.Error("timeout should clear the ip")
			}
			return
		}
	}
}

func TestLivenessUSBTimeoutIsLonger(t *testing.T) {
	s := newLivenessService(t)

	s.registry.Update("pressboi", func(st *device.State) {
		st.Connected = true
		st.Transport = device.TransportUSB
		st.LastRx = time.Now()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.runLiveness(ctx, s.liveness)

	// Past the network timeout but inside the USB window: still connected.
	time.Sleep(180 * time.Millisecond)
	if !s.registry.Get("pressboi").Connected {
		t.Fatal("USB device flipped before its timeout")
	}

	// Past the USB window: disconnected.
	time.Sleep(300 * time.Millisecond)
	if s.registry.Get("pressboi").Connected {
		t.Fatal("USB device should have flipped")
	}
}

func TestLivenessIgnoresNeverSeenDevices(t *testing.T) {
	s := newLivenessService(t)

	// Connected with the zero last_rx sentinel: the sweep must leave it
	// alone (nothing was ever received to go stale).
	s.registry.Update("pressboi", func(st *device.State) {
		st.Connected = true
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.runLiveness(ctx, s.liveness)

	time.Sleep(200 * time.Millisecond)
	if !s.registry.Get("pressboi").Connected {
		t.Error("device with zero last_rx must not be flipped")
	}
}

func TestLivenessFreshDataPreventsFlip(t *testing.T) {
	s := newLivenessService(t)

	s.registry.Update("pressboi", func(st *device.State) {
		st.Connected = true
		st.LastRx = time.Now()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.runLiveness(ctx, s.liveness)

	// Keep refreshing under the timeout; the device must stay connected.
	for i := 0; i < 6; i++ {
		time.Sleep(50 * time.Millisecond)
		s.registry.Update("pressboi", func(st *device.State) {
			st.LastRx = time.Now()
		})
	}
	if !s.registry.Get("pressboi").Connected {
		t.Error("refreshed device must stay connected")
	}
}
