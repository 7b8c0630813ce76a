package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/bluerobotics/device-gateway/internal/device"
)

// Liveness timeouts. Serial devices get more slack because some firmwares
// pause telemetry during long operations.
const (
	livenessPeriod = 500 * time.Millisecond
	networkTimeout = 3 * time.Second
	usbTimeout     = 6 * time.Second
)

// livenessConfig is overridable so tests do not wait wall-clock seconds.
type livenessConfig struct {
	period         time.Duration
	networkTimeout time.Duration
	usbTimeout     time.Duration
}

func defaultLivenessConfig() livenessConfig {
	return livenessConfig{
		period:         livenessPeriod,
		networkTimeout: networkTimeout,
		usbTimeout:     usbTimeout,
	}
}

// runLiveness sweeps the registry and flips devices to disconnected once
// their transport's silence window has elapsed. A USB unplug is reported
// earlier by the listener itself; this sweep catches stale data on both
// wires and collapses them to the same observable.
func (s *Service) runLiveness(ctx context.Context, cfg livenessConfig) {
	ticker := time.NewTicker(cfg.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		for id, snap := range s.registry.List() {
			if !snap.Connected || snap.LastRx.IsZero() {
				continue
			}
			timeout := cfg.networkTimeout
			if snap.Transport == device.TransportUSB {
				timeout = cfg.usbTimeout
			}
			if now.Sub(snap.LastRx) <= timeout {
				continue
			}

			changes, updated, ok := s.registry.Update(id, func(st *device.State) {
				// Recheck under the lock; a frame may have landed since the
				// snapshot was taken.
				if !st.Connected || st.LastRx.IsZero() {
					return
				}
				if time.Since(st.LastRx) <= timeout {
					return
				}
				st.Connected = false
				st.IP = nil
			})
			if !ok || !changes.Connected {
				continue
			}

			s.logs.Add("SYSTEM", fmt.Sprintf("%s disconnected (no data for %s)", id, timeout))
			s.dispatcher.publishDeviceUpdate(updated)
		}
	}
}
