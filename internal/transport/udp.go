// Package transport implements the UDP and serial wire transports.
package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bluerobotics/device-gateway/internal/logging"
)

// DefaultUDPListenAddr is the discovery/telemetry socket address.
const DefaultUDPListenAddr = "0.0.0.0:6272"

// DiscoveryMessage is broadcast on every discovery tick.
const DiscoveryMessage = "DISCOVER_DEVICE PORT=6272"

// ErrDisabled is returned by sends when the UDP socket never bound.
var ErrDisabled = errors.New("udp transport disabled")

const udpReadTimeout = 100 * time.Millisecond

// broadcastTargets receive the discovery message: the LAN broadcast
// address plus local ports for simulators.
var broadcastTargets = []string{
	"192.168.1.255:8888",
	"127.0.0.1:8888",
	"127.0.0.1:8889",
	"127.0.0.1:8890",
	"127.0.0.1:8891",
}

// UDPHandler receives each decoded datagram line with its source address.
type UDPHandler func(src *net.UDPAddr, line string)

// UDP owns the single datagram socket used for discovery, telemetry
// reception and command sends. A failed bind leaves the transport
// permanently disabled; the serial side of the gateway keeps working.
type UDP struct {
	handler UDPHandler
	logger  *zap.Logger

	conn   *net.UDPConn
	sendMu sync.Mutex // serializes broadcast and point-to-point sends
}

// NewUDP binds the listen socket with broadcast enabled. On bind failure
// (typically EADDRINUSE) it logs one warning and returns a disabled
// transport rather than an error.
func NewUDP(ctx context.Context, listen string, handler UDPHandler) *UDP {
	u := &UDP{
		handler: handler,
		logger:  logging.With(zap.String("transport", "udp")),
	}

	lc := net.ListenConfig{Control: enableBroadcast}
	pc, err := lc.ListenPacket(ctx, "udp4", listen)
	if err != nil {
		u.logger.Warn("UDP bind failed, network transport disabled",
			zap.String("listen", listen),
			zap.Error(err))
		return u
	}

	u.conn = pc.(*net.UDPConn)
	u.logger.Info("UDP transport bound", zap.String("listen", listen))
	return u
}

// Disabled reports whether the socket failed to bind.
func (u *UDP) Disabled() bool {
	return u.conn == nil
}

// LocalAddr returns the bound address, or nil when disabled.
func (u *UDP) LocalAddr() *net.UDPAddr {
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr().(*net.UDPAddr)
}

// Run reads datagrams until ctx is cancelled. Each datagram is decoded as
// UTF-8 with replacement, trimmed and handed to the handler. Transient
// ICMP-class errors are ignored and reading continues.
func (u *UDP) Run(ctx context.Context) {
	if u.conn == nil {
		return
	}

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = u.conn.SetReadDeadline(time.Now().Add(udpReadTimeout))
		n, src, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) || isTransient(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.logger.Debug("UDP read error", zap.Error(err))
			continue
		}

		line := strings.TrimSpace(strings.ToValidUTF8(string(buf[:n]), "�"))
		if line == "" {
			continue
		}
		u.handler(src, line)
	}
}

// Broadcast sends the discovery message to every broadcast target.
// Individual send failures are swallowed.
func (u *UDP) Broadcast() {
	if u.conn == nil {
		return
	}

	u.sendMu.Lock()
	defer u.sendMu.Unlock()

	for _, target := range broadcastTargets {
		addr, err := net.ResolveUDPAddr("udp4", target)
		if err != nil {
			continue
		}
		if _, err := u.conn.WriteToUDP([]byte(DiscoveryMessage), addr); err != nil {
			u.logger.Debug("Discovery send failed",
				zap.String("target", target),
				zap.Error(err))
		}
	}
}

// Send writes payload to ip:port. Fails with ErrDisabled when the socket
// never bound; other I/O errors surface to the caller.
func (u *UDP) Send(ip net.IP, port uint16, payload []byte) error {
	if u.conn == nil {
		return ErrDisabled
	}

	u.sendMu.Lock()
	defer u.sendMu.Unlock()

	addr := &net.UDPAddr{IP: ip, Port: int(port)}
	if _, err := u.conn.WriteToUDP(payload, addr); err != nil {
		return err
	}
	return nil
}

// Close releases the socket.
func (u *UDP) Close() {
	if u.conn != nil {
		_ = u.conn.Close()
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isTransient matches the ICMP-unreachable class of receive errors that a
// connected peer going away produces on some platforms.
func isTransient(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}
