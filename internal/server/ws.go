package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bluerobotics/device-gateway/internal/event"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon binds to localhost; the Electron shell sets no Origin we
	// could meaningfully verify.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and streams bus events to the
// client. Each client gets its own subscription, so a slow client only
// loses its own droppable events.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	sub := s.service.Subscribe()
	logger := s.logger.With(zap.String("client", conn.RemoteAddr().String()))
	logger.Info("WebSocket client connected")

	// Reader goroutine: we ignore client frames but need to observe close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			sub.Close()
			_ = conn.Close()
			logger.Info("WebSocket client disconnected")
		}()

		// Initial snapshot so the client renders without waiting for the
		// first change.
		snapshot := event.Event{
			Type:      event.TypeDevices,
			Data:      s.service.Devices(),
			Timestamp: time.Now(),
		}
		if !s.writeEvent(conn, snapshot) {
			return
		}

		for {
			select {
			case <-done:
				return
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				if !s.writeEvent(conn, e) {
					return
				}
			}
		}
	}()
}

func (s *Server) writeEvent(conn *websocket.Conn, e event.Event) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(e); err != nil {
		return false
	}
	return true
}
