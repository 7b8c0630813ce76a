// Package server exposes the gateway over REST and WebSocket.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bluerobotics/device-gateway/internal/gateway"
	"github.com/bluerobotics/device-gateway/internal/logging"
)

// Server is the client-facing HTTP surface: a thin translation of the
// registry and service operations plus the event push socket.
type Server struct {
	service *gateway.Service
	logger  *zap.Logger
	engine  *gin.Engine
	http    *http.Server
}

// New builds the router around a running gateway service.
func New(service *gateway.Service) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		service: service,
		logger:  logging.With(zap.String("component", "server")),
		engine:  engine,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	{
		api.GET("/devices", s.handleDevices)
		api.GET("/devices/:id", s.handleDevice)
		api.POST("/devices/:id/send", s.handleSend)
		api.POST("/devices/:id/use-network", s.handleUseNetwork)
		api.POST("/discovery", s.handleDiscovery)
		api.GET("/serial/ports", s.handleSerialPorts)
		api.GET("/serial/connections", s.handleSerialConnections)
		api.POST("/serial/connect", s.handleSerialConnect)
		api.POST("/serial/disconnect", s.handleSerialDisconnect)
		api.POST("/serial/detect", s.handleSerialDetect)
		api.GET("/device-paths", s.handleGetDevicePaths)
		api.PUT("/device-paths", s.handleSetDevicePaths)
		api.GET("/logs", s.handleLogs)
		api.DELETE("/logs", s.handleClearLogs)
		api.GET("/definitions", s.handleDefinitions)
		api.GET("/stats", s.handleStats)
	}
	s.engine.GET("/ws", s.handleWebSocket)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, listen string) error {
	s.http = &http.Server{
		Addr:              listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.logger.Info("HTTP server listening", zap.String("listen", listen))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleDevices(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Devices())
}

func (s *Server) handleDevice(c *gin.Context) {
	state := s.service.Device(c.Param("id"))
	if state == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
		return
	}
	c.JSON(http.StatusOK, state)
}

type sendRequest struct {
	Command string `json:"command" binding:"required"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := s.service.Send(c.Param("id"), req.Command); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, gateway.ErrUnknownDevice) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleUseNetwork(c *gin.Context) {
	if err := s.service.UseNetwork(c.Param("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gateway.ErrUnknownDevice) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDiscovery(c *gin.Context) {
	if err := s.service.TriggerDiscovery(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleSerialPorts(c *gin.Context) {
	ports, err := s.service.SerialPorts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ports == nil {
		ports = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"ports": ports})
}

func (s *Server) handleSerialConnections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"connections": s.service.SerialConnections()})
}

type serialConnectRequest struct {
	Port   string `json:"port" binding:"required"`
	Device string `json:"device" binding:"required"`
}

func (s *Server) handleSerialConnect(c *gin.Context) {
	var req serialConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := s.service.ConnectSerial(req.Port, req.Device); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gateway.ErrUnknownDevice) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type serialPortRequest struct {
	Port string `json:"port" binding:"required"`
}

func (s *Server) handleSerialDisconnect(c *gin.Context) {
	var req serialPortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := s.service.DisconnectSerial(req.Port); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleSerialDetect(c *gin.Context) {
	var req serialPortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	id, err := s.service.DetectSerial(req.Port)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if id == "" {
		c.JSON(http.StatusOK, gin.H{"device": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": id})
}

func (s *Server) handleGetDevicePaths(c *gin.Context) {
	paths, err := s.service.DevicePaths()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if paths == nil {
		paths = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"paths": paths})
}

type devicePathsRequest struct {
	Paths []string `json:"paths"`
}

func (s *Server) handleSetDevicePaths(c *gin.Context) {
	var req devicePathsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.service.SetDevicePaths(req.Paths); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.service.Logs()})
}

func (s *Server) handleClearLogs(c *gin.Context) {
	s.service.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDefinitions(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Definitions())
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Stats())
}
