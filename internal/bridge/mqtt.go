// Package bridge republishes gateway events to an MQTT broker.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/bluerobotics/device-gateway/internal/config"
	"github.com/bluerobotics/device-gateway/internal/event"
	"github.com/bluerobotics/device-gateway/internal/gateway"
	"github.com/bluerobotics/device-gateway/internal/logging"
)

// MQTT forwards telemetry and status events to a broker so external
// tooling can consume device data without speaking the wire protocol.
// Publishes are best-effort: events arriving while the broker is away are
// dropped, matching the gateway's no-delivery-guarantee stance.
type MQTT struct {
	config  config.MQTTConfig
	service *gateway.Service
	client  mqtt.Client
	logger  *zap.Logger

	mu        sync.RWMutex
	connected bool
}

// New creates the republisher. Call Start to connect.
func New(cfg config.MQTTConfig, service *gateway.Service) *MQTT {
	return &MQTT{
		config:  cfg,
		service: service,
		logger:  logging.With(zap.String("component", "mqtt")),
	}
}

// Start connects to the broker and begins forwarding events until ctx is
// cancelled.
func (m *MQTT) Start(ctx context.Context) error {
	clientID := m.config.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("device-gateway-%d", time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(m.config.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(m.onConnectionLost).
		SetOnConnectHandler(m.onConnect)

	if m.config.Username != "" {
		opts.SetUsername(m.config.Username)
	}
	if m.config.Password != "" {
		opts.SetPassword(m.config.Password)
	}

	m.logger.Info("Connecting to MQTT broker", zap.String("broker", m.config.Broker))

	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to connect: %w", token.Error())
	}

	go m.forward(ctx)
	return nil
}

func (m *MQTT) onConnect(mqtt.Client) {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	m.logger.Info("MQTT connected")
}

func (m *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.logger.Warn("MQTT connection lost", zap.Error(err))
}

func (m *MQTT) isConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// forward pumps bus events into broker topics.
func (m *MQTT) forward(ctx context.Context) {
	sub := m.service.Subscribe()
	defer sub.Close()
	defer m.client.Disconnect(250)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			m.publish(e)
		}
	}
}

func (m *MQTT) publish(e event.Event) {
	if !m.isConnected() {
		return
	}

	var topic string
	switch e.Type {
	case event.TypeTelemetry:
		topic = fmt.Sprintf("%s/%s/telemetry", m.config.TopicPrefix, e.Device)
	case event.TypeStatusMessage, event.TypeRecovery:
		device := e.Device
		if device == "" {
			device = "_gateway"
		}
		topic = fmt.Sprintf("%s/%s/status", m.config.TopicPrefix, device)
	case event.TypeDeviceUpdate:
		topic = fmt.Sprintf("%s/%s/state", m.config.TopicPrefix, e.Device)
	default:
		return
	}

	payload, err := json.Marshal(e)
	if err != nil {
		m.logger.Error("Failed to encode event", zap.Error(err))
		return
	}

	token := m.client.Publish(topic, 0, false, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			m.logger.Debug("Publish failed",
				zap.String("topic", topic),
				zap.Error(token.Error()))
		}
	}()
}
