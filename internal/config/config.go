// Package config provides configuration types and loading for the gateway.
package config

import "time"

// Config represents the complete application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	UDP         UDPConfig         `mapstructure:"udp"`
	Serial      SerialConfig      `mapstructure:"serial"`
	Definitions DefinitionsConfig `mapstructure:"definitions"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig defines the REST/WebSocket listen address.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// UDPConfig defines the discovery/telemetry socket settings.
type UDPConfig struct {
	Listen            string        `mapstructure:"listen"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
}

// SerialConfig defines serial port settings.
type SerialConfig struct {
	Baud int `mapstructure:"baud"`
}

// DefinitionsConfig defines where device definitions are loaded from.
type DefinitionsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// MQTTConfig defines the optional telemetry republisher.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: "127.0.0.1:8899",
		},
		UDP: UDPConfig{
			Listen:            "0.0.0.0:6272",
			DiscoveryInterval: 2 * time.Second,
		},
		Serial: SerialConfig{
			Baud: 9600,
		},
		Definitions: DefinitionsConfig{
			Dir:   "./definitions",
			Watch: true,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Broker:      "tcp://localhost:1883",
			TopicPrefix: "gateway",
			ClientID:    "device-gateway",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
