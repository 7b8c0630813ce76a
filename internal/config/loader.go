package config

import (
	"fmt"
	"net"

	"github.com/spf13/viper"
)

// Load reads the configuration from viper and returns a Config struct
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if v := viper.GetString("server.listen"); v != "" {
		cfg.Server.Listen = v
	}

	if v := viper.GetString("udp.listen"); v != "" {
		cfg.UDP.Listen = v
	}
	if v := viper.GetDuration("udp.discovery_interval"); v > 0 {
		cfg.UDP.DiscoveryInterval = v
	}

	if v := viper.GetInt("serial.baud"); v > 0 {
		cfg.Serial.Baud = v
	}

	if v := viper.GetString("definitions.dir"); v != "" {
		cfg.Definitions.Dir = v
	}
	if viper.IsSet("definitions.watch") {
		cfg.Definitions.Watch = viper.GetBool("definitions.watch")
	}

	cfg.MQTT.Enabled = viper.GetBool("mqtt.enabled")
	if v := viper.GetString("mqtt.broker"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := viper.GetString("mqtt.topic_prefix"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := viper.GetString("mqtt.client_id"); v != "" {
		cfg.MQTT.ClientID = v
	}
	cfg.MQTT.Username = viper.GetString("mqtt.username")
	cfg.MQTT.Password = viper.GetString("mqtt.password")

	if v := viper.GetString("logging.level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := viper.GetString("logging.format"); v != "" {
		cfg.Logging.Format = v
	}

	return cfg, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("invalid server.listen %q: %w", c.Server.Listen, err)
	}
	if _, _, err := net.SplitHostPort(c.UDP.Listen); err != nil {
		return fmt.Errorf("invalid udp.listen %q: %w", c.UDP.Listen, err)
	}
	if c.UDP.DiscoveryInterval <= 0 {
		return fmt.Errorf("udp.discovery_interval must be positive")
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	return nil
}
