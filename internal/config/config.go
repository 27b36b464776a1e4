// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Gateway (streaming)
	GatewayURL        string        `envconfig:"GATEWAY_URL" default:"ws://localhost:8080/ws/chat"`
	GatewayToken      string        `envconfig:"GATEWAY_TOKEN"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	HandshakeTimeout  time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s"`

	// Reconnection backoff
	ReconnectMaxAttempts int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBaseDelay   time.Duration `envconfig:"RECONNECT_BASE_DELAY" default:"3s"`
	ReconnectMaxDelay    time.Duration `envconfig:"RECONNECT_MAX_DELAY" default:"30s"`

	// History REST API
	HistoryBaseURL string `envconfig:"HISTORY_BASE_URL" default:"http://localhost:8080"`

	// Metrics endpoint (empty disables it)
	MetricsListenAddr string `envconfig:"METRICS_LISTEN_ADDR"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}
	if cfg.ReconnectMaxAttempts < 1 {
		return nil, fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be >= 1, got %d", cfg.ReconnectMaxAttempts)
	}
	return &cfg, nil
}
