package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8080/ws/chat", cfg.GatewayURL)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5, cfg.ReconnectMaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("GATEWAY_URL", "wss://gateway.example.com/ws/chat")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "3")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.example.com/ws/chat", cfg.GatewayURL)
	assert.Equal(t, 3, cfg.ReconnectMaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
}

func TestLoad_RejectsZeroAttempts(t *testing.T) {
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "0")
	_, err := Load()
	assert.Error(t, err)
}
