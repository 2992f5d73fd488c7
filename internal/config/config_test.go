package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 120*time.Second, cfg.OfflineThreshold)
	assert.Equal(t, 300*time.Second, cfg.CleanupInterval)
	assert.Equal(t, 180*time.Second, cfg.AgentTimeout)
	assert.Equal(t, "HEALTH_AWARE", cfg.DefaultRoutingStrategy)
	assert.Equal(t, 5, cfg.CircuitBreakerThreshold)
	assert.Equal(t, 60*time.Second, cfg.CircuitBreakerTimeout)
	assert.Equal(t, 3, cfg.MaxPhaseRetries)
	assert.Equal(t, 10, cfg.MaxTotalRetries)
	assert.Equal(t, 60*time.Second, cfg.PhaseTimeouts.Red)
	assert.Equal(t, 120*time.Second, cfg.PhaseTimeouts.Yellow)
	assert.Equal(t, 30*time.Second, cfg.PhaseTimeouts.Green)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().HTTPAddr, cfg.HTTPAddr)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: \":9090\"\ncircuit_breaker_threshold: 7\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 7, cfg.CircuitBreakerThreshold)
	// untouched keys keep their defaults
	assert.Equal(t, Default().AgentTimeout, cfg.AgentTimeout)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("ORCHESTRATOR_HTTP_ADDR", ":7070")
	t.Setenv("ORCHESTRATOR_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: [not closed"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
