// Package config loads and defaults the orchestrator's configuration
// (spec §6's "Configuration (recognized options)" table).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable recognized by the core.
type Config struct {
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	HealthCheckInterval    time.Duration `yaml:"health_check_interval"`
	OfflineThreshold       time.Duration `yaml:"offline_threshold"`
	DiscoveryInterval      time.Duration `yaml:"discovery_interval"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval"`
	AgentTimeout           time.Duration `yaml:"agent_timeout"`
	DefaultRoutingStrategy string        `yaml:"default_routing_strategy"`
	CircuitBreakerThreshold int          `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout  time.Duration `yaml:"circuit_breaker_timeout"`
	MaxPhaseRetries        int           `yaml:"max_phase_retries"`
	MaxTotalRetries        int           `yaml:"max_total_retries"`
	MaxStagnationRetries   int           `yaml:"max_stagnation_retries"`
	PhaseTimeouts          PhaseTimeouts `yaml:"phase_timeouts"`
	TaskTimeout            time.Duration `yaml:"task_timeout"`

	StorePath string      `yaml:"store_path"`
	HTTPAddr  string      `yaml:"http_addr"`
	Logging   LoggingConfig `yaml:"logging"`
}

// PhaseTimeouts are the per-phase wall-clock budgets (spec §6).
type PhaseTimeouts struct {
	Red    time.Duration `yaml:"red"`
	Yellow time.Duration `yaml:"yellow"`
	Green  time.Duration `yaml:"green"`
}

// LoggingConfig controls the zap logger built at startup.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSONFormat bool   `yaml:"json_format"`
}

// Default returns the spec §6 defaults.
func Default() *Config {
	return &Config{
		HeartbeatInterval:       30 * time.Second,
		HealthCheckInterval:     60 * time.Second,
		OfflineThreshold:        120 * time.Second,
		DiscoveryInterval:       30 * time.Second,
		CleanupInterval:         300 * time.Second,
		AgentTimeout:            180 * time.Second,
		DefaultRoutingStrategy:  "HEALTH_AWARE",
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   60 * time.Second,
		MaxPhaseRetries:         3,
		MaxTotalRetries:         10,
		MaxStagnationRetries:    2,
		TaskTimeout:             300 * time.Second,
		PhaseTimeouts: PhaseTimeouts{
			Red:    60 * time.Second,
			Yellow: 120 * time.Second,
			Green:  30 * time.Second,
		},
		StorePath: "data/orchestrator.db",
		HTTPAddr:  ":8080",
		Logging: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
		},
	}
}

// Load reads a YAML file at path and overlays it on Default(), then
// applies environment overrides. A missing file is not an error: the
// defaults stand on their own.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// defaults stand on their own
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays the handful of values operators tune most often
// without editing the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("ORCHESTRATOR_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("ORCHESTRATOR_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("ORCHESTRATOR_ROUTING_STRATEGY"); v != "" {
		c.DefaultRoutingStrategy = v
	}
	if v := os.Getenv("ORCHESTRATOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
