// Package config loads the daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// GatewayConfig configures the control-plane RPC client.
type GatewayConfig struct {
	URL                string  `yaml:"url"`
	Token              string  `yaml:"token"`
	CallTimeoutSeconds int     `yaml:"call_timeout_seconds"`
	RatePerSecond      float64 `yaml:"rate_per_second"`
}

// SubagentsConfig configures the run registry and announce engine.
type SubagentsConfig struct {
	// ArchiveAfterMinutes controls how long a kept run record survives
	// after announcing. Zero or negative means "never auto-archive".
	ArchiveAfterMinutes int `yaml:"archive_after_minutes"`

	// RunTimeoutSeconds is the default completion-wait timeout per run.
	RunTimeoutSeconds int `yaml:"run_timeout_seconds"`

	SettleTimeoutMs      int    `yaml:"settle_timeout_ms"`
	OutputPollMs         int    `yaml:"output_poll_ms"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
	QueueMode            string `yaml:"queue_mode"`
	QueueDebounceMs      int    `yaml:"queue_debounce_ms"`
}

// Config is the top-level daemon configuration.
type Config struct {
	DataDir      string          `yaml:"data_dir"`
	SessionsFile string          `yaml:"sessions_file"`
	Gateway      GatewayConfig   `yaml:"gateway"`
	Subagents    SubagentsConfig `yaml:"subagents"`
}

// Load reads and validates the YAML config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if cfg.Gateway.URL == "" {
		return nil, fmt.Errorf("config: gateway.url is required")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.DataDir = filepath.Join(home, ".subtrack")
	}
	if c.SessionsFile == "" {
		c.SessionsFile = filepath.Join(c.DataDir, "sessions.json")
	}
	if c.Gateway.CallTimeoutSeconds <= 0 {
		c.Gateway.CallTimeoutSeconds = 30
	}
	if c.Gateway.RatePerSecond <= 0 {
		c.Gateway.RatePerSecond = 20
	}
	if c.Subagents.RunTimeoutSeconds <= 0 {
		c.Subagents.RunTimeoutSeconds = 600
	}
	if c.Subagents.SettleTimeoutMs <= 0 {
		c.Subagents.SettleTimeoutMs = 120000
	}
	if c.Subagents.OutputPollMs <= 0 {
		c.Subagents.OutputPollMs = 1000
	}
	if c.Subagents.SweepIntervalSeconds <= 0 {
		c.Subagents.SweepIntervalSeconds = 60
	}
	if c.Subagents.QueueMode == "" {
		c.Subagents.QueueMode = "collect"
	}
	if c.Subagents.QueueDebounceMs <= 0 {
		c.Subagents.QueueDebounceMs = 1000
	}
}
