package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models smolclaw.yml.
type Config struct {
	Agent struct {
		Name               string `yaml:"name"`
		Persona            string `yaml:"persona"`
		CheckInterval      string `yaml:"check_interval"`
		FallbackInterval   string `yaml:"fallback_interval"`
		MaxCallsPerSession int    `yaml:"max_calls_per_session"`
	} `yaml:"agent"`
	Reasoner struct {
		URL    string `yaml:"url"`
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"reasoner"`
	Usage struct {
		PerMinute           int    `yaml:"per_minute"`
		PerHour             int    `yaml:"per_hour"`
		PerDay              int    `yaml:"per_day"`
		Cooldown            string `yaml:"cooldown"`
		WarningThresholdPct int    `yaml:"warning_threshold_pct"`
	} `yaml:"usage"`
	Memory struct {
		MaxDecisions       int     `yaml:"max_decisions"`
		MaxViolations      int     `yaml:"max_violations"`
		DuplicateWindow    string  `yaml:"duplicate_window"`
		DuplicateThreshold float64 `yaml:"duplicate_threshold"`
	} `yaml:"memory"`
	Hormones struct {
		Baseline  float64 `yaml:"baseline"`
		DecayRate float64 `yaml:"decay_rate"`
	} `yaml:"hormones"`
	Routing struct {
		RequireManualApproval bool     `yaml:"require_manual_approval"`
		TeamChannelID         string   `yaml:"team_channel_id"`
		OwnChannelID          string   `yaml:"own_channel_id"`
		MaxActionsPerMessage  int      `yaml:"max_actions_per_message"`
		WatchPaths            []string `yaml:"watch_paths"`
	} `yaml:"routing"`
	Platforms struct {
		TextLimits map[string]int `yaml:"text_limits"`
		WebhookURL string         `yaml:"webhook_url"`
		BridgeURL  string         `yaml:"bridge_url"`
		SearchURL  string         `yaml:"search_url"`
		SearchKey  string         `yaml:"search_key"`
	} `yaml:"platforms"`
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with sc config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Agent.Name == "" {
		return fmt.Errorf("config.agent.name is required")
	}
	if _, err := c.CheckInterval(); err != nil {
		return fmt.Errorf("config.agent.check_interval: %w", err)
	}
	if _, err := c.FallbackInterval(); err != nil {
		return fmt.Errorf("config.agent.fallback_interval: %w", err)
	}
	if c.Agent.MaxCallsPerSession <= 0 {
		return fmt.Errorf("config.agent.max_calls_per_session must be positive")
	}
	if c.Usage.PerMinute <= 0 || c.Usage.PerHour <= 0 || c.Usage.PerDay <= 0 {
		return fmt.Errorf("config.usage ceilings must be positive")
	}
	if c.Usage.PerMinute > c.Usage.PerHour || c.Usage.PerHour > c.Usage.PerDay {
		return fmt.Errorf("config.usage ceilings must be non-decreasing minute<=hour<=day")
	}
	if _, err := c.Cooldown(); err != nil {
		return fmt.Errorf("config.usage.cooldown: %w", err)
	}
	if c.Usage.WarningThresholdPct < 0 || c.Usage.WarningThresholdPct > 100 {
		return fmt.Errorf("config.usage.warning_threshold_pct must be in [0,100]")
	}
	if c.Memory.MaxDecisions <= 0 {
		return fmt.Errorf("config.memory.max_decisions must be positive")
	}
	if c.Memory.DuplicateThreshold <= 0 || c.Memory.DuplicateThreshold > 1 {
		return fmt.Errorf("config.memory.duplicate_threshold must be in (0,1]")
	}
	if _, err := c.DuplicateWindow(); err != nil {
		return fmt.Errorf("config.memory.duplicate_window: %w", err)
	}
	if c.Hormones.Baseline < 0 || c.Hormones.Baseline > 1 {
		return fmt.Errorf("config.hormones.baseline must be in [0,1]")
	}
	if c.Hormones.DecayRate < 0 || c.Hormones.DecayRate > 1 {
		return fmt.Errorf("config.hormones.decay_rate must be in [0,1]")
	}
	if c.Routing.MaxActionsPerMessage <= 0 {
		return fmt.Errorf("config.routing.max_actions_per_message must be positive")
	}
	for platform, limit := range c.Platforms.TextLimits {
		if limit <= 0 {
			return fmt.Errorf("config.platforms.text_limits.%s must be positive", platform)
		}
	}
	return nil
}

// CheckInterval parses the regular tick interval.
func (c *Config) CheckInterval() (time.Duration, error) {
	return time.ParseDuration(c.Agent.CheckInterval)
}

// FallbackInterval parses the maximum idle interval before a synthetic timer event.
func (c *Config) FallbackInterval() (time.Duration, error) {
	return time.ParseDuration(c.Agent.FallbackInterval)
}

// Cooldown parses the minimum spacing between admitted calls.
func (c *Config) Cooldown() (time.Duration, error) {
	return time.ParseDuration(c.Usage.Cooldown)
}

// DuplicateWindow parses the lookback window for duplicate suppression.
func (c *Config) DuplicateWindow() (time.Duration, error) {
	return time.ParseDuration(c.Memory.DuplicateWindow)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "smolclaw.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(agentName string) string {
	return fmt.Sprintf(defaultTemplate, agentName)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an agent.
func Default(agentName string) *Config {
	var cfg Config
	cfg.Agent.Name = agentName
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, agentName))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `agent:
  name: %s
  persona: ""
  check_interval: 30m
  fallback_interval: 2h
  max_calls_per_session: 50

reasoner:
  url: ""
  api_key: ""
  model: ""

usage:
  per_minute: 5
  per_hour: 20
  per_day: 500
  cooldown: 5s
  warning_threshold_pct: 80

memory:
  max_decisions: 100
  max_violations: 100
  duplicate_window: 24h
  duplicate_threshold: 0.85

hormones:
  baseline: 0.5
  decay_rate: 0.05

routing:
  require_manual_approval: true
  team_channel_id: ""
  own_channel_id: ""
  max_actions_per_message: 2
  watch_paths: []

platforms:
  text_limits:
    x: 280
    threads: 500
    linkedin: 3000
    instagram: 2200
  webhook_url: ""
  bridge_url: ""
  search_url: ""
  search_key: ""

server:
  addr: 127.0.0.1:8787
  base_path: /v0
  jwt_secret: ""
  allow_legacy_actor_header: true
`
