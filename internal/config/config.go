package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models trackpilot.yml. Credentials (tracker API token, inference
// API key) are never stored here; they come from the environment.
type Config struct {
	Tracker struct {
		// Mode selects the tracker backend: "local" (embedded SQLite) or
		// "remote" (hosted tracker reached through an external client).
		Mode    string `yaml:"mode"`
		BaseURL string `yaml:"base_url"`
		Project string `yaml:"project"`
	} `yaml:"tracker"`
	Inference struct {
		Model          string `yaml:"model"`
		MaxTokens      int    `yaml:"max_tokens"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"inference"`
	Resolver struct {
		HistoryTurns int `yaml:"history_turns"`
	} `yaml:"resolver"`
	Dispatch struct {
		MaxReadAttempts int `yaml:"max_read_attempts"`
		BackoffMillis   int `yaml:"backoff_millis"`
		TimeoutSeconds  int `yaml:"timeout_seconds"`
	} `yaml:"dispatch"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty"`
}

// AnalyticsConfig holds the aggregation policy knobs.
type AnalyticsConfig struct {
	WindowDays         int      `yaml:"window_days"`
	TrendUpThreshold   float64  `yaml:"trend_up_threshold"`
	TrendDownThreshold float64  `yaml:"trend_down_threshold"`
	ResolvedStatuses   []string `yaml:"resolved_statuses"`
	ActiveStatuses     []string `yaml:"active_statuses"`
	PendingStatuses    []string `yaml:"pending_statuses"`
}

// WebhookConfig describes one outbound audit-event subscriber.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Tracker.Mode {
	case "local", "remote":
	default:
		return fmt.Errorf("tracker.mode must be 'local' or 'remote'")
	}
	if c.Tracker.Mode == "remote" && c.Tracker.BaseURL == "" {
		return fmt.Errorf("tracker.base_url is required for remote mode")
	}
	if c.Inference.Model == "" {
		return fmt.Errorf("inference.model is required")
	}
	if c.Inference.MaxTokens <= 0 {
		return fmt.Errorf("inference.max_tokens must be positive")
	}
	if c.Resolver.HistoryTurns < 0 {
		return fmt.Errorf("resolver.history_turns must not be negative")
	}
	if c.Dispatch.MaxReadAttempts < 1 {
		return fmt.Errorf("dispatch.max_read_attempts must be at least 1")
	}
	if c.Dispatch.BackoffMillis < 0 {
		return fmt.Errorf("dispatch.backoff_millis must not be negative")
	}
	if c.Analytics.WindowDays <= 0 {
		return fmt.Errorf("analytics.window_days must be positive")
	}
	if c.Analytics.TrendUpThreshold <= 0 || c.Analytics.TrendDownThreshold <= 0 {
		return fmt.Errorf("analytics trend thresholds must be positive")
	}
	if len(c.Analytics.ResolvedStatuses) == 0 {
		return fmt.Errorf("analytics.resolved_statuses must not be empty")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trackpilot.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `tracker:
  mode: local
  project: ""

inference:
  model: claude-3-5-haiku-latest
  max_tokens: 1024
  timeout_seconds: 30

resolver:
  history_turns: 10

dispatch:
  max_read_attempts: 3
  backoff_millis: 250
  timeout_seconds: 15

analytics:
  window_days: 180
  trend_up_threshold: 0.10
  trend_down_threshold: 0.10
  resolved_statuses: [Done, Closed, Resolved, Completed]
  active_statuses: [In Progress, Active, Development]
  pending_statuses: [To Do, Open, New, Backlog]
`
