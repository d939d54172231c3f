package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"launchdeck/internal/domain"
	"launchdeck/internal/queue"
)

const configName = "launchdeck.yml"

// Config models launchdeck.yml.
type Config struct {
	Workspace struct {
		ID string `yaml:"id"`
	} `yaml:"workspace"`
	Server struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Tracker struct {
		WebhookSecret   string `yaml:"webhook_secret"`
		SignatureHeader string `yaml:"signature_header"`
	} `yaml:"tracker"`
	Queues map[string]QueueConfig `yaml:"queues"`
	Jobs   struct {
		PruneHours               int `yaml:"prune_hours"`
		StuckTTLMinutes          int `yaml:"stuck_ttl_minutes"`
		VisibilityTimeoutMinutes int `yaml:"visibility_timeout_minutes"`
		PollIntervalMSec         int `yaml:"poll_interval_ms"`
	} `yaml:"jobs"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// QueueConfig tunes one named queue.
type QueueConfig struct {
	BackoffMSec int     `yaml:"backoff_ms"`
	MaxAttempts int     `yaml:"max_attempts"`
	Concurrency int     `yaml:"concurrency"`
	RatePerSec  float64 `yaml:"rate_per_sec"`
	StaggerMSec int     `yaml:"stagger_ms"`
}

// WebhookConfig is one outbound event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, configName)
}

// Default returns the shipped configuration.
func Default(workspaceID string) *Config {
	cfg := &Config{}
	cfg.Workspace.ID = workspaceID
	cfg.Tracker.SignatureHeader = "X-Tracker-Signature"
	cfg.Queues = map[string]QueueConfig{}
	for name, s := range queue.DefaultSettings() {
		cfg.Queues[name] = QueueConfig{
			BackoffMSec: int(s.BaseBackoff / time.Millisecond),
			MaxAttempts: s.MaxAttempts,
			Concurrency: s.Concurrency,
			RatePerSec:  s.RatePerSec,
			StaggerMSec: int(s.Stagger / time.Millisecond),
		}
	}
	cfg.Jobs.PruneHours = 24
	cfg.Jobs.StuckTTLMinutes = 30
	cfg.Jobs.VisibilityTimeoutMinutes = 10
	cfg.Jobs.PollIntervalMSec = 500
	return cfg
}

// Load reads config from the workspace, falling back to defaults when the
// file is absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default("default"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates raw config bytes, layered over defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("default")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	known := map[string]bool{
		domain.QueueScan: true, domain.QueueExecution: true,
		domain.QueueOrchestrator: true, domain.QueueChat: true,
	}
	for name, q := range c.Queues {
		if !known[name] {
			return fmt.Errorf("unknown queue %q in config", name)
		}
		if q.MaxAttempts < 1 {
			return fmt.Errorf("queue %s: max_attempts must be >= 1", name)
		}
		if q.Concurrency < 1 {
			return fmt.Errorf("queue %s: concurrency must be >= 1", name)
		}
		if q.RatePerSec <= 0 {
			return fmt.Errorf("queue %s: rate_per_sec must be > 0", name)
		}
		if q.BackoffMSec < 0 || q.StaggerMSec < 0 {
			return fmt.Errorf("queue %s: delays must not be negative", name)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d]: url is required", i)
		}
	}
	if c.Jobs.StuckTTLMinutes < 1 {
		return fmt.Errorf("config.jobs.stuck_ttl_minutes must be >= 1")
	}
	if c.Jobs.VisibilityTimeoutMinutes < 1 {
		return fmt.Errorf("config.jobs.visibility_timeout_minutes must be >= 1")
	}
	return nil
}

// QueueSettings converts the config into dispatcher settings.
func (c *Config) QueueSettings() map[string]queue.Settings {
	out := queue.DefaultSettings()
	for name, q := range c.Queues {
		out[name] = queue.Settings{
			BaseBackoff: time.Duration(q.BackoffMSec) * time.Millisecond,
			MaxAttempts: q.MaxAttempts,
			Concurrency: q.Concurrency,
			RatePerSec:  q.RatePerSec,
			Stagger:     time.Duration(q.StaggerMSec) * time.Millisecond,
		}
	}
	return out
}

// StuckTTL is how long a story may sit in_progress before reconciliation.
func (c *Config) StuckTTL() time.Duration {
	return time.Duration(c.Jobs.StuckTTLMinutes) * time.Minute
}

// VisibilityTimeout is how long a claimed job may sit running without
// progress before the maintenance loop requeues it.
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.Jobs.VisibilityTimeoutMinutes) * time.Minute
}

// PruneWindow is the retention (and dedup) window for terminal job rows.
func (c *Config) PruneWindow() time.Duration {
	return time.Duration(c.Jobs.PruneHours) * time.Hour
}

// PollInterval is the worker claim-loop interval.
func (c *Config) PollInterval() time.Duration {
	if c.Jobs.PollIntervalMSec <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Jobs.PollIntervalMSec) * time.Millisecond
}

// Write saves the config to the workspace.
func (c *Config) Write(workspace string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0o644)
}
