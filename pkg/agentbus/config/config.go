// Package config loads coordination-core settings and workflow definitions
// from YAML or JSON files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	buserrors "github.com/randalmurphal/agentbus/pkg/agentbus/errors"
	"github.com/randalmurphal/agentbus/pkg/agentbus/workflow"
)

// Config holds all tunables for the coordination core.
type Config struct {
	// Bus settings.
	Bus BusSettings `yaml:"bus" json:"bus"`

	// Retry is the adapter's transport retry policy.
	Retry RetrySettings `yaml:"retry" json:"retry"`

	// HITL defaults.
	HITL HITLSettings `yaml:"hitl" json:"hitl"`

	// Workflows are definitions available to the orchestrator.
	Workflows []workflow.Definition `yaml:"workflows,omitempty" json:"workflows,omitempty"`
}

// BusSettings configure the bus and its stores.
type BusSettings struct {
	// BufferSize is the per-subscription queue depth.
	BufferSize int `yaml:"buffer_size,omitempty" json:"buffer_size,omitempty"`

	// HistoryDir is the directory for per-agent history JSON files.
	// Empty selects the in-memory store.
	HistoryDir string `yaml:"history_dir,omitempty" json:"history_dir,omitempty"`

	// OutboxPath is the SQLite outbox file. Empty disables the outbox.
	OutboxPath string `yaml:"outbox_path,omitempty" json:"outbox_path,omitempty"`

	// MetricsWindow bounds the performance monitor's rolling window.
	// Zero retains everything.
	MetricsWindow time.Duration `yaml:"metrics_window,omitempty" json:"metrics_window,omitempty"`
}

// RetrySettings mirror errors.RetryConfig in file-friendly form.
type RetrySettings struct {
	MaxAttempts    int           `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty" json:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty" json:"max_backoff,omitempty"`
	BackoffFactor  float64       `yaml:"backoff_factor,omitempty" json:"backoff_factor,omitempty"`
	Jitter         float64       `yaml:"jitter,omitempty" json:"jitter,omitempty"`
}

// HITLSettings configure the decision manager.
type HITLSettings struct {
	// Tiers names the escalation chain.
	Tiers []string `yaml:"tiers,omitempty" json:"tiers,omitempty"`

	// TierTimeout is the deadline granted to each escalated tier.
	TierTimeout time.Duration `yaml:"tier_timeout,omitempty" json:"tier_timeout,omitempty"`

	// DefaultResolution applies when the chain is exhausted.
	DefaultResolution string `yaml:"default_resolution,omitempty" json:"default_resolution,omitempty"`
}

// Default returns the standard configuration.
func Default() Config {
	return Config{
		Bus: BusSettings{BufferSize: 256},
		Retry: RetrySettings{
			MaxAttempts:    buserrors.DefaultRetry.MaxAttempts,
			InitialBackoff: buserrors.DefaultRetry.InitialBackoff,
			MaxBackoff:     buserrors.DefaultRetry.MaxBackoff,
			BackoffFactor:  buserrors.DefaultRetry.BackoffFactor,
			Jitter:         buserrors.DefaultRetry.Jitter,
		},
		HITL: HITLSettings{
			Tiers:             []string{"default"},
			TierTimeout:       15 * time.Minute,
			DefaultResolution: "rejected",
		},
	}
}

// RetryConfig converts the file form to the runtime policy.
func (r RetrySettings) RetryConfig() buserrors.RetryConfig {
	cfg := buserrors.DefaultRetry
	if r.MaxAttempts > 0 {
		cfg.MaxAttempts = r.MaxAttempts
	}
	if r.InitialBackoff > 0 {
		cfg.InitialBackoff = r.InitialBackoff
	}
	if r.MaxBackoff > 0 {
		cfg.MaxBackoff = r.MaxBackoff
	}
	if r.BackoffFactor > 0 {
		cfg.BackoffFactor = r.BackoffFactor
	}
	if r.Jitter > 0 {
		cfg.Jitter = r.Jitter
	}
	return cfg
}

// FromFile loads configuration, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json. Missing fields keep defaults.
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data over the defaults.
func FromYAML(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, cfg.validate()
}

// FromJSON parses JSON data over the defaults.
func FromJSON(data []byte) (Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	for i := range c.Workflows {
		if err := c.Workflows[i].Validate(); err != nil {
			return fmt.Errorf("workflow %d: %w", i, err)
		}
	}
	return nil
}
