// Package config handles YAML configuration loading, environment variable
// expansion, defaults, and validation for strata.
package config

import (
	"time"

	"github.com/flemzord/strata/internal/gateway"
	"github.com/flemzord/strata/internal/telemetry"
	"github.com/flemzord/strata/modules/manifest/sqlite"
	"github.com/flemzord/strata/modules/summarizer/anthropic"
)

// Manifest backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ProviderAnthropic is the only summarizer provider.
const ProviderAnthropic = "anthropic"

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	// DataDir holds manifests, linked copies, and artifacts.
	DataDir string `yaml:"data_dir"`

	Log         LogConfig         `yaml:"log"`
	Manifest    ManifestConfig    `yaml:"manifest"`
	Decay       DecayConfig       `yaml:"decay"`
	Compression CompressionConfig `yaml:"compression"`
	Composition CompositionConfig `yaml:"composition"`
	Tokens      TokensConfig      `yaml:"tokens"`
	Summarizer  SummarizerConfig  `yaml:"summarizer"`
	Gateway     gateway.Config    `yaml:"gateway"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ManifestConfig selects the manifest backend.
type ManifestConfig struct {
	Backend string        `yaml:"backend"`
	SQLite  sqlite.Config `yaml:"sqlite"`
}

// DecayConfig tunes the keep-marker decay model.
type DecayConfig struct {
	MaxDistance int `yaml:"max_distance"`
}

// CompressionConfig tunes the orchestrator.
type CompressionConfig struct {
	MinDeltaMessages int `yaml:"min_delta_messages"`
}

// CompositionConfig tunes version scoring.
type CompositionConfig struct {
	MinScore          float64 `yaml:"min_score"`
	OverBudgetPenalty float64 `yaml:"over_budget_penalty"`
}

// TokensConfig tunes the token estimator.
type TokensConfig struct {
	CharsPerToken float64 `yaml:"chars_per_token"`
}

// SummarizerConfig selects and configures the summarizer.
type SummarizerConfig struct {
	Provider         string `yaml:"provider"`
	anthropic.Config `yaml:",inline"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{Version: "1"}
	cfg.defaults()
	return cfg
}

// defaults fills zero values.
func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = "./.strata"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Manifest.Backend == "" {
		c.Manifest.Backend = BackendFile
	}
	c.Manifest.SQLite.Defaults(c.DataDir)
	if c.Decay.MaxDistance == 0 {
		c.Decay.MaxDistance = 10
	}
	if c.Compression.MinDeltaMessages == 0 {
		c.Compression.MinDeltaMessages = 2
	}
	if c.Composition.MinScore == 0 {
		c.Composition.MinScore = 0.5
	}
	if c.Composition.OverBudgetPenalty == 0 {
		c.Composition.OverBudgetPenalty = 0.1
	}
	if c.Tokens.CharsPerToken == 0 {
		c.Tokens.CharsPerToken = 4
	}
	if c.Summarizer.Provider == "" {
		c.Summarizer.Provider = ProviderAnthropic
	}
	if c.Summarizer.APIKeyEnv == "" {
		c.Summarizer.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.Summarizer.Model == "" {
		c.Summarizer.Model = anthropic.DefaultModel
	}
	if c.Summarizer.Timeout == 0 {
		c.Summarizer.Timeout = 2 * time.Minute
	}
	c.Gateway.Defaults()
}
