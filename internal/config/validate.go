package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// Validate checks the structural validity of a Config and returns every
// problem found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	if cfg.DataDir == "" {
		errs = append(errs, errors.New("config: data_dir is required"))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("config: log.level: %w", err))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: log.format must be text or json, got %q", cfg.Log.Format))
	}

	switch cfg.Manifest.Backend {
	case BackendFile:
	case BackendSQLite:
		if err := cfg.Manifest.SQLite.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("config: manifest.%w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("config: manifest.backend must be %s or %s, got %q", BackendFile, BackendSQLite, cfg.Manifest.Backend))
	}

	if cfg.Decay.MaxDistance < 1 {
		errs = append(errs, fmt.Errorf("config: decay.max_distance must be positive, got %d", cfg.Decay.MaxDistance))
	}
	if cfg.Compression.MinDeltaMessages < 1 {
		errs = append(errs, fmt.Errorf("config: compression.min_delta_messages must be positive, got %d", cfg.Compression.MinDeltaMessages))
	}
	if s := cfg.Composition.MinScore; s <= 0 || s > 1 {
		errs = append(errs, fmt.Errorf("config: composition.min_score must be in (0,1], got %v", s))
	}
	if p := cfg.Composition.OverBudgetPenalty; p <= 0 || p > 1 {
		errs = append(errs, fmt.Errorf("config: composition.over_budget_penalty must be in (0,1], got %v", p))
	}
	if cfg.Tokens.CharsPerToken <= 0 {
		errs = append(errs, fmt.Errorf("config: tokens.chars_per_token must be positive, got %v", cfg.Tokens.CharsPerToken))
	}

	if cfg.Summarizer.Provider != ProviderAnthropic {
		errs = append(errs, fmt.Errorf("config: unknown summarizer provider %q", cfg.Summarizer.Provider))
	}
	if cfg.Summarizer.Timeout < 0 || cfg.Summarizer.MaxTokens < 0 {
		errs = append(errs, errors.New("config: summarizer timeout and max_tokens must not be negative"))
	}

	if _, err := net.ResolveTCPAddr("tcp", cfg.Gateway.Bind); err != nil {
		errs = append(errs, fmt.Errorf("config: gateway.bind %q: %w", cfg.Gateway.Bind, err))
	}
	if a := cfg.Gateway.Auth; (a.BasicUser == "") != (a.BasicPass == "") {
		errs = append(errs, errors.New("config: gateway.auth basic_user and basic_pass must be set together"))
	}

	if r := cfg.Telemetry.SampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("config: telemetry.sample_rate must be in [0,1], got %v", r))
	}

	return errors.Join(errs...)
}
