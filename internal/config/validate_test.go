package config

import (
	"strings"
	"testing"
)

func TestValidate_Default(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MissingVersion(t *testing.T) {
	cfg := Default()
	cfg.Version = ""
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "version field is required") {
		t.Errorf("err = %v", err)
	}
}

func TestValidate_UnsupportedVersion(t *testing.T) {
	cfg := Default()
	cfg.Version = "2"
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), `unsupported version "2"`) {
		t.Errorf("err = %v", err)
	}
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"backend", func(c *Config) { c.Manifest.Backend = "etcd" }, "manifest.backend"},
		{"sqlite path", func(c *Config) { c.Manifest.Backend = BackendSQLite; c.Manifest.SQLite.Path = "" }, "sqlite: path is required"},
		{"max distance", func(c *Config) { c.Decay.MaxDistance = -1 }, "decay.max_distance"},
		{"min delta", func(c *Config) { c.Compression.MinDeltaMessages = -3 }, "min_delta_messages"},
		{"min score", func(c *Config) { c.Composition.MinScore = 1.5 }, "min_score"},
		{"penalty", func(c *Config) { c.Composition.OverBudgetPenalty = -0.2 }, "over_budget_penalty"},
		{"chars per token", func(c *Config) { c.Tokens.CharsPerToken = -1 }, "chars_per_token"},
		{"provider", func(c *Config) { c.Summarizer.Provider = "openai" }, "summarizer provider"},
		{"bind", func(c *Config) { c.Gateway.Bind = "nowhere" }, "gateway.bind"},
		{"half basic auth", func(c *Config) { c.Gateway.Auth.BasicUser = "ops" }, "set together"},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 2 }, "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Version = ""
	cfg.Manifest.Backend = "etcd"
	cfg.Summarizer.Provider = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"version", "manifest.backend", "summarizer provider"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
