package anthropic

import "time"

// DefaultModel is used when neither the config nor the request names one.
const DefaultModel = "claude-sonnet-4-5-20250929"

// defaultTimeout bounds one tier's API call. Summaries of long chunks can
// take minutes.
const defaultTimeout = 2 * time.Minute

// Config holds the YAML-decoded configuration for the Anthropic summarizer.
type Config struct {
	APIKey    string        `yaml:"api_key"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// defaults fills in zero-value fields.
func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.APIKeyEnv == "" {
		c.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
}
