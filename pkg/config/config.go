// Package config loads the server's YAML configuration, grounded on
// pkg/simpleruntime/config.go's nested-struct-with-WithDefaults() pattern:
// optional sub-configs are pointers, defaulted lazily by a WithDefaults
// method rather than struct tags, and api keys/database paths stay at the
// provider/storage level they configure rather than being hoisted to a flat
// namespace.
package config

import (
	"fmt"
	"os"

	"go.mau.fi/util/ptr"
	"gopkg.in/yaml.v3"
)

// Config is the root of the server's configuration file.
type Config struct {
	Listen        ListenConfig         `yaml:"listen"`
	Database      DatabaseConfig       `yaml:"database"`
	Providers     ProvidersConfig      `yaml:"providers"`
	Pricing       []PriceEntryConfig   `yaml:"pricing"`
	CLIModePrompt *CLIModePromptConfig `yaml:"cli_mode_prompt"`
	Heartbeat     *HeartbeatConfig     `yaml:"heartbeat"`
	Logging       LoggingConfig        `yaml:"logging"`
}

// ListenConfig is the HTTP listen address for the WebSocket endpoint.
type ListenConfig struct {
	Address string `yaml:"address"`
}

// DatabaseConfig points at the SQLite file backing pkg/store/sqlitestore.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ProviderConfig holds one ModelClient's credential and endpoint override.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ProvidersConfig holds per-provider credentials for pkg/modelclient.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
}

// PriceEntryConfig overrides or adds one model's price and capability
// metadata, seeding both pkg/pricing.StaticTable and the static
// promptcompose.ModelCapabilities catalog pkg/bootstrap builds from it.
type PriceEntryConfig struct {
	Model                   string  `yaml:"model"`
	Provider                string  `yaml:"provider"`
	Currency                string  `yaml:"currency"`
	InputPerMillion         float64 `yaml:"input_per_million"`
	OutputPerMillion        float64 `yaml:"output_per_million"`
	SupportsPrefill         bool    `yaml:"supports_prefill"`
	RequiresAgeVerification bool    `yaml:"requires_age_verification"`
}

// CLIModePromptConfig holds the CLI-simulation prefix settings (spec §4.5):
// Enabled gates whether the prefix is composed at all, and the prefix
// applies only while the message count is below MessageThreshold.
// bootstrap.Build does not pass this value on; pkg/generation composes
// prompts with promptcompose.DefaultCLIModePromptConfig().
type CLIModePromptConfig struct {
	Enabled           *bool `yaml:"enabled"`
	MessageThreshold  int   `yaml:"message_threshold"`
}

// WithDefaults fills CLIModePromptConfig's zero fields, matching the
// teacher's ToolApprovalsRuntimeConfig.WithDefaults nil-receiver idiom.
func (c *CLIModePromptConfig) WithDefaults() *CLIModePromptConfig {
	if c == nil {
		c = &CLIModePromptConfig{}
	}
	if c.Enabled == nil {
		c.Enabled = ptr.Ptr(true)
	}
	if c.MessageThreshold <= 0 {
		c.MessageThreshold = 10
	}
	return c
}

// HeartbeatConfig controls pkg/session.Registry.Heartbeat's cron schedule.
type HeartbeatConfig struct {
	Schedule string `yaml:"schedule"`
}

// WithDefaults fills HeartbeatConfig's zero fields.
func (c *HeartbeatConfig) WithDefaults() *HeartbeatConfig {
	if c == nil {
		c = &HeartbeatConfig{}
	}
	if c.Schedule == "" {
		c.Schedule = "@every 30s"
	}
	return c
}

// LoggingConfig controls pkg/bootstrap's root zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// WithDefaults fills the root Config's optional pointer sub-configs and
// Listen/Database/Logging defaults: listen address ":8080", database path
// "branchroom.db", log level "info". Slices and required provider
// credentials are left to the operator.
func (c *Config) WithDefaults() *Config {
	c.CLIModePrompt = c.CLIModePrompt.WithDefaults()
	c.Heartbeat = c.Heartbeat.WithDefaults()
	if c.Listen.Address == "" {
		c.Listen.Address = ":8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "branchroom.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return c
}

// Load reads and parses the YAML configuration file at path, applying
// WithDefaults to the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg.WithDefaults(), nil
}
