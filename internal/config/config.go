// Package config loads and validates the drover configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Config is the drover daemon configuration.
type Config struct {
	// DataDir holds session records, state files, and counters.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// TemplateDir holds agent template definitions.
	TemplateDir string `json:"template_dir" mapstructure:"template_dir"`

	// ApprovalToken is the exact string a terminal operator must type to
	// approve a gated tool call. Matching is case sensitive.
	ApprovalToken string `json:"approval_token" mapstructure:"approval_token"`

	// Unattended disables the interactive approval gate; gated tool calls
	// are auto-rejected.
	Unattended bool `json:"unattended" mapstructure:"unattended"`

	// MaxTokens caps the model response per evaluation step.
	MaxTokens int `json:"max_tokens" mapstructure:"max_tokens"`

	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`
	AI        AIConfig        `json:"ai" mapstructure:"ai"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// TelemetryConfig selects the event sinks. Every field is optional;
// an empty config means events go nowhere.
type TelemetryConfig struct {
	LogFile      string `json:"log_file" mapstructure:"log_file"`
	SQLitePath   string `json:"sqlite_path" mapstructure:"sqlite_path"`
	WebSocketURL string `json:"websocket_url" mapstructure:"websocket_url"`
}

// AIConfig holds model provider credentials.
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile is one provider credential. When two profiles name the same
// provider the lower Priority wins.
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		ApprovalToken: "yes",
		MaxTokens:     4096,
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ApprovalToken) == "" {
		return fmt.Errorf("approval_token must not be blank")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}

	validProviders := map[string]bool{"anthropic": true, "openai": true}
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if !validProviders[profile.Provider] {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
	}

	if level := c.Logging.Level; level != "" {
		switch level {
		case "trace", "debug", "info", "warn", "error", "fatal":
		default:
			return fmt.Errorf("invalid logging level: %s", level)
		}
	}

	return nil
}

// ProfileFor returns the winning credential for the named provider.
func (c *Config) ProfileFor(provider string) (*AIProfile, error) {
	var best *AIProfile
	for i := range c.AI.Profiles {
		p := &c.AI.Profiles[i]
		if p.Provider != provider {
			continue
		}
		if best == nil || p.Priority < best.Priority {
			best = p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no credentials configured for provider %s", provider)
	}
	return best, nil
}
