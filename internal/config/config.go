// Package config handles Atelier configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./atelier.yaml, ~/.config/atelier/config.yaml, /etc/atelier/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"atelier.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "atelier", "config.yaml"))
	}

	paths = append(paths, "/etc/atelier/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Atelier configuration. It is loaded once at startup
// and injected into components; nothing reads it ambiently.
type Config struct {
	Listen     ListenConfig            `yaml:"listen"`
	Anthropic  AnthropicConfig         `yaml:"anthropic"`
	Turn       TurnConfig              `yaml:"turn"`
	Enrichment EnrichmentConfig        `yaml:"enrichment"`
	Workspace  WorkspaceConfig         `yaml:"workspace"`
	Pricing    map[string]PricingEntry `yaml:"pricing"`
	DataDir    string                  `yaml:"data_dir"`
	SourcesDir string                  `yaml:"sources_dir"`
	LogLevel   string                  `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// TurnConfig bounds the orchestration loop for one conversation turn.
type TurnConfig struct {
	// Model is the model identifier sent with every request.
	Model string `yaml:"model"`
	// MaxIterations caps model/tool round trips per turn (default 10).
	MaxIterations int `yaml:"max_iterations"`
	// CallTimeoutSec bounds each model call, in seconds (default 120).
	CallTimeoutSec int `yaml:"call_timeout_sec"`
	// ToolTimeoutSec bounds each tool execution, in seconds (default 60).
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
	// LeaseTTLSec is how long a turn lease is honored before it may be
	// reclaimed (default 300).
	LeaseTTLSec int `yaml:"lease_ttl_sec"`
	// MaxTokens is the per-response token budget (default 4096).
	MaxTokens int `yaml:"max_tokens"`
	// SystemPrompt overrides the built-in system prompt when set.
	SystemPrompt string `yaml:"system_prompt"`
}

// EnrichmentConfig tunes the background metadata tasks.
type EnrichmentConfig struct {
	// SignalsDelaySec is the delay before signal extraction runs (default 5).
	SignalsDelaySec int `yaml:"signals_delay_sec"`
	// TitleDelaySec is the delay before title derivation runs (default 30).
	TitleDelaySec int `yaml:"title_delay_sec"`
	// MinTurnsForTitle is the minimum user turns before titling (default 2).
	MinTurnsForTitle int `yaml:"min_turns_for_title"`
	// MaxConcurrent bounds simultaneous enrichment tasks (default 4).
	MaxConcurrent int `yaml:"max_concurrent"`
	// Model overrides Turn.Model for enrichment calls when set.
	Model string `yaml:"model"`
	// TimeoutSec bounds each enrichment model call, in seconds (default 60).
	TimeoutSec int `yaml:"timeout_sec"`
}

// WorkspaceConfig defines where tool-generated artifacts are written.
type WorkspaceConfig struct {
	// Path is the root directory for artifact files. All tool-created
	// files live under this directory; path escapes are rejected.
	Path string `yaml:"path"`
}

// PricingEntry defines USD cost per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Turn: TurnConfig{
			Model:          "claude-sonnet-4-20250514",
			MaxIterations:  10,
			CallTimeoutSec: 120,
			ToolTimeoutSec: 60,
			LeaseTTLSec:    300,
			MaxTokens:      4096,
		},
		Enrichment: EnrichmentConfig{
			SignalsDelaySec:  5,
			TitleDelaySec:    30,
			MinTurnsForTitle: 2,
			MaxConcurrent:    4,
			TimeoutSec:       60,
		},
		Pricing: map[string]PricingEntry{
			"claude-opus-4-20250514":   {InputPerMillion: 15.0, OutputPerMillion: 75.0},
			"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
			"claude-haiku-3-20240307":  {InputPerMillion: 0.25, OutputPerMillion: 1.25},
		},
		DataDir: "data",
	}
}

// CallTimeout returns CallTimeoutSec as a duration.
func (c TurnConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}

// ToolTimeout returns ToolTimeoutSec as a duration.
func (c TurnConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSec) * time.Second
}

// LeaseTTL returns LeaseTTLSec as a duration.
func (c TurnConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSec) * time.Second
}
