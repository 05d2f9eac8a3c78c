// Package config handles butlerd configuration loading.
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
// Then: ./config.yaml, ~/.config/butlerd/config.yaml, /etc/butlerd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "butlerd", "config.yaml"))
	}

	paths = append(paths, "/etc/butlerd/config.yaml")
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

// Config holds all butlerd configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Anthropic    AnthropicConfig    `yaml:"anthropic"`
	Conversation ConversationConfig `yaml:"conversation"`
	Retry        RetryConfig        `yaml:"retry"`
	Search       SearchConfig       `yaml:"search"`
	Webpage      WebpageConfig      `yaml:"webpage"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	DataDir      string             `yaml:"data_dir"`
	Language     string             `yaml:"language"`
	LogLevel     string             `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// AuthTokenHash is a bcrypt hash of the bearer token required on
	// /v1 endpoints. Empty disables authentication.
	AuthTokenHash string `yaml:"auth_token_hash"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"` // Default: https://api.anthropic.com
	Model       string  `yaml:"model"`
	VisionModel string  `yaml:"vision_model"` // Defaults to Model when empty
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// ConversationConfig bounds per-session history growth.
type ConversationConfig struct {
	// SeedPrompt is the assistant's standing instructions, installed as
	// the first entry of every new session log.
	SeedPrompt string `yaml:"seed_prompt"`
	// MaxTurns caps the number of log entries before compaction runs.
	MaxTurns int `yaml:"max_turns"`
	// MaxTokens caps the estimated token usage before compaction runs.
	MaxTokens int `yaml:"max_tokens"`
	// MaxAgeMinutes expires idle sessions. Zero disables expiry.
	MaxAgeMinutes int `yaml:"max_age_minutes"`
	// MaxToolDepth bounds consecutive tool rounds within one turn.
	MaxToolDepth int `yaml:"max_tool_depth"`
	// AnnotateCapabilities appends a "capabilities used" line to the
	// final answer text when any capability ran during the turn.
	AnnotateCapabilities bool `yaml:"annotate_capabilities"`
}

// RetryConfig governs retryable provider failures.
type RetryConfig struct {
	Attempts     int `yaml:"attempts"`      // Total attempts, default 3
	DelaySeconds int `yaml:"delay_seconds"` // Fixed pause between attempts
}

// Delay returns the configured fixed backoff as a duration.
func (r RetryConfig) Delay() time.Duration {
	return time.Duration(r.DelaySeconds) * time.Second
}

// SearchConfig defines the SearXNG backend for the web_search capability.
// An empty URL leaves the capability unregistered.
type SearchConfig struct {
	SearXNGURL string `yaml:"searxng_url"`
	MaxResults int    `yaml:"max_results"`
}

// WebpageConfig defines the web_fetch capability limits.
type WebpageConfig struct {
	Enabled  bool `yaml:"enabled"`
	MaxBytes int  `yaml:"max_bytes"` // Response body cap, default 2 MiB
}

// MQTTConfig defines the optional turn-event publisher.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"` // e.g. tcp://mqtt.lan:1883
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"` // Default: butlerd
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
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

// Default returns a configuration with the documented defaults filled in.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Anthropic: AnthropicConfig{
			BaseURL:     "https://api.anthropic.com",
			Model:       "claude-sonnet-4-20250514",
			MaxTokens:   1024,
			Temperature: 1.0,
		},
		Conversation: ConversationConfig{
			MaxTurns:     20,
			MaxTokens:    8192,
			MaxToolDepth: 3,
		},
		Retry: RetryConfig{
			Attempts:     3,
			DelaySeconds: 20,
		},
		Search:   SearchConfig{MaxResults: 5},
		Webpage:  WebpageConfig{MaxBytes: 2 << 20},
		MQTT:     MQTTConfig{TopicPrefix: "butlerd"},
		DataDir:  "data",
		Language: "en",
	}
}
