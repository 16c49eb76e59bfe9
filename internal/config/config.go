// Package config handles Agora configuration loading.
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
// Then: ./config.yaml, ~/.config/agora/config.yaml, /etc/agora/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agora", "config.yaml"))
	}

	paths = append(paths, "/etc/agora/config.yaml")
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

// Config holds all Agora configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Model        ModelConfig        `yaml:"model"`
	Backend      BackendConfig      `yaml:"backend"`
	Conversation ConversationConfig `yaml:"conversation"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelConfig defines the chat-completions upstream.
type ModelConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // e.g. https://api.openai.com/v1
	Name    string `yaml:"name"`     // model identifier sent upstream
	// MaxRounds bounds tool-execution rounds per request. Default 5.
	MaxRounds int `yaml:"max_rounds"`
	// TimeoutSec is the per-call upper bound for upstream requests. Default 60.
	TimeoutSec int `yaml:"timeout_sec"`
}

// BackendConfig defines the content backend connection.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	// ServiceToken authenticates Agora itself; the caller's user token
	// travels alongside it on every request.
	ServiceToken string `yaml:"service_token"`
}

// ConversationConfig defines transcript retention.
type ConversationConfig struct {
	// MaxMessages is the per-conversation context window. Default 40.
	MaxMessages int `yaml:"max_messages"`
	// IdleTTL evicts conversations untouched for this long. Default 24h.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// Timeout returns the upstream call bound as a duration.
func (m ModelConfig) Timeout() time.Duration {
	if m.TimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(m.TimeoutSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets can live outside the file.
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
		Model: ModelConfig{
			BaseURL:    "https://api.openai.com/v1",
			Name:       "gpt-4o-mini",
			MaxRounds:  5,
			TimeoutSec: 60,
		},
		Conversation: ConversationConfig{
			MaxMessages: 40,
			IdleTTL:     24 * time.Hour,
		},
		DataDir: "data",
	}
}
