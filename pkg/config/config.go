package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AgentConfig is the static configuration loaded at startup from the
// agent's YAML config file. Dynamic settings (the keys the API and the
// sync engine read at runtime) are seeded from it into the Settings
// store and may change afterwards.
type AgentConfig struct {
	// UUID is this device's identity with the orchestrator.
	UUID string `yaml:"uuid" validate:"required"`

	// APIEndpoint is the base URL of the orchestrator API.
	APIEndpoint string `yaml:"apiEndpoint" validate:"required,url"`

	// APIKey authenticates requests against the orchestrator.
	APIKey string `yaml:"apiKey" validate:"required"`

	// APITimeoutMs bounds each remote request.
	APITimeoutMs int `yaml:"apiTimeout" validate:"min=1"`

	// PollIntervalMs is the nominal target-state poll interval.
	PollIntervalMs int `yaml:"appUpdatePollInterval" validate:"min=1000"`

	// InstantUpdates controls whether the very first poll cycle
	// fetches immediately.
	InstantUpdates bool `yaml:"instantUpdates"`

	// ListenAddr is the local HTTP surface bind address.
	ListenAddr string `yaml:"listenAddr"`

	// DataDir holds the bbolt database.
	DataDir string `yaml:"dataDir" validate:"required"`

	// AssetsDir holds dependent-app asset tarballs.
	AssetsDir string `yaml:"assetsDir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`

	// JSONLog switches console output to JSON lines.
	JSONLog bool `yaml:"jsonLog"`
}

// Defaults applied before validation.
const (
	DefaultAPITimeoutMs   = 15000
	DefaultPollIntervalMs = 60000
	DefaultListenAddr     = ":48484"
	DefaultAssetsDir      = "/data/dependent-assets"
)

// Load reads, defaults and validates an agent config file.
func Load(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &AgentConfig{
		APITimeoutMs:   DefaultAPITimeoutMs,
		PollIntervalMs: DefaultPollIntervalMs,
		ListenAddr:     DefaultListenAddr,
		AssetsDir:      DefaultAssetsDir,
		LogLevel:       "info",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// APITimeout returns the request timeout as a duration.
func (c *AgentConfig) APITimeout() time.Duration {
	return time.Duration(c.APITimeoutMs) * time.Millisecond
}

// PollInterval returns the nominal poll interval as a duration.
func (c *AgentConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
