// Package config provides YAML configuration parsing for s4ppd/s4ppctl,
// grounded on postalsys-Muti-Metroo's internal/config package: a single
// nested, yaml-tagged struct with a Default() constructor, a Load(path)
// convenience wrapper, and a Parse(data) entry point tests can call
// directly.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level s4ppd configuration document.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Keys   []KeyConfig  `yaml:"keys"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig holds listener and protocol-negotiation settings.
type ServerConfig struct {
	ListenAddr         string   `yaml:"listen_addr"`
	HashAlgos          []string `yaml:"hash_algos"`
	HideAlgos          []string `yaml:"hide_algos"`
	MaxSamples         int      `yaml:"max_samples"`
	RejectNegativeSpan bool     `yaml:"reject_negative_span"`
	StorePath          string   `yaml:"store_path"`
	NotifyQueueSize    int      `yaml:"notify_queue_size"`
	MetricsAddr        string   `yaml:"metrics_addr"`
}

// KeyConfig associates a keyid with its shared-secret material. Secret may
// be given directly (for local/dev use) or as a path to a file containing
// the raw key bytes.
type KeyConfig struct {
	KeyID      string `yaml:"keyid"`
	Secret     string `yaml:"secret"`
	SecretFile string `yaml:"secret_file"`
}

// LogConfig controls log verbosity.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config populated with sensible defaults, matching the
// teacher pack's habit of starting Parse from a defaulted struct rather
// than a zero value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":4151",
			HashAlgos:       []string{"SHA256"},
			HideAlgos:       []string{"AES-128-CBC"},
			MaxSamples:      2000,
			StorePath:       "s4pp.db",
			NotifyQueueSize: 16,
			MetricsAddr:     ":9151",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads and parses a configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.load: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, layered over Default().
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config.parse: %w", err)
	}
	return cfg, nil
}

// ResolveSecret returns the raw key bytes for a KeyConfig, reading
// SecretFile if Secret is empty.
func (k KeyConfig) ResolveSecret() ([]byte, error) {
	if k.Secret != "" {
		return []byte(k.Secret), nil
	}
	if k.SecretFile != "" {
		b, err := os.ReadFile(k.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("config.resolve_secret: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("config: key %q has neither secret nor secret_file", k.KeyID)
}
