package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the YAML application configuration consumed by the test
// applications and by hosts embedding the transport.
type Config struct {
	PreferredMSS         int  `yaml:"preferredMSS"`
	PayloadPoolSize      int  `yaml:"payloadPoolSize"`
	RetransmitIntervalMs int  `yaml:"retransmitIntervalMs"`
	ConnectRetries       int  `yaml:"connectRetries"`
	Debug                bool `yaml:"debug"`
	PoolDebug            bool `yaml:"poolDebug"`
	ProcessTimeThreshold int  `yaml:"processTimeThreshold"`
}

var AppConfig *Config

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		PreferredMSS:         1400,
		PayloadPoolSize:      2000,
		RetransmitIntervalMs: 1000,
		ConnectRetries:       5,
		Debug:                false,
		PoolDebug:            false,
		ProcessTimeThreshold: 10,
	}
}

// ReadConfig loads path on top of the defaults.
func ReadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if config.PreferredMSS <= 0 {
		return nil, fmt.Errorf("config: preferredMSS must be positive, got %d", config.PreferredMSS)
	}
	if config.PayloadPoolSize <= 0 {
		return nil, fmt.Errorf("config: payloadPoolSize must be positive, got %d", config.PayloadPoolSize)
	}
	if config.RetransmitIntervalMs <= 0 {
		return nil, fmt.Errorf("config: retransmitIntervalMs must be positive, got %d", config.RetransmitIntervalMs)
	}

	return config, nil
}
