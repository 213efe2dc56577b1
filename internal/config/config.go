// Package config loads server configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type RetryConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	InitialDelayMS int `yaml:"initial_delay_ms"`
	MaxDelayMS     int `yaml:"max_delay_ms"`
}

type Config struct {
	Port           string      `yaml:"port"`
	DB             string      `yaml:"db"`
	ModelEndpoint  string      `yaml:"model_endpoint"`
	StepTimeoutSec int         `yaml:"step_timeout_seconds"`
	RetentionHours int         `yaml:"retention_hours"`
	Retry          RetryConfig `yaml:"retry"`
}

func defaults() Config {
	return Config{
		Port:           "8080",
		StepTimeoutSec: 60,
		RetentionHours: 24,
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialDelayMS: 100,
			MaxDelayMS:     5000,
		},
	}
}

// Load reads the YAML file at path if it exists, then applies env
// overrides (PORT, DATABASE_URL, MODEL_ENDPOINT). An empty path skips
// the file entirely.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "failed to read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "failed to parse config %s", path)
		}
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if db := os.Getenv("DATABASE_URL"); db != "" {
		cfg.DB = db
	}
	if endpoint := os.Getenv("MODEL_ENDPOINT"); endpoint != "" {
		cfg.ModelEndpoint = endpoint
	}
	return cfg, nil
}

func (c Config) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSec) * time.Second
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

func (c Config) InitialDelay() time.Duration {
	return time.Duration(c.Retry.InitialDelayMS) * time.Millisecond
}

func (c Config) MaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
}
