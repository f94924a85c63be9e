// Package config loads the page store's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sushant-115/gojodb-pagestore/pkg/logger"
	"github.com/sushant-115/gojodb-pagestore/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// DefaultPoolSize is the number of buffer slots used when none is configured.
const DefaultPoolSize = 10

// StorageConfig locates the page file and sizes the buffer pool.
type StorageConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// Config is the root of the configuration file.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Storage: StorageConfig{Path: "gojodb.pages", PoolSize: DefaultPoolSize},
		Logger:  logger.DefaultConfig(),
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      logger.ServiceName,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads path on top of Default. Keys missing from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first setting the page store cannot start with.
func (c Config) Validate() error {
	if c.Storage.Path == "" {
		return errors.New("storage.path must not be empty")
	}
	if c.Storage.PoolSize < 1 {
		return fmt.Errorf("storage.pool_size must be at least 1, got %d", c.Storage.PoolSize)
	}
	if c.Telemetry.TraceSampleRatio < 0 || c.Telemetry.TraceSampleRatio > 1 {
		return fmt.Errorf("telemetry.trace_sample_ratio must be within [0, 1], got %v", c.Telemetry.TraceSampleRatio)
	}
	return nil
}
