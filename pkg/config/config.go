// Package config provides configuration loading and management for segview.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Layer parameters
	Layer struct {
		// TileSize is the edge length of a cached segmentation tile per axis
		TileSize []int64 `yaml:"tileSize"`

		// CacheTiles bounds the number of computed tiles kept in memory
		CacheTiles int `yaml:"cacheTiles"`

		// Workers is the number of goroutines computing tiles
		Workers int `yaml:"workers"`

		// Colors overrides the label palette, as "#rrggbb" or "#aarrggbb"
		Colors []string `yaml:"colors,omitempty"`
	} `yaml:"layer"`

	// Render parameters
	Render struct {
		// Scale enlarges written slices by an integer factor
		Scale int `yaml:"scale"`

		// Timeout bounds a whole render, training included
		Timeout time.Duration `yaml:"timeout"`

		// VoxelSize is the physical size of a voxel along x, y and z
		VoxelSize []float64 `yaml:"voxelSize"`

		// Background draws the intensity image below the segmentation
		Background bool `yaml:"background"`
	} `yaml:"render"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// Console selects human readable output instead of JSON
		Console bool `yaml:"console"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Layer.TileSize = []int64{64, 64, 8}
	cfg.Layer.CacheTiles = 1024
	cfg.Layer.Workers = runtime.NumCPU()

	cfg.Render.Scale = 1
	cfg.Render.Timeout = 30 * time.Second
	cfg.Render.VoxelSize = []float64{1, 1, 1}
	cfg.Render.Background = true

	cfg.Logging.Level = "info"
	cfg.Logging.Console = true

	return cfg
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	for d, s := range c.Layer.TileSize {
		if s < 1 {
			return fmt.Errorf("layer.tileSize[%d] must be positive, got %d", d, s)
		}
	}
	if c.Layer.CacheTiles < 0 {
		return fmt.Errorf("layer.cacheTiles must not be negative, got %d", c.Layer.CacheTiles)
	}
	if c.Render.Scale < 1 {
		return fmt.Errorf("render.scale must be at least 1, got %d", c.Render.Scale)
	}
	if c.Render.Timeout <= 0 {
		return fmt.Errorf("render.timeout must be positive, got %s", c.Render.Timeout)
	}
	if len(c.Render.VoxelSize) != 3 {
		return fmt.Errorf("render.voxelSize needs 3 values, got %d", len(c.Render.VoxelSize))
	}
	for d, s := range c.Render.VoxelSize {
		if s <= 0 {
			return fmt.Errorf("render.voxelSize[%d] must be positive, got %g", d, s)
		}
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
