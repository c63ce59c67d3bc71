// Package config loads the YAML configuration of the diskimg tool.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"go-diskimage/pkg/diskimage"
)

// Config holds the tunables applied to every opened image.
type Config struct {
	// CacheBytes is shared by the caches of one image.
	CacheBytes       int      `yaml:"cache_bytes"`
	MaxParentDepth   int      `yaml:"max_parent_depth"`
	ParentSearchDirs []string `yaml:"parent_search_dirs"`
	ReadOnly         bool     `yaml:"read_only"`
	LogLevel         string   `yaml:"log_level"`
	Verbose          bool     `yaml:"verbose"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		CacheBytes:     diskimage.DefaultCacheBytes,
		MaxParentDepth: diskimage.DefaultMaxParentDepth,
		LogLevel:       "info",
	}
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if len(data) == 0 {
		return c, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads the file at path. An empty path yields Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.CacheBytes < 0 {
		return fmt.Errorf("cache_bytes must not be negative, got %d", c.CacheBytes)
	}
	if c.MaxParentDepth < 0 {
		return fmt.Errorf("max_parent_depth must not be negative, got %d", c.MaxParentDepth)
	}
	return nil
}

// OpenOptions returns the options handed to Plugin.Open.
func (c *Config) OpenOptions() *diskimage.OpenOptions {
	return &diskimage.OpenOptions{
		CacheBytes:       c.CacheBytes,
		ReadOnly:         c.ReadOnly,
		MaxParentDepth:   c.MaxParentDepth,
		ParentSearchDirs: append([]string(nil), c.ParentSearchDirs...),
	}
}

// Level is the effective log level name.
func (c *Config) Level() string {
	if c.Verbose {
		return "debug"
	}
	if c.LogLevel == "" {
		return "info"
	}
	return c.LogLevel
}
