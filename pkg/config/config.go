// Package config loads the service configuration from an optional YAML
// file, environment variables, and flag overrides, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultPort    = 3030
	DefaultDataDir = "."
)

// Config is the effective service configuration.
type Config struct {
	// Port is the admin HTTP port. The PORT env var overrides the file
	// value; a --port flag overrides both.
	Port int `yaml:"port"`

	// DataDir holds simulators.json, templates.json and debug logs.
	DataDir string `yaml:"data_dir"`

	// LogLevel and LogFormat configure the process logger. The
	// PROTOSIM_LOG env var takes precedence over LogLevel.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:      DefaultPort,
		DataDir:   DefaultDataDir,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads the config file at path (if path is empty or the file is
// missing, defaults apply) and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", cfg.Port)
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the loaded values.
func (c *Config) applyEnv() {
	if s := os.Getenv("PORT"); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			c.Port = v
		}
	}
	if s := os.Getenv("PROTOSIM_DATA_DIR"); s != "" {
		c.DataDir = s
	}
}
