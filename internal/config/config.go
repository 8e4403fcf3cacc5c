// Package config loads the server's YAML configuration file, mirroring
// the teacher's config package: defaults, then the file on disk, then
// env overrides, normalized last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full set of knobs the server binary understands.
type Config struct {
	HomeDir string `yaml:"-"`

	// StorePath is the sqlite database file. Empty means taskhubd.db
	// inside HomeDir (resolved by cmd/taskhubd).
	StorePath string `yaml:"store_path"`

	// Transport selects "stdio" or "http".
	Transport string `yaml:"transport"`

	// HTTPAddr is the listen address for the HTTP transport.
	HTTPAddr string `yaml:"http_addr"`

	LogLevel string `yaml:"log_level"`

	// RequestTimeoutSeconds bounds one dispatched request (SPEC §5
	// "Cancellation & timeouts").
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

func defaultConfig() Config {
	return Config{
		Transport:             "stdio",
		HTTPAddr:              "127.0.0.1:7890",
		LogLevel:              "info",
		RequestTimeoutSeconds: 30,
	}
}

// HomeDir resolves the server's config/state directory, overridable via
// TASKHUBD_HOME the way the teacher honors GOCLAW_HOME.
func HomeDir() string {
	if override := os.Getenv("TASKHUBD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskhubd")
}

// ConfigPath returns the config.yaml path within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from homeDir (creating homeDir if needed),
// applies environment overrides, and normalizes the result. A missing
// config.yaml is not an error — defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskhubd home: %w", err)
	}

	path := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Transport == "" {
		cfg.Transport = "stdio"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:7890"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = 30
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKHUBD_STORE_PATH"); raw != "" {
		cfg.StorePath = raw
	}
	if raw := os.Getenv("TASKHUBD_TRANSPORT"); raw != "" {
		cfg.Transport = raw
	}
	if raw := os.Getenv("TASKHUBD_HTTP_ADDR"); raw != "" {
		cfg.HTTPAddr = raw
	}
	if raw := os.Getenv("TASKHUBD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKHUBD_REQUEST_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RequestTimeoutSeconds = v
		}
	}
}
