// Package config is walbouncer's layered configuration: compiled-in
// defaults, an optional TOML file, environment variable overrides, then
// CLI flags (applied by cmd/walbouncer after Load returns) — the same
// default-file/env-override layering as the teacher's internal/appconfig,
// merged here with the teacher's internal/config.Validate pattern of
// collecting every validation failure with errors.Join instead of
// stopping at the first one.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ListenConfig is the downstream-facing socket walbouncer accepts
// standby connections on.
type ListenConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// MasterConfig is the primary walbouncer streams WAL from.
type MasterConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// AdminConfig is the optional HTTP+WebSocket status server (spec.md's
// ambient `serve-admin` supplement); off unless Enabled is set.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	Port    int    `toml:"port"`
}

// LoggingConfig controls zerolog's output.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

// Config is walbouncer's complete runtime configuration.
type Config struct {
	Listen  ListenConfig  `toml:"listen"`
	Master  MasterConfig  `toml:"master"`
	Admin   AdminConfig   `toml:"admin"`
	Logging LoggingConfig `toml:"logging"`
}

// Defaults returns the compiled-in configuration (spec §6: listen port
// 5433, primary host localhost, primary port 5432).
func Defaults() Config {
	return Config{
		Listen: ListenConfig{
			Host: "0.0.0.0",
			Port: 5433,
		},
		Master: MasterConfig{
			Host: "localhost",
			Port: 5432,
		},
		Admin: AdminConfig{
			Enabled: false,
			Listen:  "127.0.0.1",
			Port:    7654,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds a Config starting from Defaults, overlaying path (a TOML
// file) if non-empty or discoverable via findConfigFile, then applying
// WALBOUNCER_* environment variable overrides. CLI flags are applied by
// the caller afterward, since cobra owns flag parsing (spec.md's
// "configuration by convention" plus SPEC_FULL's --config supplement).
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func findConfigFile() string {
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".walbouncer", "config.toml"))
	}
	candidates = append(candidates, "/etc/walbouncer/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WALBOUNCER_LISTEN_HOST"); v != "" {
		cfg.Listen.Host = v
	}
	if v := os.Getenv("WALBOUNCER_LISTEN_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Listen.Port = port
		}
	}
	if v := os.Getenv("WALBOUNCER_MASTER_HOST"); v != "" {
		cfg.Master.Host = v
	}
	if v := os.Getenv("WALBOUNCER_MASTER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Master.Port = port
		}
	}
	if v := os.Getenv("WALBOUNCER_ADMIN_LISTEN"); v != "" {
		cfg.Admin.Listen = v
		cfg.Admin.Enabled = true
	}
	if v := os.Getenv("WALBOUNCER_ADMIN_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Admin.Port = port
		}
	}
	if v := os.Getenv("WALBOUNCER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WALBOUNCER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// Validate checks that every field is in range, collecting every
// failure instead of stopping at the first (the teacher's
// internal/config.Validate pattern).
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Host == "" {
		errs = append(errs, errors.New("listen host is required"))
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen port %d out of range", c.Listen.Port))
	}
	if c.Master.Host == "" {
		errs = append(errs, errors.New("master host is required"))
	}
	if c.Master.Port <= 0 || c.Master.Port > 65535 {
		errs = append(errs, fmt.Errorf("master port %d out of range", c.Master.Port))
	}
	if c.Admin.Enabled && (c.Admin.Port <= 0 || c.Admin.Port > 65535) {
		errs = append(errs, fmt.Errorf("admin port %d out of range", c.Admin.Port))
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// MasterAddr formats the primary's address as host:port.
func (m MasterConfig) MasterAddr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// ListenAddr formats the listen address as host:port.
func (l ListenConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}
