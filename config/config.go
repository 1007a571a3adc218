// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads runtime configuration from a file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Identity IdentityConfig `mapstructure:"identity"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type IdentityConfig struct {
	SecureDir string `mapstructure:"secure_dir"`
}

type BackendConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	AuthToken string `mapstructure:"auth_token"`
}

type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

// Load reads configuration from the given file (optional) and from
// PRAYSYNC_* environment variables, on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("database.path", "praylog.db")
	v.SetDefault("identity.secure_dir", ".praysync")
	v.SetDefault("backend.base_url", "http://localhost:8080")
	v.SetDefault("sync.interval", "2m")
	v.SetDefault("sync.probe_interval", "30s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetEnvPrefix("PRAYSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Sync.ProbeURL == "" {
		cfg.Sync.ProbeURL = cfg.Backend.BaseURL
	}
	return &cfg, nil
}
