/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads webhookd's YAML configuration file, applies
// environment-variable overrides, fills defaults for anything left unset,
// and validates the result before the server starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the webhookd configuration document.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Rules       RulesConfig       `yaml:"rules"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig configures the Pull API HTTP listener.
type ServerConfig struct {
	Port        string `yaml:"port"`
	MetricsPort string `yaml:"metrics_port"`
	APIKey      string `yaml:"api_key"`
}

// DatabaseConfig configures the pgx connection pool.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the client the subscriber rate limiter uses.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RulesConfig controls the rule registry's cache lifetime and the
// Interception Hook's debounce window.
type RulesConfig struct {
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	DebounceWindow  time.Duration `yaml:"debounce_window"`
}

// DispatchConfig controls the push-delivery worker pool and backoff.
type DispatchConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxRetries int           `yaml:"max_retries"`
	Workers    int           `yaml:"workers"`
	BatchSize  int           `yaml:"batch_size"`
}

// MaintenanceConfig controls background sweep intervals and retention.
type MaintenanceConfig struct {
	RetrySweepInterval time.Duration `yaml:"retry_sweep_interval"`
	ArchiveAfter       time.Duration `yaml:"archive_after"`
	DeleteAfter        time.Duration `yaml:"delete_after"`
	AuditRetention     time.Duration `yaml:"audit_retention"`
}

// LoggingConfig controls logrus's level and formatter.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path, parses it as YAML, overlays environment variables,
// applies defaults for anything still unset, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.MetricsPort == "" {
		cfg.Server.MetricsPort = "9090"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Rules.CacheTTL == 0 {
		cfg.Rules.CacheTTL = 5 * time.Minute
	}
	if cfg.Rules.RefreshInterval == 0 {
		cfg.Rules.RefreshInterval = 1 * time.Minute
	}
	if cfg.Rules.DebounceWindow == 0 {
		cfg.Rules.DebounceWindow = 3 * time.Second
	}
	if cfg.Dispatch.BaseDelay == 0 {
		cfg.Dispatch.BaseDelay = 60 * time.Second
	}
	if cfg.Dispatch.MaxRetries == 0 {
		cfg.Dispatch.MaxRetries = 5
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 50
	}
	if cfg.Maintenance.RetrySweepInterval == 0 {
		cfg.Maintenance.RetrySweepInterval = 30 * time.Second
	}
	if cfg.Maintenance.ArchiveAfter == 0 {
		cfg.Maintenance.ArchiveAfter = 7 * 24 * time.Hour
	}
	if cfg.Maintenance.DeleteAfter == 0 {
		cfg.Maintenance.DeleteAfter = 30 * 24 * time.Hour
	}
	if cfg.Maintenance.AuditRetention == 0 {
		cfg.Maintenance.AuditRetention = 180 * 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("WEBHOOK_API_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("WEBHOOKD_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DISPATCH_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DISPATCH_MAX_RETRIES: %w", err)
		}
		cfg.Dispatch.MaxRetries = n
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if cfg.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch workers must be greater than 0")
	}
	if cfg.Dispatch.MaxRetries <= 0 {
		return fmt.Errorf("dispatch max_retries must be greater than 0")
	}
	if cfg.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("dispatch batch_size must be greater than 0")
	}
	return nil
}
