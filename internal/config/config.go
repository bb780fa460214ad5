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

// Package config loads platformd's YAML configuration, applies
// environment-variable overrides, fills in defaults, and validates the
// result before cmd/platformd wires up the server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/forgebase/platform/internal/errors"
)

// ServerConfig controls the HTTP surfaces platformd exposes.
type ServerConfig struct {
	WebhookPort string `yaml:"webhook_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// DatabaseConfig is the Postgres connection pool configuration.
type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Name         string `yaml:"name"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig is the permission-cache connection configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ReconcilerConfig tunes the deployment reconciliation loop.
type ReconcilerConfig struct {
	TickInterval           time.Duration `yaml:"tick_interval"`
	ApplyTimeout           time.Duration `yaml:"apply_timeout"`
	HealthWaitTimeout      time.Duration `yaml:"health_wait_timeout"`
	MaxConcurrentPerTick   int           `yaml:"max_concurrent_per_tick"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	BackoffInterval        time.Duration `yaml:"backoff_interval"`
}

// OpsRepoConfig tunes the ops-repository synchronizer.
type OpsRepoConfig struct {
	SyncInterval time.Duration `yaml:"sync_interval"`
	SyncTimeout  time.Duration `yaml:"sync_timeout"`
	RootDir      string        `yaml:"root_dir"`
}

// PreviewConfig tunes ephemeral preview environments.
type PreviewConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// RBACConfig tunes the authorization resolver's cache.
type RBACConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// KubernetesConfig locates the orchestrator target the applier talks to.
type KubernetesConfig struct {
	Kubeconfig string `yaml:"kubeconfig"`
	Context    string `yaml:"context"`
	Namespace  string `yaml:"namespace"`
}

// Config is the root configuration document for platformd.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	OpsRepo    OpsRepoConfig    `yaml:"opsrepo"`
	Preview    PreviewConfig    `yaml:"preview"`
	RBAC       RBACConfig       `yaml:"rbac"`
	Logging    LoggingConfig    `yaml:"logging"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			WebhookPort: "8080",
			MetricsPort: "9090",
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			Name:         "platform",
			SSLMode:      "disable",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Reconciler: ReconcilerConfig{
			TickInterval:           10 * time.Second,
			ApplyTimeout:           5 * time.Minute,
			HealthWaitTimeout:      5 * time.Minute,
			MaxConcurrentPerTick:   8,
			MaxConsecutiveFailures: 5,
			BackoffInterval:        time.Minute,
		},
		OpsRepo: OpsRepoConfig{
			SyncInterval: 5 * time.Minute,
			SyncTimeout:  60 * time.Second,
			RootDir:      "/var/lib/platformd/opsrepos",
		},
		Preview: PreviewConfig{
			DefaultTTL: 4 * time.Hour,
		},
		RBAC: RBACConfig{
			CacheTTL: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path, layers environment overrides on top,
// fills in defaults for anything still unset, validates the result, and
// returns the assembled Config.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "failed to read config file %s", path)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "failed to parse config file %s", path)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromEnv overlays a fixed set of environment variables onto cfg,
// leaving fields untouched when the corresponding variable is unset.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DATABASE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "invalid DATABASE_PORT %q", v)
		}
		cfg.Database.Port = port
	}
	if v := os.Getenv("DATABASE_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("DATABASE_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("WEBHOOK_PORT"); v != "" {
		cfg.Server.WebhookPort = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("OPSREPO_ROOT_DIR"); v != "" {
		cfg.OpsRepo.RootDir = v
	}
	return nil
}

// validate rejects configurations that would leave the reconciler, the
// RBAC resolver, or the database pool unable to start.
func validate(cfg *Config) error {
	if cfg.Database.Host == "" {
		return apperrors.NewValidationError("database host is required")
	}
	if cfg.Database.Port <= 0 {
		return apperrors.NewValidationError("database port must be greater than 0")
	}
	if cfg.Redis.Addr == "" {
		return apperrors.NewValidationError("redis addr is required")
	}
	if cfg.Reconciler.TickInterval <= 0 {
		return apperrors.NewValidationError("reconciler tick interval must be greater than 0")
	}
	if cfg.Reconciler.MaxConcurrentPerTick <= 0 {
		return apperrors.NewValidationError(fmt.Sprintf("reconciler max concurrent per tick must be greater than 0, got %d", cfg.Reconciler.MaxConcurrentPerTick))
	}
	if cfg.Reconciler.MaxConsecutiveFailures <= 0 {
		return apperrors.NewValidationError("reconciler max consecutive failures must be greater than 0")
	}
	if cfg.OpsRepo.RootDir == "" {
		return apperrors.NewValidationError("opsrepo root dir is required")
	}
	if cfg.Preview.DefaultTTL <= 0 {
		return apperrors.NewValidationError("preview default TTL must be greater than 0")
	}
	if cfg.RBAC.CacheTTL <= 0 {
		return apperrors.NewValidationError("RBAC cache TTL must be greater than 0")
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return apperrors.NewValidationError(fmt.Sprintf("unsupported logging format %q", cfg.Logging.Format))
	}
	return nil
}
