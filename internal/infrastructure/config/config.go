package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides. Nesting levels are separated by a
// double underscore: GUARD_BUDGET__LOCK_TIMEOUT=3s sets budget.lock_timeout.
const EnvPrefix = "GUARD_"

// DefaultPath is read when Load is given an empty path.
const DefaultPath = "configs/config.yaml"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Budget     BudgetConfig     `koanf:"budget"`
	Compliance ComplianceConfig `koanf:"compliance"`
}

// ServerConfig covers the admin listener (/metrics, /healthz).
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr         string        `koanf:"addr"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// RuleCacheTTL bounds how long a resolved rule may be served from Redis
	// and from a process snapshot.
	RuleCacheTTL        time.Duration `koanf:"rule_cache_ttl"`
	InvalidationChannel string        `koanf:"invalidation_channel"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
}

type BudgetConfig struct {
	// LockTimeout bounds the wait for a tenant's budget lock.
	LockTimeout     time.Duration `koanf:"lock_timeout"`
	DefaultCurrency string        `koanf:"default_currency"`
}

type ComplianceConfig struct {
	// DatasetPath replaces the embedded country dataset when set.
	DatasetPath string `koanf:"dataset_path"`

	RegistryEnabled        bool          `koanf:"registry_enabled"`
	RegistryRatePerSecond  float64       `koanf:"registry_rate_per_second"`
	RegistryBurst          int           `koanf:"registry_burst"`
	RegistryTimeout        time.Duration `koanf:"registry_timeout"`
	BreakerFailures        int           `koanf:"breaker_failures"`
	BreakerResetTimeout    time.Duration `koanf:"breaker_reset_timeout"`
	BreakerHalfOpenSuccess int           `koanf:"breaker_half_open_success"`

	// Registries maps a country ISO code to its registry lookup endpoint.
	Registries map[string]RegistryEndpoint `koanf:"registries"`
}

type RegistryEndpoint struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
}

// Defaults returns the configuration used before file and environment
// overrides are applied.
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            9102,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:                "localhost:6379",
			PoolSize:            20,
			MinIdleConns:        2,
			DialTimeout:         2 * time.Second,
			ReadTimeout:         500 * time.Millisecond,
			WriteTimeout:        500 * time.Millisecond,
			RuleCacheTTL:        10 * time.Minute,
			InvalidationChannel: "guard:rules:invalidate",
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			OTLPEndpoint:  "localhost:4317",
			SamplingRate:  0.1,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
		Budget: BudgetConfig{
			LockTimeout:     2 * time.Second,
			DefaultCurrency: "USD",
		},
		Compliance: ComplianceConfig{
			RegistryRatePerSecond:  20,
			RegistryBurst:          40,
			RegistryTimeout:        800 * time.Millisecond,
			BreakerFailures:        5,
			BreakerResetTimeout:    30 * time.Second,
			BreakerHalfOpenSuccess: 2,
		},
	}
}

// Load layers defaults, the YAML file at path (optional) and GUARD_
// environment variables, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Budget.LockTimeout <= 0 {
		errs = append(errs, errors.New("budget.lock_timeout must be positive"))
	}
	if len(c.Budget.DefaultCurrency) != 3 {
		errs = append(errs, fmt.Errorf("budget.default_currency %q is not an ISO 4217 code", c.Budget.DefaultCurrency))
	}
	if c.Redis.InvalidationChannel == "" {
		errs = append(errs, errors.New("redis.invalidation_channel is required"))
	}
	if c.Compliance.RegistryEnabled && c.Compliance.RegistryRatePerSecond <= 0 {
		errs = append(errs, errors.New("compliance.registry_rate_per_second must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// IsDevelopment reports whether the process runs in a development environment.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
