// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/acadflow/model"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Store         StoreConfig         `yaml:"store"`
	Cache         StatusCacheConfig   `yaml:"cache"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes how caller assertions from the host application
// are verified. The HMAC secret is read from the environment variable named
// by SecretEnv, never from the file.
type IdentityConfig struct {
	Issuer     string            `yaml:"issuer"`
	Audience   string            `yaml:"audience"`
	SecretEnv  string            `yaml:"secret_env"`
	Algorithms []string          `yaml:"algorithms"`
	Leeway     time.Duration     `yaml:"leeway"`
	ClaimPaths map[string]string `yaml:"claim_paths"`
}

// CatalogConfig describes where step catalog YAML files live.
type CatalogConfig struct {
	Directories []string `yaml:"directories"`
	UseBuiltin  bool     `yaml:"use_builtin"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string        `yaml:"static_policy_file"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// StoreConfig describes persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// StatusCacheConfig describes the deadline status cache.
type StatusCacheConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// ApprovalConfig describes approval token issuance.
type ApprovalConfig struct {
	DefaultTTL time.Duration            `yaml:"default_ttl"`
	TTLs       map[string]time.Duration `yaml:"ttls"`
	TokenBytes int                      `yaml:"token_bytes"`
}

// IdempotencyConfig describes replay protection for mutating requests that
// carry an X-Idempotency-Key header. Keys share the status cache backend.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// EventsConfig describes where accepted changes are published.
type EventsConfig struct {
	Driver        string `yaml:"driver"`
	URLEnv        string `yaml:"url_env"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			HandlerTimeout:  10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			SecretEnv:  "ACADFLOW_IDENTITY_SECRET",
			Algorithms: []string{"HS256"},
			Leeway:     30 * time.Second,
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Catalog: CatalogConfig{
			UseBuiltin: true,
		},
		Capability: CapabilityConfig{
			CacheTTL: 5 * time.Minute,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "ACADFLOW_DATABASE_URL",
			MaxConns:        10,
			MinConns:        1,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Cache: StatusCacheConfig{
			Driver:  "memory",
			AddrEnv: "ACADFLOW_REDIS_ADDR",
			TTL:     time.Minute,
		},
		Approval: ApprovalConfig{
			DefaultTTL: 72 * time.Hour,
			TokenBytes: 32,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			TTL:     24 * time.Hour,
		},
		Events: EventsConfig{
			Driver:        "log",
			URLEnv:        "ACADFLOW_NATS_URL",
			SubjectPrefix: "acadflow",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Identity.SecretEnv == "" {
		errs = append(errs, "identity.secret_env is required")
	}
	if !c.Catalog.UseBuiltin && len(c.Catalog.Directories) == 0 {
		errs = append(errs, "catalog.directories is required when catalog.use_builtin is false")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}

	switch c.Cache.Driver {
	case "none", "memory":
	case "redis":
		if c.Cache.AddrEnv == "" {
			errs = append(errs, "cache.addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.driver %q must be none, memory or redis", c.Cache.Driver))
	}

	switch c.Events.Driver {
	case "none", "log":
	case "nats":
		if c.Events.URLEnv == "" {
			errs = append(errs, "events.url_env is required for the nats driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("events.driver %q must be none, log or nats", c.Events.Driver))
	}

	if c.Approval.TokenBytes < 16 {
		errs = append(errs, "approval.token_bytes must be at least 16")
	}
	for kind, ttl := range c.Approval.TTLs {
		if _, err := model.ParseTokenKind(kind); err != nil {
			errs = append(errs, fmt.Sprintf("approval.ttls: unknown token kind %q", kind))
		}
		if ttl <= 0 {
			errs = append(errs, fmt.Sprintf("approval.ttls.%s must be positive", kind))
		}
	}

	if c.Idempotency.Enabled && c.Idempotency.TTL <= 0 {
		errs = append(errs, "idempotency.ttl must be positive when idempotency is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads ACADFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ACADFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ACADFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("ACADFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("ACADFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ACADFLOW_CACHE_DRIVER"); v != "" {
		cfg.Cache.Driver = v
	}
	if v := os.Getenv("ACADFLOW_EVENTS_DRIVER"); v != "" {
		cfg.Events.Driver = v
	}
	if v := os.Getenv("ACADFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
