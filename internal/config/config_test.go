package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 20*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 20s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 15*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 15s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Issuer != "https://registry.example.ac.th" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if cfg.Identity.SecretEnv != "TEST_ACADFLOW_SECRET" {
		t.Errorf("Identity.SecretEnv = %q", cfg.Identity.SecretEnv)
	}
	if len(cfg.Identity.Algorithms) != 1 || cfg.Identity.Algorithms[0] != "HS256" {
		t.Errorf("Identity.Algorithms = %v, want default [HS256]", cfg.Identity.Algorithms)
	}
	if !cfg.Catalog.UseBuiltin || len(cfg.Catalog.Directories) != 1 {
		t.Errorf("Catalog = %+v", cfg.Catalog)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.MaxConns != 20 || !cfg.Store.AutoMigrate {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Cache.Driver != "redis" || cfg.Cache.DB != 2 || cfg.Cache.TTL != 30*time.Second {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Approval.TTLs["supervisor_evaluation"] != 720*time.Hour {
		t.Errorf("Approval.TTLs = %v", cfg.Approval.TTLs)
	}
	if cfg.Approval.TokenBytes != 48 {
		t.Errorf("Approval.TokenBytes = %d, want 48", cfg.Approval.TokenBytes)
	}
	if cfg.Events.Driver != "nats" || cfg.Events.SubjectPrefix != "faculty.acadflow" {
		t.Errorf("Events = %+v", cfg.Events)
	}
	if cfg.Observability.LogLevel != "debug" || !cfg.Observability.Tracing.Enabled {
		t.Errorf("Observability = %+v", cfg.Observability)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	if !strings.Contains(err.Error(), "identity.issuer") {
		t.Errorf("error = %v, want identity.issuer mentioned", err)
	}
}

func TestLoad_bad_drivers(t *testing.T) {
	_, err := Load("testdata/bad_drivers.yaml")
	if err == nil {
		t.Fatal("Load() with unknown drivers should return error")
	}
	for _, want := range []string{
		"store.driver", "cache.driver", "events.driver", "approval.token_bytes", `unknown token kind "forever"`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Capability.CacheTTL != 5*time.Minute {
		t.Errorf("default Capability.CacheTTL = %v, want 5m", cfg.Capability.CacheTTL)
	}
	if cfg.Store.Driver != "memory" || cfg.Cache.Driver != "memory" || cfg.Events.Driver != "log" {
		t.Errorf("default drivers = %s/%s/%s", cfg.Store.Driver, cfg.Cache.Driver, cfg.Events.Driver)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if !cfg.Idempotency.Enabled || cfg.Idempotency.TTL != 24*time.Hour {
		t.Errorf("default Idempotency = %+v, want enabled for 24h", cfg.Idempotency)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ACADFLOW_SERVER_PORT", "3000")
	t.Setenv("ACADFLOW_IDENTITY_ISSUER", "https://env-issuer.example")
	t.Setenv("ACADFLOW_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("ACADFLOW_STORE_DRIVER", "memory")
	t.Setenv("ACADFLOW_EVENTS_DRIVER", "none")
	t.Setenv("ACADFLOW_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.example" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Store.Driver != "memory" || cfg.Events.Driver != "none" {
		t.Errorf("drivers = %s/%s, want env overrides", cfg.Store.Driver, cfg.Events.Driver)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://registry.example.ac.th"
	cfg.Identity.Audience = "acadflow"
	cfg.Server.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_idempotency_ttl(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://registry.example.ac.th"
	cfg.Identity.Audience = "acadflow"
	cfg.Idempotency.TTL = 0
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "idempotency.ttl") {
		t.Errorf("Validate() = %v, want idempotency.ttl error", err)
	}

	cfg.Idempotency.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with idempotency disabled = %v", err)
	}
}

func TestValidate_catalog_source(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://registry.example.ac.th"
	cfg.Identity.Audience = "acadflow"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() defaults + identity error = %v", err)
	}

	cfg.Catalog.UseBuiltin = false
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() without any catalog source should return error")
	}
}

func TestLoad_env_priority_over_file(t *testing.T) {
	// File sets port 9090, env sets 5555; env wins.
	t.Setenv("ACADFLOW_SERVER_PORT", "5555")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 5555 {
		t.Errorf("Server.Port = %d, want 5555 (env override beats file)", cfg.Server.Port)
	}
}
