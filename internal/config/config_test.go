package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SWITCH_GATEWAY_URL", "http://pbx.local:8088")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", cfg.APIPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	if cfg.PersistenceBackend != BackendRedis {
		t.Errorf("PersistenceBackend = %s, want redis", cfg.PersistenceBackend)
	}
	if cfg.SwitchEventsQueue != "switch.events" || cfg.CallbackEventsExchange != "callbacks.lifecycle" {
		t.Errorf("queue names = %s / %s", cfg.SwitchEventsQueue, cfg.CallbackEventsExchange)
	}
	if cfg.OriginateRatePerSec != 5 {
		t.Errorf("OriginateRatePerSec = %d, want 5", cfg.OriginateRatePerSec)
	}
	if cfg.OriginateContext != "from-internal" {
		t.Errorf("OriginateContext = %s, want from-internal", cfg.OriginateContext)
	}
	if cfg.OriginateTimeout != 30*time.Second {
		t.Errorf("OriginateTimeout = %s, want 30s", cfg.OriginateTimeout)
	}
	if cfg.DefaultQueue != "support" || cfg.DefaultMaxAttempts != 3 {
		t.Errorf("defaults = %s / %d", cfg.DefaultQueue, cfg.DefaultMaxAttempts)
	}
	if cfg.RetryDelay != 5*time.Minute {
		t.Errorf("RetryDelay = %s, want 5m", cfg.RetryDelay)
	}
	if cfg.HistoryLimit != 100 {
		t.Errorf("HistoryLimit = %d, want 100", cfg.HistoryLimit)
	}
	if cfg.AutoRun || cfg.AutoRunInterval != 30*time.Second {
		t.Errorf("AutoRun = %v interval = %s", cfg.AutoRun, cfg.AutoRunInterval)
	}
	if cfg.StorageNamespace != "callbacks" {
		t.Errorf("StorageNamespace = %s, want callbacks", cfg.StorageNamespace)
	}
	if cfg.AuthEnabled() {
		t.Error("auth should be disabled without JWT_SECRET")
	}
	if !cfg.RateLimited() {
		t.Error("rate limiting should be on with REDIS_URL and default rate")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("API_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PERSISTENCE_BACKEND", " Postgres ")
	t.Setenv("DATABASE_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("ORIGINATE_RATE_PER_SEC", "0")
	t.Setenv("RETRY_DELAY", "90s")
	t.Setenv("AUTO_RUN", "true")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", cfg.APIPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.PersistenceBackend != BackendPostgres {
		t.Errorf("PersistenceBackend = %q, want postgres", cfg.PersistenceBackend)
	}
	if cfg.RetryDelay != 90*time.Second {
		t.Errorf("RetryDelay = %s, want 90s", cfg.RetryDelay)
	}
	if !cfg.AutoRun {
		t.Error("AutoRun should be true")
	}
	if cfg.RateLimited() {
		t.Error("a zero rate disables the limiter")
	}
	if !cfg.AuthEnabled() {
		t.Error("auth should be enabled with JWT_SECRET")
	}
}

func TestLoad_MissingGatewayURL(t *testing.T) {
	t.Setenv("SWITCH_GATEWAY_URL", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing SWITCH_GATEWAY_URL, got nil")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			APIPort:             8080,
			PersistenceBackend:  BackendMemory,
			SwitchGatewayURL:    "http://pbx.local:8088",
			OriginateTimeout:    30 * time.Second,
			DefaultMaxAttempts:  3,
			RetryDelay:          5 * time.Minute,
			HistoryLimit:        100,
			AutoRunInterval:     30 * time.Second,
			OriginateRatePerSec: 5,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid memory backend", mutate: func(c *Config) {}},
		{name: "redis backend without url", mutate: func(c *Config) { c.PersistenceBackend = BackendRedis }, wantErr: "REDIS_URL"},
		{name: "postgres backend without dsn", mutate: func(c *Config) { c.PersistenceBackend = BackendPostgres }, wantErr: "DATABASE_DSN"},
		{name: "unknown backend", mutate: func(c *Config) { c.PersistenceBackend = "mongo" }, wantErr: "PERSISTENCE_BACKEND"},
		{name: "no gateway", mutate: func(c *Config) { c.SwitchGatewayURL = " " }, wantErr: "SWITCH_GATEWAY_URL"},
		{name: "port out of range", mutate: func(c *Config) { c.APIPort = 70000 }, wantErr: "API_PORT"},
		{name: "negative rate", mutate: func(c *Config) { c.OriginateRatePerSec = -1 }, wantErr: "ORIGINATE_RATE_PER_SEC"},
		{name: "too many attempts", mutate: func(c *Config) { c.DefaultMaxAttempts = 11 }, wantErr: "DEFAULT_MAX_ATTEMPTS"},
		{name: "zero interval", mutate: func(c *Config) { c.AutoRunInterval = 0 }, wantErr: "AUTO_RUN_INTERVAL"},
		{name: "negative history", mutate: func(c *Config) { c.HistoryLimit = -1 }, wantErr: "HISTORY_LIMIT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
