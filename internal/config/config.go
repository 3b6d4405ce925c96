package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	PersistenceBackend string `env:"PERSISTENCE_BACKEND,default=redis"`
	DatabaseDSN        string `env:"DATABASE_DSN"`
	RedisURL           string `env:"REDIS_URL"`
	StorageNamespace   string `env:"STORAGE_NAMESPACE,default=callbacks"`
	HistoryLimit       int    `env:"HISTORY_LIMIT,default=100"`

	RabbitMQURL            string `env:"RABBITMQ_URL"`
	SwitchEventsQueue      string `env:"SWITCH_EVENTS_QUEUE,default=switch.events"`
	CallbackEventsExchange string `env:"CALLBACK_EVENTS_EXCHANGE,default=callbacks.lifecycle"`

	SwitchGatewayURL    string        `env:"SWITCH_GATEWAY_URL,required=true"`
	OriginateRatePerSec int           `env:"ORIGINATE_RATE_PER_SEC,default=5"`
	OriginateContext    string        `env:"ORIGINATE_CONTEXT,default=from-internal"`
	OriginateCallerID   string        `env:"ORIGINATE_CALLER_ID"`
	OriginateTimeout    time.Duration `env:"ORIGINATE_TIMEOUT,default=30s"`
	DefaultQueue        string        `env:"DEFAULT_QUEUE,default=support"`
	DefaultMaxAttempts  int           `env:"DEFAULT_MAX_ATTEMPTS,default=3"`
	RetryDelay          time.Duration `env:"RETRY_DELAY,default=5m"`
	AutoRun             bool          `env:"AUTO_RUN,default=false"`
	AutoRunInterval     time.Duration `env:"AUTO_RUN_INTERVAL,default=30s"`

	JWTSecret string `env:"JWT_SECRET"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.PersistenceBackend = strings.ToLower(strings.TrimSpace(cfg.PersistenceBackend))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.PersistenceBackend {
	case BackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis backend"))
		}
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			errs = append(errs, errors.New("DATABASE_DSN is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("PERSISTENCE_BACKEND %q is not one of redis, postgres, memory", c.PersistenceBackend))
	}

	if strings.TrimSpace(c.SwitchGatewayURL) == "" {
		errs = append(errs, errors.New("SWITCH_GATEWAY_URL is required"))
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("API_PORT %d out of range", c.APIPort))
	}
	if c.OriginateRatePerSec < 0 {
		errs = append(errs, errors.New("ORIGINATE_RATE_PER_SEC must be >= 0"))
	}
	if c.OriginateTimeout <= 0 {
		errs = append(errs, errors.New("ORIGINATE_TIMEOUT must be positive"))
	}
	if c.DefaultMaxAttempts < 1 || c.DefaultMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("DEFAULT_MAX_ATTEMPTS %d must be between 1 and 10", c.DefaultMaxAttempts))
	}
	if c.RetryDelay <= 0 {
		errs = append(errs, errors.New("RETRY_DELAY must be positive"))
	}
	if c.HistoryLimit < 0 {
		errs = append(errs, errors.New("HISTORY_LIMIT must be >= 0"))
	}
	if c.AutoRunInterval <= 0 {
		errs = append(errs, errors.New("AUTO_RUN_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}

// RateLimited reports whether originate calls are paced through Redis.
func (c *Config) RateLimited() bool {
	return c.OriginateRatePerSec > 0 && strings.TrimSpace(c.RedisURL) != ""
}

// AuthEnabled reports whether bearer auth guards the API.
func (c *Config) AuthEnabled() bool {
	return strings.TrimSpace(c.JWTSecret) != ""
}
