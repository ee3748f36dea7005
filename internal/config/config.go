// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppName     string `env:"APP_NAME" envDefault:"Trello Clone"`
	AppVersion  string `env:"APP_VERSION" envDefault:"0.1.0"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Addr        string `env:"ADDR" envDefault:":8080"`
	// Mode selects what the process runs: all, api or relay.
	Mode string `env:"MODE" envDefault:"all"`

	DatabaseURL         string `env:"DATABASE_URL"`
	DatabasePoolSize    int    `env:"DATABASE_POOL_SIZE" envDefault:"20"`
	DatabaseMaxOverflow int    `env:"DATABASE_MAX_OVERFLOW" envDefault:"10"`

	RedisURL      string        `env:"REDIS_URL"`
	RedisCacheTTL time.Duration `env:"REDIS_CACHE_TTL" envDefault:"5m"`

	Broker                       string `env:"BROKER" envDefault:"redis"`
	BrokerQueue                  string `env:"BROKER_QUEUE" envDefault:"trellocore-tasks"`
	AzureStorageConnectionString string `env:"AZURE_STORAGE_CONNECTION_STRING"`

	JWTSecretKey         string        `env:"JWT_SECRET_KEY"`
	JWTAlgorithm         string        `env:"JWT_ALGORITHM" envDefault:"HS256"`
	JWTAccessTokenExpire time.Duration `env:"JWT_ACCESS_TOKEN_EXPIRE" envDefault:"30m"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	UOWMaxAttempts      int           `env:"UOW_MAX_ATTEMPTS" envDefault:"3"`
	RelayBatchSize      int           `env:"RELAY_BATCH_SIZE" envDefault:"100"`
	RelayInterval       time.Duration `env:"RELAY_INTERVAL" envDefault:"1s"`
	RelayMaxRetries     int           `env:"RELAY_MAX_RETRIES" envDefault:"3"`
	RelayBackoffInitial time.Duration `env:"RELAY_BACKOFF_INITIAL" envDefault:"1s"`
	RelayBackoffMax     time.Duration `env:"RELAY_BACKOFF_MAX" envDefault:"5m"`
	RelayLease          time.Duration `env:"RELAY_LEASE" envDefault:"30s"`
	// OutboxRetention of zero keeps dispatched rows forever.
	OutboxRetention time.Duration `env:"OUTBOX_RETENTION" envDefault:"0s"`

	// OTELExporterOTLPEndpoint turns on trace and metric export over
	// OTLP/HTTP when set.
	OTELExporterOTLPEndpoint string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELMetricInterval       time.Duration `env:"OTEL_METRIC_EXPORT_INTERVAL" envDefault:"30s"`
}

// Load reads the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFrom reads vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	switch c.Mode {
	case "all", "api", "relay":
	default:
		errs = append(errs, fmt.Errorf("MODE must be all, api or relay, got %q", c.Mode))
	}
	if c.Mode != "relay" && strings.TrimSpace(c.JWTSecretKey) == "" {
		errs = append(errs, errors.New("JWT_SECRET_KEY is required"))
	}
	switch c.Broker {
	case "redis":
		if c.Mode != "api" && strings.TrimSpace(c.RedisURL) == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis broker"))
		}
	case "azure":
		if c.Mode != "api" && strings.TrimSpace(c.AzureStorageConnectionString) == "" {
			errs = append(errs, errors.New("AZURE_STORAGE_CONNECTION_STRING is required for the azure broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("BROKER must be redis or azure, got %q", c.Broker))
	}
	if c.DatabasePoolSize < 1 {
		errs = append(errs, errors.New("DATABASE_POOL_SIZE must be at least 1"))
	}
	if c.UOWMaxAttempts < 1 {
		errs = append(errs, errors.New("UOW_MAX_ATTEMPTS must be at least 1"))
	}
	if c.RelayBatchSize < 1 {
		errs = append(errs, errors.New("RELAY_BATCH_SIZE must be at least 1"))
	}
	if c.RelayMaxRetries < 0 {
		errs = append(errs, errors.New("RELAY_MAX_RETRIES must not be negative"))
	}
	if c.RelayLease <= 0 || c.RelayInterval <= 0 {
		errs = append(errs, errors.New("RELAY_LEASE and RELAY_INTERVAL must be positive"))
	}
	if c.OutboxRetention < 0 {
		errs = append(errs, errors.New("OUTBOX_RETENTION must not be negative"))
	}
	if c.OTELExporterOTLPEndpoint != "" {
		if u, err := url.Parse(c.OTELExporterOTLPEndpoint); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT must be an absolute url, got %q", c.OTELExporterOTLPEndpoint))
		}
	}
	return errors.Join(errs...)
}

// RunsAPI and RunsRelay report which halves of the process are enabled.
func (c Config) RunsAPI() bool   { return c.Mode == "all" || c.Mode == "api" }
func (c Config) RunsRelay() bool { return c.Mode == "all" || c.Mode == "relay" }
