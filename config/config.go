package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// Config holds runtime configuration for the ledger service.
type Config struct {
	AppEnv          string        `envconfig:"APP_ENV" default:"development"`
	AppAddr         string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout  time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`

	DBPath string `envconfig:"DB_PATH" default:"./data/ledger.db"`

	ReconcileBatchSize int           `envconfig:"RECONCILE_BATCH_SIZE" default:"50"`
	SweepEnabled       bool          `envconfig:"SWEEP_ENABLED" default:"true"`
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`
	SweepConcurrency   int           `envconfig:"SWEEP_CONCURRENCY" default:"4"`

	CORSOrigins    []string `envconfig:"CORS_ORIGINS" default:"*"`
	AdminRateLimit int      `envconfig:"ADMIN_RATE_LIMIT" default:"10"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("DB_PATH must be provided")
	}
	if c.ReconcileBatchSize <= 0 {
		return fmt.Errorf("RECONCILE_BATCH_SIZE must be positive, got %d", c.ReconcileBatchSize)
	}
	if c.SweepConcurrency <= 0 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be positive, got %d", c.SweepConcurrency)
	}
	if c.SweepEnabled && c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.AdminRateLimit <= 0 {
		return fmt.Errorf("ADMIN_RATE_LIMIT must be positive, got %d", c.AdminRateLimit)
	}
	switch c.LogFormat {
	case "pretty", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be pretty or json, got %q", c.LogFormat)
	}
	return nil
}

// IsProduction returns true when the service runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// NewLogger builds the process logger: JSON in production or when
// LOG_FORMAT=json, human-readable otherwise.
func (c *Config) NewLogger() (*zap.Logger, error) {
	if c.IsProduction() || c.LogFormat == "json" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
