// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config is the full service configuration.
type Config struct {
	Port  string `env:"PORT" envDefault:"8080"`
	Store string `env:"STORE" envDefault:"postgres"`

	Database DatabaseConfig `envPrefix:"DB_"`
	Outbox   OutboxConfig   `envPrefix:"OUTBOX_"`
	Webhook  WebhookConfig  `envPrefix:"WEBHOOK_"`
	Points   PointsConfig   `envPrefix:"POINTS_"`

	// TxMaxAttempts bounds retries of a transaction that failed with a
	// retryable error (serialization conflict, ticket number collision).
	TxMaxAttempts uint `env:"TX_MAX_ATTEMPTS" envDefault:"5"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string `env:"HOST" envDefault:"localhost"`
	Port            string `env:"PORT" envDefault:"5432"`
	User            string `env:"USER" envDefault:"postgres"`
	Password        string `env:"PASSWORD" envDefault:"postgres"`
	Name            string `env:"NAME" envDefault:"eventbooking"`
	SSLMode         string `env:"SSLMODE" envDefault:"disable"`
	MaxConns        int32  `env:"MAX_CONNS" envDefault:"20"`
	ConnectAttempts int    `env:"CONNECT_ATTEMPTS" envDefault:"5"`
}

// DSN builds a libpq-compatible connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// OutboxConfig sizes the asynchronous side-effect queue.
type OutboxConfig struct {
	Workers     int  `env:"WORKERS" envDefault:"4"`
	Buffer      int  `env:"BUFFER" envDefault:"1024"`
	MaxAttempts uint `env:"MAX_ATTEMPTS" envDefault:"3"`
}

// WebhookConfig controls outbound webhook delivery.
type WebhookConfig struct {
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"5s"`
	MaxAttempts uint          `env:"MAX_ATTEMPTS" envDefault:"3"`
	Secret      string        `env:"SECRET"`
}

// PointsConfig holds the fixed point values awarded by the engine.
type PointsConfig struct {
	Register int `env:"REGISTER" envDefault:"50"`
	CheckIn  int `env:"CHECK_IN" envDefault:"100"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Store != StorePostgres && cfg.Store != StoreMemory {
		return Config{}, fmt.Errorf("STORE must be postgres or memory, got %q", cfg.Store)
	}
	return cfg, nil
}
