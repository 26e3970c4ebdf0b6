package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/kiranshivaraju/meilisync/pkg/models"
	"github.com/lpernett/godotenv"
)

// Config holds all configuration for the meilisync server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Meili    MeiliConfig
	Ingest   IngestConfig
	Sources  SourcesConfig
	Worker   WorkerConfig
	Retry    RetryConfig
	Cleanup  CleanupConfig
}

type ServerConfig struct {
	Port               int    `env:"MEILISYNC_PORT" envDefault:"8080"`
	Env                string `env:"MEILISYNC_ENV" envDefault:"development"`
	RateLimitPerMinute int    `env:"RATE_LIMIT_PER_MINUTE" envDefault:"100"`
}

type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"5m"`
	MigrationsDir   string        `env:"DATABASE_MIGRATIONS_DIR" envDefault:"migrations"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

type MeiliConfig struct {
	BaseURL          string        `env:"MEILI_BASE_URL"`
	APIKey           string        `env:"MEILI_API_KEY"`
	Timeout          time.Duration `env:"MEILI_TIMEOUT" envDefault:"30s"`
	TaskPollInterval time.Duration `env:"MEILI_TASK_POLL_INTERVAL" envDefault:"500ms"`
	TaskTimeout      time.Duration `env:"MEILI_TASK_TIMEOUT" envDefault:"5m"`
}

type IngestConfig struct {
	BatchLimit int    `env:"INGEST_BATCH_LIMIT" envDefault:"10000"`
	PrimaryKey string `env:"INGEST_PRIMARY_KEY" envDefault:"id"`
}

// SourcesConfig sizes the connection pools opened against external data sources.
type SourcesConfig struct {
	MaxOpenConns    int           `env:"SOURCE_MAX_OPEN_CONNS" envDefault:"5"`
	MaxIdleConns    int           `env:"SOURCE_MAX_IDLE_CONNS" envDefault:"2"`
	ConnMaxLifetime time.Duration `env:"SOURCE_CONN_MAX_LIFETIME" envDefault:"10m"`
	QueryTimeout    time.Duration `env:"SOURCE_QUERY_TIMEOUT" envDefault:"2m"`
}

type WorkerConfig struct {
	Concurrency      int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	PollInterval     time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	QueueNames       []string      `env:"WORKER_QUEUES" envSeparator:","`
	ReservationLease time.Duration `env:"WORKER_RESERVATION_LEASE" envDefault:"10m"`

	// Queues is QueueNames parsed and ordered by priority. Filled by Load.
	Queues []models.QueueName
}

type RetryConfig struct {
	BackoffBase  time.Duration `env:"RETRY_BACKOFF_BASE" envDefault:"5s"`
	BackoffMax   time.Duration `env:"RETRY_BACKOFF_MAX" envDefault:"10m"`
	ScanInterval time.Duration `env:"RETRY_SCAN_INTERVAL" envDefault:"15s"`
}

type CleanupConfig struct {
	Interval       time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	CompletedAfter time.Duration `env:"CLEANUP_COMPLETED_AFTER" envDefault:"24h"`
	FailedAfter    time.Duration `env:"CLEANUP_FAILED_AFTER" envDefault:"720h"`
}

// Load reads an optional .env file, then configuration from environment variables,
// and returns a validated Config. Variables already set in the environment win over .env.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Meili.BaseURL == "" {
		return fmt.Errorf("MEILI_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Meili.BaseURL, "http://") && !strings.HasPrefix(c.Meili.BaseURL, "https://") {
		return fmt.Errorf("MEILI_BASE_URL must start with http:// or https://, got %q", c.Meili.BaseURL)
	}
	if c.Meili.TaskPollInterval <= 0 || c.Meili.TaskTimeout <= 0 {
		return fmt.Errorf("MEILI_TASK_POLL_INTERVAL and MEILI_TASK_TIMEOUT must be positive")
	}

	if c.Ingest.BatchLimit < 1 {
		return fmt.Errorf("INGEST_BATCH_LIMIT must be at least 1, got %d", c.Ingest.BatchLimit)
	}
	if c.Ingest.PrimaryKey == "" {
		return fmt.Errorf("INGEST_PRIMARY_KEY must not be empty")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}

	var queues []models.QueueName
	for _, name := range c.Worker.QueueNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		q, err := models.ParseQueueName(name)
		if err != nil {
			return fmt.Errorf("WORKER_QUEUES: %w", err)
		}
		queues = append(queues, q)
	}
	c.Worker.Queues = models.QueuesByPriority(queues)

	if c.Retry.BackoffBase <= 0 || c.Retry.BackoffMax < c.Retry.BackoffBase {
		return fmt.Errorf("RETRY_BACKOFF_MAX must be >= RETRY_BACKOFF_BASE > 0")
	}

	return nil
}
