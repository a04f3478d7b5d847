// Package config loads service configuration from the environment. A .env
// file is honored via the godotenv autoload import in cmd/server.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every runtime setting for the session service.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	// Postgres connection. Empty PGHost selects the in-memory store, which
	// is only meant for local development and tests.
	PGHost     string `env:"PG_HOST"`
	PGPort     string `env:"PG_PORT" envDefault:"5432"`
	PGUser     string `env:"POSTGRES_USER"`
	PGPassword string `env:"POSTGRES_PASSWORD"`
	PGDatabase string `env:"PG_DATABASE"`

	// Optional Redis journal queue for downstream event consumers.
	RedisAddr  string `env:"REDIS_ADDR"`
	RedisDB    int    `env:"REDIS_DB" envDefault:"0"`
	RedisQueue string `env:"JOURNAL_QUEUE_NAME" envDefault:"hearth_events"`

	// Journal archiver (cmd/journal) tuning.
	ArchiveBatchSize     int           `env:"ARCHIVE_BATCH_SIZE" envDefault:"20"`
	ArchiveFlushInterval time.Duration `env:"ARCHIVE_FLUSH_INTERVAL" envDefault:"500ms"`
	CampaignDormantAfter time.Duration `env:"CAMPAIGN_DORMANT_AFTER" envDefault:"1h"`

	// Orchestrator service boundary.
	OrchestratorURL     string        `env:"ORCHESTRATOR_URL"`
	OrchestratorSecret  string        `env:"ORCHESTRATOR_SECRET"`
	OrchestratorTimeout time.Duration `env:"ORCHESTRATOR_TIMEOUT" envDefault:"20s"`

	// AuthMode "dev" accepts dev:<user-uuid> bypass tokens in hello;
	// anything else requires a signed token.
	AuthMode string `env:"AUTH_MODE" envDefault:"production"`

	// TokenExpireTime is "never", "0" or a Go duration like "24h".
	TokenExpireTime string `env:"TOKEN_EXPIRE_TIME" envDefault:"never"`

	// DiceSigningKey signs roll results for audit. Generated at startup
	// when empty.
	DiceSigningKey string `env:"DICE_SIGNING_KEY"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

// PostgresDSN assembles the pgx connection string.
func (c Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		c.PGUser, c.PGPassword, c.PGHost, c.PGPort, c.PGDatabase)
}
