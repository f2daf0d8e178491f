package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Ledger store backends.
const (
	StoreSQL    = "sql"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds process configuration.
type Config struct {
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"INFO"`
	Environment string `env:"ENVIRONMENT"  envDefault:"development"`

	// Storage. Without DATABASE_URL the SQL store runs on SQLite in DataDir.
	LedgerStore   string `env:"LEDGER_STORE"   envDefault:"sql"`
	DatabaseURL   string `env:"DATABASE_URL"`
	DataDir       string `env:"DATA_DIR"       envDefault:"data"`
	RedisAddr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"       envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX"   envDefault:"stewardd"`

	// Dissemination. Without NATS_URL proposals are announced to the log.
	NATSURL       string `env:"NATS_URL"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"proposals"`
	StreamName    string `env:"NATS_STREAM"         envDefault:"PROPOSALS"`

	// Remote record-keeping service.
	RecordsAPIURL   string        `env:"RECORDS_API_URL"     envDefault:"http://localhost:8700"`
	RecordsAPIToken string        `env:"RECORDS_API_TOKEN"`
	RecordsRPS      float64       `env:"RECORDS_API_RPS"     envDefault:"10"`
	RecordsBurst    int           `env:"RECORDS_API_BURST"   envDefault:"20"`
	RecordsTimeout  time.Duration `env:"RECORDS_API_TIMEOUT" envDefault:"10s"`

	// Loops.
	ReaperInterval   time.Duration `env:"REAPER_INTERVAL"   envDefault:"1m"`
	ScheduleInterval time.Duration `env:"SCHEDULE_INTERVAL" envDefault:"5m"`
	ExecutionTimeout time.Duration `env:"EXECUTION_TIMEOUT" envDefault:"30s"`
	ExecutionLease   time.Duration `env:"EXECUTION_LEASE"   envDefault:"2m"`
	ExecuteApproved  bool          `env:"EXECUTE_APPROVED"  envDefault:"false"`
	WorkerInterval   time.Duration `env:"WORKER_INTERVAL"   envDefault:"30s"`

	ProducersFile string `env:"PRODUCERS_FILE" envDefault:"producers.yaml"`

	// Telemetry. Disabled unless an OTLP endpoint is set.
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.LedgerStore {
	case StoreSQL, StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("LEDGER_STORE must be one of sql, redis, memory (got %q)", c.LedgerStore)
	}
	if c.RecordsRPS <= 0 {
		return fmt.Errorf("RECORDS_API_RPS must be positive (got %v)", c.RecordsRPS)
	}
	if c.RecordsBurst < 1 {
		return fmt.Errorf("RECORDS_API_BURST must be at least 1 (got %d)", c.RecordsBurst)
	}
	for name, d := range map[string]time.Duration{
		"REAPER_INTERVAL":     c.ReaperInterval,
		"SCHEDULE_INTERVAL":   c.ScheduleInterval,
		"EXECUTION_TIMEOUT":   c.ExecutionTimeout,
		"EXECUTION_LEASE":     c.ExecutionLease,
		"RECORDS_API_TIMEOUT": c.RecordsTimeout,
		"WORKER_INTERVAL":     c.WorkerInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive (got %s)", name, d)
		}
	}
	if c.ExecutionLease < c.ExecutionTimeout {
		return fmt.Errorf("EXECUTION_LEASE (%s) must not be shorter than EXECUTION_TIMEOUT (%s)", c.ExecutionLease, c.ExecutionTimeout)
	}
	return nil
}

// LiteMode reports whether the SQL store runs on embedded SQLite.
func (c *Config) LiteMode() bool {
	return c.LedgerStore == StoreSQL && c.DatabaseURL == ""
}

// SlogLevel maps LOG_LEVEL to a slog level. Unknown values mean INFO.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
