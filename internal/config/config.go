// Package config loads process-wide pipeline configuration from the
// environment, following the teacher's LoadConfigFromEnv idiom: typed
// parsing with strconv, explicit defaults, and an explicit Validate step.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig is the relational store connection configuration shared by
// the Event Store and Outbox (they share one database — spec §3).
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN renders a libpq-style connection string for the pgx stdlib driver.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// BrokerConfig configures the Stream Broker Adapter (Redis Streams).
type BrokerConfig struct {
	Addr          string
	Username      string
	Password      string
	DB            int
	StreamPrefix  string // per-session keys: "{prefix}{session_id}"
	GlobalKey     string // "{prefix}all"
	ConsumerGroup string
	ConsumerID    string
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// SessionKey returns the per-session stream key for sessionID.
func (c BrokerConfig) SessionKey(sessionID string) string {
	return c.StreamPrefix + sessionID
}

// OutboxConfig tunes the Delivery Worker's polling, batching, and backoff.
type OutboxConfig struct {
	PollInterval       time.Duration
	PollIntervalJitter time.Duration
	BatchSize          int
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	LockTTL            time.Duration
	WorkerCount        int
	PublishConcurrency int // read from OUTBOX_PUBLISH_CONCURRENCY; the Delivery Worker does not use it and publishes each claimed batch sequentially
}

// ConsumerConfig tunes the Stream Consumer.
type ConsumerConfig struct {
	BlockTime time.Duration
	BatchSize int
}

// RetentionConfig tunes the supplemental outbox retention sweep (SPEC_FULL §10).
type RetentionConfig struct {
	Enabled        bool
	TerminalMaxAge time.Duration
	SweepInterval  time.Duration
}

// FeatureFlags holds process-wide opt-in switches.
type FeatureFlags struct {
	// SyncPublishOnAdmit lets Admission publish to the broker synchronously,
	// bypassing the outbox. Off by default; retained for bootstrap/testing
	// only per spec §6 — strongly discouraged in production.
	SyncPublishOnAdmit bool

	// RunEmbeddedWorkers starts an in-process Delivery Worker pool and
	// Stream Consumer alongside the Admission API, for local/dev single-binary
	// operation. Production deploys run cmd/worker and cmd/consumer separately.
	RunEmbeddedWorkers bool
}

// Config is the umbrella object returned by Load, mirroring the teacher's
// Config/Stats pattern in pkg/config/config.go.
type Config struct {
	Database  DatabaseConfig
	Broker    BrokerConfig
	Outbox    OutboxConfig
	Consumer  ConsumerConfig
	Retention RetentionConfig
	Features  FeatureFlags
}

// Load reads configuration from the environment with production-ready
// defaults and validates the result.
func Load() (*Config, error) {
	dbPort, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	maxOpen, err := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "25"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}
	connMaxLifetime, err := time.ParseDuration(getEnvOrDefault("DB_CONN_MAX_LIFETIME", "1h"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}
	connMaxIdleTime, err := time.ParseDuration(getEnvOrDefault("DB_CONN_MAX_IDLE_TIME", "15m"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_CONN_MAX_IDLE_TIME: %w", err)
	}

	redisDB, err := strconv.Atoi(getEnvOrDefault("BROKER_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid BROKER_DB: %w", err)
	}
	dialTimeout, err := time.ParseDuration(getEnvOrDefault("BROKER_DIAL_TIMEOUT", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid BROKER_DIAL_TIMEOUT: %w", err)
	}
	readTimeout, err := time.ParseDuration(getEnvOrDefault("BROKER_READ_TIMEOUT", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid BROKER_READ_TIMEOUT: %w", err)
	}
	writeTimeout, err := time.ParseDuration(getEnvOrDefault("BROKER_WRITE_TIMEOUT", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid BROKER_WRITE_TIMEOUT: %w", err)
	}

	pollInterval, err := time.ParseDuration(getEnvOrDefault("OUTBOX_POLL_INTERVAL", "1s"))
	if err != nil {
		return nil, fmt.Errorf("invalid OUTBOX_POLL_INTERVAL: %w", err)
	}
	pollJitter, err := time.ParseDuration(getEnvOrDefault("OUTBOX_POLL_JITTER", "250ms"))
	if err != nil {
		return nil, fmt.Errorf("invalid OUTBOX_POLL_JITTER: %w", err)
	}
	batchSize, err := strconv.Atoi(getEnvOrDefault("OUTBOX_BATCH_SIZE", "100"))
	if err != nil {
		return nil, fmt.Errorf("invalid OUTBOX_BATCH_SIZE: %w", err)
	}
	maxAttempts, err := strconv.Atoi(getEnvOrDefault("OUTBOX_MAX_ATTEMPTS", "12"))
	if err != nil {
		return nil, fmt.Errorf("invalid OUTBOX_MAX_ATTEMPTS: %w", err)
	}
	backoffBase, err := time.ParseDuration(getEnvOrDefault("OUTBOX_BACKOFF_BASE", "1s"))
	if err != nil {
		return nil, fmt.Errorf("invalid OUTBOX_BACKOFF_BASE: %w", err)
	}
	backoffCap, err := time.ParseDuration(getEnvOrDefault("OUTBOX_BACKOFF_CAP", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid OUTBOX_BACKOFF_CAP: %w", err)
	}
	lockTTL, err := time.ParseDuration(getEnvOrDefault("OUTBOX_LOCK_TTL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid OUTBOX_LOCK_TTL: %w", err)
	}
	workerCount, err := strconv.Atoi(getEnvOrDefault("OUTBOX_WORKER_COUNT", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid OUTBOX_WORKER_COUNT: %w", err)
	}
	publishConcurrency, err := strconv.Atoi(getEnvOrDefault("OUTBOX_PUBLISH_CONCURRENCY", "8"))
	if err != nil {
		return nil, fmt.Errorf("invalid OUTBOX_PUBLISH_CONCURRENCY: %w", err)
	}

	consumerBlockTime, err := time.ParseDuration(getEnvOrDefault("CONSUMER_BLOCK_TIME", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid CONSUMER_BLOCK_TIME: %w", err)
	}
	consumerBatchSize, err := strconv.Atoi(getEnvOrDefault("CONSUMER_BATCH_SIZE", "50"))
	if err != nil {
		return nil, fmt.Errorf("invalid CONSUMER_BATCH_SIZE: %w", err)
	}

	retentionEnabled, err := strconv.ParseBool(getEnvOrDefault("RETENTION_ENABLED", "true"))
	if err != nil {
		return nil, fmt.Errorf("invalid RETENTION_ENABLED: %w", err)
	}
	retentionMaxAge, err := time.ParseDuration(getEnvOrDefault("RETENTION_TERMINAL_MAX_AGE", "168h"))
	if err != nil {
		return nil, fmt.Errorf("invalid RETENTION_TERMINAL_MAX_AGE: %w", err)
	}
	retentionInterval, err := time.ParseDuration(getEnvOrDefault("RETENTION_SWEEP_INTERVAL", "1h"))
	if err != nil {
		return nil, fmt.Errorf("invalid RETENTION_SWEEP_INTERVAL: %w", err)
	}

	syncPublish, err := strconv.ParseBool(getEnvOrDefault("ADMISSION_SYNC_PUBLISH", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid ADMISSION_SYNC_PUBLISH: %w", err)
	}
	runEmbeddedWorkers, err := strconv.ParseBool(getEnvOrDefault("RUN_EMBEDDED_WORKERS", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid RUN_EMBEDDED_WORKERS: %w", err)
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:            getEnvOrDefault("DB_HOST", "localhost"),
			Port:            dbPort,
			User:            getEnvOrDefault("DB_USER", "uniassist"),
			Password:        os.Getenv("DB_PASSWORD"),
			Database:        getEnvOrDefault("DB_NAME", "uniassist"),
			SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
			MaxOpenConns:    maxOpen,
			MaxIdleConns:    maxIdle,
			ConnMaxLifetime: connMaxLifetime,
			ConnMaxIdleTime: connMaxIdleTime,
		},
		Broker: BrokerConfig{
			Addr:          getEnvOrDefault("BROKER_ADDR", "localhost:6379"),
			Username:      os.Getenv("BROKER_USERNAME"),
			Password:      os.Getenv("BROKER_PASSWORD"),
			DB:            redisDB,
			StreamPrefix:  getEnvOrDefault("BROKER_STREAM_PREFIX", "uniassist:timeline:"),
			GlobalKey:     getEnvOrDefault("BROKER_GLOBAL_KEY", "uniassist:timeline:all"),
			ConsumerGroup: getEnvOrDefault("BROKER_CONSUMER_GROUP", "ua-delivery"),
			ConsumerID:    getEnvOrDefault("BROKER_CONSUMER_ID", defaultConsumerID()),
			DialTimeout:   dialTimeout,
			ReadTimeout:   readTimeout,
			WriteTimeout:  writeTimeout,
		},
		Outbox: OutboxConfig{
			PollInterval:       pollInterval,
			PollIntervalJitter: pollJitter,
			BatchSize:          batchSize,
			MaxAttempts:        maxAttempts,
			BackoffBase:        backoffBase,
			BackoffCap:         backoffCap,
			LockTTL:            lockTTL,
			WorkerCount:        workerCount,
			PublishConcurrency: publishConcurrency,
		},
		Consumer: ConsumerConfig{
			BlockTime: consumerBlockTime,
			BatchSize: consumerBatchSize,
		},
		Retention: RetentionConfig{
			Enabled:        retentionEnabled,
			TerminalMaxAge: retentionMaxAge,
			SweepInterval:  retentionInterval,
		},
		Features: FeatureFlags{
			SyncPublishOnAdmit: syncPublish,
			RunEmbeddedWorkers: runEmbeddedWorkers,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants not expressible as simple parsing.
func (c *Config) Validate() error {
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS (%d) cannot exceed DB_MAX_OPEN_CONNS (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 1")
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be at least 1")
	}
	if c.Outbox.BatchSize < 1 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be at least 1")
	}
	if c.Outbox.BackoffCap < c.Outbox.BackoffBase {
		return fmt.Errorf("OUTBOX_BACKOFF_CAP must be >= OUTBOX_BACKOFF_BASE")
	}
	if c.Broker.StreamPrefix == "" {
		return fmt.Errorf("BROKER_STREAM_PREFIX must not be empty")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func defaultConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "consumer-1"
	}
	return host
}
