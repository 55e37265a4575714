// Package config loads and validates all runtime configuration from
// environment variables (optionally via a .env file), the same way
// every node in the cluster — relay, consumer, scheduler, session
// layer — is configured.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// LogLevel is the configured log verbosity.
type LogLevel string

// LogFormat is the configured log encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// Config holds every tunable the delivery pipeline reads at startup.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	NodeID    string `env:"NODE_ID" envDefault:""`
	ClusterID string `env:"CLUSTER_ID" envDefault:"default"`
	Addr      string `env:"HTTP_ADDR" envDefault:":8080"`

	// Bus (orchestration topic)
	BusBrokers         string `env:"BUS_BROKERS" envDefault:"localhost:19092"`
	OrchestrationTopic string `env:"ORCHESTRATION_TOPIC" envDefault:"broadcast.orchestration"`
	ConsumerGroup      string `env:"BUS_CONSUMER_GROUP" envDefault:"broadcastd"`

	// Postgres
	DatabaseURL string `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/broadcastd"`

	// Redis (distributed lock, session registry, cached inbox, failure injection)
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	// Outbox relay (C2)
	OutboxDrainBatchSize int           `env:"OUTBOX_DRAIN_BATCH_SIZE" envDefault:"100"`
	OutboxDrainInterval  time.Duration `env:"OUTBOX_DRAIN_INTERVAL" envDefault:"500ms"`
	RelayLockAtLeast     time.Duration `env:"RELAY_LOCK_AT_LEAST" envDefault:"1s"`
	RelayLockAtMost      time.Duration `env:"RELAY_LOCK_AT_MOST" envDefault:"10s"`

	// Scheduler (C7)
	SchedulerPrefetchWindow time.Duration `env:"SCHEDULER_PREFETCH_WINDOW" envDefault:"30m"`
	SchedulerTick           time.Duration `env:"SCHEDULER_TICK" envDefault:"60s"`
	SchedulerLockAtLeast    time.Duration `env:"SCHEDULER_LOCK_AT_LEAST" envDefault:"50s"`
	SchedulerLockAtMost     time.Duration `env:"SCHEDULER_LOCK_AT_MOST" envDefault:"58s"`
	SessionRetention        time.Duration `env:"SESSION_RETENTION" envDefault:"72h"`

	// Session registry / push layer (C4/C5)
	SessionHeartbeat       time.Duration `env:"SESSION_HEARTBEAT" envDefault:"30s"`
	SessionStaleThreshold  time.Duration `env:"SESSION_STALE_THRESHOLD" envDefault:"90s"`
	MaxConnections         int           `env:"MAX_CONNECTIONS" envDefault:"1500"`
	ConnectionQueueDepth   int           `env:"CONNECTION_QUEUE_DEPTH" envDefault:"256"`
	MaxSlowFlushesInWindow int           `env:"MAX_SLOW_FLUSHES_IN_WINDOW" envDefault:"3"`
	FlushTimeout           time.Duration `env:"FLUSH_TIMEOUT" envDefault:"100ms"`

	// Inbox cache (C6/C7)
	InboxCacheSize           int           `env:"INBOX_CACHE_SIZE" envDefault:"200"`
	InboxCleanupThreshold    int           `env:"INBOX_CLEANUP_THRESHOLD" envDefault:"220"`
	InboxCleanupTick         time.Duration `env:"INBOX_CLEANUP_TICK" envDefault:"5m"`

	// DLT (C9)
	DLTRetention time.Duration `env:"DLT_RETENTION" envDefault:"168h"`

	// Resource limits (container-aware)
	CPULimit           float64 `env:"CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit        int64   `env:"MEMORY_LIMIT" envDefault:"536870912"`
	MaxGoroutines      int     `env:"MAX_GOROUTINES" envDefault:"2000"`
	CPURejectThreshold float64 `env:"CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"CPU_PAUSE_THRESHOLD" envDefault:"80.0"`
	MaxBusRate         int     `env:"MAX_BUS_RATE" envDefault:"2000"`

	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and environment
// variables. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("CPU_PAUSE_THRESHOLD (%.1f) must be >= CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	if c.SchedulerLockAtMost <= c.SchedulerLockAtLeast {
		return fmt.Errorf("SCHEDULER_LOCK_AT_MOST must be > SCHEDULER_LOCK_AT_LEAST")
	}
	if c.RelayLockAtMost <= c.RelayLockAtLeast {
		return fmt.Errorf("RELAY_LOCK_AT_MOST must be > RELAY_LOCK_AT_LEAST")
	}
	if c.InboxCleanupThreshold < c.InboxCacheSize {
		return fmt.Errorf("INBOX_CLEANUP_THRESHOLD must be >= INBOX_CACHE_SIZE")
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// Print logs configuration in a human-readable banner, for startup logs.
func (c *Config) Print() {
	fmt.Println("=== broadcastd configuration ===")
	fmt.Printf("Node:              %s (cluster=%s)\n", c.NodeID, c.ClusterID)
	fmt.Printf("HTTP Addr:         %s\n", c.Addr)
	fmt.Printf("Bus Brokers:       %s\n", c.BusBrokers)
	fmt.Printf("Orchestration:     %s (group=%s)\n", c.OrchestrationTopic, c.ConsumerGroup)
	fmt.Printf("Database:          %s\n", c.DatabaseURL)
	fmt.Printf("Redis:             %s\n", c.RedisAddr)
	fmt.Printf("Max Connections:   %d\n", c.MaxConnections)
	fmt.Printf("CPU Reject/Pause:  %.1f%% / %.1f%%\n", c.CPURejectThreshold, c.CPUPauseThreshold)
	fmt.Printf("Log:               %s/%s\n", c.LogLevel, c.LogFormat)
	fmt.Println("=================================")
}

// LogConfig logs the full configuration structurally.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("node_id", c.NodeID).
		Str("cluster_id", c.ClusterID).
		Str("addr", c.Addr).
		Str("bus_brokers", c.BusBrokers).
		Str("orchestration_topic", c.OrchestrationTopic).
		Str("consumer_group", c.ConsumerGroup).
		Int("max_connections", c.MaxConnections).
		Int("outbox_drain_batch_size", c.OutboxDrainBatchSize).
		Dur("outbox_drain_interval", c.OutboxDrainInterval).
		Dur("scheduler_tick", c.SchedulerTick).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
