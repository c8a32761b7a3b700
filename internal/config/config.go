// Package config loads proxy configuration from environment variables
// (with an optional .env file for local development), validates it, and
// exposes both a human-readable and a structured dump for startup logs.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable named in spec.md §6 plus the ambient
// transport/observability settings this module adds.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// HTTP / process identity
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	WorkerID    string `env:"WORKER_ID" envDefault:""`

	// Coordination store
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Event bus
	NATSURL string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// Ownership & coordination TTLs (spec.md §6)
	OwnerLockTTL        time.Duration `env:"OWNER_LOCK_TTL" envDefault:"30s"`
	RedisChunkTTL        time.Duration `env:"REDIS_CHUNK_TTL" envDefault:"60s"`
	ClientWaitTimeout    time.Duration `env:"CLIENT_WAIT_TIMEOUT" envDefault:"30s"`
	ConnectionTimeout    time.Duration `env:"CONNECTION_TIMEOUT" envDefault:"10s"`
	StreamTimeout        time.Duration `env:"STREAM_TIMEOUT" envDefault:"30s"`
	ChannelShutdownDelay time.Duration `env:"CHANNEL_SHUTDOWN_DELAY" envDefault:"5s"`
	ChannelInitGrace     time.Duration `env:"CHANNEL_INIT_GRACE_PERIOD" envDefault:"5s"`

	// MaxRetries bounds the Stream Manager's fetch-loop reconnect attempts
	// (spec.md §4.4): once this many consecutive connection/read failures
	// happen in a row, the manager gives up and moves to the terminal error
	// state instead of retrying forever.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"10"`

	// Chunk / buffer sizing (spec.md §6)
	InitialBehindChunks uint64 `env:"INITIAL_BEHIND_CHUNKS" envDefault:"10"`
	MaxChunks           int    `env:"MAX_CHUNKS" envDefault:"20"`
	MaxChunkBytes       int    `env:"MAX_CHUNK_BYTES" envDefault:"2097152"` // 2 MiB
	TargetBitrateKbps   int    `env:"TARGET_BITRATE" envDefault:"8000"`

	// Keep-alive cadence (spec.md §6)
	KeepaliveInterval       time.Duration `env:"KEEPALIVE_INTERVAL" envDefault:"500ms"`
	ClientKeepaliveInterval time.Duration `env:"CLIENT_KEEPALIVE_INTERVAL" envDefault:"5s"`
	ClientCleanupInterval   time.Duration `env:"CLIENT_CLEANUP_INTERVAL" envDefault:"10s"`

	// Ghost-client heuristic (DESIGN.md Open Question (b))
	GhostClientAheadChunks   uint64 `env:"GHOST_CLIENT_AHEAD_CHUNKS" envDefault:"50"`
	GhostClientMinEmptyReads int    `env:"GHOST_CLIENT_MIN_EMPTY_READS" envDefault:"100"`

	// KV degrade-to-memory-only threshold (spec.md §7)
	KVFailureThreshold int `env:"KV_FAILURE_THRESHOLD" envDefault:"5"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and environment
// variables, in that priority order with real env vars winning, then
// validates the result. The logger parameter is optional; pass nil before
// logging is fully wired up.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		} else {
			fmt.Println("info: no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Validate checks configuration for errors that would otherwise surface as
// confusing runtime failures much later.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required")
	}

	if c.OwnerLockTTL <= 0 {
		return fmt.Errorf("OWNER_LOCK_TTL must be > 0, got %s", c.OwnerLockTTL)
	}
	if c.RedisChunkTTL <= 0 {
		return fmt.Errorf("REDIS_CHUNK_TTL must be > 0, got %s", c.RedisChunkTTL)
	}
	if c.MaxChunks < 1 {
		return fmt.Errorf("MAX_CHUNKS must be > 0, got %d", c.MaxChunks)
	}
	if c.MaxChunkBytes < 1 {
		return fmt.Errorf("MAX_CHUNK_BYTES must be > 0, got %d", c.MaxChunkBytes)
	}
	if c.KVFailureThreshold < 1 {
		return fmt.Errorf("KV_FAILURE_THRESHOLD must be > 0, got %d", c.KVFailureThreshold)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be > 0, got %d", c.MaxRetries)
	}

	// Owner lock must comfortably outlive a heartbeat period (heartbeat
	// fires every TTL/3, so anything shorter than 3 can never renew in time).
	if c.OwnerLockTTL < 3*time.Second {
		return fmt.Errorf("OWNER_LOCK_TTL (%s) must be >= 3s so the heartbeat (TTL/3) has room to run", c.OwnerLockTTL)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, console (got: %s)", c.LogFormat)
	}

	return nil
}

// HeartbeatInterval is the owner-heartbeat renewal period: TTL/3 per spec.md §4.5.
func (c *Config) HeartbeatInterval() time.Duration {
	return c.OwnerLockTTL / 3
}

// Print logs configuration for debugging in a human-readable format. Use
// LogConfig for production structured logging.
func (c *Config) Print() {
	fmt.Println("=== Proxy Configuration ===")
	fmt.Printf("Environment:       %s\n", c.Environment)
	fmt.Printf("HTTP Addr:         %s\n", c.HTTPAddr)
	fmt.Printf("Metrics Addr:      %s\n", c.MetricsAddr)
	fmt.Printf("Worker ID:         %s\n", c.WorkerID)
	fmt.Println("\n=== Coordination ===")
	fmt.Printf("Redis Addr:        %s (db %d)\n", c.RedisAddr, c.RedisDB)
	fmt.Printf("NATS URL:          %s\n", c.NATSURL)
	fmt.Printf("Owner Lock TTL:    %s\n", c.OwnerLockTTL)
	fmt.Printf("Chunk TTL:         %s\n", c.RedisChunkTTL)
	fmt.Println("\n=== Streaming ===")
	fmt.Printf("Max Chunks/Flush:  %d\n", c.MaxChunks)
	fmt.Printf("Max Chunk Bytes:   %d\n", c.MaxChunkBytes)
	fmt.Printf("Initial Behind:    %d chunks\n", c.InitialBehindChunks)
	fmt.Printf("Target Bitrate:    %d kbps\n", c.TargetBitrateKbps)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:             %s\n", c.LogLevel)
	fmt.Printf("Format:            %s\n", c.LogFormat)
	fmt.Println("===========================")
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("http_addr", c.HTTPAddr).
		Str("metrics_addr", c.MetricsAddr).
		Str("worker_id", c.WorkerID).
		Str("redis_addr", c.RedisAddr).
		Int("redis_db", c.RedisDB).
		Str("nats_url", c.NATSURL).
		Dur("owner_lock_ttl", c.OwnerLockTTL).
		Dur("redis_chunk_ttl", c.RedisChunkTTL).
		Dur("client_wait_timeout", c.ClientWaitTimeout).
		Dur("stream_timeout", c.StreamTimeout).
		Dur("channel_shutdown_delay", c.ChannelShutdownDelay).
		Dur("connection_timeout", c.ConnectionTimeout).
		Int("max_retries", c.MaxRetries).
		Int("max_chunks", c.MaxChunks).
		Int("max_chunk_bytes", c.MaxChunkBytes).
		Uint64("initial_behind_chunks", c.InitialBehindChunks).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("proxy configuration loaded")
}
