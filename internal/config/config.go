// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() to build a Config with defaults.
// - Load(ctx) layers a YAML file and SCOUT_ environment variables on top.
// - External errors are wrapped with this package's sentinels.
package config

import (
	"runtime"
	"time"

	"github.com/okian/scouting/internal/domain/scoring"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Lock backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn warning error"`

	// LogFormat selects text or json log lines.
	LogFormat string `koanf:"log_format" validate:"oneof=text json"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr" validate:"required"`

	// Store selects where records and aggregates live.
	Store string `koanf:"store" validate:"oneof=memory postgres"`

	// PostgresDSN is required for the postgres store.
	PostgresDSN string `koanf:"postgres_dsn" validate:"required_if=Store postgres"`

	// Lock selects how writes are serialized: in-process or through redis.
	Lock string `koanf:"lock" validate:"oneof=local redis"`

	// RedisAddr is required for redis locks.
	RedisAddr string `koanf:"redis_addr" validate:"required_if=Lock redis"`

	// RedisLockTTLMS bounds how long a crashed holder can keep a lock. A
	// live holder renews it, but it must still cover a store call that
	// stalls a renewal, so it is at least twice StoreTimeoutMS.
	RedisLockTTLMS int `koanf:"redis_lock_ttl_ms" validate:"gte=0"`

	// RecomputeQueueSize bounds the queue of failed max recomputes.
	RecomputeQueueSize int `koanf:"recompute_queue_size" validate:"gte=0"`

	// RecomputeWorkers sets the number of recompute retry workers.
	RecomputeWorkers int `koanf:"recompute_workers" validate:"gte=0"`

	// RecomputeRetryLimit is the number of attempts per failed recompute.
	RecomputeRetryLimit int `koanf:"recompute_retry_limit" validate:"gte=0"`

	// RecomputeRetryPerSecond paces retries across the pool.
	RecomputeRetryPerSecond float64 `koanf:"recompute_retry_per_second" validate:"gte=0"`

	// RecomputeBackoffMS is the delay before the first retry; it doubles
	// per attempt up to RecomputeMaxBackoffMS.
	RecomputeBackoffMS    int `koanf:"recompute_backoff_ms" validate:"gte=0"`
	RecomputeMaxBackoffMS int `koanf:"recompute_max_backoff_ms" validate:"gte=0"`

	// DedupeSize sets how many submission IDs are remembered.
	DedupeSize int `koanf:"dedupe_size" validate:"gte=0"`

	// StoreTimeoutMS bounds the store calls of one write.
	StoreTimeoutMS int `koanf:"store_timeout_ms" validate:"gte=0"`

	// MaxLeaderboardLimit caps GET /leaderboard?limit.
	MaxLeaderboardLimit int `koanf:"max_leaderboard_limit" validate:"gt=0"`

	// Rules is the scoring rule table.
	Rules scoring.Rules `koanf:"rules"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:                "info",
		LogFormat:               "text",
		Addr:                    ":9080",
		Store:                   StoreMemory,
		Lock:                    LockLocal,
		RedisLockTTLMS:          15_000,
		RecomputeQueueSize:      10_000,
		RecomputeWorkers:        runtime.NumCPU(),
		RecomputeRetryLimit:     5,
		RecomputeRetryPerSecond: 50,
		RecomputeBackoffMS:      50,
		RecomputeMaxBackoffMS:   2_000,
		DedupeSize:              50_000,
		StoreTimeoutMS:          5_000,
		MaxLeaderboardLimit:     100,
		Rules:                   scoring.DefaultRules(),
	}
}

// StoreTimeout returns StoreTimeoutMS as a duration.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMS) * time.Millisecond
}

// RecomputeBackoff returns RecomputeBackoffMS as a duration.
func (c *Config) RecomputeBackoff() time.Duration {
	return time.Duration(c.RecomputeBackoffMS) * time.Millisecond
}

// RecomputeMaxBackoff returns RecomputeMaxBackoffMS as a duration.
func (c *Config) RecomputeMaxBackoff() time.Duration {
	return time.Duration(c.RecomputeMaxBackoffMS) * time.Millisecond
}

// RedisLockTTL returns RedisLockTTLMS as a duration.
func (c *Config) RedisLockTTL() time.Duration {
	return time.Duration(c.RedisLockTTLMS) * time.Millisecond
}
