package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/okian/scouting/internal/domain/scoring"
)

// EnvConfigFile names the variable holding the optional YAML config path.
const EnvConfigFile = "SCOUT_CONFIG"

const (
	envPrefix  = "SCOUT_"
	dotEnvFile = ".env"
)

var validate = validator.New()

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. .env file in the working directory, if present
//  3. file (YAML) if SCOUT_CONFIG is set
//  4. env (prefix SCOUT_)
func Load(_ context.Context) (*Config, error) {
	// Start with defaults
	base := New()

	// .env only seeds the process environment; real env vars win.
	if err := godotenv.Load(dotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadConfig, dotEnvFile, err)
	}

	k := koanf.New(".")

	// Load from file if provided
	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLoadConfig, path, err)
		}
	}

	// Environment variables: SCOUT_ADDR, SCOUT_DEDUPE_SIZE, ...
	// Flat keys; underscores are kept to match the koanf tags.
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %v", ErrLoadConfig, err)
	}

	// Unmarshal into a copy
	cfg := *base
	// A rule table in the file replaces the defaults instead of merging into them.
	if k.Exists("rules") {
		cfg.Rules = scoring.Rules{}
	}
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the scoring rule table.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Rules.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Lock == LockRedis && c.RedisLockTTLMS > 0 && c.RedisLockTTLMS < 2*c.StoreTimeoutMS {
		return fmt.Errorf("%w: redis_lock_ttl_ms %d must be at least twice store_timeout_ms %d",
			ErrInvalidConfig, c.RedisLockTTLMS, c.StoreTimeoutMS)
	}
	return nil
}
