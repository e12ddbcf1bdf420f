// Package config loads the settings of the sagalock command from YAML, an optional
// .env file and SAGALOCK_* environment variables. Later sources override earlier
// ones, so the environment wins over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dcbickfo/sagalock"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds the process-wide gate and backend settings.
type Config struct {
	// MaxLockBuckets must match across every process sharing a backend.
	MaxLockBuckets int            `yaml:"maxLockBuckets"`
	Backend        string         `yaml:"backend"`
	Redis          RedisConfig    `yaml:"redis"`
	Postgres       PostgresConfig `yaml:"postgres"`
	Retry          RetryConfig    `yaml:"retry"`
	ReleaseTimeout time.Duration  `yaml:"releaseTimeout"`
	Metrics        MetricsConfig  `yaml:"metrics"`
}

// RedisConfig configures the Redis lock backend.
type RedisConfig struct {
	Addresses []string      `yaml:"addresses"`
	Prefix    string        `yaml:"prefix"`
	LockTTL   time.Duration `yaml:"lockTTL"`
}

// PostgresConfig configures the Postgres lock backend.
type PostgresConfig struct {
	DSN     string        `yaml:"dsn"`
	Table   string        `yaml:"table"`
	LockTTL time.Duration `yaml:"lockTTL"`
}

// RetryConfig controls waiting on busy buckets.
type RetryConfig struct {
	Interval       time.Duration `yaml:"interval"`
	MaxInterval    time.Duration `yaml:"maxInterval"`
	AcquireTimeout time.Duration `yaml:"acquireTimeout"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Address disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		MaxLockBuckets: 1024,
		Backend:        BackendMemory,
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			LockTTL:   30 * time.Second,
		},
		Postgres: PostgresConfig{
			LockTTL: 30 * time.Second,
		},
		ReleaseTimeout: 5 * time.Second,
	}
}

// Load builds a Config from defaults, the YAML file at path, the .env file at
// envFilePath and the environment. Empty paths are skipped. A missing .env file
// is not an error; a missing YAML file is.
func Load(path, envFilePath string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	return errors.Join(
		envInt("SAGALOCK_MAX_LOCK_BUCKETS", &c.MaxLockBuckets),
		envString("SAGALOCK_BACKEND", &c.Backend),
		envList("SAGALOCK_REDIS_ADDRESSES", &c.Redis.Addresses),
		envString("SAGALOCK_REDIS_PREFIX", &c.Redis.Prefix),
		envDuration("SAGALOCK_REDIS_LOCK_TTL", &c.Redis.LockTTL),
		envString("SAGALOCK_POSTGRES_DSN", &c.Postgres.DSN),
		envString("SAGALOCK_POSTGRES_TABLE", &c.Postgres.Table),
		envDuration("SAGALOCK_POSTGRES_LOCK_TTL", &c.Postgres.LockTTL),
		envDuration("SAGALOCK_RETRY_INTERVAL", &c.Retry.Interval),
		envDuration("SAGALOCK_RETRY_MAX_INTERVAL", &c.Retry.MaxInterval),
		envDuration("SAGALOCK_ACQUIRE_TIMEOUT", &c.Retry.AcquireTimeout),
		envDuration("SAGALOCK_RELEASE_TIMEOUT", &c.ReleaseTimeout),
		envString("SAGALOCK_METRICS_ADDRESS", &c.Metrics.Address),
	)
}

// Validate reports every setting that NewGate or the chosen backend would reject.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxLockBuckets <= 0 {
		errs = append(errs, fmt.Errorf("maxLockBuckets must be positive, got %d", c.MaxLockBuckets))
	}
	if c.Retry.Interval < 0 || c.Retry.MaxInterval < 0 || c.Retry.AcquireTimeout < 0 || c.ReleaseTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.Retry.MaxInterval > 0 && c.Retry.MaxInterval < c.Retry.Interval {
		errs = append(errs, fmt.Errorf("retry.maxInterval %s is below retry.interval %s", c.Retry.MaxInterval, c.Retry.Interval))
	}

	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if len(c.Redis.Addresses) == 0 {
			errs = append(errs, errors.New("redis.addresses must not be empty"))
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (want %s, %s or %s)",
			c.Backend, BackendMemory, BackendRedis, BackendPostgres))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// GateOption returns the gate settings carried by c. Backend, Correlations,
// Logger and Metrics are left for the caller.
func (c *Config) GateOption() sagalock.GateOption {
	return sagalock.GateOption{
		MaxLockBuckets:   c.MaxLockBuckets,
		RetryInterval:    c.Retry.Interval,
		MaxRetryInterval: c.Retry.MaxInterval,
		AcquireTimeout:   c.Retry.AcquireTimeout,
		ReleaseTimeout:   c.ReleaseTimeout,
	}
}

func envString(key string, dst *string) error {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
	return nil
}

func envList(key string, dst *[]string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
	return nil
}

func envInt(key string, dst *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
