package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/eventbus"
	"github.com/rendis/flowcore/internal/transport"
	"github.com/rendis/flowcore/internal/txn"
	"github.com/rendis/flowcore/pkg/schema"
)

// Config holds all flowcore configuration.
// Priority: flags > FLOWCORE_* env vars > config file > defaults.
type Config struct {
	Store       StoreConfig       `mapstructure:"store"`
	Data        DataConfig        `mapstructure:"data"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Engine      EngineConfig      `mapstructure:"engine"`
	EventBus    EventBusConfig    `mapstructure:"eventbus"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Txn         TxnConfig         `mapstructure:"txn"`
	DLQ         DLQConfig         `mapstructure:"dlq"`
	Log         LogConfig         `mapstructure:"log"`
	MetadataDir string            `mapstructure:"metadata_dir"`
}

// StoreConfig selects the key-value store: memory, libsql (DSN is a file
// URI) or redis (DSN is a redis:// URL).
type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	Namespace     string `mapstructure:"namespace"`
	PurgeSchedule string `mapstructure:"purge_schedule"`
}

// DataConfig selects the database behind DB steps: memory, libsql or
// postgres.
type DataConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// TransportConfig selects the message transport: memory or redis.
type TransportConfig struct {
	Driver       string  `mapstructure:"driver"`
	DSN          string  `mapstructure:"dsn"`
	Codec        string  `mapstructure:"codec"`
	StreamMaxLen int64   `mapstructure:"stream_max_len"`
	RateLimit    float64 `mapstructure:"rate_limit"`
	Burst        int     `mapstructure:"burst"`
	Group        string  `mapstructure:"group"`
}

type EngineConfig struct {
	PoolSize          int           `mapstructure:"pool_size"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	RecoverySchedule  string        `mapstructure:"recovery_schedule"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	SuccessThreshold  int           `mapstructure:"success_threshold"`
}

type EventBusConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	RetryMax      time.Duration `mapstructure:"retry_max"`
	SeenTTL       time.Duration `mapstructure:"seen_ttl"`
	Topic         string        `mapstructure:"topic"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

type IdempotencyConfig struct {
	ReserveTTL    time.Duration `mapstructure:"reserve_ttl"`
	CompleteTTL   time.Duration `mapstructure:"complete_ttl"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

type TxnConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
}

type DLQConfig struct {
	MaxReplays int           `mapstructure:"max_replays"`
	ArchiveTTL time.Duration `mapstructure:"archive_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func flowcoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowcore"
	}
	return filepath.Join(home, ".flowcore")
}

func setDefaults(v *viper.Viper) {
	retry := schema.DefaultRetryPolicy()
	breaker := engine.DefaultCircuitBreakerConfig()

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "file:"+filepath.Join(flowcoreDir(), "flowcore.db"))
	v.SetDefault("store.namespace", "flowcore:")
	v.SetDefault("store.purge_schedule", "@every 10m")

	v.SetDefault("data.driver", "memory")
	v.SetDefault("data.dsn", "")

	v.SetDefault("transport.driver", "memory")
	v.SetDefault("transport.dsn", "redis://localhost:6379/0")
	v.SetDefault("transport.codec", transport.CodecNameJSON)
	v.SetDefault("transport.stream_max_len", 100000)
	v.SetDefault("transport.rate_limit", 0)
	v.SetDefault("transport.burst", 1)
	v.SetDefault("transport.group", "flowcore-workers")

	v.SetDefault("engine.pool_size", engine.DefaultPoolSize)
	v.SetDefault("engine.lock_ttl", engine.DefaultLockTTL)
	v.SetDefault("engine.stale_after", engine.DefaultStaleAfter)
	v.SetDefault("engine.recovery_schedule", "@every 1m")
	v.SetDefault("engine.max_attempts", retry.MaxAttempts)
	v.SetDefault("engine.initial_delay", time.Duration(retry.InitialDelayMs)*time.Millisecond)
	v.SetDefault("engine.max_delay", time.Duration(retry.MaxDelayMs)*time.Millisecond)
	v.SetDefault("engine.backoff_multiplier", retry.BackoffMultiplier)
	v.SetDefault("engine.failure_threshold", breaker.FailureThreshold)
	v.SetDefault("engine.cooldown", breaker.Cooldown)
	v.SetDefault("engine.success_threshold", breaker.SuccessThreshold)

	v.SetDefault("eventbus.max_attempts", eventbus.DefaultMaxAttempts)
	v.SetDefault("eventbus.retry_base", eventbus.DefaultRetryBase)
	v.SetDefault("eventbus.retry_max", eventbus.DefaultRetryMax)
	v.SetDefault("eventbus.seen_ttl", eventbus.DefaultSeenTTL)
	v.SetDefault("eventbus.topic", eventbus.DefaultTopic)
	v.SetDefault("eventbus.sweep_schedule", "@every 1h")

	v.SetDefault("idempotency.reserve_ttl", engine.DefaultReserveTTL)
	v.SetDefault("idempotency.complete_ttl", engine.DefaultReserveTTL)
	v.SetDefault("idempotency.sweep_schedule", "@every 15m")

	v.SetDefault("txn.idle_timeout", txn.DefaultIdleTimeout)
	v.SetDefault("txn.max_age", 10*time.Minute)
	v.SetDefault("txn.cleanup_schedule", "@every 1m")

	v.SetDefault("dlq.max_replays", transport.DefaultMaxReplays)
	v.SetDefault("dlq.archive_ttl", 7*24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metadata_dir", "")
}

// loadConfig layers defaults, the config file and the environment into v
// and decodes the result. An explicit file must exist; the implicit
// flowcore.{yaml,json} in the working or home directory may be absent.
func loadConfig(v *viper.Viper, file string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("FLOWCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("flowcore")
		v.AddConfigPath(".")
		v.AddConfigPath(flowcoreDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if err := oneOf("store.driver", c.Store.Driver, "memory", "libsql", "redis"); err != nil {
		return err
	}
	if err := oneOf("data.driver", c.Data.Driver, "memory", "libsql", "postgres"); err != nil {
		return err
	}
	if err := oneOf("transport.driver", c.Transport.Driver, "memory", "redis"); err != nil {
		return err
	}
	if err := oneOf("transport.codec", c.Transport.Codec, transport.CodecNameJSON, transport.CodecNameMsgpack); err != nil {
		return err
	}
	if c.Data.Driver != "memory" && c.Data.DSN == "" {
		return fmt.Errorf("data.dsn is required for driver %q", c.Data.Driver)
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}

func (c EngineConfig) engineConfig(idem IdempotencyConfig) engine.Config {
	return engine.Config{
		PoolSize:   c.PoolSize,
		LockTTL:    c.LockTTL,
		StaleAfter: c.StaleAfter,
		Retry: schema.RetryPolicy{
			MaxAttempts:       c.MaxAttempts,
			InitialDelayMs:    c.InitialDelay.Milliseconds(),
			MaxDelayMs:        c.MaxDelay.Milliseconds(),
			BackoffMultiplier: c.BackoffMultiplier,
		},
		CircuitBreaker: engine.CircuitBreakerConfig{
			FailureThreshold: c.FailureThreshold,
			Cooldown:         c.Cooldown,
			SuccessThreshold: c.SuccessThreshold,
		},
		ReserveTTL:  idem.ReserveTTL,
		CompleteTTL: idem.CompleteTTL,
	}
}
