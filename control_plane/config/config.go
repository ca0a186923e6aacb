package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SNIPER_STORAGE_DRIVER.
const EnvPrefix = "SNIPER"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds typed configuration for the server.
type Config struct {
	ListenAddr string
	LogLevel   string

	Storage   StorageConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Provider  ProviderConfig
	Recorder  RecorderConfig
	API       APIConfig
	Notify    NotifyConfig
}

type StorageConfig struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

// RedisConfig enables cross-replica attempt locks and idempotency when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SchedulerConfig struct {
	AttemptTimeout time.Duration
	RetryUnit      time.Duration
	LockTTL        time.Duration
	JanitorEvery   time.Duration
}

type ProviderConfig struct {
	CacheTTL         time.Duration
	RequestTimeout   time.Duration
	RateLimit        float64
	RateBurst        int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type RecorderConfig struct {
	MaxLogEntries int
}

type APIConfig struct {
	Token          string
	CORSOrigin     string
	RateLimit      float64
	RateBurst      int
	IdempotencyTTL time.Duration
	StreamInterval time.Duration
}

type NotifyConfig struct {
	TelegramAPI string
}

// SetDefaults registers every key with its default value so that
// environment overrides work without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":5000")
	v.SetDefault("log_level", "info")

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.sqlite_path", "data/ovhsniper.db")
	v.SetDefault("storage.postgres_dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("scheduler.attempt_timeout", 30*time.Second)
	v.SetDefault("scheduler.retry_unit", time.Second)
	v.SetDefault("scheduler.lock_ttl", 2*time.Minute)
	v.SetDefault("scheduler.janitor_interval", time.Minute)

	v.SetDefault("provider.cache_ttl", 5*time.Second)
	v.SetDefault("provider.request_timeout", 20*time.Second)
	v.SetDefault("provider.rate_limit", 10.0)
	v.SetDefault("provider.rate_burst", 20)
	v.SetDefault("provider.breaker_threshold", 5)
	v.SetDefault("provider.breaker_cooldown", 30*time.Second)

	v.SetDefault("recorder.max_log_entries", 1000)

	v.SetDefault("api.token", "")
	v.SetDefault("api.cors_origin", "*")
	v.SetDefault("api.rate_limit", 50.0)
	v.SetDefault("api.rate_burst", 100)
	v.SetDefault("api.idempotency_ttl", time.Hour)
	v.SetDefault("api.stream_interval", time.Second)

	v.SetDefault("notify.telegram_api", "https://api.telegram.org")
}

// NewViper returns a viper instance with defaults and SNIPER_ environment
// overrides. A non-empty path is read as the config file.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	return v, nil
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		ListenAddr: v.GetString("listen_addr"),
		LogLevel:   v.GetString("log_level"),
		Storage: StorageConfig{
			Driver:      strings.ToLower(v.GetString("storage.driver")),
			SQLitePath:  v.GetString("storage.sqlite_path"),
			PostgresDSN: v.GetString("storage.postgres_dsn"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Scheduler: SchedulerConfig{
			AttemptTimeout: v.GetDuration("scheduler.attempt_timeout"),
			RetryUnit:      v.GetDuration("scheduler.retry_unit"),
			LockTTL:        v.GetDuration("scheduler.lock_ttl"),
			JanitorEvery:   v.GetDuration("scheduler.janitor_interval"),
		},
		Provider: ProviderConfig{
			CacheTTL:         v.GetDuration("provider.cache_ttl"),
			RequestTimeout:   v.GetDuration("provider.request_timeout"),
			RateLimit:        v.GetFloat64("provider.rate_limit"),
			RateBurst:        v.GetInt("provider.rate_burst"),
			BreakerThreshold: v.GetInt("provider.breaker_threshold"),
			BreakerCooldown:  v.GetDuration("provider.breaker_cooldown"),
		},
		Recorder: RecorderConfig{
			MaxLogEntries: v.GetInt("recorder.max_log_entries"),
		},
		API: APIConfig{
			Token:          v.GetString("api.token"),
			CORSOrigin:     v.GetString("api.cors_origin"),
			RateLimit:      v.GetFloat64("api.rate_limit"),
			RateBurst:      v.GetInt("api.rate_burst"),
			IdempotencyTTL: v.GetDuration("api.idempotency_ttl"),
			StreamInterval: v.GetDuration("api.stream_interval"),
		},
		Notify: NotifyConfig{
			TelegramAPI: v.GetString("notify.telegram_api"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return errors.Errorf("unknown storage.driver %q (memory, sqlite or postgres)", c.Storage.Driver)
	}
	if c.Scheduler.RetryUnit <= 0 {
		return errors.New("scheduler.retry_unit must be positive")
	}
	if c.Scheduler.AttemptTimeout <= 0 {
		return errors.New("scheduler.attempt_timeout must be positive")
	}
	if c.Recorder.MaxLogEntries < 0 {
		return errors.New("recorder.max_log_entries must not be negative")
	}
	return nil
}
