package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nicktill/tinymeter/pkg/account"
	"github.com/nicktill/tinymeter/pkg/cache"
	"github.com/nicktill/tinymeter/pkg/cache/redis"
	"github.com/nicktill/tinymeter/pkg/config"
	"github.com/nicktill/tinymeter/pkg/logging"
	"github.com/nicktill/tinymeter/pkg/storage"
	"github.com/nicktill/tinymeter/pkg/storage/badger"
	"github.com/nicktill/tinymeter/pkg/storage/memory"
)

// EnvPrefix prefixes every environment variable LoadConfig reads
const EnvPrefix = "TINYMETER"

// WriterConfig tunes the asynchronous writer
type WriterConfig struct {
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// MaintenanceConfig tunes the nightly scheduler
type MaintenanceConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	MonthlyRollup bool          `mapstructure:"monthly_rollup"`
}

// AccountsConfig selects the meter registry backend
type AccountsConfig struct {
	// Backend is memory or sqlite
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
}

// CacheConfig selects the latest-value cache backend
type CacheConfig struct {
	// Backend is memory or redis
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// LogConfig mirrors logging.Config
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Config holds server configuration.
type Config struct {
	Port         string `mapstructure:"port"`
	DataDir      string `mapstructure:"data_dir"`
	Storage      string `mapstructure:"storage"`
	MaxStorageGB int64  `mapstructure:"max_storage_gb"`
	MaxMemoryMB  int64  `mapstructure:"max_memory_mb"`
	Timezone     string `mapstructure:"timezone"`

	Writer      WriterConfig      `mapstructure:"writer"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Accounts    AccountsConfig    `mapstructure:"accounts"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Log         LogConfig         `mapstructure:"log"`
}

// LoadConfig reads configuration from, in increasing precedence: built-in
// defaults, tinymeter.{yaml,toml,json} in . or /etc/tinymeter, a .env file
// and TINYMETER_* environment variables (writer.queue_size reads
// TINYMETER_WRITER_QUEUE_SIZE). PORT is honoured as a fallback for the port.
func LoadConfig() (Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("tinymeter")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tinymeter")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.BindEnv("port", EnvPrefix+"_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind port env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", config.DefaultPort)
	v.SetDefault("data_dir", config.DefaultDataDir)
	v.SetDefault("storage", config.DefaultStorage)
	v.SetDefault("max_storage_gb", config.DefaultMaxStorageGB)
	v.SetDefault("max_memory_mb", config.DefaultMaxMemoryMB)
	v.SetDefault("timezone", config.DefaultTimezone)

	v.SetDefault("writer.workers", config.DefaultWriterWorkers)
	v.SetDefault("writer.queue_size", config.DefaultWriterQueueSize)
	v.SetDefault("writer.max_retries", config.DefaultWriterMaxRetries)
	v.SetDefault("writer.retry_backoff", config.DefaultWriterRetryBackoff)

	v.SetDefault("maintenance.poll_interval", config.DefaultPollInterval)
	v.SetDefault("maintenance.cooldown", config.DefaultCooldown)
	v.SetDefault("maintenance.monthly_rollup", true)

	v.SetDefault("accounts.backend", "sqlite")
	v.SetDefault("accounts.dsn", "")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
}

// Validate rejects unknown backends and unloadable time zones
func (c Config) Validate() error {
	switch c.Storage {
	case "memory", "badger":
	default:
		return fmt.Errorf("unknown storage backend %q (memory|badger)", c.Storage)
	}
	switch c.Accounts.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown accounts backend %q (memory|sqlite)", c.Accounts.Backend)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q (memory|redis)", c.Cache.Backend)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone ("Local" or "" = the host zone)
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// MaxStorageBytes is the data-dir limit in bytes
func (c Config) MaxStorageBytes() int64 {
	return c.MaxStorageGB * 1024 * 1024 * 1024
}

// InitializeLogger builds the process logger and installs it as zap's global.
func InitializeLogger(cfg Config) (*zap.Logger, error) {
	log, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(log)
	return log, nil
}

// InitializeStorage opens the reading store selected by cfg.Storage.
func InitializeStorage(cfg Config, log *zap.Logger) (storage.Storage, error) {
	if cfg.Storage == "memory" {
		log.Info("using in-memory reading store (data is lost on exit)")
		return memory.New(), nil
	}

	path := filepath.Join(cfg.DataDir, "readings")
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := badger.New(badger.Config{
		Path:        path,
		MaxMemoryMB: cfg.MaxMemoryMB,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	log.Info("badger reading store opened",
		zap.String("path", path),
		zap.Int64("max_memory_mb", cfg.MaxMemoryMB),
	)
	return store, nil
}

// InitializeAccounts opens the meter registry. The returned close func is never nil.
func InitializeAccounts(cfg Config, log *zap.Logger) (account.Registry, func() error, error) {
	noop := func() error { return nil }
	if cfg.Accounts.Backend == "memory" {
		log.Info("using in-memory account registry")
		return account.NewMemory(), noop, nil
	}

	dsn := cfg.Accounts.DSN
	if dsn == "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, noop, fmt.Errorf("create data directory: %w", err)
		}
		dsn = filepath.Join(cfg.DataDir, "accounts.db")
	}

	store, err := account.OpenSQLite(dsn)
	if err != nil {
		return nil, noop, err
	}
	log.Info("sqlite account registry opened", zap.String("dsn", dsn))
	return store, store.Close, nil
}

// InitializeCache connects the latest-value cache. The returned close func is never nil.
func InitializeCache(ctx context.Context, cfg Config, log *zap.Logger) (cache.Cache, func() error, error) {
	noop := func() error { return nil }
	if cfg.Cache.Backend == "memory" {
		return cache.NewMemory(), noop, nil
	}

	c, err := redis.Dial(ctx, redis.Options{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	})
	if err != nil {
		return nil, noop, err
	}
	log.Info("redis latest-value cache connected", zap.String("addr", cfg.Cache.RedisAddr))
	return c, c.Close, nil
}
