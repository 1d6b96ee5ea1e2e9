// Package config loads sagaflow settings with viper and builds the
// configured repository and registry.
package config

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fortressi/sagaflow"
	"github.com/fortressi/sagaflow/pgrepo"
	"github.com/fortressi/sagaflow/redisrepo"
	_ "github.com/lib/pq" // postgres driver
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes environment overrides, e.g. SAGAFLOW_HISTORY_LIMIT.
const EnvPrefix = "SAGAFLOW"

// Repository drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config is the top-level configuration.
type Config struct {
	History    HistoryConfig    `mapstructure:"history"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Log        LogConfig        `mapstructure:"log"`
}

type HistoryConfig struct {
	Limit int `mapstructure:"limit"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type RepositoryConfig struct {
	Driver   string         `mapstructure:"driver"`
	File     FileConfig     `mapstructure:"file"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type FileConfig struct {
	Dir string `mapstructure:"dir"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type PostgresConfig struct {
	DSN         string `mapstructure:"dsn"`
	Table       string `mapstructure:"table"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("history.limit", sagaflow.DefaultHistoryLimit)
	v.SetDefault("repository.driver", DriverMemory)
	v.SetDefault("repository.file.dir", "sagaflow-state")
	v.SetDefault("repository.redis.addr", "localhost:6379")
	v.SetDefault("repository.redis.password", "")
	v.SetDefault("repository.redis.db", 0)
	v.SetDefault("repository.redis.prefix", redisrepo.DefaultPrefix)
	v.SetDefault("repository.redis.ttl", time.Duration(0))
	v.SetDefault("repository.postgres.dsn", "")
	v.SetDefault("repository.postgres.table", pgrepo.DefaultTable)
	v.SetDefault("repository.postgres.auto_migrate", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads the config file at path, if any, over the defaults and applies
// SAGAFLOW_* environment overrides. An empty path uses defaults and the
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot enforce through defaults.
func (c *Config) Validate() error {
	if c.History.Limit < 1 {
		return fmt.Errorf("history.limit must be positive, got %d", c.History.Limit)
	}
	switch c.Repository.Driver {
	case DriverMemory, DriverFile, DriverRedis:
	case DriverPostgres:
		if c.Repository.Postgres.DSN == "" {
			return fmt.Errorf("repository.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown repository driver %q", c.Repository.Driver)
	}
	return nil
}

// Logger builds a zap logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zc.Level = level
	return zc.Build()
}

// OpenRepository opens the configured backend. The returned close function
// releases its connections and is never nil.
func (c *Config) OpenRepository(ctx context.Context, logger *zap.Logger) (sagaflow.Repository, func() error, error) {
	noop := func() error { return nil }
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := c.Repository

	switch rc.Driver {
	case DriverMemory:
		return sagaflow.NewMemoryRepository(), noop, nil

	case DriverFile:
		repo, err := sagaflow.NewFileRepository(rc.File.Dir)
		if err != nil {
			return nil, noop, err
		}
		return repo, noop, nil

	case DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Redis.Addr,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("failed to connect to redis: %w", err)
		}
		repo := redisrepo.New(client).
			WithKeyPrefix(rc.Redis.Prefix).
			WithTTL(rc.Redis.TTL).
			WithLogger(logger.Named("redisrepo"))
		return repo, client.Close, nil

	case DriverPostgres:
		db, err := sql.Open("postgres", rc.Postgres.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open postgres: %w", err)
		}
		repo := pgrepo.New(db, pgrepo.WithTable(rc.Postgres.Table))
		if rc.Postgres.AutoMigrate {
			if err := repo.EnsureSchema(ctx); err != nil {
				_ = db.Close()
				return nil, noop, err
			}
		}
		return repo, db.Close, nil
	}
	return nil, noop, fmt.Errorf("unknown repository driver %q", rc.Driver)
}

// NewRegistry opens the configured repository and returns a registry wired
// to it.
func (c *Config) NewRegistry(ctx context.Context, logger *zap.Logger) (*sagaflow.Registry, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	repo, closeFn, err := c.OpenRepository(ctx, logger)
	if err != nil {
		return nil, closeFn, err
	}
	reg := sagaflow.NewRegistry(
		sagaflow.WithHistoryLimit(c.History.Limit),
		sagaflow.WithRegistryRepository(repo),
		sagaflow.WithRegistryLogger(logger.Named("registry")),
	)
	logger.Info("registry configured",
		zap.String("driver", c.Repository.Driver),
		zap.Int("history_limit", c.History.Limit))
	return reg, closeFn, nil
}
