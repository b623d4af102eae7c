// Package config loads the client and development service settings from an
// optional .env file, an optional YAML file and DECKSYNC_* environment
// variables, in increasing order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "DECKSYNC"

// Cache backends.
const (
	CacheFile   = "file"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Cache    CacheConfig    `yaml:"cache"`
	Sync     SyncConfig     `yaml:"sync"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Server   ServerConfig   `yaml:"server"`
}

type ServiceConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	BatchSize  int           `yaml:"batch_size"`
}

type CacheConfig struct {
	Backend     string `yaml:"backend"`
	Dir         string `yaml:"dir"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type SyncConfig struct {
	QuietPeriod      time.Duration `yaml:"quiet_period"`
	ThumbnailDelay   time.Duration `yaml:"thumbnail_delay"`
	UploadsPerSecond float64       `yaml:"uploads_per_second"`
	UploadBurst      int           `yaml:"upload_burst"`
	PartConcurrency  int           `yaml:"part_concurrency"`
}

type RealtimeConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	ReconnectBurst    int           `yaml:"reconnect_burst"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	// ListenAddr serves /metrics when set.
	ListenAddr string `yaml:"listen_addr"`
}

// ServerConfig configures the development record service.
type ServerConfig struct {
	ListenAddr string        `yaml:"listen_addr"`
	Secret     string        `yaml:"secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			BaseURL:    "http://localhost:8080",
			Timeout:    20 * time.Second,
			MaxRetries: 3,
			BatchSize:  20,
		},
		Cache: CacheConfig{
			Backend:     CacheFile,
			Dir:         defaultCacheDir(),
			RedisAddr:   "localhost:6379",
			RedisPrefix: "decksync",
		},
		Sync: SyncConfig{
			QuietPeriod:      3 * time.Second,
			ThumbnailDelay:   250 * time.Millisecond,
			UploadsPerSecond: 8,
			UploadBurst:      4,
			PartConcurrency:  4,
		},
		Realtime: RealtimeConfig{
			Enabled:           true,
			ReconnectInterval: 5 * time.Second,
			ReconnectBurst:    2,
		},
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			ListenAddr: ":8080",
			Secret:     "decksync-dev-secret",
			TokenTTL:   24 * time.Hour,
		},
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".decksync"
	}
	return dir + string(os.PathSeparator) + "decksync"
}

// Load reads .env from the working directory when present, then the YAML file
// at path (skipped when empty), then applies environment overrides such as
// DECKSYNC_SERVICE_BASE_URL or DECKSYNC_SYNC_QUIET_PERIOD.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrap(err, "load .env")
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bind(v, cfg)

	cfg.Service.BaseURL = v.GetString("service.base_url")
	cfg.Service.Token = v.GetString("service.token")
	cfg.Service.Timeout = v.GetDuration("service.timeout")
	cfg.Service.MaxRetries = v.GetInt("service.max_retries")
	cfg.Service.BatchSize = v.GetInt("service.batch_size")

	cfg.Cache.Backend = strings.ToLower(v.GetString("cache.backend"))
	cfg.Cache.Dir = v.GetString("cache.dir")
	cfg.Cache.RedisAddr = v.GetString("cache.redis_addr")
	cfg.Cache.RedisPrefix = v.GetString("cache.redis_prefix")

	cfg.Sync.QuietPeriod = v.GetDuration("sync.quiet_period")
	cfg.Sync.ThumbnailDelay = v.GetDuration("sync.thumbnail_delay")
	cfg.Sync.UploadsPerSecond = v.GetFloat64("sync.uploads_per_second")
	cfg.Sync.UploadBurst = v.GetInt("sync.upload_burst")
	cfg.Sync.PartConcurrency = v.GetInt("sync.part_concurrency")

	cfg.Realtime.Enabled = v.GetBool("realtime.enabled")
	cfg.Realtime.ReconnectInterval = v.GetDuration("realtime.reconnect_interval")
	cfg.Realtime.ReconnectBurst = v.GetInt("realtime.reconnect_burst")

	cfg.Log.Level = v.GetString("log.level")
	cfg.Metrics.ListenAddr = v.GetString("metrics.listen_addr")

	cfg.Server.ListenAddr = v.GetString("server.listen_addr")
	cfg.Server.Secret = v.GetString("server.secret")
	cfg.Server.TokenTTL = v.GetDuration("server.token_ttl")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bind registers every key with the file-or-default value so that
// AutomaticEnv can override it.
func bind(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.base_url", cfg.Service.BaseURL)
	v.SetDefault("service.token", cfg.Service.Token)
	v.SetDefault("service.timeout", cfg.Service.Timeout)
	v.SetDefault("service.max_retries", cfg.Service.MaxRetries)
	v.SetDefault("service.batch_size", cfg.Service.BatchSize)

	v.SetDefault("cache.backend", cfg.Cache.Backend)
	v.SetDefault("cache.dir", cfg.Cache.Dir)
	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redis_prefix", cfg.Cache.RedisPrefix)

	v.SetDefault("sync.quiet_period", cfg.Sync.QuietPeriod)
	v.SetDefault("sync.thumbnail_delay", cfg.Sync.ThumbnailDelay)
	v.SetDefault("sync.uploads_per_second", cfg.Sync.UploadsPerSecond)
	v.SetDefault("sync.upload_burst", cfg.Sync.UploadBurst)
	v.SetDefault("sync.part_concurrency", cfg.Sync.PartConcurrency)

	v.SetDefault("realtime.enabled", cfg.Realtime.Enabled)
	v.SetDefault("realtime.reconnect_interval", cfg.Realtime.ReconnectInterval)
	v.SetDefault("realtime.reconnect_burst", cfg.Realtime.ReconnectBurst)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("metrics.listen_addr", cfg.Metrics.ListenAddr)

	v.SetDefault("server.listen_addr", cfg.Server.ListenAddr)
	v.SetDefault("server.secret", cfg.Server.Secret)
	v.SetDefault("server.token_ttl", cfg.Server.TokenTTL)
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case CacheFile:
		if c.Cache.Dir == "" {
			return errors.Wrap(ErrInvalidConfig, "cache.dir is required for the file backend")
		}
	case CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return errors.Wrap(ErrInvalidConfig, "cache.redis_addr is required for the redis backend")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown cache backend %q", c.Cache.Backend)
	}
	if c.Sync.QuietPeriod <= 0 {
		return errors.Wrap(ErrInvalidConfig, "sync.quiet_period must be positive")
	}
	if c.Service.BatchSize <= 0 {
		return errors.Wrap(ErrInvalidConfig, "service.batch_size must be positive")
	}
	return nil
}
