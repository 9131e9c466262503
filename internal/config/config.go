// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Worker pool modes.
const (
	ModePool    = "pool"
	ModeProcess = "process"
)

// Storage backends.
const (
	BackendLocal = "local"
	BackendGCS   = "gcs"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Site       SiteConfig       `mapstructure:"site"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Download   DownloadConfig   `mapstructure:"download"`
	WorkerPool WorkerPoolConfig `mapstructure:"worker_pool"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
}

// SiteConfig locates the gallery being crawled.
type SiteConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	ListingPath string `mapstructure:"listing_path"`
	StartURL    string `mapstructure:"start_url"`
}

// FetchConfig controls page fetching.
type FetchConfig struct {
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	WatchdogSeconds int    `mapstructure:"watchdog_seconds"`
	UserAgent       string `mapstructure:"user_agent"`
	Charset         string `mapstructure:"charset"`
}

// DownloadConfig controls the background image downloads.
type DownloadConfig struct {
	TimeoutSeconds      int `mapstructure:"timeout_seconds"`
	Concurrency         int `mapstructure:"concurrency"`
	DrainTimeoutSeconds int `mapstructure:"drain_timeout_seconds"`
	// MaxBytes rejects larger images. Zero means no limit.
	MaxBytes int `mapstructure:"max_bytes"`
	// RequestsPerSecond paces image requests per host. Zero means unlimited.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// WorkerPoolConfig selects how page tasks are isolated.
type WorkerPoolConfig struct {
	Mode       string `mapstructure:"mode"`
	Size       int    `mapstructure:"size"`
	QueueDepth int    `mapstructure:"queue_depth"`
}

// StorageConfig selects the content store.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the optional image catalog. An empty DSN disables it.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// LoggingConfig toggles zap development features and the run log directory.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Dir         string `mapstructure:"dir"`
}

// ServerConfig controls the status server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GALLERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.base_url", "http://www.meizitu.com")
	v.SetDefault("site.listing_path", "/a/")
	v.SetDefault("site.start_url", "http://www.meizitu.com/a/list_1_1.html")
	v.SetDefault("fetch.timeout_seconds", 300)
	v.SetDefault("fetch.watchdog_seconds", 60)
	v.SetDefault("fetch.user_agent", "gallery-crawler/0.1")
	v.SetDefault("fetch.charset", "")
	v.SetDefault("download.timeout_seconds", 120)
	v.SetDefault("download.concurrency", 8)
	v.SetDefault("download.drain_timeout_seconds", 600)
	v.SetDefault("download.max_bytes", 0)
	v.SetDefault("download.requests_per_second", 0)
	v.SetDefault("download.burst", 1)
	v.SetDefault("worker_pool.mode", ModePool)
	v.SetDefault("worker_pool.size", 4)
	v.SetDefault("worker_pool.queue_depth", 64)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.dir", "downloads")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "stored_images")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.dir", "logs")
	v.SetDefault("server.port", 0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Site.BaseURL == "" {
		return fmt.Errorf("site.base_url must be set")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.WatchdogSeconds <= 0 {
		return fmt.Errorf("fetch.watchdog_seconds must be > 0")
	}
	if c.Download.TimeoutSeconds <= 0 {
		return fmt.Errorf("download.timeout_seconds must be > 0")
	}
	if c.Download.Concurrency <= 0 {
		return fmt.Errorf("download.concurrency must be > 0")
	}
	if c.Download.MaxBytes < 0 {
		return fmt.Errorf("download.max_bytes must be >= 0")
	}
	if c.Download.RequestsPerSecond < 0 {
		return fmt.Errorf("download.requests_per_second must be >= 0")
	}
	switch c.WorkerPool.Mode {
	case ModePool:
		if c.WorkerPool.Size <= 0 {
			return fmt.Errorf("worker_pool.size must be > 0")
		}
		if c.WorkerPool.QueueDepth < 0 {
			return fmt.Errorf("worker_pool.queue_depth must be >= 0")
		}
	case ModeProcess:
	default:
		return fmt.Errorf("worker_pool.mode must be %q or %q, got %q", ModePool, ModeProcess, c.WorkerPool.Mode)
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendLocal, BackendGCS, c.Storage.Backend)
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	return nil
}

// FetchTimeout is the whole-request limit for a page fetch.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// WatchdogInterval is how often a slow page fetch is reported.
func (c Config) WatchdogInterval() time.Duration {
	return time.Duration(c.Fetch.WatchdogSeconds) * time.Second
}

// DownloadTimeout is the hard deadline for one image download.
func (c Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Download.TimeoutSeconds) * time.Second
}

// DrainTimeout bounds the wait for background downloads at exit.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Download.DrainTimeoutSeconds) * time.Second
}
