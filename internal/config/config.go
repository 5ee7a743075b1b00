// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	DB      DBConfig      `mapstructure:"db"`
	Market  MarketConfig  `mapstructure:"market"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the metrics/health HTTP endpoint.
type ServerConfig struct {
	MetricsPort int `mapstructure:"metrics_port"`
}

// DBConfig controls access to the shared persistent store.
type DBConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// MarketConfig configures the marketplace client. Proxies apply only to
// marketplace requests, never to the store.
type MarketConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	HTTPProxy         string `mapstructure:"http_proxy"`
	HTTPSProxy        string `mapstructure:"https_proxy"`
	TokenDispenserURL string `mapstructure:"token_dispenser_url"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
}

// CrawlConfig governs the discovery engine.
type CrawlConfig struct {
	SlowCrawl              bool `mapstructure:"slow_crawl"`
	MoreDetails            bool `mapstructure:"more_details"`
	MaxTaskDurationSeconds int  `mapstructure:"max_task_duration_seconds"`
	IdleWaitSeconds        int  `mapstructure:"idle_wait_seconds"`
	ExitWhenIdle           bool `mapstructure:"exit_when_idle"`
	EnqueueDownloads       bool `mapstructure:"enqueue_downloads"`
}

// PoolConfig governs the download pool manager.
type PoolConfig struct {
	Folder                     string `mapstructure:"apks_pool_folder"`
	SizeMB                     int64  `mapstructure:"apks_pool_size_mb"`
	MaxDownloadDurationSeconds int    `mapstructure:"max_download_duration_seconds"`
	PollIntervalSeconds        int    `mapstructure:"poll_interval_seconds"`
	FreeOnly                   bool   `mapstructure:"free_only"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PLAYGRAPH")
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
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("db.provider", "postgres")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("market.base_url", "https://android.clients.google.com")
	v.SetDefault("market.timeout_seconds", 30)
	v.SetDefault("crawl.slow_crawl", false)
	v.SetDefault("crawl.more_details", false)
	v.SetDefault("crawl.max_task_duration_seconds", 600)
	v.SetDefault("crawl.idle_wait_seconds", 5)
	v.SetDefault("crawl.exit_when_idle", true)
	v.SetDefault("crawl.enqueue_downloads", true)
	v.SetDefault("pool.apks_pool_folder", "data/apks")
	v.SetDefault("pool.apks_pool_size_mb", 1024)
	v.SetDefault("pool.max_download_duration_seconds", 1800)
	v.SetDefault("pool.poll_interval_seconds", 1)
	v.SetDefault("pool.free_only", true)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits. Setup problems
// are surfaced here, at startup, and are never retried.
func (c Config) Validate() error {
	if c.Server.MetricsPort <= 0 {
		return fmt.Errorf("server.metrics_port must be > 0")
	}
	switch c.DB.Provider {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.provider is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown db.provider: %s", c.DB.Provider)
	}
	if c.Market.BaseURL == "" {
		return fmt.Errorf("market.base_url is required")
	}
	if c.Crawl.MaxTaskDurationSeconds <= 0 {
		return fmt.Errorf("crawl.max_task_duration_seconds must be > 0")
	}
	if c.Pool.MaxDownloadDurationSeconds <= 0 {
		return fmt.Errorf("pool.max_download_duration_seconds must be > 0")
	}
	if c.Pool.SizeMB <= 0 {
		return fmt.Errorf("pool.apks_pool_size_mb must be > 0")
	}
	if c.Pool.PollIntervalSeconds <= 0 {
		return fmt.Errorf("pool.poll_interval_seconds must be > 0")
	}
	return nil
}

// TaskLease returns the crawl task lease duration.
func (c Config) TaskLease() time.Duration {
	return time.Duration(c.Crawl.MaxTaskDurationSeconds) * time.Second
}

// DownloadLease returns the download lease duration.
func (c Config) DownloadLease() time.Duration {
	return time.Duration(c.Pool.MaxDownloadDurationSeconds) * time.Second
}

// IdleWait returns how long a crawl worker sleeps when no task is eligible.
func (c Config) IdleWait() time.Duration {
	return time.Duration(c.Crawl.IdleWaitSeconds) * time.Second
}

// PollInterval returns the backpressure polling cadence.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Pool.PollIntervalSeconds) * time.Second
}

// PoolCeilingBytes converts the configured pool size to bytes.
func (c Config) PoolCeilingBytes() int64 {
	return c.Pool.SizeMB * 1000 * 1000
}
