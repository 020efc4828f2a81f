// Package config loads and validates collector configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bjpl/open-learn-co-sub001/internal/collection"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig                  `mapstructure:"server"`
	Auth       AuthConfig                    `mapstructure:"auth"`
	Logging    LoggingConfig                 `mapstructure:"logging"`
	Scheduler  SchedulerConfig               `mapstructure:"scheduler"`
	Enrichment EnrichmentConfig              `mapstructure:"enrichment"`
	RateLimit  RateLimitConfig               `mapstructure:"rate_limit"`
	Cache      CacheConfig                   `mapstructure:"cache"`
	DB         DBConfig                      `mapstructure:"db"`
	Redis      RedisConfig                   `mapstructure:"redis"`
	Storage    StorageConfig                 `mapstructure:"storage"`
	PubSub     PubSubConfig                  `mapstructure:"pubsub"`
	Sources    []collection.SourceDefinition `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SchedulerConfig governs trigger loops, worker pools and retry policy.
type SchedulerConfig struct {
	HighWorkers      int `mapstructure:"high_workers"`
	MediumWorkers    int `mapstructure:"medium_workers"`
	LowWorkers       int `mapstructure:"low_workers"`
	BaseDelaySeconds int `mapstructure:"base_delay_seconds"`
	MaxDelaySeconds  int `mapstructure:"max_delay_seconds"`
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
	OrphanAfterSec   int `mapstructure:"orphan_after_seconds"`
}

// EnrichmentConfig tunes the batch processor.
type EnrichmentConfig struct {
	BatchSize      int `mapstructure:"batch_size"`
	BatchTimeoutMs int `mapstructure:"batch_timeout_ms"`
	ResultTTLHours int `mapstructure:"result_ttl_hours"`
}

// RateLimitConfig sets the fallback outbound request budget for sources
// that do not carry their own.
type RateLimitConfig struct {
	DefaultPerMinute float64 `mapstructure:"default_per_minute"`
	DefaultBurst     int     `mapstructure:"default_burst"`
}

// CacheConfig selects the cache backing store.
type CacheConfig struct {
	Backend string `mapstructure:"backend"` // memory or redis
}

// DBConfig controls access to the relational database. An empty DSN
// selects the in-memory stores.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// RedisConfig holds connection settings for the redis cache backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig sets paths for raw payload archival.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // memory or gcs
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COLLECTOR")
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

	applySourceDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("scheduler.high_workers", 4)
	v.SetDefault("scheduler.medium_workers", 2)
	v.SetDefault("scheduler.low_workers", 1)
	v.SetDefault("scheduler.base_delay_seconds", 5)
	v.SetDefault("scheduler.max_delay_seconds", 300)
	v.SetDefault("scheduler.heartbeat_seconds", 15)
	v.SetDefault("scheduler.orphan_after_seconds", 120)
	v.SetDefault("enrichment.batch_size", 16)
	v.SetDefault("enrichment.batch_timeout_ms", 200)
	v.SetDefault("enrichment.result_ttl_hours", 24)
	v.SetDefault("rate_limit.default_per_minute", 30.0)
	v.SetDefault("rate_limit.default_burst", 5)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "payloads")
}

// applySourceDefaults fills per-source fields the file may omit.
func applySourceDefaults(cfg *Config) {
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.Priority == "" {
			src.Priority = collection.PriorityMedium
		}
		if src.Interval <= 0 {
			src.Interval = 30 * time.Minute
		}
		if src.FetchTimeout <= 0 {
			src.FetchTimeout = 30 * time.Second
		}
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Enrichment.BatchSize <= 0 {
		return fmt.Errorf("enrichment.batch_size must be > 0")
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set for the redis cache backend")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	switch c.Storage.Backend {
	case "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or gcs, got %q", c.Storage.Backend)
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	return c.validateSources()
}

func (c Config) validateSources() error {
	seen := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		if src.Key == "" {
			return fmt.Errorf("every source needs a key")
		}
		if seen[src.Key] {
			return fmt.Errorf("duplicate source key %q", src.Key)
		}
		seen[src.Key] = true

		switch src.Kind {
		case collection.SourceKindAPI, collection.SourceKindScraper:
		default:
			return fmt.Errorf("source %q: kind must be api or scraper, got %q", src.Key, src.Kind)
		}
		switch src.Priority {
		case collection.PriorityHigh, collection.PriorityMedium, collection.PriorityLow:
		default:
			return fmt.Errorf("source %q: priority must be high, medium or low, got %q", src.Key, src.Priority)
		}
		if src.Endpoint == "" {
			return fmt.Errorf("source %q: endpoint required", src.Key)
		}
		if src.MaxRetries < 0 {
			return fmt.Errorf("source %q: max_retries must be >= 0", src.Key)
		}
		if src.RateLimit < 0 {
			return fmt.Errorf("source %q: rate_limit must be >= 0", src.Key)
		}
		if src.Kind == collection.SourceKindScraper {
			for _, sel := range []string{"item", "title", "content"} {
				if src.Selectors[sel] == "" {
					return fmt.Errorf("source %q: selectors.%s required for scrapers", src.Key, sel)
				}
			}
		}
		for _, rule := range src.AlertRules {
			if rule.Field == "" || rule.Kind == "" {
				return fmt.Errorf("source %q: alert rules need field and kind", src.Key)
			}
		}
	}
	return nil
}

// SchedulerTiming converts the second-granularity knobs into durations.
func (c Config) SchedulerTiming() (base, max, heartbeat, orphanAfter time.Duration) {
	return time.Duration(c.Scheduler.BaseDelaySeconds) * time.Second,
		time.Duration(c.Scheduler.MaxDelaySeconds) * time.Second,
		time.Duration(c.Scheduler.HeartbeatSeconds) * time.Second,
		time.Duration(c.Scheduler.OrphanAfterSec) * time.Second
}

// EnrichmentTiming converts enrichment knobs into durations.
func (c Config) EnrichmentTiming() (timeout, ttl time.Duration) {
	return time.Duration(c.Enrichment.BatchTimeoutMs) * time.Millisecond,
		time.Duration(c.Enrichment.ResultTTLHours) * time.Hour
}
