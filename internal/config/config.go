// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/econcrawl/internal/crawler"
	"github.com/JakeFAU/econcrawl/internal/logging"
)

// Blob storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    logging.Config   `mapstructure:"logging"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Health     HealthConfig     `mapstructure:"health"`
	Logs       LogsConfig       `mapstructure:"logs"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	DB         DBConfig         `mapstructure:"db"`
	Sources    []SourceConfig   `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig holds the operator-editable global settings plus boot options.
type CrawlerConfig struct {
	crawler.Settings `mapstructure:",squash"`
	// Autostart sets the crawler running at boot so scheduled crawls dispatch.
	Autostart bool   `mapstructure:"autostart"`
	UserAgent string `mapstructure:"user_agent"`
}

// DispatcherConfig tunes the dispatch loop.
type DispatcherConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Retention    time.Duration `mapstructure:"retention"`
}

// RetryConfig holds the global backoff constants.
type RetryConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

// HealthConfig sizes the per-source health window.
type HealthConfig struct {
	Window              int `mapstructure:"window"`
	ConsecutiveFailures int `mapstructure:"consecutive_failures"`
}

// LogsConfig bounds the crawl log ring and its sink fan-out.
type LogsConfig struct {
	MaxEntries      int           `mapstructure:"max_entries"`
	BufferSize      int           `mapstructure:"buffer_size"`
	MaxBatchEntries int           `mapstructure:"max_batch_entries"`
	MaxBatchWait    time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout     time.Duration `mapstructure:"sink_timeout"`
}

// StorageConfig selects where fetched payloads are written.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for PayloadReady notifications. An empty
// ProjectID keeps notifications in process.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DBConfig controls the durable crawl log store. An empty DSN disables it.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SourceConfig describes one external data source. Nil retry and timeout
// values inherit the crawler defaults.
type SourceConfig struct {
	ID             string   `mapstructure:"id"`
	Name           string   `mapstructure:"name"`
	Enabled        bool     `mapstructure:"enabled"`
	Priority       int      `mapstructure:"priority"`
	RateLimit      int      `mapstructure:"rate_limit"`
	RetryAttempts  *int     `mapstructure:"retry_attempts"`
	TimeoutSeconds *int     `mapstructure:"timeout_seconds"`
	Endpoint       string   `mapstructure:"endpoint"`
	Format         string   `mapstructure:"format"`
	Targets        []string `mapstructure:"targets"`
	ProbeTarget    string   `mapstructure:"probe_target"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("crawler.global_enabled", true)
	v.SetDefault("crawler.max_workers", 5)
	v.SetDefault("crawler.queue_size_limit", 10000)
	v.SetDefault("crawler.default_timeout", 30)
	v.SetDefault("crawler.default_retry_attempts", 3)
	v.SetDefault("crawler.rate_limit_global", 0)
	v.SetDefault("crawler.schedule_frequency", string(crawler.Hourly))
	v.SetDefault("crawler.error_threshold", 5.0)
	v.SetDefault("crawler.maintenance_mode", false)
	v.SetDefault("crawler.autostart", true)
	v.SetDefault("crawler.user_agent", "econcrawl/1.0")

	v.SetDefault("dispatcher.poll_interval", "500ms")
	v.SetDefault("dispatcher.retention", "1h")
	v.SetDefault("retry.base_delay", "2s")
	v.SetDefault("retry.max_delay", "5m")
	v.SetDefault("health.window", 20)
	v.SetDefault("health.consecutive_failures", 3)

	v.SetDefault("logs.max_entries", 10000)
	v.SetDefault("logs.buffer_size", 1024)
	v.SetDefault("logs.max_batch_entries", 100)
	v.SetDefault("logs.max_batch_wait", "1s")
	v.SetDefault("logs.sink_timeout", "5s")

	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.local_dir", "data/payloads")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("pubsub.topic_name", "econ-payloads")
	v.SetDefault("db.table", "crawl_logs")
	v.SetDefault("db.max_conns", 4)

	v.SetDefault("sources", defaultSources())
}

func defaultSources() []map[string]any {
	return []map[string]any{
		{
			"id": "fred", "name": "Federal Reserve Economic Data", "enabled": true,
			"priority": 1, "rate_limit": 120,
			"endpoint":     "https://api.stlouisfed.org/fred/series/observations?series_id={target}&api_key=${FRED_API_KEY}&file_type=json",
			"format":       crawler.FormatJSON,
			"targets":      []string{"CPIAUCSL", "UNRATE", "GDP", "FEDFUNDS"},
			"probe_target": "CPIAUCSL",
		},
		{
			"id": "bls", "name": "Bureau of Labor Statistics", "enabled": true,
			"priority": 2, "rate_limit": 25,
			"endpoint":     "https://api.bls.gov/publicAPI/v2/timeseries/data/{target}",
			"format":       crawler.FormatJSON,
			"targets":      []string{"CUUR0000SA0", "LNS14000000", "CES0000000001"},
			"probe_target": "CUUR0000SA0",
		},
		{
			"id": "census", "name": "US Census Bureau", "enabled": true,
			"priority": 3, "rate_limit": 60,
			"endpoint":     "https://api.census.gov/data/timeseries/eits/{target}?get=cell_value,time_slot_id,category_code&for=us:*",
			"format":       crawler.FormatJSON,
			"targets":      []string{"resconst", "marts"},
			"probe_target": "marts",
		},
		{
			"id": "worldbank", "name": "World Bank Open Data", "enabled": true,
			"priority": 4, "rate_limit": 60,
			"endpoint":     "https://api.worldbank.org/v2/country/all/indicator/{target}?format=json&per_page=1000",
			"format":       crawler.FormatJSON,
			"targets":      []string{"NY.GDP.MKTP.CD", "FP.CPI.TOTL.ZG"},
			"probe_target": "NY.GDP.MKTP.CD",
		},
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
	if err := c.Crawler.Settings.Validate(); err != nil {
		return fmt.Errorf("crawler: %w", err)
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.base_delay must be > 0 and <= retry.max_delay")
	}
	if c.Health.Window <= 0 || c.Health.ConsecutiveFailures <= 0 {
		return fmt.Errorf("health.window and health.consecutive_failures must be > 0")
	}
	if c.Logs.MaxEntries <= 0 {
		return fmt.Errorf("logs.max_entries must be > 0")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	if _, err := c.DataSources(); err != nil {
		return err
	}
	return nil
}

// DataSources converts the configured sources, filling inherited defaults.
func (c Config) DataSources() ([]crawler.DataSource, error) {
	out := make([]crawler.DataSource, 0, len(c.Sources))
	seen := make(map[string]bool, len(c.Sources))
	for i, sc := range c.Sources {
		src := crawler.DataSource{
			ID:             sc.ID,
			Name:           sc.Name,
			Enabled:        sc.Enabled,
			Priority:       sc.Priority,
			RateLimit:      sc.RateLimit,
			RetryAttempts:  c.Crawler.DefaultRetryAttempts,
			TimeoutSeconds: c.Crawler.DefaultTimeout,
			HealthStatus:   crawler.HealthHealthy,
			Endpoint:       sc.Endpoint,
			Format:         sc.Format,
			Targets:        append([]string(nil), sc.Targets...),
			ProbeTarget:    sc.ProbeTarget,
		}
		if sc.RetryAttempts != nil {
			src.RetryAttempts = *sc.RetryAttempts
		} else {
			src.InheritsRetries = true
		}
		if sc.TimeoutSeconds != nil {
			src.TimeoutSeconds = *sc.TimeoutSeconds
		} else {
			src.InheritsTimeout = true
		}
		if src.Format == "" {
			src.Format = crawler.FormatJSON
		}
		if err := crawler.ValidateSource(src); err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		if src.Endpoint == "" {
			return nil, fmt.Errorf("sources[%d]: endpoint must be set", i)
		}
		if seen[src.ID] {
			return nil, fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = true
		out = append(out, src)
	}
	return out, nil
}

// ServerAddr returns the HTTP listen address.
func (c Config) ServerAddr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
