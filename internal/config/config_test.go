package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 || !cfg.Crawler.Autostart {
		t.Fatalf("unexpected server/crawler defaults: %+v %+v", cfg.Server, cfg.Crawler)
	}
	if cfg.Crawler.ScheduleFrequency != crawler.Hourly || cfg.Crawler.MaxWorkers != 5 {
		t.Fatalf("unexpected settings defaults: %+v", cfg.Crawler.Settings)
	}
	if cfg.Dispatcher.Retention != time.Hour || cfg.Retry.MaxDelay != 5*time.Minute {
		t.Fatalf("expected duration defaults to decode: %+v %+v", cfg.Dispatcher, cfg.Retry)
	}

	sources, err := cfg.DataSources()
	if err != nil {
		t.Fatalf("DataSources() error = %v", err)
	}
	ids := make([]string, 0, len(sources))
	for _, src := range sources {
		ids = append(ids, src.ID)
		if src.RetryAttempts != 3 || src.TimeoutSeconds != 30 {
			t.Fatalf("expected %s to inherit defaults, got %+v", src.ID, src)
		}
	}
	if strings.Join(ids, ",") != "fred,bls,census,worldbank" {
		t.Fatalf("unexpected default sources %v", ids)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawler:
  max_workers: 8
  default_timeout: 45
  schedule_frequency: every_4_hours
  error_threshold: 12.5
  autostart: false
retry:
  base_delay: 500ms
  max_delay: 30s
storage:
  backend: local
  local_dir: /tmp/payloads
sources:
  - id: ecb
    name: European Central Bank
    enabled: true
    priority: 1
    rate_limit: 30
    retry_attempts: 0
    endpoint: https://data-api.ecb.europa.eu/service/data/{target}?format=jsondata
    targets: ["EXR/D.USD.EUR.SP00.A"]
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawler.MaxWorkers != 8 || cfg.Crawler.ScheduleFrequency != crawler.Every4Hours || cfg.Crawler.Autostart {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Retry.BaseDelay != 500*time.Millisecond {
		t.Fatalf("expected retry override, got %v", cfg.Retry.BaseDelay)
	}

	sources, err := cfg.DataSources()
	if err != nil {
		t.Fatalf("DataSources() error = %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected file sources to replace defaults, got %d", len(sources))
	}
	ecb := sources[0]
	if ecb.RetryAttempts != 0 || ecb.TimeoutSeconds != 45 || ecb.Format != crawler.FormatJSON {
		t.Fatalf("expected explicit zero retries and inherited timeout: %+v", ecb)
	}
	if ecb.InheritsRetries || !ecb.InheritsTimeout {
		t.Fatalf("expected only the timeout to follow the global default: %+v", ecb)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_CRAWLER_MAX_WORKERS", "11")
	t.Setenv("CRAWLER_STORAGE_BACKEND", "gcs")
	t.Setenv("CRAWLER_STORAGE_GCS_BUCKET", "econ-raw")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.MaxWorkers != 11 {
		t.Fatalf("expected env max_workers 11, got %d", cfg.Crawler.MaxWorkers)
	}
	if cfg.Storage.Backend != StorageGCS || cfg.Storage.GCSBucket != "econ-raw" {
		t.Fatalf("expected env storage override: %+v", cfg.Storage)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "invalid workers", mutate: func(c *Config) { c.Crawler.MaxWorkers = 0 }, want: "max_workers"},
		{name: "unknown frequency", mutate: func(c *Config) { c.Crawler.ScheduleFrequency = "monthly" }, want: "schedule_frequency"},
		{name: "inverted retry delays", mutate: func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, want: "retry.base_delay"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "gcs missing bucket", mutate: func(c *Config) { c.Storage.Backend = StorageGCS }, want: "storage.gcs_bucket"},
		{name: "pubsub missing topic", mutate: func(c *Config) {
			c.PubSub.ProjectID = "econ"
			c.PubSub.TopicName = ""
		}, want: "pubsub.topic_name"},
		{name: "no sources", mutate: func(c *Config) { c.Sources = nil }, want: "at least one source"},
		{name: "duplicate source", mutate: func(c *Config) {
			c.Sources = append([]SourceConfig(nil), c.Sources...)
			c.Sources = append(c.Sources, c.Sources[0])
		}, want: "duplicate id"},
		{name: "source missing endpoint", mutate: func(c *Config) {
			c.Sources = append([]SourceConfig(nil), c.Sources...)
			c.Sources[1].Endpoint = ""
		}, want: "sources[1]: endpoint"},
		{name: "source invalid rate", mutate: func(c *Config) {
			c.Sources = append([]SourceConfig(nil), c.Sources...)
			c.Sources[0].RateLimit = 0
		}, want: "rate_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
