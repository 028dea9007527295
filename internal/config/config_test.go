package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
redis:
  addr: redis:6379
database:
  driver: memory
crawler:
  fetch_timeout: 20s
  same_host_policy: exclude
  wiki_cap: 3
  max_retries: 2
priority:
  high_signal_domains: ["reuters.com", "apnews.com"]
queue:
  backoff_base: 500ms
  backoff_cap: 1m
llm:
  api_key: sk-test
  model: small-model
  timeout: 30s
seeds:
  topics:
    chicago bears: ["https://www.chicagobears.com/news/"]
storage:
  provider: local
  base_dir: /tmp/pages
logging:
  development: false
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
	if cfg.Redis.Addr != "redis:6379" || cfg.Database.Driver != "memory" {
		t.Fatalf("expected store overrides to apply: %+v %+v", cfg.Redis, cfg.Database)
	}
	if cfg.Crawler.FetchTimeout != 20*time.Second || cfg.Crawler.SameHostPolicy != "exclude" || cfg.Crawler.WikiCap != 3 {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if len(cfg.Priority.HighSignalDomains) != 2 {
		t.Fatalf("expected high signal domains, got %v", cfg.Priority.HighSignalDomains)
	}
	if cfg.Queue.BackoffBase != 500*time.Millisecond || cfg.Queue.BackoffCap != time.Minute {
		t.Fatalf("expected backoff overrides, got %v/%v", cfg.Queue.BackoffBase, cfg.Queue.BackoffCap)
	}
	if cfg.LLM.Model != "small-model" || cfg.LLM.Timeout != 30*time.Second {
		t.Fatalf("expected llm overrides: %+v", cfg.LLM)
	}
	if got := cfg.Seeds.Topics["chicago bears"]; len(got) != 1 {
		t.Fatalf("expected topic seeds, got %v", cfg.Seeds.Topics)
	}
	if cfg.Storage.Provider != "local" || cfg.Storage.BaseDir != "/tmp/pages" {
		t.Fatalf("expected storage overrides: %+v", cfg.Storage)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
	// Untouched defaults survive.
	if cfg.Diversity.Window != 20 || cfg.Diversity.MaxPerDomain != 4 {
		t.Fatalf("expected diversity defaults: %+v", cfg.Diversity)
	}
	if cfg.Queue.DLQMax != 1000 || cfg.Queue.SeenTTL != 168*time.Hour {
		t.Fatalf("expected queue defaults: %+v", cfg.Queue)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("TOPICCRAWLER_LLM_API_KEY", "sk-env")
	t.Setenv("TOPICCRAWLER_DATABASE_DSN", "postgres://u:p@localhost/db")
	t.Setenv("TOPICCRAWLER_CRAWLER_MAX_OUTLINKS", "25")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.APIKey != "sk-env" {
		t.Fatalf("expected api key from env, got %q", cfg.LLM.APIKey)
	}
	if cfg.Database.DSN != "postgres://u:p@localhost/db" {
		t.Fatalf("expected dsn from env, got %q", cfg.Database.DSN)
	}
	if cfg.Crawler.MaxOutlinks != 25 {
		t.Fatalf("expected max outlinks 25, got %d", cfg.Crawler.MaxOutlinks)
	}
	if cfg.Run.DefaultDuration != 10*time.Minute {
		t.Fatalf("expected default duration, got %v", cfg.Run.DefaultDuration)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func validConfig() Config {
	return Config{
		Server:   ServerConfig{Port: 8080},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Database: DatabaseConfig{Driver: "memory"},
		Crawler:  CrawlerConfig{FetchTimeout: time.Second, SameHostPolicy: "include"},
		Queue:    QueueConfig{BackoffBase: time.Second, BackoffCap: time.Minute},
		LLM:      LLMConfig{APIKey: "sk"},
		Storage:  StorageConfig{Provider: "none"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"port":         {func(c *Config) { c.Server.Port = 0 }, "server.port"},
		"redis":        {func(c *Config) { c.Redis.Addr = " " }, "redis.addr"},
		"dsn":          {func(c *Config) { c.Database.Driver = "postgres" }, "database.dsn"},
		"driver":       {func(c *Config) { c.Database.Driver = "sqlite" }, "database.driver"},
		"api key":      {func(c *Config) { c.LLM.APIKey = "" }, "llm.api_key"},
		"same host":    {func(c *Config) { c.Crawler.SameHostPolicy = "sometimes" }, "same_host_policy"},
		"backoff":      {func(c *Config) { c.Queue.BackoffCap = time.Millisecond }, "backoff_cap"},
		"local dir":    {func(c *Config) { c.Storage.Provider = "local" }, "storage.base_dir"},
		"gcs bucket":   {func(c *Config) { c.Storage.Provider = "gcs" }, "storage.bucket"},
		"storage kind": {func(c *Config) { c.Storage.Provider = "s3" }, "storage.provider"},
		"pubsub":       {func(c *Config) { c.PubSub.Enabled = true }, "pubsub.project_id"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
