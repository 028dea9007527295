// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Priority   PriorityConfig   `mapstructure:"priority"`
	Diversity  DiversityConfig  `mapstructure:"diversity"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Run        RunConfig        `mapstructure:"run"`
	Seeds      SeedsConfig      `mapstructure:"seeds"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig controls the HTTP control API.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	APIKey          string        `mapstructure:"api_key"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig points at the shared queue store.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// DatabaseConfig selects and configures the relational store.
type DatabaseConfig struct {
	Driver           string        `mapstructure:"driver"`
	DSN              string        `mapstructure:"dsn"`
	MaxConns         int32         `mapstructure:"max_conns"`
	MinConns         int32         `mapstructure:"min_conns"`
	MaxConnLifetime  time.Duration `mapstructure:"max_conn_lifetime"`
	PagesTable       string        `mapstructure:"pages_table"`
	ExtractionsTable string        `mapstructure:"extractions_table"`
	TopicsTable      string        `mapstructure:"topics_table"`
	EnsureSchema     bool          `mapstructure:"ensure_schema"`
}

// CrawlerConfig governs fetching and fan-out.
type CrawlerConfig struct {
	UserAgent        string        `mapstructure:"user_agent"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	RobotsTimeout    time.Duration `mapstructure:"robots_timeout"`
	RobotsFailureTTL time.Duration `mapstructure:"robots_failure_ttl"`
	IgnoreRobots     bool          `mapstructure:"ignore_robots"`
	MinTextChars     int           `mapstructure:"min_text_chars"`
	MaxOutlinks      int           `mapstructure:"max_outlinks"`
	SameHostPolicy   string        `mapstructure:"same_host_policy"`
	WikiCap          int           `mapstructure:"wiki_cap"`
	WikiDomain       string        `mapstructure:"wiki_domain"`
	MaxRetries       int           `mapstructure:"max_retries"`
	MaxBodyBytes     int           `mapstructure:"max_body_bytes"`
	StoreRawHTML     bool          `mapstructure:"store_raw_html"`
	HostRPS          float64       `mapstructure:"host_rps"`
	HostBurst        int           `mapstructure:"host_burst"`
	ArticlePattern   string        `mapstructure:"article_pattern"`
}

// PriorityConfig sets the scoring weights.
type PriorityConfig struct {
	BaseUnknown       int      `mapstructure:"base_unknown"`
	BaseHighSignal    int      `mapstructure:"base_high_signal"`
	DepthMultiplier   int      `mapstructure:"depth_multiplier"`
	ArticleBonus      int      `mapstructure:"article_bonus"`
	WikiPenalty       int      `mapstructure:"wiki_penalty"`
	DuplicatePenalty  int      `mapstructure:"duplicate_penalty"`
	PriorFailPenalty  int      `mapstructure:"prior_fail_penalty"`
	ThrottlePenalty   int      `mapstructure:"throttle_penalty"`
	HighSignalDomains []string `mapstructure:"high_signal_domains"`
}

// DiversityConfig sizes the per-run domain window.
type DiversityConfig struct {
	Window       int `mapstructure:"window"`
	MaxPerDomain int `mapstructure:"max_per_domain"`
}

// QueueConfig controls Redis key naming, retention, and backoff.
type QueueConfig struct {
	Prefix      string        `mapstructure:"prefix"`
	SeenTTL     time.Duration `mapstructure:"seen_ttl"`
	DLQMax      int           `mapstructure:"dlq_max"`
	PopTimeout  time.Duration `mapstructure:"pop_timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
}

// ExtractionConfig controls the extraction worker.
type ExtractionConfig struct {
	MinTextChars  int           `mapstructure:"min_text_chars"`
	MinSplitChars int           `mapstructure:"min_split_chars"`
	MaxRetries    int           `mapstructure:"max_retries"`
	MaxInputChars int           `mapstructure:"max_input_chars"`
	IdleDelay     time.Duration `mapstructure:"idle_delay"`
}

// LLMConfig points at the structured-output model endpoint.
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float32       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RunConfig holds orchestrator defaults and pacing.
type RunConfig struct {
	DefaultDuration time.Duration `mapstructure:"default_duration"`
	DefaultMaxPages int           `mapstructure:"default_max_pages"`
	YieldDelay      time.Duration `mapstructure:"yield_delay"`
	EmptyWait       time.Duration `mapstructure:"empty_wait"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	ReportInterval  time.Duration `mapstructure:"report_interval"`
}

// SeedsConfig lists bootstrap URLs.
type SeedsConfig struct {
	Defaults  []string            `mapstructure:"defaults"`
	Topics    map[string][]string `mapstructure:"topics"`
	Templates []string            `mapstructure:"templates"`
}

// StorageConfig selects where raw HTML is archived.
type StorageConfig struct {
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// PubSubConfig holds extraction notification settings.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TOPICCRAWLER")
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
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.pages_table", "crawled_pages")
	v.SetDefault("database.extractions_table", "extractions")
	v.SetDefault("database.topics_table", "topics")
	v.SetDefault("database.ensure_schema", false)

	v.SetDefault("crawler.user_agent", "TopicCrawler/1.0 (+https://github.com/JakeFAU/topic-crawler)")
	v.SetDefault("crawler.fetch_timeout", "15s")
	v.SetDefault("crawler.robots_timeout", "5s")
	v.SetDefault("crawler.robots_failure_ttl", "10m")
	v.SetDefault("crawler.ignore_robots", false)
	v.SetDefault("crawler.min_text_chars", 500)
	v.SetDefault("crawler.max_outlinks", 50)
	v.SetDefault("crawler.same_host_policy", "include")
	v.SetDefault("crawler.wiki_cap", 10)
	v.SetDefault("crawler.wiki_domain", "wikipedia.org")
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.max_body_bytes", 5*1024*1024)
	v.SetDefault("crawler.store_raw_html", false)
	v.SetDefault("crawler.host_rps", 1.0)
	v.SetDefault("crawler.host_burst", 2)
	v.SetDefault("crawler.article_pattern", "")

	v.SetDefault("priority.base_unknown", 50)
	v.SetDefault("priority.base_high_signal", 80)
	v.SetDefault("priority.depth_multiplier", 5)
	v.SetDefault("priority.article_bonus", 25)
	v.SetDefault("priority.wiki_penalty", 40)
	v.SetDefault("priority.duplicate_penalty", 60)
	v.SetDefault("priority.prior_fail_penalty", 30)
	v.SetDefault("priority.throttle_penalty", 20)
	v.SetDefault("priority.high_signal_domains", []string{})

	v.SetDefault("diversity.window", 20)
	v.SetDefault("diversity.max_per_domain", 4)

	v.SetDefault("queue.prefix", "topiccrawler")
	v.SetDefault("queue.seen_ttl", "168h")
	v.SetDefault("queue.dlq_max", 1000)
	v.SetDefault("queue.pop_timeout", "1s")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_base", "1s")
	v.SetDefault("queue.backoff_cap", "300s")

	v.SetDefault("extraction.min_text_chars", 500)
	v.SetDefault("extraction.min_split_chars", 2000)
	v.SetDefault("extraction.max_retries", 3)
	v.SetDefault("extraction.max_input_chars", 24000)
	v.SetDefault("extraction.idle_delay", "500ms")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 1500)
	v.SetDefault("llm.timeout", "45s")

	v.SetDefault("run.default_duration", "10m")
	v.SetDefault("run.default_max_pages", 100)
	v.SetDefault("run.yield_delay", "250ms")
	v.SetDefault("run.empty_wait", "1s")
	v.SetDefault("run.drain_timeout", "30s")
	v.SetDefault("run.report_interval", "10s")

	v.SetDefault("seeds.defaults", []string{})
	v.SetDefault("seeds.templates", []string{
		"https://en.wikipedia.org/wiki/{topic_path}",
		"https://apnews.com/search?q={topic}",
	})

	v.SetDefault("storage.provider", "none")
	v.SetDefault("storage.prefix", "pages")

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "topic-crawler")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr is required")
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required when database.driver is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return fmt.Errorf("llm.api_key is required")
	}
	if c.Crawler.FetchTimeout <= 0 {
		return fmt.Errorf("crawler.fetch_timeout must be > 0")
	}
	if c.Crawler.SameHostPolicy != "include" && c.Crawler.SameHostPolicy != "exclude" {
		return fmt.Errorf("crawler.same_host_policy must be include or exclude")
	}
	if c.Crawler.MaxRetries < 0 || c.Extraction.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if c.Queue.BackoffCap < c.Queue.BackoffBase {
		return fmt.Errorf("queue.backoff_cap must be >= queue.backoff_base")
	}
	switch c.Storage.Provider {
	case "none", "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local provider")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
	}
	return nil
}
