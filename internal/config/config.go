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
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	BlockDetect BlockDetectConfig `mapstructure:"block_detect"`
	Crawl       CrawlConfig       `mapstructure:"crawl"`
	Renderer    RendererConfig    `mapstructure:"renderer"`
	DB          DBConfig          `mapstructure:"db"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
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

// ProxyConfig governs proxy pool loading and health tracking.
type ProxyConfig struct {
	YAMLPath          string `mapstructure:"yaml_path"`
	CSVPath           string `mapstructure:"csv_path"`
	Primary           string `mapstructure:"primary"`
	DisablePublic     bool   `mapstructure:"disable_public"`
	CacheTTLSeconds   int    `mapstructure:"cache_ttl_seconds"`
	QuarantineSeconds int    `mapstructure:"quarantine_seconds"`
	FailureThreshold  int    `mapstructure:"failure_threshold"`
	NeverReuseBlocked bool   `mapstructure:"never_reuse_blocked"`
}

// FetchConfig configures the resilient fetch client.
type FetchConfig struct {
	Retries        int     `mapstructure:"retries"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	BackoffBaseMs  int     `mapstructure:"backoff_base_ms"`
	BackoffMaxMs   int     `mapstructure:"backoff_max_ms"`
	UserAgent      string  `mapstructure:"user_agent"`
	Referrer       string  `mapstructure:"referrer"`
	AllowDirect    bool    `mapstructure:"allow_direct"`
	PerHostQPS     float64 `mapstructure:"per_host_qps"`
}

// BlockDetectConfig holds the block classification tunables. The thresholds
// were tuned empirically; none of them is a protocol constant.
type BlockDetectConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Lenient        bool     `mapstructure:"lenient"`
	LeadingBytes   int      `mapstructure:"leading_bytes"`
	MinSignalHits  int      `mapstructure:"min_signal_hits"`
	Phrases        []string `mapstructure:"phrases"`
	MinBodyBytes   int      `mapstructure:"min_body_bytes"`
	AcceptKeywords []string `mapstructure:"accept_keywords"`
}

// CrawlConfig governs orchestrator behavior.
type CrawlConfig struct {
	Workers               int    `mapstructure:"workers"`
	ChapterLimit          int    `mapstructure:"chapter_limit"`
	StartChapter          int    `mapstructure:"start_chapter"`
	EmptyStreakLimit      int    `mapstructure:"empty_streak_limit"`
	SequentialRetryPasses int    `mapstructure:"sequential_retry_passes"`
	ConcurrentRetryPasses int    `mapstructure:"concurrent_retry_passes"`
	BaseURL               string `mapstructure:"base_url"`
}

// RendererConfig configures the headless challenge renderer.
type RendererConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MaxParallel       int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds int  `mapstructure:"nav_timeout_seconds"`
}

// DBConfig controls access to the relational crawl archive.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	RunsTable    string `mapstructure:"runs_table"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig selects the blob archiver for completed chapter bundles.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NOVELCRAWLER")
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
	v.SetDefault("logging.development", true)

	v.SetDefault("proxy.yaml_path", "proxies.yaml")
	v.SetDefault("proxy.csv_path", "proxy_list.csv")
	v.SetDefault("proxy.cache_ttl_seconds", 300)
	v.SetDefault("proxy.quarantine_seconds", 600)
	v.SetDefault("proxy.failure_threshold", 3)
	v.SetDefault("proxy.never_reuse_blocked", true)

	v.SetDefault("fetch.retries", 4)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.backoff_base_ms", 600)
	v.SetDefault("fetch.backoff_max_ms", 4000)
	v.SetDefault("fetch.referrer", "https://freewebnovel.com/")
	v.SetDefault("fetch.allow_direct", true)
	v.SetDefault("fetch.per_host_qps", 2.0)

	v.SetDefault("block_detect.enabled", true)
	v.SetDefault("block_detect.leading_bytes", 8000)
	v.SetDefault("block_detect.min_signal_hits", 1)
	v.SetDefault("block_detect.phrases", []string{
		"captcha",
		"access denied",
		"forbidden",
		"cloudflare",
		"ddos protection",
		"verify you are human",
		"just a moment",
	})
	v.SetDefault("block_detect.min_body_bytes", 6000)
	v.SetDefault("block_detect.accept_keywords", []string{"chapter", "novel"})

	v.SetDefault("crawl.workers", 0)
	v.SetDefault("crawl.start_chapter", 1)
	v.SetDefault("crawl.empty_streak_limit", 3)
	v.SetDefault("crawl.sequential_retry_passes", 5)
	v.SetDefault("crawl.concurrent_retry_passes", 10)
	v.SetDefault("crawl.base_url", "https://freewebnovel.com")

	v.SetDefault("renderer.enabled", false)
	v.SetDefault("renderer.max_parallel", 1)
	v.SetDefault("renderer.nav_timeout_seconds", 25)

	v.SetDefault("pubsub.topic_name", "crawl-finished")

	v.SetDefault("db.runs_table", "crawl_runs")
	v.SetDefault("db.max_open_conns", 4)

	v.SetDefault("archive.provider", "none")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fetch.Retries <= 0 {
		return fmt.Errorf("fetch.retries must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Proxy.FailureThreshold <= 0 {
		return fmt.Errorf("proxy.failure_threshold must be > 0")
	}
	if c.Crawl.Workers < 0 {
		return fmt.Errorf("crawl.workers must be >= 0")
	}
	if c.Crawl.StartChapter < 1 {
		return fmt.Errorf("crawl.start_chapter must be >= 1")
	}
	if c.Renderer.Enabled && c.Renderer.MaxParallel <= 0 {
		return fmt.Errorf("renderer.max_parallel must be > 0 when renderer is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Archive.Provider {
	case "none", "memory":
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set for the local provider")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("unknown archive provider %q", c.Archive.Provider)
	}
	return nil
}

// FetchTimeout converts the fetch timeout config into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// BackoffBase converts the backoff base config into a duration.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Fetch.BackoffBaseMs) * time.Millisecond
}

// BackoffMax converts the backoff cap config into a duration.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Fetch.BackoffMaxMs) * time.Millisecond
}

// ProxyCacheTTL converts the pool reload TTL config into a duration.
func (c Config) ProxyCacheTTL() time.Duration {
	return time.Duration(c.Proxy.CacheTTLSeconds) * time.Second
}

// RendererNavTimeout converts the renderer navigation timeout into a duration.
func (c Config) RendererNavTimeout() time.Duration {
	return time.Duration(c.Renderer.NavTimeoutSeconds) * time.Second
}

// QuarantineWindow converts the quarantine config into a duration.
func (c Config) QuarantineWindow() time.Duration {
	return time.Duration(c.Proxy.QuarantineSeconds) * time.Second
}
