// Package config loads and validates newsdesk configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/defense-newsdesk/internal/cluster"
	"github.com/JakeFAU/defense-newsdesk/internal/generator"
	"github.com/JakeFAU/defense-newsdesk/internal/logging"
	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
	"github.com/JakeFAU/defense-newsdesk/internal/policy/ratelimit"
	"github.com/JakeFAU/defense-newsdesk/internal/storage/gcs"
	"github.com/JakeFAU/defense-newsdesk/internal/storage/local"
	"github.com/JakeFAU/defense-newsdesk/internal/telemetry"
	"github.com/JakeFAU/defense-newsdesk/internal/topics"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Auth      AuthConfig              `mapstructure:"auth"`
	Logging   logging.Config          `mapstructure:"logging"`
	Telemetry telemetry.Config        `mapstructure:"telemetry"`
	Fetch     FetchConfig             `mapstructure:"fetch"`
	Headless  HeadlessConfig          `mapstructure:"headless"`
	RateLimit ratelimit.Config        `mapstructure:"rate_limit"`
	Ingest    IngestConfig            `mapstructure:"ingest"`
	Content   ContentConfig           `mapstructure:"content"`
	Topics    TopicsConfig            `mapstructure:"topics"`
	Cluster   ClusterConfig           `mapstructure:"cluster"`
	Generator GeneratorConfig         `mapstructure:"generator"`
	Storage   StorageConfig           `mapstructure:"storage"`
	DB        DBConfig                `mapstructure:"db"`
	PubSub    PubSubConfig            `mapstructure:"pubsub"`
	Sources   []newsdesk.SourceConfig `mapstructure:"sources"`
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

// FetchConfig configures the colly fetcher shared by feeds and articles.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the chromedp render fallback.
type HeadlessConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	MaxParallel         int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds   int  `mapstructure:"nav_timeout_seconds"`
	SettleMillis        int  `mapstructure:"settle_ms"`
	BodyLengthThreshold int  `mapstructure:"body_length_threshold"`
}

// IngestConfig bounds a source fetch run.
type IngestConfig struct {
	SinceHours     int `mapstructure:"since_hours"`
	MaxPerSource   int `mapstructure:"max_per_source"`
	GlobalLimit    int `mapstructure:"global_limit"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	Concurrency    int `mapstructure:"concurrency"`
}

// ContentConfig bounds a content enrichment run.
type ContentConfig struct {
	BatchSize      int `mapstructure:"batch_size"`
	Concurrency    int `mapstructure:"concurrency"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MinWords       int `mapstructure:"min_words"`
}

// TopicsConfig bounds a topic enrichment run. Empty Rules selects the
// built-in taxonomy.
type TopicsConfig struct {
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
	MaxTags     int           `mapstructure:"max_tags"`
	Rules       []topics.Rule `mapstructure:"rules"`
}

// ClusterConfig holds clustering policy and digest run bounds.
type ClusterConfig struct {
	Policy               cluster.Policy `mapstructure:"policy"`
	DigestConcurrency    int            `mapstructure:"digest_concurrency"`
	DigestTimeoutSeconds int            `mapstructure:"digest_timeout_seconds"`
}

// GeneratorConfig selects the digest writer.
type GeneratorConfig struct {
	Provider  string           `mapstructure:"provider"`
	Anthropic generator.Config `mapstructure:"anthropic"`
}

// StorageConfig selects where archived article bodies go.
type StorageConfig struct {
	Backend     string       `mapstructure:"backend"`
	Prefix      string       `mapstructure:"prefix"`
	ContentType string       `mapstructure:"content_type"`
	Local       local.Config `mapstructure:"local"`
	GCS         gcs.Config   `mapstructure:"gcs"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory
// store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// PubSubConfig holds digest event publishing settings.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	DigestTopic string `mapstructure:"digest_topic"`
}

// Load builds a Config from disk and NEWSDESK_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("generator.anthropic.api_key", "NEWSDESK_GENERATOR_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

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
	policy := cluster.DefaultPolicy()

	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "newsdesk")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("fetch.user_agent", "defense-newsdesk/0.1 (+https://github.com/JakeFAU/defense-newsdesk)")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.settle_ms", 500)
	v.SetDefault("headless.body_length_threshold", 2048)
	v.SetDefault("rate_limit.per_host_rps", 1.0)
	v.SetDefault("rate_limit.burst", 2)
	v.SetDefault("ingest.since_hours", 48)
	v.SetDefault("ingest.max_per_source", 40)
	v.SetDefault("ingest.global_limit", 400)
	v.SetDefault("ingest.timeout_seconds", 20)
	v.SetDefault("ingest.concurrency", 6)
	v.SetDefault("content.batch_size", 50)
	v.SetDefault("content.concurrency", 4)
	v.SetDefault("content.timeout_seconds", 25)
	v.SetDefault("content.min_words", 50)
	v.SetDefault("topics.batch_size", 200)
	v.SetDefault("topics.concurrency", 8)
	v.SetDefault("topics.max_tags", 3)
	v.SetDefault("cluster.policy.window_hours", policy.WindowHours)
	v.SetDefault("cluster.policy.lookback_hours", policy.LookbackHours)
	v.SetDefault("cluster.policy.bucket_thresholds", policy.BucketThresholds)
	v.SetDefault("cluster.policy.official_majority", policy.OfficialMajority)
	v.SetDefault("cluster.policy.opinion_ceiling", policy.OpinionCeiling)
	v.SetDefault("cluster.policy.max_citations", policy.MaxCitations)
	v.SetDefault("cluster.policy.excerpt_runes", policy.ExcerptRunes)
	v.SetDefault("cluster.digest_concurrency", 2)
	v.SetDefault("cluster.digest_timeout_seconds", 90)
	v.SetDefault("generator.provider", "extractive")
	v.SetDefault("generator.anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("generator.anthropic.max_tokens", 1024)
	v.SetDefault("generator.anthropic.temperature", 0.2)
	v.SetDefault("generator.anthropic.timeout", "60s")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "newsdesk")
	v.SetDefault("storage.content_type", "text/plain; charset=utf-8")
	v.SetDefault("storage.local.base_dir", "data/bodies")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.migrate", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Ingest.Concurrency <= 0 || c.Content.Concurrency <= 0 || c.Topics.Concurrency <= 0 {
		return fmt.Errorf("ingest, content and topics concurrency must be > 0")
	}
	if c.Ingest.TimeoutSeconds <= 0 || c.Content.TimeoutSeconds <= 0 {
		return fmt.Errorf("ingest.timeout_seconds and content.timeout_seconds must be > 0")
	}
	if err := c.Cluster.Policy.Validate(); err != nil {
		return fmt.Errorf("cluster.policy: %w", err)
	}
	switch c.Generator.Provider {
	case "extractive":
	case "anthropic":
		if c.Generator.Anthropic.APIKey == "" {
			return fmt.Errorf("generator.anthropic.api_key must be set when provider is anthropic")
		}
	default:
		return fmt.Errorf("generator.provider must be anthropic or extractive, got %q", c.Generator.Provider)
	}
	switch c.Storage.Backend {
	case "memory", "local", "none":
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set when backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local, gcs or none, got %q", c.Storage.Backend)
	}
	if c.PubSub.DigestTopic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.digest_topic is set")
	}
	return validateSources(c.Sources)
}

func validateSources(sources []newsdesk.SourceConfig) error {
	for i, src := range sources {
		u, err := url.Parse(src.FeedURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("sources[%d].feed_url must be an absolute http(s) url, got %q", i, src.FeedURL)
		}
		if src.Role != "" && newsdesk.ParseRole(src.Role) != newsdesk.SourceRole(src.Role) {
			return fmt.Errorf("sources[%d].role %q is not one of official, reporting, analysis, opinion", i, src.Role)
		}
	}
	return nil
}

// TopicRules returns the configured rules or the built-in taxonomy.
func (c Config) TopicRules() []topics.Rule {
	if len(c.Topics.Rules) > 0 {
		return c.Topics.Rules
	}
	return topics.DefaultRules()
}

// FetchTimeout is the per-request fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return seconds(c.Fetch.TimeoutSeconds)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// IngestTimeout is the per-source feed timeout.
func (c Config) IngestTimeout() time.Duration { return seconds(c.Ingest.TimeoutSeconds) }

// ContentTimeout is the per-article enrichment timeout.
func (c Config) ContentTimeout() time.Duration { return seconds(c.Content.TimeoutSeconds) }

// DigestTimeout bounds one generation call.
func (c Config) DigestTimeout() time.Duration { return seconds(c.Cluster.DigestTimeoutSeconds) }
