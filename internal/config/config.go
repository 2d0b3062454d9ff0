// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Browser user agent presented on all outbound requests, matching what the
// target sites serve to a desktop Chrome visitor.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Scraper     ScraperConfig     `mapstructure:"scraper"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Robots      RobotsConfig      `mapstructure:"robots"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Application ApplicationConfig `mapstructure:"application"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ScraperConfig governs outbound fetch and probe behavior.
type ScraperConfig struct {
	UserAgent           string `mapstructure:"user_agent"`
	FetchTimeoutSeconds int    `mapstructure:"fetch_timeout_seconds"`
	ProbeTimeoutSeconds int    `mapstructure:"probe_timeout_seconds"`
	ToSTimeoutSeconds   int    `mapstructure:"tos_timeout_seconds"`
}

// RateLimitConfig bounds requests per host.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

// RobotsConfig selects the verdict when robots.txt cannot be verified.
type RobotsConfig struct {
	FailMode string `mapstructure:"fail_mode"`
}

// LLMConfig configures the Gemini field-extraction collaborator.
type LLMConfig struct {
	APIKey         string  `mapstructure:"api_key"`
	Model          string  `mapstructure:"model"`
	Temperature    float32 `mapstructure:"temperature"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// DatabaseConfig controls access to the entity store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	EntitiesTable   string        `mapstructure:"entities_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig selects and parameterizes the page archive backend.
type StorageConfig struct {
	Backend     string      `mapstructure:"backend"`
	Bucket      string      `mapstructure:"bucket"`
	Prefix      string      `mapstructure:"prefix"`
	ContentType string      `mapstructure:"content_type"`
	Local       LocalConfig `mapstructure:"local"`
}

// LocalConfig parameterizes the filesystem archive backend.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for entity event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ApplicationConfig identifies the service for telemetry resources.
type ApplicationConfig struct {
	ServiceName   string `mapstructure:"service_name"`
	Version       string `mapstructure:"version"`
	ProjectID     string `mapstructure:"project_id"`
	ProjectNumber string `mapstructure:"project_number"`
	Region        string `mapstructure:"region"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("scraper.user_agent", defaultUserAgent)
	v.SetDefault("scraper.fetch_timeout_seconds", 15)
	v.SetDefault("scraper.probe_timeout_seconds", 5)
	v.SetDefault("scraper.tos_timeout_seconds", 3)
	v.SetDefault("ratelimit.requests_per_minute", 60)
	v.SetDefault("robots.fail_mode", "open")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout_seconds", 30)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.entities_table", "entities")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.local.base_dir", "")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "entity-events")
	v.SetDefault("logging.development", false)
	v.SetDefault("application.service_name", "entity-scraper")
	v.SetDefault("application.version", "")
	v.SetDefault("application.project_id", "")
	v.SetDefault("application.project_number", "")
	v.SetDefault("application.region", "")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scraper.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("scraper.fetch_timeout_seconds must be > 0")
	}
	if c.Scraper.ProbeTimeoutSeconds <= 0 {
		return fmt.Errorf("scraper.probe_timeout_seconds must be > 0")
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("ratelimit.requests_per_minute must be > 0")
	}
	if c.Robots.FailMode != "open" && c.Robots.FailMode != "closed" {
		return fmt.Errorf("robots.fail_mode must be \"open\" or \"closed\"")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout returns the content fetch budget as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Scraper.FetchTimeoutSeconds) * time.Second
}

// ProbeTimeout returns the robots/HEAD probe budget as a duration.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Scraper.ProbeTimeoutSeconds) * time.Second
}

// ToSTimeout returns the per-path terms-of-service probe budget.
func (c Config) ToSTimeout() time.Duration {
	return time.Duration(c.Scraper.ToSTimeoutSeconds) * time.Second
}

// LLMTimeout returns the model call budget as a duration.
func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

// RequestTimeout returns the inbound request budget as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
