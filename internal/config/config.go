package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/transport"
)

// Config holds all configuration for the dispatch engine
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Retry     RetryConfig     `yaml:"retry"`
	Transport TransportConfig `yaml:"transport"`
	Tracking  TrackingConfig  `yaml:"tracking"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                int      `yaml:"port"`
	Host                string   `yaml:"host"`
	AllowedOrigins      []string `yaml:"allowed_origins"`
	ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `yaml:"write_timeout_seconds"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// ReadTimeout returns the read timeout as a duration
func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the write timeout as a duration
func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// DatabaseConfig holds PostgreSQL settings. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis settings. Redis backs the scheduler lock, scheduler
// state, transport rate limits and config-cache invalidation.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LoggingConfig holds structured logger settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII bool   `yaml:"redact_pii"`
}

// DispatchConfig tunes the dispatcher workers
type DispatchConfig struct {
	Embedded            bool   `yaml:"embedded"`
	Workers             int    `yaml:"workers"`
	WorkerID            string `yaml:"worker_id"`
	BatchSize           int    `yaml:"batch_size"`
	Concurrency         int    `yaml:"concurrency"`
	LeaseSeconds        int    `yaml:"lease_seconds"`
	SendTimeoutSeconds  int    `yaml:"send_timeout_seconds"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

// Lease returns the claim lease as a duration
func (c DispatchConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// SendTimeout returns the per-send timeout as a duration
func (c DispatchConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// PollInterval returns the dispatcher poll interval as a duration
func (c DispatchConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// RetryConfig holds the retry scheduler and backoff policy
type RetryConfig struct {
	IntervalSeconds   int `yaml:"interval_seconds"`
	BaseDelaySeconds  int `yaml:"base_delay_seconds"`
	DefaultMaxRetries int `yaml:"default_max_retries"`
	CacheTTLSeconds   int `yaml:"cache_ttl_seconds"`
	LockTTLSeconds    int `yaml:"lock_ttl_seconds"`
}

// Interval returns the scheduler interval as a duration
func (c RetryConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// BaseDelay returns the first backoff step as a duration
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySeconds) * time.Second
}

// CacheTTL returns the campaign config cache TTL as a duration
func (c RetryConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// LockTTL returns the scheduler lock TTL as a duration
func (c RetryConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// TransportConfig holds per-channel transport settings
type TransportConfig struct {
	SES        SESConfig                               `yaml:"ses"`
	SMS        WebhookConfig                           `yaml:"sms"`
	Push       WebhookConfig                           `yaml:"push"`
	RateLimits map[domain.CampaignType]transport.Limit `yaml:"rate_limits"`
}

// SESConfig holds AWS SES v2 settings for the email channel
type SESConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	FromEmail        string `yaml:"from_email"`
	FromName         string `yaml:"from_name"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// Transport converts the section into the adapter's config.
func (c SESConfig) Transport() transport.SESConfig {
	return transport.SESConfig{
		Region:           c.Region,
		AccessKey:        c.AccessKey,
		SecretKey:        c.SecretKey,
		FromEmail:        c.FromEmail,
		FromName:         c.FromName,
		ConfigurationSet: c.ConfigurationSet,
	}
}

// WebhookConfig holds an HTTP gateway for the sms or push channel
type WebhookConfig struct {
	URL        string `yaml:"url"`
	Token      string `yaml:"token"`
	MaxRetries int    `yaml:"max_retries"`
}

// Enabled reports whether a gateway URL is configured.
func (c WebhookConfig) Enabled() bool { return c.URL != "" }

// Transport converts the section into the adapter's config.
func (c WebhookConfig) Transport() transport.WebhookConfig {
	return transport.WebhookConfig{URL: c.URL, Token: c.Token, MaxRetries: c.MaxRetries}
}

// TrackingConfig holds open/click tracking and the engagement queue
type TrackingConfig struct {
	BaseURL     string `yaml:"base_url"`
	Secret      string `yaml:"secret"`
	SQSQueueURL string `yaml:"sqs_queue_url"`
	SQSRegion   string `yaml:"sqs_region"`
}

// Enabled reports whether tracking links can be signed.
func (c TrackingConfig) Enabled() bool { return c.BaseURL != "" && c.Secret != "" }

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 30
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 2
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 100
	}
	if cfg.Dispatch.Concurrency == 0 {
		cfg.Dispatch.Concurrency = 10
	}
	if cfg.Dispatch.LeaseSeconds == 0 {
		cfg.Dispatch.LeaseSeconds = 120
	}
	if cfg.Dispatch.SendTimeoutSeconds == 0 {
		cfg.Dispatch.SendTimeoutSeconds = 30
	}
	if cfg.Dispatch.PollIntervalSeconds == 0 {
		cfg.Dispatch.PollIntervalSeconds = 1
	}
	if cfg.Retry.IntervalSeconds == 0 {
		cfg.Retry.IntervalSeconds = 300
	}
	if cfg.Retry.BaseDelaySeconds == 0 {
		cfg.Retry.BaseDelaySeconds = 300
	}
	if cfg.Retry.DefaultMaxRetries == 0 {
		cfg.Retry.DefaultMaxRetries = 3
	}
	if cfg.Retry.CacheTTLSeconds == 0 {
		cfg.Retry.CacheTTLSeconds = 300
	}
	if cfg.Retry.LockTTLSeconds == 0 {
		cfg.Retry.LockTTLSeconds = 240
	}
	if cfg.Transport.SES.Region == "" {
		cfg.Transport.SES.Region = "us-west-2"
	}
	if cfg.Transport.SMS.MaxRetries == 0 {
		cfg.Transport.SMS.MaxRetries = 2
	}
	if cfg.Transport.Push.MaxRetries == 0 {
		cfg.Transport.Push.MaxRetries = 2
	}
	if cfg.Tracking.SQSRegion == "" {
		cfg.Tracking.SQSRegion = cfg.Transport.SES.Region
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS. A missing
// config file falls back to defaults.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DISPATCH_WORKER_ID"); v != "" {
		cfg.Dispatch.WorkerID = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Transport.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Transport.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Transport.SES.Region = v
	}
	if v := os.Getenv("AWS_SES_FROM_EMAIL"); v != "" {
		cfg.Transport.SES.FromEmail = v
		cfg.Transport.SES.Enabled = true
	}
	if v := os.Getenv("SMS_WEBHOOK_URL"); v != "" {
		cfg.Transport.SMS.URL = v
	}
	if v := os.Getenv("PUSH_WEBHOOK_URL"); v != "" {
		cfg.Transport.Push.URL = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("TRACKING_SECRET"); v != "" {
		cfg.Tracking.Secret = v
	}
	if v := os.Getenv("TRACKING_SQS_QUEUE_URL"); v != "" {
		cfg.Tracking.SQSQueueURL = v
	}

	return cfg, nil
}
