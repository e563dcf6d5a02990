// Package config provides configuration management for the literature monitoring service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable read by Load.
const EnvPrefix = "LITMONITOR"

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// MaxFanOut is the upper bound on concurrent LLM calls inside one pipeline stage.
const MaxFanOut = 50

// Config holds all configuration for the literature monitoring service.
type Config struct {
	// Server contains HTTP/gRPC server settings.
	Server ServerConfig `mapstructure:"server"`
	// Database contains PostgreSQL connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Scheduler contains scheduler loop and worker settings.
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	// Pipeline contains article processing pipeline settings.
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	// Broker contains status broker settings.
	Broker BrokerConfig `mapstructure:"broker"`
	// PubMed contains PubMed E-utilities settings.
	PubMed PaperSourceConfig `mapstructure:"pubmed"`
	// LLM contains LLM client settings for relevance scoring and categorization.
	LLM LLMConfig `mapstructure:"llm"`
	// Notification contains admin notification settings.
	Notification NotificationConfig `mapstructure:"notification"`
	// StreamEvents contains the stream change listener settings.
	StreamEvents StreamEventsConfig `mapstructure:"stream_events"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// GRPCPort is the gRPC health server port (default: 9090).
	GRPCPort int `mapstructure:"grpc_port"`
	// MetricsPort is the metrics server port (default: 9091).
	MetricsPort int `mapstructure:"metrics_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing a non-streaming response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for HTTP connections to drain.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Host is the PostgreSQL server hostname.
	Host string `mapstructure:"host"`
	// Port is the PostgreSQL server port (default: 5432).
	Port int `mapstructure:"port"`
	// User is the database username.
	User string `mapstructure:"user"`
	// Password is the database password (use environment variable in production).
	Password string `mapstructure:"password"`
	// Name is the database name.
	Name string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool (default: 30).
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open (default: 5).
	MinConns int32 `mapstructure:"min_conns"`
	// MaxConnLifetime is the maximum lifetime of a connection before it's closed.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// MaxConnIdleTime is the maximum time a connection can be idle before it's closed.
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// HealthCheckPeriod is the interval between health checks of idle connections.
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// ConnectTimeout is the maximum time to wait for a connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MigrationPath is the path to migration files (relative or absolute).
	MigrationPath string `mapstructure:"migration_path"`
	// MigrationAutoRun enables automatic migration on startup (default: false).
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics exposure on the metrics port.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
}

// SchedulerConfig holds scheduler loop configuration.
type SchedulerConfig struct {
	// Enabled starts the scheduler loop. Disable to run the HTTP API only.
	Enabled bool `mapstructure:"enabled"`
	// PollInterval is the maximum wait between discovery passes.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxConcurrentJobs caps in-flight executions.
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs"`
	// UnhealthyThreshold is the number of consecutive failed iterations that marks the loop unhealthy.
	UnhealthyThreshold int `mapstructure:"unhealthy_threshold"`
	// ShutdownTimeout bounds how long shutdown waits for in-flight jobs.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RecoverOrphaned fails executions left RUNNING by a previous process on startup.
	RecoverOrphaned bool `mapstructure:"recover_orphaned"`
}

// PipelineConfig holds article processing pipeline configuration.
type PipelineConfig struct {
	// FilterConcurrency bounds concurrent relevance evaluations (max 50).
	FilterConcurrency int `mapstructure:"filter_concurrency"`
	// CategorizeConcurrency bounds concurrent categorization calls (max 50).
	CategorizeConcurrency int `mapstructure:"categorize_concurrency"`
	// CallTimeout bounds a single LLM evaluation including retries.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// SearchTimeout bounds a single literature source search including retries.
	SearchTimeout time.Duration `mapstructure:"search_timeout"`
	// DefaultMaxResults applies when a broad query does not set its own limit.
	DefaultMaxResults int `mapstructure:"default_max_results"`
}

// BrokerConfig holds status broker configuration.
type BrokerConfig struct {
	// SubscriberBuffer is the bounded queue size per subscriber.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	// KeepaliveInterval is the SSE keepalive comment interval.
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
}

// PaperSourceConfig holds configuration for a literature source API.
type PaperSourceConfig struct {
	// APIKey is the API key (loaded from LITMONITOR_PUBMED_API_KEY).
	APIKey string `mapstructure:"-"`
	// BaseURL is the API base URL.
	BaseURL string `mapstructure:"base_url"`
	// Timeout is the timeout for a single HTTP request.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum requests per second.
	RateLimit float64 `mapstructure:"rate_limit"`
	// MaxRetries is the retry budget for transient failures.
	MaxRetries int `mapstructure:"max_retries"`
	// Tool and Email identify the client to NCBI.
	Tool  string `mapstructure:"tool"`
	Email string `mapstructure:"email"`
}

// LLMConfig holds LLM client configuration.
type LLMConfig struct {
	// Provider is the default LLM provider (openai, anthropic). A snapshot may override it.
	Provider string `mapstructure:"provider"`
	// Timeout is the timeout for a single LLM API call.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRetries is the maximum number of retries for transient failures.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelay is the base delay between retries.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// Temperature is the default sampling temperature.
	Temperature float64 `mapstructure:"temperature"`
	// OpenAI contains OpenAI-specific settings.
	OpenAI ProviderConfig `mapstructure:"openai"`
	// Anthropic contains Anthropic-specific settings.
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	// Resilience contains rate limiter and circuit breaker settings.
	Resilience LLMResilienceConfig `mapstructure:"resilience"`
}

// ProviderConfig holds provider-specific LLM settings.
type ProviderConfig struct {
	// APIKey is loaded from LITMONITOR_LLM_<PROVIDER>_API_KEY only.
	APIKey string `mapstructure:"-"`
	// Model is the default model.
	Model string `mapstructure:"model"`
	// BaseURL is the API base URL (for custom endpoints).
	BaseURL string `mapstructure:"base_url"`
}

// LLMResilienceConfig holds rate limiter and circuit breaker settings for LLM calls.
type LLMResilienceConfig struct {
	// RateLimitRPS is the requests per second limit shared by all jobs.
	RateLimitRPS float64 `mapstructure:"rate_limit_rps"`
	// RateLimitBurst is the burst size for the rate limiter.
	RateLimitBurst int `mapstructure:"rate_limit_burst"`
	// CBConsecutiveThreshold is consecutive failures before circuit opens.
	CBConsecutiveThreshold int `mapstructure:"cb_consecutive_threshold"`
	// CBCooldown is how long the circuit stays open before a trial call.
	CBCooldown time.Duration `mapstructure:"cb_cooldown"`
}

// NotificationConfig holds admin notification settings.
type NotificationConfig struct {
	// Enabled publishes notifications to Kafka. When false they are only logged.
	Enabled bool `mapstructure:"enabled"`
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers"`
	// Topic is the Kafka topic for admin notifications.
	Topic string `mapstructure:"topic"`
	// WriteTimeout bounds a single publish.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// BatchTimeout is the maximum time to wait for a batch to fill before sending.
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// StreamEventsConfig holds settings for the Kafka listener that reacts to
// stream schedule changes made by the admin surface.
type StreamEventsConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	// GroupID is the consumer group ID.
	GroupID string `mapstructure:"group_id"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// GRPCAddress returns the gRPC server address.
func (c *ServerConfig) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// MetricsAddress returns the metrics server address.
func (c *ServerConfig) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadDatabase loads configuration validating only the database section.
// Used by tools that never call external services, such as the migration CLI.
func LoadDatabase() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.validateDatabase(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/literature-monitor-service")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Secrets use mapstructure:"-" and are never read from config files.
	loadSecrets(&cfg)

	return &cfg, nil
}

func loadSecrets(cfg *Config) {
	cfg.LLM.OpenAI.APIKey = os.Getenv(EnvPrefix + "_LLM_OPENAI_API_KEY")
	cfg.LLM.Anthropic.APIKey = os.Getenv(EnvPrefix + "_LLM_ANTHROPIC_API_KEY")
	cfg.PubMed.APIKey = os.Getenv(EnvPrefix + "_PUBMED_API_KEY")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "litmonitor")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "literature_monitor")
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 30)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.poll_interval", "30s")
	v.SetDefault("scheduler.max_concurrent_jobs", 4)
	v.SetDefault("scheduler.unhealthy_threshold", 5)
	v.SetDefault("scheduler.shutdown_timeout", "60s")
	v.SetDefault("scheduler.recover_orphaned", true)

	v.SetDefault("pipeline.filter_concurrency", MaxFanOut)
	v.SetDefault("pipeline.categorize_concurrency", MaxFanOut)
	v.SetDefault("pipeline.call_timeout", "90s")
	v.SetDefault("pipeline.search_timeout", "5m")
	v.SetDefault("pipeline.default_max_results", 500)

	v.SetDefault("broker.subscriber_buffer", 64)
	v.SetDefault("broker.keepalive_interval", "15s")

	v.SetDefault("pubmed.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils")
	v.SetDefault("pubmed.timeout", "30s")
	v.SetDefault("pubmed.rate_limit", 3.0) // NCBI allows 3 req/sec without an API key
	v.SetDefault("pubmed.max_retries", 3)
	v.SetDefault("pubmed.tool", "literature-monitor-service")
	v.SetDefault("pubmed.email", "")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay", "2s")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.anthropic.model", "claude-3-5-haiku-latest")
	v.SetDefault("llm.anthropic.base_url", "https://api.anthropic.com")
	v.SetDefault("llm.resilience.rate_limit_rps", 20.0)
	v.SetDefault("llm.resilience.rate_limit_burst", MaxFanOut)
	v.SetDefault("llm.resilience.cb_consecutive_threshold", 10)
	v.SetDefault("llm.resilience.cb_cooldown", "30s")

	v.SetDefault("notification.enabled", false)
	v.SetDefault("notification.brokers", []string{"localhost:9092"})
	v.SetDefault("notification.topic", "literature_monitor.admin_notifications")
	v.SetDefault("notification.write_timeout", "10s")
	v.SetDefault("notification.batch_timeout", "10ms")

	v.SetDefault("stream_events.enabled", false)
	v.SetDefault("stream_events.brokers", []string{"localhost:9092"})
	v.SetDefault("stream_events.topic", "literature_monitor.stream_changes")
	v.SetDefault("stream_events.group_id", "literature-monitor-service")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler poll_interval must be positive")
	}
	if c.Scheduler.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("scheduler max_concurrent_jobs must be positive")
	}
	if c.Scheduler.UnhealthyThreshold <= 0 {
		return fmt.Errorf("scheduler unhealthy_threshold must be positive")
	}

	if c.Pipeline.FilterConcurrency <= 0 || c.Pipeline.FilterConcurrency > MaxFanOut {
		return fmt.Errorf("pipeline filter_concurrency must be between 1 and %d", MaxFanOut)
	}
	if c.Pipeline.CategorizeConcurrency <= 0 || c.Pipeline.CategorizeConcurrency > MaxFanOut {
		return fmt.Errorf("pipeline categorize_concurrency must be between 1 and %d", MaxFanOut)
	}

	if c.Broker.SubscriberBuffer <= 0 {
		return fmt.Errorf("broker subscriber_buffer must be positive")
	}

	if c.PubMed.BaseURL == "" {
		return fmt.Errorf("pubmed base_url is required")
	}
	if c.PubMed.MaxRetries < 0 {
		return fmt.Errorf("pubmed max_retries must not be negative")
	}

	// The default provider must be usable without a per-stream override.
	switch strings.ToLower(c.LLM.Provider) {
	case "openai":
		if c.LLM.OpenAI.APIKey == "" {
			return fmt.Errorf("LLM provider %q requires %s_LLM_OPENAI_API_KEY to be set", c.LLM.Provider, EnvPrefix)
		}
	case "anthropic":
		if c.LLM.Anthropic.APIKey == "" {
			return fmt.Errorf("LLM provider %q requires %s_LLM_ANTHROPIC_API_KEY to be set", c.LLM.Provider, EnvPrefix)
		}
	default:
		return fmt.Errorf("unsupported LLM provider: %q", c.LLM.Provider)
	}
	if c.LLM.Resilience.RateLimitRPS <= 0 {
		return fmt.Errorf("llm resilience rate_limit_rps must be positive")
	}

	if c.Notification.Enabled {
		if len(c.Notification.Brokers) == 0 {
			return fmt.Errorf("notification brokers are required when notifications are enabled")
		}
		if c.Notification.Topic == "" {
			return fmt.Errorf("notification topic is required when notifications are enabled")
		}
	}

	if c.StreamEvents.Enabled {
		if len(c.StreamEvents.Brokers) == 0 || c.StreamEvents.Topic == "" || c.StreamEvents.GroupID == "" {
			return fmt.Errorf("stream_events brokers, topic and group_id are required when the listener is enabled")
		}
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}
	return nil
}
