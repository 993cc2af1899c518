// Package config handles configuration loading for the orchestrator.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ir-orchestrator/internal/kafka"
	"ir-orchestrator/internal/storage"
	"ir-orchestrator/internal/storage/s3"
)

// DefaultPath is used when IR_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Engine     EngineConfig     `yaml:"engine"`
	Retry      RetryConfig      `yaml:"retry"`
	Escalation EscalationConfig `yaml:"escalation"`
	Tools      ToolsConfig      `yaml:"tools"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Store      StoreConfig      `yaml:"store"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Archive    *s3.Config       `yaml:"archive"`
	Kafka      *kafka.Config    `yaml:"kafka"`
	NATS       NATSConfig       `yaml:"nats"`
}

// ServerConfig holds the health and metrics listener settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// APIKeys guard the operator API. Empty disables authentication.
	APIKeys      []string        `yaml:"api_keys"`
	APIKeyHeader string          `yaml:"api_key_header"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-client rate limiting for the operator API.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	BurstSize     int           `yaml:"burst_size"`
	WindowSize    time.Duration `yaml:"window_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	TrustProxy    bool          `yaml:"trust_proxy"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// EngineConfig tunes the orchestration engine.
type EngineConfig struct {
	Workers             int           `yaml:"workers"`
	QueueSize           int           `yaml:"queue_size"`
	SLABudget           time.Duration `yaml:"sla_budget"`
	DeadlineMultiplier  float64       `yaml:"deadline_multiplier"`
	MaxEscalationRounds int           `yaml:"max_escalation_rounds"`
	AutoApprove         bool          `yaml:"auto_approve"`
	MaxParallel         int           `yaml:"max_parallel"`
	ReaperInterval      time.Duration `yaml:"reaper_interval"`
	FeedbackMinSamples  int           `yaml:"feedback_min_samples"`
	BiasWeight          float64       `yaml:"bias_weight"`
}

// Deadline is the global per-incident deadline measured from detection.
func (e EngineConfig) Deadline() time.Duration {
	return time.Duration(float64(e.SLABudget) * e.DeadlineMultiplier)
}

// RetryConfig controls backoff between tool call attempts.
type RetryConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
}

// EscalationConfig controls escalation notifications.
type EscalationConfig struct {
	Channel         string `yaml:"channel"`
	PageOnLastRound bool   `yaml:"page_on_last_round"`
}

// ToolsConfig points at the tool registry file.
type ToolsConfig struct {
	RegistryPath string        `yaml:"registry_path"`
	Watch        bool          `yaml:"watch"`
	Debounce     time.Duration `yaml:"debounce"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
}

// CatalogConfig points at optional action template overrides.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// StoreConfig holds the response store and its mirrors.
type StoreConfig struct {
	Retention     time.Duration          `yaml:"retention"`
	SweepInterval time.Duration          `yaml:"sweep_interval"`
	MirrorQueue   int                    `yaml:"mirror_queue"`
	MirrorTimeout time.Duration          `yaml:"mirror_timeout"`
	Redis         storage.RedisConfig    `yaml:"redis"`
	Postgres      storage.PostgresConfig `yaml:"postgres"`
}

// ClickHouseConfig holds the response history settings.
type ClickHouseConfig struct {
	storage.ClickHouseConfig `yaml:",inline"`
	BatchWriter              storage.BatchWriterConfig `yaml:"batch_writer"`
	Retention                storage.RetentionConfig   `yaml:"retention"`
}

// NATSConfig holds the EDR agent command bus settings.
type NATSConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8090",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			APIKeyHeader:    "X-API-Key",
			RateLimit: RateLimitConfig{
				Enabled:       true,
				RequestsPerIP: 600,
				BurstSize:     60,
				WindowSize:    time.Minute,
				CleanupPeriod: 5 * time.Minute,
				ExemptPaths:   []string{"/health", "/metrics"},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			Workers:             8,
			QueueSize:           1024,
			SLABudget:           60 * time.Second,
			DeadlineMultiplier:  3,
			MaxEscalationRounds: 3,
			ReaperInterval:      5 * time.Second,
			FeedbackMinSamples:  3,
			BiasWeight:          0.2,
		},
		Retry: RetryConfig{
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			BackoffFactor:  2,
		},
		Escalation: EscalationConfig{
			Channel:         "ir-escalations",
			PageOnLastRound: true,
		},
		Tools: ToolsConfig{
			RegistryPath: "configs/tools.yaml",
			Watch:        true,
			Debounce:     500 * time.Millisecond,
			HTTPTimeout:  30 * time.Second,
		},
		Store: StoreConfig{
			Retention:     30 * 24 * time.Hour,
			SweepInterval: time.Hour,
			MirrorQueue:   1024,
			MirrorTimeout: 5 * time.Second,
			Redis:         storage.DefaultRedisConfig(),
		},
		ClickHouse: ClickHouseConfig{
			ClickHouseConfig: storage.DefaultClickHouseConfig(),
			BatchWriter:      storage.DefaultBatchWriterConfig(),
			Retention:        storage.DefaultRetentionConfig(),
		},
		Archive: s3.DefaultConfig(),
		Kafka:   kafka.DefaultConfig(),
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Name:    "ir-orchestrator",
			Timeout: 5 * time.Second,
		},
	}
}

// Load reads the file named by IR_CONFIG_PATH (or DefaultPath) over the
// defaults, then applies environment overrides. A missing file is not an
// error.
func Load() (*Config, error) {
	path := os.Getenv("IR_CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile loads path over the defaults and applies environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("IR_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("IR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("IR_API_KEYS"); v != "" {
		c.Server.APIKeys = splitAndTrim(v, ",")
	}

	// Engine
	if err := envInt("IR_WORKERS", &c.Engine.Workers); err != nil {
		return err
	}
	if err := envInt("IR_QUEUE_SIZE", &c.Engine.QueueSize); err != nil {
		return err
	}
	if err := envDuration("IR_SLA_BUDGET", &c.Engine.SLABudget); err != nil {
		return err
	}
	if err := envInt("IR_MAX_ESCALATION_ROUNDS", &c.Engine.MaxEscalationRounds); err != nil {
		return err
	}
	if err := envBool("IR_AUTO_APPROVE", &c.Engine.AutoApprove); err != nil {
		return err
	}

	if v := os.Getenv("IR_TOOLS_PATH"); v != "" {
		c.Tools.RegistryPath = v
	}
	if v := os.Getenv("IR_CATALOG_PATH"); v != "" {
		c.Catalog.Path = v
	}

	// Redis / Postgres
	if v := os.Getenv("IR_REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
		c.Store.Redis.Enabled = true
	}
	if v := os.Getenv("IR_REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("IR_POSTGRES_DSN"); v != "" {
		c.Store.Postgres.DSN = v
		c.Store.Postgres.Enabled = true
	}

	// ClickHouse
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Hosts = splitAndTrim(v, ",")
		c.ClickHouse.Enabled = true
	}
	if v := os.Getenv("CLICKHOUSE_DATABASE"); v != "" {
		c.ClickHouse.Database = v
	}
	if v := os.Getenv("CLICKHOUSE_USER"); v != "" {
		c.ClickHouse.Username = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}

	// Kafka
	if v := os.Getenv("IR_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitAndTrim(v, ",")
		c.Kafka.Enabled = true
	}
	if err := envBool("IR_KAFKA_ENABLED", &c.Kafka.Enabled); err != nil {
		return err
	}
	if v := os.Getenv("IR_KAFKA_SASL_USERNAME"); v != "" {
		c.Kafka.SASLUsername = v
	}
	if v := os.Getenv("IR_KAFKA_SASL_PASSWORD"); v != "" {
		c.Kafka.SASLPassword = v
	}

	// Archive
	if v := os.Getenv("IR_ARCHIVE_BUCKET"); v != "" {
		c.Archive.Bucket = v
		c.Archive.Enabled = true
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		c.Archive.Region = v
	}

	if v := os.Getenv("IR_NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	return nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = b
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server listen_addr is required")
	}
	if len(c.Server.APIKeys) > 0 && c.Server.APIKeyHeader == "" {
		return errors.New("server api_key_header is required with api_keys")
	}
	if rl := c.Server.RateLimit; rl.Enabled && (rl.RequestsPerIP <= 0 || rl.WindowSize <= 0) {
		return errors.New("server rate_limit requires positive requests_per_ip and window_size")
	}

	e := c.Engine
	if e.Workers <= 0 {
		return fmt.Errorf("engine workers must be positive, got %d", e.Workers)
	}
	if e.QueueSize <= 0 {
		return fmt.Errorf("engine queue_size must be positive, got %d", e.QueueSize)
	}
	if e.SLABudget <= 0 {
		return fmt.Errorf("engine sla_budget must be positive, got %v", e.SLABudget)
	}
	if e.DeadlineMultiplier < 1 {
		return fmt.Errorf("engine deadline_multiplier must be at least 1, got %v", e.DeadlineMultiplier)
	}
	if e.MaxEscalationRounds < 1 {
		return fmt.Errorf("engine max_escalation_rounds must be at least 1, got %d", e.MaxEscalationRounds)
	}
	if e.MaxParallel < 0 {
		return fmt.Errorf("engine max_parallel must not be negative, got %d", e.MaxParallel)
	}

	r := c.Retry
	if r.InitialBackoff < 0 || r.MaxBackoff < 0 {
		return errors.New("retry backoff must not be negative")
	}
	if r.MaxBackoff > 0 && r.InitialBackoff > r.MaxBackoff {
		return fmt.Errorf("retry initial_backoff %v exceeds max_backoff %v", r.InitialBackoff, r.MaxBackoff)
	}
	if r.BackoffFactor < 1 {
		return fmt.Errorf("retry backoff_factor must be at least 1, got %v", r.BackoffFactor)
	}

	if c.Tools.RegistryPath == "" {
		return errors.New("tools registry_path is required")
	}

	if c.Store.Redis.Enabled && c.Store.Redis.Addr == "" {
		return errors.New("store redis addr is required when enabled")
	}
	if c.Store.Postgres.Enabled && c.Store.Postgres.DSN == "" {
		return errors.New("store postgres dsn is required when enabled")
	}
	if c.ClickHouse.Enabled && len(c.ClickHouse.Hosts) == 0 {
		return errors.New("clickhouse hosts are required when enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats url is required when enabled")
	}
	if c.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}
	if c.Archive.Enabled {
		if err := c.Archive.Validate(); err != nil {
			return err
		}
	}
	return nil
}
