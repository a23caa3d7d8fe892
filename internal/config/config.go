// Package config handles configuration loading for killchain-advisor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"killchain-advisor/internal/correlation"
	"killchain-advisor/internal/kafka"
	"killchain-advisor/internal/notify"
	"killchain-advisor/internal/storage"
	"killchain-advisor/internal/storage/s3"
)

// DefaultPath is read when ADVISOR_CONFIG_PATH is unset.
const DefaultPath = "configs/advisor.yaml"

// Store backends.
const (
	BackendMemory     = storage.BackendMemory
	BackendFile       = storage.BackendFile
	BackendClickHouse = storage.BackendClickHouse
	BackendRedis      = storage.BackendRedis
)

// Config holds the complete application configuration.
type Config struct {
	Server          ServerConfig             `yaml:"server"`
	Ingest          IngestConfig             `yaml:"ingest"`
	Auth            AuthConfig               `yaml:"auth"`
	RateLimit       RateLimitConfig          `yaml:"rate_limit"`
	SecurityHeaders SecurityHeadersConfig    `yaml:"security_headers"`
	Logging         LoggingConfig            `yaml:"logging"`
	Store           StoreConfig              `yaml:"store"`
	ClickHouse      storage.ClickHouseConfig `yaml:"clickhouse"`
	Redis           storage.RedisConfig      `yaml:"redis"`
	Kafka           KafkaConfig              `yaml:"kafka"`
	S3              s3.Config                `yaml:"s3"`
	NATS            notify.Config            `yaml:"nats"`
	Analysis        AnalysisConfig           `yaml:"analysis"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Production hides internal error detail from API responses.
	Production bool `yaml:"production"`
}

// IngestConfig holds case ingestion settings for the HTTP endpoint and the
// background recorder.
type IngestConfig struct {
	MaxBatchSize   int           `yaml:"max_batch_size"`
	MaxPayloadSize int           `yaml:"max_payload_size"`
	QueueSize      int           `yaml:"queue_size"`
	Workers        int           `yaml:"workers"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ShutdownWait   time.Duration `yaml:"shutdown_wait"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"` // Max requests per IP per window
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"` // Trust X-Forwarded-For
}

// SecurityHeadersConfig holds response hardening headers.
type SecurityHeadersConfig struct {
	Enabled        bool   `yaml:"enabled"`
	HSTSMaxAge     int    `yaml:"hsts_max_age"` // 0 disables HSTS
	FrameOptions   string `yaml:"frame_options"`
	ReferrerPolicy string `yaml:"referrer_policy"`
	CSP            string `yaml:"csp"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects the case and entity backends.
type StoreConfig struct {
	CaseBackend   string `yaml:"case_backend"`   // memory | file | clickhouse
	EntityBackend string `yaml:"entity_backend"` // memory | file | redis | clickhouse
	SnapshotPath  string `yaml:"snapshot_path"`  // used by the file backend
	Migrate       bool   `yaml:"migrate"`        // apply ClickHouse migrations on start
}

// KafkaConfig enables the case topic consumer.
type KafkaConfig struct {
	Enabled      bool `yaml:"enabled"`
	kafka.Config `yaml:",inline"`
}

// AnalysisConfig tunes the pipeline and the API report cache.
type AnalysisConfig struct {
	ExampleCap int `yaml:"example_cap"`
	IPCap      int `yaml:"ip_cap"`
	CacheSize  int `yaml:"cache_size"`
	// Interval between background analysis runs that feed NATS digests.
	// Zero disables the loop.
	Interval time.Duration `yaml:"interval"`
}

// StoreOptions returns the backend selection for storage.Open.
func (c *Config) StoreOptions() storage.OpenOptions {
	return storage.OpenOptions{
		CaseBackend:   c.Store.CaseBackend,
		EntityBackend: c.Store.EntityBackend,
		SnapshotPath:  c.Store.SnapshotPath,
		ClickHouse:    c.ClickHouse,
		Redis:         c.Redis,
		Migrate:       c.Store.Migrate,
	}
}

// CorrelationOptions returns the edge building options.
func (a AnalysisConfig) CorrelationOptions() correlation.Options {
	return correlation.Options{ExampleCap: a.ExampleCap, IPCap: a.IPCap}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   500,
			MaxPayloadSize: 10 * 1024 * 1024,
			QueueSize:      10000,
			Workers:        4,
			PollInterval:   100 * time.Millisecond,
			ShutdownWait:   30 * time.Second,
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 600,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
		},
		SecurityHeaders: SecurityHeadersConfig{
			Enabled:        true,
			HSTSMaxAge:     31536000,
			FrameOptions:   "DENY",
			ReferrerPolicy: "no-referrer",
			CSP:            "default-src 'none'; frame-ancestors 'none'",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			CaseBackend:   BackendMemory,
			EntityBackend: BackendMemory,
			SnapshotPath:  "data/snapshot.json",
		},
		ClickHouse: storage.DefaultClickHouseConfig(),
		Redis:      storage.DefaultRedisConfig(),
		Kafka:      KafkaConfig{Config: *kafka.DefaultConfig()},
		S3:         *s3.DefaultConfig(),
		NATS:       notify.DefaultConfig(),
		Analysis: AnalysisConfig{
			ExampleCap: correlation.DefaultExampleCap,
			IPCap:      correlation.DefaultIPCap,
			CacheSize:  64,
		},
	}
}

// Load reads the file at ADVISOR_CONFIG_PATH (or DefaultPath), applies
// environment overrides and validates the result. A missing file yields
// the defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// Path returns ADVISOR_CONFIG_PATH, or DefaultPath when unset.
func Path() string {
	if path := os.Getenv("ADVISOR_CONFIG_PATH"); path != "" {
		return path
	}
	return DefaultPath
}

// LoadFile is Load for an explicit path.
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if port := os.Getenv("ADVISOR_HTTP_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("ADVISOR_HTTP_PORT: %w", err)
		}
		c.Server.HTTPPort = n
	}
	if os.Getenv("ADVISOR_PRODUCTION") == "true" {
		c.Server.Production = true
	}

	if level := os.Getenv("ADVISOR_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("ADVISOR_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if apiKey := os.Getenv("ADVISOR_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if backend := os.Getenv("ADVISOR_CASE_BACKEND"); backend != "" {
		c.Store.CaseBackend = backend
	}
	if backend := os.Getenv("ADVISOR_ENTITY_BACKEND"); backend != "" {
		c.Store.EntityBackend = backend
	}
	if path := os.Getenv("ADVISOR_SNAPSHOT_PATH"); path != "" {
		c.Store.SnapshotPath = path
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.ClickHouse.Hosts = splitAndTrim(host)
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.ClickHouse.Password = pass
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if brokers := os.Getenv("ADVISOR_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers)
		c.Kafka.Enabled = true
	}
	if topic := os.Getenv("ADVISOR_KAFKA_TOPIC"); topic != "" {
		c.Kafka.Topic = topic
	}
	if pass := os.Getenv("ADVISOR_KAFKA_PASSWORD"); pass != "" {
		c.Kafka.Auth.Password = pass
	}

	if bucket := os.Getenv("ADVISOR_S3_BUCKET"); bucket != "" {
		c.S3.Bucket = bucket
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		c.S3.Region = region
	}

	if url := os.Getenv("ADVISOR_NATS_URL"); url != "" {
		c.NATS.URL = url
		c.NATS.Enabled = true
	}

	if enabled := os.Getenv("ADVISOR_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}
	return nil
}

func splitAndTrim(s string) []string {
	var parts []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest queue_size must be positive")
	}
	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("ingest max_batch_size must be positive")
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest workers must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	switch c.Store.CaseBackend {
	case BackendMemory, BackendClickHouse:
	case BackendFile:
		if c.Store.SnapshotPath == "" {
			return fmt.Errorf("store snapshot_path is required for the file backend")
		}
	default:
		return fmt.Errorf("invalid case_backend: %q", c.Store.CaseBackend)
	}
	switch c.Store.EntityBackend {
	case BackendMemory, BackendRedis:
	case BackendClickHouse:
		if c.Store.CaseBackend != BackendClickHouse {
			return fmt.Errorf("clickhouse entity_backend requires the clickhouse case_backend")
		}
	case BackendFile:
		if c.Store.SnapshotPath == "" {
			return fmt.Errorf("store snapshot_path is required for the file backend")
		}
	default:
		return fmt.Errorf("invalid entity_backend: %q", c.Store.EntityBackend)
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth enabled but no api_keys configured")
	}

	if c.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
	}
	if err := c.NATS.Validate(); err != nil {
		return err
	}

	if c.Analysis.ExampleCap != 0 &&
		(c.Analysis.ExampleCap < correlation.MinExampleCap || c.Analysis.ExampleCap > correlation.MaxExampleCap) {
		return fmt.Errorf("analysis example_cap must be within [%d, %d]", correlation.MinExampleCap, correlation.MaxExampleCap)
	}
	if c.Analysis.IPCap < 0 {
		return fmt.Errorf("analysis ip_cap must not be negative")
	}
	if c.Analysis.CacheSize <= 0 {
		return fmt.Errorf("analysis cache_size must be positive")
	}
	return nil
}
