// Package kafka carries case records between submitters and the ingest
// service over a Kafka topic.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Security protocols.
const (
	ProtocolPlaintext     = "PLAINTEXT"
	ProtocolSSL           = "SSL"
	ProtocolSASLPlaintext = "SASL_PLAINTEXT"
	ProtocolSASLSSL       = "SASL_SSL"
)

// Config is the case topic connection. Consumer settings apply to
// advisor-ingest, producer settings to advisorctl submit.
type Config struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	// MaxMessageBytes bounds one serialized case in both directions.
	MaxMessageBytes int           `yaml:"max_message_bytes"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`

	Auth     AuthConfig     `yaml:"auth"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Producer ProducerConfig `yaml:"producer"`
}

// AuthConfig selects broker transport security.
type AuthConfig struct {
	Protocol  string    `yaml:"protocol"`
	Mechanism string    `yaml:"mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string    `yaml:"username,omitempty"`
	Password  string    `yaml:"password,omitempty"`
	TLS       TLSConfig `yaml:"tls"`
}

// TLSConfig points at PEM files for broker TLS.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"ca_file,omitempty"`
	CertFile   string `yaml:"cert_file,omitempty"`
	KeyFile    string `yaml:"key_file,omitempty"`
	SkipVerify bool   `yaml:"skip_verify,omitempty"`
}

// ConsumerConfig tunes the consumer group reader.
type ConsumerConfig struct {
	Group          string        `yaml:"group"`
	StartFrom      string        `yaml:"start_from"` // earliest | latest
	MinBytes       int           `yaml:"min_bytes"`
	MaxBytes       int           `yaml:"max_bytes"`
	MaxWait        time.Duration `yaml:"max_wait"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	// A message that fails with a retryable error is retried, doubling the
	// wait from RetryBackoff up to MaxRetryBackoff, before the next fetch.
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
}

// ProducerConfig tunes the case writer.
type ProducerConfig struct {
	Acks         string        `yaml:"acks"`        // all | leader | none
	Compression  string        `yaml:"compression"` // none | gzip | snappy | lz4 | zstd
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the configuration for a local single broker.
func DefaultConfig() *Config {
	return &Config{
		Brokers:         []string{"localhost:9092"},
		Topic:           "advisor-cases",
		MaxMessageBytes: 1 << 20,
		DialTimeout:     10 * time.Second,
		Auth:            AuthConfig{Protocol: ProtocolPlaintext},
		Consumer: ConsumerConfig{
			Group:           "advisor-ingest",
			StartFrom:       "earliest",
			MinBytes:        1,
			MaxBytes:        10 << 20,
			MaxWait:         500 * time.Millisecond,
			HandlerTimeout:  30 * time.Second,
			RetryBackoff:    250 * time.Millisecond,
			MaxRetryBackoff: 30 * time.Second,
		},
		Producer: ProducerConfig{
			Acks:         "all",
			Compression:  "lz4",
			MaxRetries:   3,
			RetryBackoff: 100 * time.Millisecond,
			WriteTimeout: 30 * time.Second,
		},
	}
}

var (
	startOffsets = map[string]int64{
		"earliest": kafka.FirstOffset,
		"latest":   kafka.LastOffset,
	}
	ackModes = map[string]kafka.RequiredAcks{
		"all":    kafka.RequireAll,
		"leader": kafka.RequireOne,
		"none":   kafka.RequireNone,
	}
	codecs = map[string]kafka.Compression{
		"none":   0,
		"":       0,
		"gzip":   kafka.Gzip,
		"snappy": kafka.Snappy,
		"lz4":    kafka.Lz4,
		"zstd":   kafka.Zstd,
	}
)

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	if c.MaxMessageBytes < 1 {
		return errors.New("kafka: max message bytes must be positive")
	}
	if _, ok := startOffsets[c.Consumer.StartFrom]; !ok {
		return fmt.Errorf("kafka: invalid consumer start_from %q", c.Consumer.StartFrom)
	}
	if _, ok := ackModes[c.Producer.Acks]; !ok {
		return fmt.Errorf("kafka: invalid producer acks %q", c.Producer.Acks)
	}
	if _, ok := codecs[c.Producer.Compression]; !ok {
		return fmt.Errorf("kafka: invalid producer compression %q", c.Producer.Compression)
	}
	return c.Auth.validate()
}

func (a *AuthConfig) validate() error {
	switch a.Protocol {
	case ProtocolPlaintext, ProtocolSSL:
		return nil
	case ProtocolSASLPlaintext, ProtocolSASLSSL:
	default:
		return fmt.Errorf("kafka: invalid security protocol: %s", a.Protocol)
	}
	switch a.Mechanism {
	case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
	default:
		return fmt.Errorf("kafka: invalid SASL mechanism: %q", a.Mechanism)
	}
	if a.Username == "" || a.Password == "" {
		return errors.New("kafka: SASL username and password required for SASL authentication")
	}
	return nil
}

func (a *AuthConfig) usesSASL() bool {
	return a.Protocol == ProtocolSASLPlaintext || a.Protocol == ProtocolSASLSSL
}

func (a *AuthConfig) usesTLS() bool {
	return a.TLS.Enabled || a.Protocol == ProtocolSSL || a.Protocol == ProtocolSASLSSL
}

// StartOffset returns the reader start offset for a new consumer group.
func (c *ConsumerConfig) StartOffset() int64 {
	if off, ok := startOffsets[c.StartFrom]; ok {
		return off
	}
	return kafka.FirstOffset
}

// RequiredAcks returns the writer acknowledgement mode.
func (p *ProducerConfig) RequiredAcks() kafka.RequiredAcks {
	if acks, ok := ackModes[p.Acks]; ok {
		return acks
	}
	return kafka.RequireAll
}

// Codec returns the writer compression codec. Unknown names disable compression.
func (p *ProducerConfig) Codec() kafka.Compression {
	return codecs[p.Compression]
}

// Dialer returns a kafka.Dialer with TLS and SASL applied from Auth.
func (c *Config) Dialer() (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		Timeout:   c.DialTimeout,
		DualStack: true,
	}

	if c.Auth.usesTLS() {
		tlsConfig, err := c.Auth.TLS.load()
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure TLS: %w", err)
		}
		dialer.TLS = tlsConfig
	}

	if c.Auth.usesSASL() {
		mechanism, err := c.Auth.mechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure SASL: %w", err)
		}
		dialer.SASLMechanism = mechanism
	}

	return dialer, nil
}

func (t *TLSConfig) load() (*tls.Config, error) {
	if t.SkipVerify {
		slog.Warn("TLS certificate verification is disabled for Kafka")
	}
	cfg := &tls.Config{
		InsecureSkipVerify: t.SkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates found in CA file")
		}
		cfg.RootCAs = pool
	}

	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (a *AuthConfig) mechanism() (sasl.Mechanism, error) {
	switch a.Mechanism {
	case "PLAIN":
		return plain.Mechanism{Username: a.Username, Password: a.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, a.Username, a.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, a.Username, a.Password)
	}
	return nil, fmt.Errorf("unsupported SASL mechanism: %s", a.Mechanism)
}

// Stats counts traffic on the case topic.
type Stats struct {
	Produced      int64
	Consumed      int64
	Bytes         int64
	Rejected      int64
	Errors        int64
	Retries       int64
	LastError     error
	LastErrorTime time.Time
}
