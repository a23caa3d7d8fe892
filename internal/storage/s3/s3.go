// Package s3 archives advisory reports to S3 or S3-compatible storage.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config selects the bucket and how objects are written to it.
type Config struct {
	Region   string `json:"region" yaml:"region"`
	Bucket   string `json:"bucket" yaml:"bucket"`
	Prefix   string `json:"prefix" yaml:"prefix"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"` // MinIO, LocalStack

	// Static credentials. When empty the default AWS chain is used.
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`

	StorageClass         string `json:"storage_class" yaml:"storage_class"`
	ServerSideEncryption string `json:"server_side_encryption,omitempty" yaml:"server_side_encryption,omitempty"` // AES256 | aws:kms
	KMSKeyID             string `json:"kms_key_id,omitempty" yaml:"kms_key_id,omitempty"`
	UsePathStyle         bool   `json:"use_path_style" yaml:"use_path_style"`
	RetryMaxAttempts     int    `json:"retry_max_attempts" yaml:"retry_max_attempts"`

	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Region:           "us-east-1",
		Bucket:           "killchain-advisor-reports",
		Prefix:           "reports/",
		StorageClass:     "INTELLIGENT_TIERING",
		RetryMaxAttempts: 3,
		Timeout:          time.Minute,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	switch c.ServerSideEncryption {
	case "", "AES256", "aws:kms":
	default:
		return fmt.Errorf("s3: unsupported server side encryption %q", c.ServerSideEncryption)
	}
	return nil
}

// ParseStorageClass maps a case-insensitive storage class name to the SDK
// value. Unknown names fall back to STANDARD.
func ParseStorageClass(name string) types.StorageClass {
	want := strings.ToUpper(strings.TrimSpace(name))
	for _, class := range types.StorageClassStandard.Values() {
		if string(class) == want {
			return class
		}
	}
	return types.StorageClassStandard
}

// objectAPI is the part of the S3 API the client needs.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client reads and writes objects under the configured bucket and prefix.
type Client struct {
	api    objectAPI
	config *Config
	logger *slog.Logger
}

// NewClient loads AWS configuration and creates a client.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info("s3 client initialized", "bucket", cfg.Bucket, "region", cfg.Region, "endpoint", cfg.Endpoint)
	return newClientWithAPI(api, cfg, logger), nil
}

func newClientWithAPI(api objectAPI, cfg *Config, logger *slog.Logger) *Client {
	return &Client{api: api, config: cfg, logger: logger}
}

// Location returns the s3:// URL of a key relative to the prefix.
func (c *Client) Location(key string) string {
	return fmt.Sprintf("s3://%s/%s%s", c.config.Bucket, c.config.Prefix, key)
}

// putOptions describe one object write.
type putOptions struct {
	ContentType  string
	Metadata     map[string]string
	StorageClass string // empty uses the client default
}

// Put writes body at key, relative to the prefix, and returns its location.
func (c *Client) Put(ctx context.Context, key string, body []byte, opts putOptions) (string, error) {
	class := c.config.StorageClass
	if opts.StorageClass != "" {
		class = opts.StorageClass
	}
	in := &s3.PutObjectInput{
		Bucket:       aws.String(c.config.Bucket),
		Key:          aws.String(c.config.Prefix + key),
		Body:         bytes.NewReader(body),
		StorageClass: ParseStorageClass(class),
		Metadata:     opts.Metadata,
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	switch c.config.ServerSideEncryption {
	case "AES256":
		in.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if c.config.KMSKeyID != "" {
			in.SSEKMSKeyId = aws.String(c.config.KMSKeyID)
		}
	}

	if _, err := c.api.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("s3: failed to put %s: %w", key, err)
	}
	c.logger.Debug("put object", "key", key, "size", len(body), "storage_class", in.StorageClass)
	return c.Location(key), nil
}

// Get reads the object at key, relative to the prefix.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(c.config.Prefix + key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: failed to get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to read %s: %w", key, err)
	}
	return data, nil
}
