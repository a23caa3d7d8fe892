package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync/atomic"
	"time"
)

// CompressionType defines compression algorithms.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
)

// ArchiveObject is one document to archive.
type ArchiveObject struct {
	Kind        string            // key namespace, e.g. "reports"
	ID          string            // object id, unique within Kind
	GeneratedAt time.Time         // partitions the key by date
	Metadata    map[string]string // stored as S3 object metadata
	Payload     any               // JSON-encoded body
}

// ArchiveReceipt describes an archived object.
type ArchiveReceipt struct {
	Key             string          `json:"key"`
	Location        string          `json:"location"`
	Compression     CompressionType `json:"compression"`
	Bytes           int64           `json:"bytes"`
	CompressedBytes int64           `json:"compressed_bytes"`
}

// ArchiverConfig configures the archiver.
type ArchiverConfig struct {
	Compression  CompressionType `json:"compression" yaml:"compression"`
	StorageClass string          `json:"storage_class" yaml:"storage_class"` // empty uses the client default
}

// DefaultArchiverConfig returns default archiver configuration.
func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		Compression: CompressionGzip,
	}
}

// Archiver writes JSON documents to S3, one object per document.
type Archiver struct {
	client   *Client
	config   *ArchiverConfig
	logger   *slog.Logger
	archived atomic.Int64
}

// NewArchiver creates a new archiver.
func NewArchiver(client *Client, cfg *ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg == nil {
		cfg = DefaultArchiverConfig()
	}
	return &Archiver{client: client, config: cfg, logger: logger}
}

// Key returns the object key for obj, relative to the client prefix.
func (a *Archiver) Key(obj ArchiveObject) string {
	at := obj.GeneratedAt.UTC()
	name := obj.ID + ".json"
	if a.config.Compression == CompressionGzip {
		name += ".gz"
	}
	return path.Join(obj.Kind, at.Format("2006"), at.Format("01"), at.Format("02"), name)
}

// Archive encodes and uploads obj.
func (a *Archiver) Archive(ctx context.Context, obj ArchiveObject) (*ArchiveReceipt, error) {
	if obj.ID == "" || obj.Kind == "" {
		return nil, fmt.Errorf("s3: archive object requires kind and id")
	}

	if a.client.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.client.config.Timeout)
		defer cancel()
	}

	raw, err := json.Marshal(obj.Payload)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to encode %s/%s: %w", obj.Kind, obj.ID, err)
	}

	body := raw
	contentType := "application/json"
	if a.config.Compression == CompressionGzip {
		body, err = compressGzip(raw)
		if err != nil {
			return nil, fmt.Errorf("s3: failed to compress %s/%s: %w", obj.Kind, obj.ID, err)
		}
		contentType = "application/gzip"
	}

	key := a.Key(obj)
	location, err := a.client.Put(ctx, key, body, putOptions{
		ContentType:  contentType,
		Metadata:     obj.Metadata,
		StorageClass: a.config.StorageClass,
	})
	if err != nil {
		return nil, err
	}
	a.archived.Add(1)

	a.logger.Info("archived object",
		"kind", obj.Kind,
		"id", obj.ID,
		"location", location,
		"bytes", len(raw),
		"compressed_bytes", len(body),
	)

	return &ArchiveReceipt{
		Key:             key,
		Location:        location,
		Compression:     a.config.Compression,
		Bytes:           int64(len(raw)),
		CompressedBytes: int64(len(body)),
	}, nil
}

// Fetch downloads an archived object and decodes it into out. key is
// relative to the client prefix, as returned by Key.
func (a *Archiver) Fetch(ctx context.Context, key string, out any) error {
	data, err := a.client.Get(ctx, key)
	if err != nil {
		return err
	}
	if path.Ext(key) == ".gz" {
		if data, err = decompressGzip(data); err != nil {
			return fmt.Errorf("s3: failed to decompress %s: %w", key, err)
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("s3: failed to decode %s: %w", key, err)
	}
	return nil
}

// Archived returns the number of objects archived by this archiver.
func (a *Archiver) Archived() int64 {
	return a.archived.Load()
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
