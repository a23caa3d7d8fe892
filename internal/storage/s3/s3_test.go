package s3

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeObjectAPI struct {
	objects map[string][]byte
	meta    map[string]map[string]string
	classes map[string]types.StorageClass
}

func newFakeObjectAPI() *fakeObjectAPI {
	return &fakeObjectAPI{
		objects: make(map[string][]byte),
		meta:    make(map[string]map[string]string),
		classes: make(map[string]types.StorageClass),
	}
}

func (f *fakeObjectAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	f.objects[key] = data
	f.meta[key] = in.Metadata
	f.classes[key] = in.StorageClass
	return &s3.PutObjectOutput{ETag: aws.String("etag-1")}, nil
}

func (f *fakeObjectAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func getTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Region == "" {
		t.Error("expected default region")
	}
	if cfg.Bucket == "" {
		t.Error("expected default bucket")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty region", func(c *Config) { c.Region = "" }, true},
		{"empty bucket", func(c *Config) { c.Bucket = "" }, true},
		{"kms encryption", func(c *Config) { c.ServerSideEncryption = "aws:kms" }, false},
		{"unknown encryption", func(c *Config) { c.ServerSideEncryption = "rot13" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseStorageClass(t *testing.T) {
	tests := []struct {
		class string
		want  types.StorageClass
	}{
		{"STANDARD", types.StorageClassStandard},
		{"glacier", types.StorageClassGlacier},
		{"INTELLIGENT_TIERING", types.StorageClassIntelligentTiering},
		{" glacier_ir ", types.StorageClassGlacierIr},
		{"unknown", types.StorageClassStandard},
		{"", types.StorageClassStandard},
	}

	for _, tt := range tests {
		if got := ParseStorageClass(tt.class); got != tt.want {
			t.Errorf("ParseStorageClass(%q) = %v, want %v", tt.class, got, tt.want)
		}
	}
}

func TestArchiver_Key(t *testing.T) {
	a := NewArchiver(nil, nil, getTestLogger())
	obj := ArchiveObject{Kind: "reports", ID: "r-1", GeneratedAt: time.Date(2026, 4, 9, 23, 0, 0, 0, time.UTC)}

	if got := a.Key(obj); got != "reports/2026/04/09/r-1.json.gz" {
		t.Errorf("Key() = %q", got)
	}

	plain := NewArchiver(nil, &ArchiverConfig{Compression: CompressionNone}, getTestLogger())
	if got := plain.Key(obj); got != "reports/2026/04/09/r-1.json" {
		t.Errorf("Key() = %q", got)
	}
}

func TestArchiver_ArchiveAndFetch(t *testing.T) {
	for _, compression := range []CompressionType{CompressionGzip, CompressionNone} {
		t.Run(string(compression), func(t *testing.T) {
			api := newFakeObjectAPI()
			cfg := DefaultConfig()
			client := newClientWithAPI(api, cfg, getTestLogger())
			archiver := NewArchiver(client, &ArchiverConfig{Compression: compression, StorageClass: "GLACIER"}, getTestLogger())

			payload := map[string]any{"fingerprint": "abc", "campaigns": float64(3)}
			receipt, err := archiver.Archive(context.Background(), ArchiveObject{
				Kind:        "reports",
				ID:          "r-42",
				GeneratedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
				Metadata:    map[string]string{"fingerprint": "abc"},
				Payload:     payload,
			})
			if err != nil {
				t.Fatalf("Archive() error = %v", err)
			}

			fullKey := cfg.Prefix + receipt.Key
			if _, ok := api.objects[fullKey]; !ok {
				t.Fatalf("object %q not uploaded", fullKey)
			}
			if api.meta[fullKey]["fingerprint"] != "abc" {
				t.Errorf("metadata not stored: %v", api.meta[fullKey])
			}
			if api.classes[fullKey] != types.StorageClassGlacier {
				t.Errorf("storage class = %v", api.classes[fullKey])
			}

			var got map[string]any
			if err := archiver.Fetch(context.Background(), receipt.Key, &got); err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if got["fingerprint"] != "abc" || got["campaigns"] != float64(3) {
				t.Errorf("Fetch() = %v", got)
			}
			if receipt.Location != "s3://"+cfg.Bucket+"/"+fullKey {
				t.Errorf("Location = %q", receipt.Location)
			}
			if archiver.Archived() != 1 {
				t.Errorf("Archived() = %d", archiver.Archived())
			}
		})
	}
}

func TestArchiver_DefaultStorageClass(t *testing.T) {
	api := newFakeObjectAPI()
	cfg := DefaultConfig()
	archiver := NewArchiver(newClientWithAPI(api, cfg, getTestLogger()), nil, getTestLogger())

	receipt, err := archiver.Archive(context.Background(), ArchiveObject{
		Kind: "reports", ID: "r-1", GeneratedAt: time.Now(), Payload: "x",
	})
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if got := api.classes[cfg.Prefix+receipt.Key]; got != types.StorageClassIntelligentTiering {
		t.Errorf("storage class = %v", got)
	}
}

func TestArchiver_FetchMissing(t *testing.T) {
	archiver := NewArchiver(newClientWithAPI(newFakeObjectAPI(), DefaultConfig(), getTestLogger()), nil, getTestLogger())
	var out map[string]any
	if err := archiver.Fetch(context.Background(), "reports/none.json.gz", &out); err == nil {
		t.Error("expected error for missing object")
	}
}

func TestArchiver_RequiresKindAndID(t *testing.T) {
	client := newClientWithAPI(newFakeObjectAPI(), DefaultConfig(), getTestLogger())
	archiver := NewArchiver(client, nil, getTestLogger())

	if _, err := archiver.Archive(context.Background(), ArchiveObject{Kind: "reports"}); err == nil {
		t.Error("expected error for missing id")
	}
}
