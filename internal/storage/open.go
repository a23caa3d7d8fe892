package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Backend names accepted by Open.
const (
	BackendMemory     = "memory"
	BackendFile       = "file"
	BackendClickHouse = "clickhouse"
	BackendRedis      = "redis"
)

// OpenOptions selects and configures the case and entity backends.
type OpenOptions struct {
	CaseBackend   string
	EntityBackend string
	SnapshotPath  string
	ClickHouse    ClickHouseConfig
	Redis         RedisConfig
	// Migrate applies the embedded ClickHouse migrations before use.
	Migrate bool
}

// Backends holds the opened stores. Cases and Entities may be the same
// value when both backends share storage.
type Backends struct {
	Cases    CaseStore
	Entities EntityStore
	closers  []io.Closer
}

// Open creates the configured backends. Memory and file backends are shared
// when both stores select the same one.
func Open(ctx context.Context, opts OpenOptions, logger *slog.Logger) (*Backends, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backends{}

	var mem *MemoryStore
	var file *FileStore
	var ch *ClickHouseStore

	switch opts.CaseBackend {
	case BackendMemory, "":
		mem = NewMemoryStore()
		b.Cases = mem
	case BackendFile:
		file = NewFileStore(opts.SnapshotPath)
		b.Cases = file
	case BackendClickHouse:
		client, err := NewClickHouseClient(ctx, opts.ClickHouse)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, client)
		if opts.Migrate {
			logger.Info("running database migrations")
			applied, err := NewMigrator(client, logger).Run(ctx)
			if err != nil {
				b.Close()
				return nil, fmt.Errorf("migrate clickhouse: %w", err)
			}
			logger.Info("migrations complete", "applied", applied)
		}
		ch = NewClickHouseStore(client)
		b.Cases = ch
	default:
		return nil, fmt.Errorf("unknown case backend %q", opts.CaseBackend)
	}

	switch opts.EntityBackend {
	case BackendMemory, "":
		if mem == nil {
			mem = NewMemoryStore()
		}
		b.Entities = mem
	case BackendFile:
		if file == nil {
			file = NewFileStore(opts.SnapshotPath)
		}
		b.Entities = file
	case BackendClickHouse:
		if ch == nil {
			b.Close()
			return nil, errors.New("clickhouse entity backend requires the clickhouse case backend")
		}
		b.Entities = ch
	case BackendRedis:
		rs, err := NewRedisEntityStore(opts.Redis)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, rs)
		b.Entities = rs
	default:
		b.Close()
		return nil, fmt.Errorf("unknown entity backend %q", opts.EntityBackend)
	}

	logger.Info("stores opened", "cases", opts.CaseBackend, "entities", opts.EntityBackend)
	return b, nil
}

// Close releases backend connections.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
