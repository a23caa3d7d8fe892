package storage

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"killchain-advisor/internal/schema"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings for the entity memory store.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`           // Redis server address (host:port)
	Password     string        `yaml:"password"`       // Password for authentication
	DB           int           `yaml:"db"`             // Database number
	KeyPrefix    string        `yaml:"key_prefix"`     // Prefix for every key written
	DialTimeout  time.Duration `yaml:"dial_timeout"`   // Connection timeout
	ReadTimeout  time.Duration `yaml:"read_timeout"`   // Read timeout
	WriteTimeout time.Duration `yaml:"write_timeout"`  // Write timeout
	PoolSize     int           `yaml:"pool_size"`      // Connection pool size
	MinIdleConns int           `yaml:"min_idle_conns"` // Minimum idle connections
	MaxRetries   int           `yaml:"max_retries"`    // Maximum retry attempts
	TLSEnabled   bool          `yaml:"tls_enabled"`    // Enable TLS
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "advisor:",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// maxUpsertAttempts bounds optimistic-lock retries in UpsertEntity.
const maxUpsertAttempts = 5

// RedisEntityStore keeps entity records as JSON values under
// "<prefix>entity:<type>:<id>" with an index set "<prefix>entities".
type RedisEntityStore struct {
	client *redis.Client
	prefix string
}

// NewRedisEntityStore connects to Redis and verifies the connection.
func NewRedisEntityStore(cfg RedisConfig) (*RedisEntityStore, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, WrapConnectionError("Ping", err)
	}

	return NewRedisEntityStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisEntityStoreWithClient wraps an existing client.
func NewRedisEntityStoreWithClient(client *redis.Client, prefix string) *RedisEntityStore {
	return &RedisEntityStore{client: client, prefix: prefix}
}

// Close closes the Redis client.
func (s *RedisEntityStore) Close() error {
	return s.client.Close()
}

func (s *RedisEntityStore) indexKey() string {
	return s.prefix + "entities"
}

func (s *RedisEntityStore) entityKey(key schema.EntityKey) string {
	return s.prefix + "entity:" + string(key)
}

// ListEntities returns every indexed entity sorted by key. Index members
// whose value has expired or was deleted are skipped.
func (s *RedisEntityStore) ListEntities(ctx context.Context) ([]schema.Entity, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, WrapQueryError("ListEntities", s.indexKey(), err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	sort.Strings(members)

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.entityKey(schema.EntityKey(m))
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, WrapQueryError("ListEntities", s.indexKey(), err)
	}

	entities := make([]schema.Entity, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e schema.Entity
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, WrapInvalidDataError("ListEntities", keys[i], err)
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// UpsertEntity merges the observation into the stored record using an
// optimistic WATCH/MULTI transaction.
func (s *RedisEntityStore) UpsertEntity(ctx context.Context, e schema.Entity) error {
	e.Normalize()
	return s.foldEntity(ctx, "UpsertEntity", e, mergeFold(e))
}

// ObserveEntity is UpsertEntity with the stored risk raised by riskDelta.
func (s *RedisEntityStore) ObserveEntity(ctx context.Context, e schema.Entity, riskDelta int) error {
	e.Normalize()
	return s.foldEntity(ctx, "ObserveEntity", e, observeFold(e, riskDelta))
}

func (s *RedisEntityStore) foldEntity(ctx context.Context, op string, e schema.Entity, fold entityFold) error {
	key := e.Key()
	if key == "" {
		return WrapInvalidDataError(op, s.indexKey(), errEmptyEntityID)
	}
	redisKey := s.entityKey(key)

	txf := func(tx *redis.Tx) error {
		var merged schema.Entity
		raw, err := tx.Get(ctx, redisKey).Result()
		switch {
		case err == nil:
			var existing schema.Entity
			if err := json.Unmarshal([]byte(raw), &existing); err != nil {
				return WrapInvalidDataError(op, redisKey, err)
			}
			merged = fold(existing, true)
		case errors.Is(err, redis.Nil):
			merged = fold(schema.Entity{}, false)
		default:
			return err
		}

		data, err := json.Marshal(merged)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, data, 0)
			pipe.SAdd(ctx, s.indexKey(), string(key))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, redisKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if IsInvalidData(err) {
			return err
		}
		return WrapQueryError(op, redisKey, err)
	}
	return WrapQueryError(op, redisKey,
		fmt.Errorf("optimistic lock failed after %d attempts", maxUpsertAttempts))
}
