package storage

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ir-orchestrator/internal/model"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Prefix       string        `yaml:"prefix"`
	TTL          time.Duration `yaml:"ttl"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MaxRetries   int           `yaml:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Prefix:       "ir",
		TTL:          7 * 24 * time.Hour,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MaxRetries:   3,
	}
}

// RedisClient is the subset of Redis used for response snapshots.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error
	Close() error
}

// GoRedisClient adapts go-redis to RedisClient.
type GoRedisClient struct {
	client *redis.Client
}

// NewGoRedisClient connects to Redis and verifies the connection.
func NewGoRedisClient(cfg RedisConfig) (*GoRedisClient, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, WrapConnectionError("Ping", err)
	}
	return &GoRedisClient{client: client}, nil
}

// Set stores a value with TTL.
func (g *GoRedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.client.Set(ctx, key, value, ttl).Err()
}

// Get retrieves a value, mapping a missing key to ErrNotFound.
func (g *GoRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := g.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, WrapNotFoundError("Get", "redis", key)
	}
	return val, err
}

// Delete removes keys.
func (g *GoRedisClient) Delete(ctx context.Context, keys ...string) error {
	return g.client.Del(ctx, keys...).Err()
}

// SAdd adds members to a set.
func (g *GoRedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	return g.client.SAdd(ctx, key, toAny(members)...).Err()
}

// SMembers returns all members of a set.
func (g *GoRedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return g.client.SMembers(ctx, key).Result()
}

// SRem removes members from a set.
func (g *GoRedisClient) SRem(ctx context.Context, key string, members ...string) error {
	return g.client.SRem(ctx, key, toAny(members)...).Err()
}

// Close closes the Redis connection.
func (g *GoRedisClient) Close() error {
	return g.client.Close()
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// RedisStore mirrors response snapshots into Redis so a restarted engine
// can reload open incidents.
type RedisStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a snapshot store under prefix.
func NewRedisStore(client RedisClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "ir"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Name identifies the store in logs.
func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) key(id string) string {
	return fmt.Sprintf("%s:response:%s", s.prefix, id)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":responses"
}

// Save writes the snapshot and indexes it.
func (s *RedisStore) Save(ctx context.Context, r *model.IncidentResponse) error {
	data, err := json.Marshal(r)
	if err != nil {
		return WrapDataError("Save", "redis", err)
	}
	if err := s.client.Set(ctx, s.key(r.IncidentID), data, s.ttl); err != nil {
		return WrapQueryError("Save", "redis", err)
	}
	if err := s.client.SAdd(ctx, s.indexKey(), r.IncidentID); err != nil {
		return WrapQueryError("Save", "redis", err)
	}
	return nil
}

// Get reads one snapshot.
func (s *RedisStore) Get(ctx context.Context, id string) (*model.IncidentResponse, error) {
	data, err := s.client.Get(ctx, s.key(id))
	if err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return nil, WrapQueryError("Get", "redis", err)
	}
	var r model.IncidentResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, WrapDataError("Get", "redis", err)
	}
	return &r, nil
}

// Load returns every indexed snapshot. Index entries whose snapshot
// expired are pruned.
func (s *RedisStore) Load(ctx context.Context) ([]*model.IncidentResponse, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey())
	if err != nil {
		return nil, WrapQueryError("Load", "redis", err)
	}

	var out []*model.IncidentResponse
	var stale []string
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				stale = append(stale, id)
				continue
			}
			return nil, err
		}
		out = append(out, r)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, s.indexKey(), stale...)
	}
	return out, nil
}

// Delete removes a snapshot and its index entry.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Delete(ctx, s.key(id)); err != nil {
		return WrapQueryError("Delete", "redis", err)
	}
	return s.client.SRem(ctx, s.indexKey(), id)
}
