package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"

	"github.com/syntor/agentmesh/pkg/models"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address        string `mapstructure:"address" json:"address"`
	Password       string `mapstructure:"password" json:"-"`
	DB             int    `mapstructure:"db" json:"db"`
	KeyPrefix      string `mapstructure:"key_prefix" json:"key_prefix"`
	ConnectRetries uint   `mapstructure:"connect_retries" json:"connect_retries"`
}

// DefaultRedisConfig returns default Redis configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:        "localhost:6379",
		KeyPrefix:      "agentmesh:",
		ConnectRetries: 5,
	}
}

// RedisStore implements Store on Redis. TTLs map to key expiry, so an agent
// that stops heartbeating disappears without a sweep.
type RedisStore struct {
	client    *redis.Client
	config    RedisConfig
	mu        sync.RWMutex
	connected bool
	health    models.HealthStatus
}

// NewRedisStore creates an unconnected store
func NewRedisStore(config RedisConfig) *RedisStore {
	return &RedisStore{
		config: config,
		health: models.HealthUnknown,
	}
}

// Connect dials Redis, retrying with exponential backoff until ctx is done.
func (s *RedisStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     s.config.Address,
		Password: s.config.Password,
		DB:       s.config.DB,
	})

	attempts := s.config.ConnectRetries
	if attempts == 0 {
		attempts = 1
	}
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return retry.BackOffDelay(n, err, config)
		}),
	)
	if err := r.Do(func() error {
		return client.Ping(ctx).Err()
	}); err != nil {
		client.Close()
		s.health = models.HealthCritical
		return fmt.Errorf("failed to connect to redis at %s: %w", s.config.Address, err)
	}

	s.client = client
	s.connected = true
	s.health = models.HealthHealthy
	return nil
}

// Close shuts down the connection pool
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.connected = false
	s.health = models.HealthUnknown
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis connection: %w", err)
	}
	return nil
}

// Health returns the current health status
func (s *RedisStore) Health() models.HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

func (s *RedisStore) conn() (*redis.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, fmt.Errorf("redis store not connected")
	}
	return s.client, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	client, err := s.conn()
	if err != nil {
		return err
	}
	if err := client.Set(ctx, s.config.KeyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	client, err := s.conn()
	if err != nil {
		return nil, err
	}
	data, err := client.Get(ctx, s.config.KeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

// List scans keys under prefix and fetches their values in one pipeline.
func (s *RedisStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	client, err := s.conn()
	if err != nil {
		return nil, err
	}

	var keys []string
	iter := client.Scan(ctx, 0, s.config.KeyPrefix+prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", prefix, err)
	}

	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	pipe := client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to fetch %s: %w", prefix, err)
	}

	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			// expired between SCAN and GET
			continue
		}
		out[keys[i][len(s.config.KeyPrefix):]] = data
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	client, err := s.conn()
	if err != nil {
		return err
	}
	if err := client.Del(ctx, s.config.KeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
