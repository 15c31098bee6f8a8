package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/porticoproxy/portico/pkg/store"
)

// Config represents redis driver configuration.
type Config struct {
	Address   string
	Password  string
	Database  int
	KeyPrefix string
	Timeout   time.Duration
}

// Store is a redis-backed implementation of store.Store. Leases map onto
// SET NX with a TTL, which is what makes multi-instance challenge
// coordination race-free.
type Store struct {
	client    *goredis.Client
	keyPrefix string
	timeout   time.Duration
	logger    *zap.Logger
}

// New creates a redis store and verifies connectivity.
func New(cfg *Config, logger *zap.Logger) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		timeout:   timeout,
		logger:    logger.Named("redis-store"),
	}, nil
}

func (s *Store) key(key string) string {
	return s.keyPrefix + key
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	return data, err
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.client.Set(ctx, s.key(key), value, 0).Err()
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.client.Del(ctx, s.key(key)).Err()
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out := make(map[string][]byte)
	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		data, err := s.client.Get(ctx, fullKey).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[fullKey[len(s.keyPrefix):]] = data
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Lease implements store.Store.
func (s *Store) Lease(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.client.SetNX(ctx, s.key("lease:"+key), value, ttl).Result()
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.client.Close()
}

// Health implements store.HealthReporter.
func (s *Store) Health(ctx context.Context) store.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	status := store.HealthStatus{Status: "healthy", Timestamp: time.Now()}
	if err := s.client.Ping(ctx).Err(); err != nil {
		status.Status = "unhealthy"
		status.Message = err.Error()
	}
	return status
}
