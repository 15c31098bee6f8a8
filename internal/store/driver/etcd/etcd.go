package etcd

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/porticoproxy/portico/pkg/store"
)

// Config represents etcd driver configuration.
type Config struct {
	Endpoints []string
	KeyPrefix string
	Timeout   time.Duration
}

// Store is an etcd-backed implementation of store.Store. Challenge leases
// use native etcd leases: the key is created only if absent and expires with
// the lease TTL.
type Store struct {
	client    *clientv3.Client
	keyPrefix string
	timeout   time.Duration
	logger    *zap.Logger
}

// New creates an etcd store and verifies connectivity.
func New(cfg *Config, logger *zap.Logger) (*Store, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach etcd endpoint: %w", err)
	}

	return &Store{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		timeout:   timeout,
		logger:    logger.Named("etcd-store"),
	}, nil
}

func (s *Store) key(key string) string {
	return s.keyPrefix + key
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Get(ctx, s.key(key))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, store.ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.Put(ctx, s.key(key), string(value))
	return err
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.Delete(ctx, s.key(key))
	return err
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Get(ctx, s.key(prefix), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key)[len(s.keyPrefix):]] = kv.Value
	}
	return out, nil
}

// Lease implements store.Store.
func (s *Store) Lease(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ttlSeconds := int64(ttl / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	grant, err := s.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return false, err
	}

	fullKey := s.key("lease:" + key)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(fullKey), "=", 0)).
		Then(clientv3.OpPut(fullKey, string(value), clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		return false, err
	}
	if !resp.Succeeded {
		// Lost the race; release the unused lease.
		s.client.Revoke(ctx, grant.ID)
		return false, nil
	}
	return true, nil
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
	if len(s.client.Endpoints()) == 0 {
		status.Status = "unhealthy"
		status.Message = "no endpoints configured"
		return status
	}
	if _, err := s.client.Status(ctx, s.client.Endpoints()[0]); err != nil {
		status.Status = "unhealthy"
		status.Message = err.Error()
	}
	return status
}
