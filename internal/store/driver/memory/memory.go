package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/porticoproxy/portico/pkg/store"
)

// Store is an in-memory implementation of store.Store. It is the fallback
// backend when no durable store is configured and the backend unit tests
// run against; leases expire lazily on access.
type Store struct {
	mu     sync.RWMutex
	data   map[string][]byte
	leases map[string]lease
}

type lease struct {
	value     []byte
	expiresAt time.Time
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		data:   make(map[string][]byte),
		leases: make(map[string]lease),
	}
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Put implements store.Store.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[key] = stored
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	delete(s.leases, key)
	return nil
}

// List implements store.Store.
func (s *Store) List(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte)
	for key, value := range s.data {
		if strings.HasPrefix(key, prefix) {
			copied := make([]byte, len(value))
			copy(copied, value)
			out[key] = copied
		}
	}
	return out, nil
}

// Lease implements store.Store. The first caller wins until the TTL expires.
func (s *Store) Lease(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.leases[key]; ok && existing.expiresAt.After(now) {
		return false, nil
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	s.leases[key] = lease{value: stored, expiresAt: now.Add(ttl)}
	return true, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return nil
}

// Health implements store.HealthReporter.
func (s *Store) Health(_ context.Context) store.HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return store.HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
	}
}
