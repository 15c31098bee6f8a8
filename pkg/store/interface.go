package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("store: key not found")

// Store defines the interface for the durable key-value store shared by
// proxy instances. It holds issued certificates and short-lived challenge
// leases; routing state is never persisted.
type Store interface {
	// Get retrieves a value by key. Returns ErrNotFound for missing keys.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores a value by key.
	Put(ctx context.Context, key string, value []byte) error

	// Delete deletes a value by key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List lists all key/value pairs under the given prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Lease acquires a first-writer-wins lease on key with the given TTL.
	// It returns true when this caller acquired the lease, false when
	// another instance already holds it. Used to coordinate ACME challenge
	// solving across instances sharing one store.
	Lease(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Close closes the store connection.
	Close() error
}

// HealthStatus represents the health of a store backend.
type HealthStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthReporter is implemented by drivers that can report backend health.
type HealthReporter interface {
	Health(ctx context.Context) HealthStatus
}
