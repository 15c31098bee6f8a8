package disk

import (
	"context"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/porticoproxy/portico/pkg/store"
)

// Store persists values as files under a directory, one file per key.
// Key names are encoded so that arbitrary keys (cert:example.com) map to
// safe file names. Leases are small JSON files holding an expiry.
type Store struct {
	dir string
}

// New creates a disk store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, encoding.EncodeToString([]byte(key)))
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, store.ErrNotFound
	}
	return data, err
}

// Put implements store.Store. The write is atomic: a temp file rename so a
// crash mid-write never leaves a truncated certificate behind.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	target := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// Delete implements store.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List implements store.Store.
func (s *Store) List(_ context.Context, prefix string) (map[string][]byte, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".tmp-") {
			continue
		}
		decoded, err := encoding.DecodeString(entry.Name())
		if err != nil {
			continue
		}
		key := string(decoded)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		out[key] = data
	}
	return out, nil
}

type leaseRecord struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Lease implements store.Store. Disk leases only coordinate instances
// sharing the same directory; O_EXCL creation makes the first writer win.
func (s *Store) Lease(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	path := s.path("lease:" + key)

	// An expired lease file is reclaimed before attempting acquisition.
	if data, err := os.ReadFile(path); err == nil {
		var rec leaseRecord
		if err := json.Unmarshal(data, &rec); err != nil || time.Now().After(rec.ExpiresAt) {
			os.Remove(path)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	rec := leaseRecord{Value: value, ExpiresAt: time.Now().Add(ttl)}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	if _, err := f.Write(data); err != nil {
		return false, err
	}
	return true, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return nil
}

// Health implements store.HealthReporter.
func (s *Store) Health(_ context.Context) store.HealthStatus {
	status := store.HealthStatus{Status: "healthy", Timestamp: time.Now()}
	if _, err := os.Stat(s.dir); err != nil {
		status.Status = "unhealthy"
		status.Message = err.Error()
	}
	return status
}
