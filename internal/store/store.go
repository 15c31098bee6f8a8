package store

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/porticoproxy/portico/internal/config"
	"github.com/porticoproxy/portico/internal/store/driver/disk"
	"github.com/porticoproxy/portico/internal/store/driver/etcd"
	"github.com/porticoproxy/portico/internal/store/driver/memory"
	"github.com/porticoproxy/portico/internal/store/driver/redis"
	"github.com/porticoproxy/portico/pkg/store"
)

// Open creates a store from configuration. The returned store is shared by
// the certificate manager; a nil error guarantees a usable (possibly
// memory-only) backend.
func Open(cfg *config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "disk":
		return disk.New(cfg.Directory)
	case "redis":
		return redis.New(&redis.Config{
			Address:   cfg.Address,
			Password:  cfg.Password,
			Database:  cfg.Database,
			KeyPrefix: cfg.KeyPrefix,
			Timeout:   cfg.Timeout,
		}, logger)
	case "etcd":
		return etcd.New(&etcd.Config{
			Endpoints: cfg.Endpoints,
			KeyPrefix: cfg.KeyPrefix,
			Timeout:   cfg.Timeout,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
