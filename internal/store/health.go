package store

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/porticoproxy/portico/pkg/store"
)

// HealthHandler reports process liveness plus the durable store backend's
// health on the operations listener. Drivers that cannot introspect their
// backend are reported as healthy by presence alone.
func HealthHandler(st store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status string              `json:"status"`
			Store  *store.HealthStatus `json:"store,omitempty"`
		}{Status: "healthy"}

		if reporter, ok := st.(store.HealthReporter); ok {
			backend := reporter.Health(r.Context())
			status.Store = &backend
			if backend.Status != "healthy" {
				status.Status = "degraded"
			}
		}
		if status.Store != nil && status.Store.Timestamp.IsZero() {
			status.Store.Timestamp = time.Now()
		}

		w.Header().Set("Content-Type", "application/json")
		if status.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(status)
	})
}
