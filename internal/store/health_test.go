package store

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	memorystore "github.com/porticoproxy/portico/internal/store/driver/memory"
	"github.com/porticoproxy/portico/pkg/store"
)

func TestHealthHandlerHealthyBackend(t *testing.T) {
	h := HealthHandler(memorystore.New())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Status string              `json:"status"`
		Store  *store.HealthStatus `json:"store"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q", body.Status)
	}
	if body.Store == nil || body.Store.Status != "healthy" {
		t.Errorf("store health = %+v", body.Store)
	}
}

type downStore struct {
	store.Store
}

func (downStore) Health(context.Context) store.HealthStatus {
	return store.HealthStatus{
		Status:    "unhealthy",
		Message:   "connection refused",
		Timestamp: time.Now(),
	}
}

func TestHealthHandlerDegradedBackend(t *testing.T) {
	h := HealthHandler(downStore{Store: memorystore.New()})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q", body.Status)
	}
}
