package plugins

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/porticoproxy/portico/internal/types"
	"github.com/porticoproxy/portico/pkg/plugin"
)

func TestRegistryResolveUnknownPlugin(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve([]types.PluginRef{{Name: "no_such_plugin"}})
	if err == nil {
		t.Fatal("expected error for unknown plugin")
	}
}

func TestBasicAuth(t *testing.T) {
	r := NewRegistry()
	chain, err := r.Resolve([]types.PluginRef{{
		Name: "basic_auth",
		Config: map[string]interface{}{
			"users": map[string]interface{}{"alice": "s3cret"},
		},
	}})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	tests := []struct {
		name       string
		user, pass string
		withAuth   bool
		wantStop   bool
		wantCode   int
	}{
		{name: "no credentials", wantStop: true, wantCode: http.StatusUnauthorized},
		{name: "wrong password", withAuth: true, user: "alice", pass: "wrong", wantStop: true, wantCode: http.StatusUnauthorized},
		{name: "unknown user", withAuth: true, user: "bob", pass: "s3cret", wantStop: true, wantCode: http.StatusUnauthorized},
		{name: "valid", withAuth: true, user: "alice", pass: "s3cret", wantStop: false, wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://example.com/", nil)
			if tt.withAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()

			stopped, err := chain.Before(rec, req)
			if err != nil {
				t.Fatalf("Before failed: %v", err)
			}
			if stopped != tt.wantStop {
				t.Errorf("stopped = %v, want %v", stopped, tt.wantStop)
			}
			if tt.wantStop && rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestBasicAuthRequiresUsers(t *testing.T) {
	p := &BasicAuthPlugin{}
	if _, err := p.Configure(map[string]interface{}{}); err == nil {
		t.Error("expected error when users map is missing")
	}
	if _, err := p.Configure(map[string]interface{}{"users": map[string]interface{}{}}); err == nil {
		t.Error("expected error when users map is empty")
	}
}

func TestRequestID(t *testing.T) {
	p := &RequestIDPlugin{}
	inst, err := p.Configure(nil)
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	req := httptest.NewRequest("GET", "http://example.com/", nil)
	rec := httptest.NewRecorder()

	action, err := inst.Before(rec, req)
	if err != nil || action != plugin.Continue {
		t.Fatalf("Before = (%v, %v), want (Continue, nil)", action, err)
	}

	id := req.Header.Get("X-Request-Id")
	if id == "" {
		t.Fatal("request id was not set on the request")
	}
	if rec.Header().Get("X-Request-Id") != id {
		t.Error("request id was not echoed on the response")
	}

	// Existing ids are preserved unless overwrite is configured.
	req2 := httptest.NewRequest("GET", "http://example.com/", nil)
	req2.Header.Set("X-Request-Id", "client-id")
	inst.Before(httptest.NewRecorder(), req2)
	if got := req2.Header.Get("X-Request-Id"); got != "client-id" {
		t.Errorf("client id overwritten: got %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	p := &RateLimitPlugin{}
	inst, err := p.Configure(map[string]interface{}{"rate": 1, "burst": 2})
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	allowed := 0
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "http://example.com/", nil)
		action, err := inst.Before(rec, req)
		if err != nil {
			t.Fatalf("Before failed: %v", err)
		}
		if action == plugin.Continue {
			allowed++
		} else if rec.Code != http.StatusTooManyRequests {
			t.Errorf("rejected request got status %d, want 429", rec.Code)
		}
	}

	if allowed != 2 {
		t.Errorf("burst of 2 allowed %d requests", allowed)
	}
}

func TestChainShortCircuitOrder(t *testing.T) {
	// With burst 1, the second request must stop at rate_limit before
	// basic_auth ever sees it.
	r := NewRegistry()
	chain, err := r.Resolve([]types.PluginRef{
		{Name: "rate_limit", Config: map[string]interface{}{"rate": 0.0001, "burst": 1}},
		{Name: "basic_auth", Config: map[string]interface{}{
			"users": map[string]interface{}{"alice": "s3cret"},
		}},
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	first := httptest.NewRecorder()
	chain.Before(first, httptest.NewRequest("GET", "http://example.com/", nil))
	if first.Code != http.StatusUnauthorized {
		t.Errorf("first request should reach basic_auth, got status %d", first.Code)
	}

	second := httptest.NewRecorder()
	stopped, err := chain.Before(second, httptest.NewRequest("GET", "http://example.com/", nil))
	if err != nil {
		t.Fatalf("Before failed: %v", err)
	}
	if !stopped || second.Code != http.StatusTooManyRequests {
		t.Errorf("second request should stop at rate_limit with 429, got stopped=%v status=%d",
			stopped, second.Code)
	}
}
