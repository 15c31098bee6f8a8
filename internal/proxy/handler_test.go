package proxy

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/porticoproxy/portico/internal/config"
	"github.com/porticoproxy/portico/internal/loadbalancer"
	"github.com/porticoproxy/portico/internal/plugins"
	"github.com/porticoproxy/portico/internal/routetable"
	"github.com/porticoproxy/portico/internal/types"
)

func testProxyConfig() *config.ProxyConfig {
	return &config.ProxyConfig{
		ConnectTimeout:  2 * time.Second,
		ResponseTimeout: 2 * time.Second,
		MaxRetries:      3,
	}
}

func upstreamFor(t *testing.T, addr string) *types.Upstream {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q) failed: %v", addr, err)
	}
	port, _ := strconv.Atoi(portStr)
	return &types.Upstream{Host: host, Port: port}
}

// deadAddr reserves a port and releases it so dialing it fails fast.
func deadAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func newTestHandler(t *testing.T, routes ...types.Route) (*Handler, *routetable.Builder) {
	t.Helper()
	b := routetable.NewBuilder(plugins.NewRegistry(), zap.NewNop())
	if err := b.Submit("static", routes); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	for _, u := range b.Current().Upstreams() {
		u.Health.SetStatus(types.HealthHealthy)
	}
	return NewHandler(testProxyConfig(), b, loadbalancer.New(), zap.NewNop()), b
}

func doRequest(h *Handler, method, host, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "http://"+host+path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUnmatchedHostReturns404(t *testing.T) {
	h, _ := newTestHandler(t, types.Route{
		Host:      "app.example.com",
		Upstreams: []*types.Upstream{{Host: "10.0.0.1", Port: 8080}},
	})

	rec := doRequest(h, "GET", "other.example.com", "/")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDispatchReachesUpstream(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("backend says hi"))
	}))
	defer backend.Close()

	h, _ := newTestHandler(t, types.Route{
		Host:      "app.example.com",
		Upstreams: []*types.Upstream{upstreamFor(t, backend.Listener.Addr().String())},
	})

	rec := doRequest(h, "GET", "app.example.com", "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "backend says hi" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestFailoverToSecondUpstream(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("alive"))
	}))
	defer backend.Close()

	// The dead upstream is listed first so a pick of it forces a failover
	// within the same request.
	h, _ := newTestHandler(t, types.Route{
		Host: "app.example.com",
		Upstreams: []*types.Upstream{
			upstreamFor(t, deadAddr(t)),
			upstreamFor(t, backend.Listener.Addr().String()),
		},
	})

	for i := 0; i < 4; i++ {
		rec := doRequest(h, "GET", "app.example.com", "/")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200 via failover", i, rec.Code)
		}
		if rec.Body.String() != "alive" {
			t.Fatalf("request %d: body = %q", i, rec.Body.String())
		}
	}
}

func TestAllUpstreamsDownReturns502(t *testing.T) {
	h, _ := newTestHandler(t, types.Route{
		Host: "app.example.com",
		Upstreams: []*types.Upstream{
			upstreamFor(t, deadAddr(t)),
			upstreamFor(t, deadAddr(t)),
		},
	})

	rec := doRequest(h, "GET", "app.example.com", "/")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestHeaderMutations(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("X-Internal", "secret")
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	h, _ := newTestHandler(t, types.Route{
		Host:      "app.example.com",
		Upstreams: []*types.Upstream{upstreamFor(t, backend.Listener.Addr().String())},
		Headers: types.RouteHeaders{
			Request: types.HeaderMutations{
				Add:    []types.HeaderOp{{Name: "X-Env", Value: "prod"}},
				Remove: []types.HeaderOp{{Name: "X-Client-Secret"}},
			},
			Response: types.HeaderMutations{
				Add:    []types.HeaderOp{{Name: "X-Served-By", Value: "portico"}},
				Remove: []types.HeaderOp{{Name: "X-Internal"}},
			},
		},
	})

	req := httptest.NewRequest("GET", "http://app.example.com/", nil)
	req.Header.Set("X-Client-Secret", "leak")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := seen.Get("X-Env"); got != "prod" {
		t.Errorf("request add: X-Env = %q", got)
	}
	if got := seen.Get("X-Client-Secret"); got != "" {
		t.Errorf("request remove: X-Client-Secret leaked as %q", got)
	}
	if got := rec.Header().Get("X-Served-By"); got != "portico" {
		t.Errorf("response add: X-Served-By = %q", got)
	}
	if got := rec.Header().Get("X-Internal"); got != "" {
		t.Errorf("response remove: X-Internal leaked as %q", got)
	}
}

func TestForwardedHeaders(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer backend.Close()

	h, _ := newTestHandler(t, types.Route{
		Host:      "app.example.com",
		Upstreams: []*types.Upstream{upstreamFor(t, backend.Listener.Addr().String())},
	})

	doRequest(h, "GET", "app.example.com", "/")

	if seen.Get("X-Forwarded-For") == "" {
		t.Error("X-Forwarded-For not set")
	}
	if got := seen.Get("X-Forwarded-Host"); got != "app.example.com" {
		t.Errorf("X-Forwarded-Host = %q", got)
	}
	if got := seen.Get("X-Forwarded-Proto"); got != "http" {
		t.Errorf("X-Forwarded-Proto = %q", got)
	}
}

func TestPluginShortCircuitSkipsDispatch(t *testing.T) {
	backendHit := false
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHit = true
	}))
	defer backend.Close()

	h, _ := newTestHandler(t, types.Route{
		Host:      "app.example.com",
		Upstreams: []*types.Upstream{upstreamFor(t, backend.Listener.Addr().String())},
		Plugins: []types.PluginRef{{
			Name:   "basic_auth",
			Config: map[string]interface{}{"users": map[string]interface{}{"admin": "hunter2"}},
		}},
	})

	rec := doRequest(h, "GET", "app.example.com", "/")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if backendHit {
		t.Error("backend dispatched despite middleware rejection")
	}
	if !strings.Contains(rec.Header().Get("WWW-Authenticate"), "Basic") {
		t.Error("missing WWW-Authenticate challenge")
	}
}

func TestPathPrecedenceRouting(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("api"))
	}))
	defer api.Close()
	catchAll := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("web"))
	}))
	defer catchAll.Close()

	h, _ := newTestHandler(t,
		types.Route{
			Host:      "app.example.com",
			Paths:     []string{"/api/*"},
			Upstreams: []*types.Upstream{upstreamFor(t, api.Listener.Addr().String())},
		},
		types.Route{
			Host:      "app.example.com",
			Paths:     []string{"/*"},
			Upstreams: []*types.Upstream{upstreamFor(t, catchAll.Listener.Addr().String())},
		},
	)

	if rec := doRequest(h, "GET", "app.example.com", "/api/x"); rec.Body.String() != "api" {
		t.Errorf("/api/x routed to %q", rec.Body.String())
	}
	if rec := doRequest(h, "GET", "app.example.com", "/other"); rec.Body.String() != "web" {
		t.Errorf("/other routed to %q", rec.Body.String())
	}
}
