package routetable

import (
	"sync"
	"testing"

	"github.com/porticoproxy/portico/internal/types"
)

func TestMergeIsolation(t *testing.T) {
	b := newTestBuilder(t)

	if err := b.Submit("docker", []types.Route{route("docker.example.com", nil)}); err != nil {
		t.Fatalf("Submit docker failed: %v", err)
	}
	if err := b.Submit("static", []types.Route{route("static.example.com", nil)}); err != nil {
		t.Fatalf("Submit static failed: %v", err)
	}

	table := b.Current()
	if table.Match("docker.example.com", "/") == nil {
		t.Error("docker route missing from merged table")
	}
	if table.Match("static.example.com", "/") == nil {
		t.Error("static route missing from merged table")
	}

	// Emptying one source removes only that source's routes.
	if err := b.Submit("docker", nil); err != nil {
		t.Fatalf("Submit empty docker failed: %v", err)
	}
	table = b.Current()
	if table.Match("docker.example.com", "/") != nil {
		t.Error("docker route should be gone after empty submission")
	}
	if table.Match("static.example.com", "/") == nil {
		t.Error("static route should survive the docker submission")
	}
}

func TestRemoveSource(t *testing.T) {
	b := newTestBuilder(t)

	if err := b.Submit("docker", []types.Route{route("docker.example.com", nil)}); err != nil {
		t.Fatalf("Submit docker failed: %v", err)
	}
	if err := b.Submit("static", []types.Route{route("static.example.com", nil)}); err != nil {
		t.Fatalf("Submit static failed: %v", err)
	}

	b.Remove("docker")

	table := b.Current()
	if table.Match("docker.example.com", "/") != nil {
		t.Error("removed source's routes still published")
	}
	if table.Match("static.example.com", "/") == nil {
		t.Error("removal must not touch other sources")
	}

	// Removing an unknown source is a no-op and publishes nothing new.
	version := b.Current().Version()
	b.Remove("docker")
	if got := b.Current().Version(); got != version {
		t.Errorf("version advanced from %d to %d on removing an unknown source", version, got)
	}
}

func TestInvalidRoutesDropped(t *testing.T) {
	b := newTestBuilder(t)

	err := b.Submit("static", []types.Route{
		route("good.example.com", nil),
		{Host: "no-pool.example.com"},
		{Host: "bad-port.example.com", Upstreams: []*types.Upstream{{Host: "10.0.0.1", Port: 99999}}},
		{Host: "bad-regex.example.com", Paths: []string{"~["},
			Upstreams: []*types.Upstream{{Host: "10.0.0.1", Port: 80}}},
	})
	if err != nil {
		t.Fatalf("Submit should succeed when at least one route is valid: %v", err)
	}

	table := b.Current()
	if len(table.Routes()) != 1 {
		t.Errorf("published %d routes, want 1", len(table.Routes()))
	}
	if table.Match("no-pool.example.com", "/") != nil {
		t.Error("route with empty pool must never be published")
	}
}

func TestAllInvalidSubmissionRetainsPrevious(t *testing.T) {
	b := newTestBuilder(t)

	if err := b.Submit("static", []types.Route{route("keep.example.com", nil)}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	prev := b.Current()

	err := b.Submit("static", []types.Route{{Host: "broken.example.com"}})
	if err == nil {
		t.Fatal("expected error when every submitted route is invalid")
	}

	table := b.Current()
	if table.Version() != prev.Version() {
		t.Error("rejected submission must not publish a new table")
	}
	if table.Match("keep.example.com", "/") == nil {
		t.Error("previous contribution should be retained after rejection")
	}
}

func TestSameSourceDuplicateLaterWins(t *testing.T) {
	b := newTestBuilder(t)

	first := route("dup.example.com", []string{"/api/*"}, &types.Upstream{Host: "10.0.0.1", Port: 80})
	second := route("dup.example.com", []string{"/api/*"}, &types.Upstream{Host: "10.0.0.2", Port: 80})
	if err := b.Submit("static", []types.Route{first, second}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	table := b.Current()
	if len(table.Routes()) != 1 {
		t.Fatalf("published %d routes, want 1", len(table.Routes()))
	}
	if got := table.Match("dup.example.com", "/api/x"); got.Upstreams[0].Host != "10.0.0.2" {
		t.Errorf("later duplicate should win, got upstream %s", got.Upstreams[0].Host)
	}
}

func TestHealthStateSurvivesRebuild(t *testing.T) {
	b := newTestBuilder(t)

	u := &types.Upstream{Host: "10.0.0.1", Port: 8080}
	if err := b.Submit("static", []types.Route{route("a.example.com", nil, u)}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	published := b.Current().Upstreams()[0]
	published.Health.SetStatus(types.HealthUnhealthy)

	// A rebuild referencing the same backend keeps its health state.
	if err := b.Submit("docker", []types.Route{
		route("b.example.com", nil, &types.Upstream{Host: "10.0.0.1", Port: 8080}),
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	for _, r := range b.Current().Routes() {
		if r.Upstreams[0].Health.Status() != types.HealthUnhealthy {
			t.Errorf("route %s lost interned health state", r.Host)
		}
	}
}

func TestWeightDefaulted(t *testing.T) {
	b := newTestBuilder(t)
	if err := b.Submit("static", []types.Route{
		route("w.example.com", nil, &types.Upstream{Host: "10.0.0.1", Port: 80}),
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := b.Current().Upstreams()[0].Weight; got != 1 {
		t.Errorf("weight defaulted to %d, want 1", got)
	}
}

// TestConcurrentSubmitAndRead exercises the atomic publication discipline:
// every observed table must carry all routes from exactly one submission
// per source, never a mix of two.
func TestConcurrentSubmitAndRead(t *testing.T) {
	b := newTestBuilder(t)

	pairs := [][]types.Route{
		{route("a1.example.com", nil), route("a2.example.com", nil)},
		{route("b1.example.com", nil), route("b2.example.com", nil)},
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if err := b.Submit("flip", pairs[i%2]); err != nil {
				t.Errorf("Submit failed: %v", err)
				return
			}
		}
		close(stop)
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				table := b.Current()
				a := table.Match("a1.example.com", "/") != nil
				a2 := table.Match("a2.example.com", "/") != nil
				bb := table.Match("b1.example.com", "/") != nil
				b2 := table.Match("b2.example.com", "/") != nil
				if a != a2 || bb != b2 {
					t.Error("observed a table mixing two submissions")
					return
				}
				if a && bb {
					t.Error("observed routes from both submissions at once")
					return
				}
			}
		}()
	}

	wg.Wait()
}
