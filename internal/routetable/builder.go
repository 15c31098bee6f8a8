package routetable

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/porticoproxy/portico/internal/metrics"
	"github.com/porticoproxy/portico/internal/plugins"
	"github.com/porticoproxy/portico/internal/types"
)

// Builder merges route contributions from independent sources (static
// configuration, docker discovery) into immutable table snapshots and
// publishes them atomically. Writers serialize through the builder's mutex;
// readers call Current and never block.
type Builder struct {
	registry *plugins.Registry
	logger   *zap.Logger

	mu          sync.Mutex
	sources     map[string][]types.Route
	sourceOrder []string
	upstreams   map[string]*types.Upstream
	version     uint64

	current atomic.Pointer[Table]
}

// NewBuilder creates a builder and publishes an empty initial table so that
// Current never returns nil.
func NewBuilder(registry *plugins.Registry, logger *zap.Logger) *Builder {
	b := &Builder{
		registry:  registry,
		logger:    logger.Named("routetable"),
		sources:   make(map[string][]types.Route),
		upstreams: make(map[string]*types.Upstream),
	}
	b.current.Store(&Table{exact: make(map[string][]*CompiledRoute)})
	return b
}

// Current returns the latest published table. O(1), lock-free, never nil.
func (b *Builder) Current() *Table {
	return b.current.Load()
}

// Submit replaces the named source's route contribution and republishes the
// merged table. The full table is recomputed from all source sets rather
// than patched incrementally; updates arrive on a seconds-to-minutes cadence
// so the O(total routes) rebuild is irrelevant next to the request rate.
//
// Individual routes that fail validation are dropped with a warning and the
// remainder is published. When a non-empty submission yields no valid route
// at all, the source's previous contribution is retained and an error is
// returned; the previously published table stays current either way until
// its successor is fully built.
func (b *Builder) Submit(source string, routes []types.Route) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	valid, dropped := b.validate(source, routes)
	if len(routes) > 0 && len(valid) == 0 {
		metrics.RouteValidationFailures.Add(float64(dropped))
		return fmt.Errorf("source %q: all %d submitted routes failed validation", source, len(routes))
	}
	if dropped > 0 {
		metrics.RouteValidationFailures.Add(float64(dropped))
	}

	if _, known := b.sources[source]; !known {
		b.sourceOrder = append(b.sourceOrder, source)
	}
	b.sources[source] = valid

	b.publishLocked()
	return nil
}

// Remove drops a source's contribution entirely.
func (b *Builder) Remove(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, known := b.sources[source]; !known {
		return
	}
	delete(b.sources, source)
	for i, name := range b.sourceOrder {
		if name == source {
			b.sourceOrder = append(b.sourceOrder[:i], b.sourceOrder[i+1:]...)
			break
		}
	}
	b.publishLocked()
}

// validate checks a submission's routes against the table invariants,
// deduplicates same-source (host, path set) collisions (later wins), and
// returns the surviving routes plus the number dropped.
func (b *Builder) validate(source string, routes []types.Route) ([]types.Route, int) {
	dropped := 0
	byID := make(map[string]int)
	var valid []types.Route

	for i := range routes {
		route := routes[i]
		if err := b.checkRoute(&route); err != nil {
			dropped++
			b.logger.Warn("dropping invalid route",
				zap.String("source", source),
				zap.String("host", route.Host),
				zap.Error(err))
			continue
		}

		if prev, ok := byID[route.ID()]; ok {
			// Later declaration wins within one source.
			valid[prev] = route
			continue
		}
		byID[route.ID()] = len(valid)
		valid = append(valid, route)
	}

	return valid, dropped
}

func (b *Builder) checkRoute(route *types.Route) error {
	if route.Host == "" {
		return fmt.Errorf("empty host")
	}
	if len(route.Upstreams) == 0 {
		return fmt.Errorf("empty upstream pool")
	}
	for _, u := range route.Upstreams {
		if u.Host == "" {
			return fmt.Errorf("upstream with empty host")
		}
		if u.Port <= 0 || u.Port > 65535 {
			return fmt.Errorf("upstream %s has invalid port %d", u.Host, u.Port)
		}
		if u.Weight < 0 {
			return fmt.Errorf("upstream %s has negative weight %d", u.Addr(), u.Weight)
		}
	}
	for _, pattern := range route.Paths {
		if _, err := compilePathMatcher(pattern); err != nil {
			return err
		}
	}
	if _, err := b.registry.Resolve(route.Plugins); err != nil {
		return err
	}
	return nil
}

// publishLocked recomputes the merged table from every source set and swaps
// it in. Callers hold b.mu.
func (b *Builder) publishLocked() {
	b.version++

	table := &Table{
		version: b.version,
		exact:   make(map[string][]*CompiledRoute),
	}

	referenced := make(map[string]*types.Upstream)
	wildcardIndex := make(map[string]int)

	for _, source := range b.sourceOrder {
		for i := range b.sources[source] {
			compiled := b.compile(source, &b.sources[source][i], referenced)
			table.routes = append(table.routes, compiled)

			host := normalizeHost(compiled.Host)
			if strings.HasPrefix(host, "*.") {
				suffix := host[1:]
				idx, ok := wildcardIndex[suffix]
				if !ok {
					idx = len(table.wildcards)
					wildcardIndex[suffix] = idx
					table.wildcards = append(table.wildcards, wildcardEntry{suffix: suffix})
				}
				table.wildcards[idx].routes = append(table.wildcards[idx].routes, compiled)
			} else {
				table.exact[host] = append(table.exact[host], compiled)
			}
		}
	}

	// Longest suffix first so *.api.example.com beats *.example.com.
	sort.SliceStable(table.wildcards, func(i, j int) bool {
		return len(table.wildcards[i].suffix) > len(table.wildcards[j].suffix)
	})

	table.upstreams = make([]*types.Upstream, 0, len(referenced))
	for _, u := range referenced {
		table.upstreams = append(table.upstreams, u)
	}

	// Forget interned upstreams no longer referenced by any source so their
	// health state does not outlive the backend.
	for key := range b.upstreams {
		if _, ok := referenced[key]; !ok {
			delete(b.upstreams, key)
		}
	}

	b.current.Store(table)

	metrics.RouteTableVersion.Set(float64(table.version))
	metrics.RouteTableRoutes.Set(float64(len(table.routes)))

	b.logger.Info("published route table",
		zap.Uint64("version", table.version),
		zap.Int("routes", len(table.routes)),
		zap.Int("upstreams", len(table.upstreams)))
}

// compile resolves one route definition into its published form. Validation
// already ran, so matcher compilation and plugin resolution cannot fail here.
func (b *Builder) compile(source string, def *types.Route, referenced map[string]*types.Upstream) *CompiledRoute {
	route := *def

	// Intern upstreams by identity so health state survives rebuilds from
	// any source, and default the weight.
	pool := make([]*types.Upstream, len(def.Upstreams))
	for i, u := range def.Upstreams {
		key := u.Key()
		interned, ok := b.upstreams[key]
		if !ok {
			copied := *u
			if copied.Weight <= 0 {
				copied.Weight = 1
			}
			copied.Health = &types.HealthState{}
			interned = &copied
			b.upstreams[key] = interned
		}
		pool[i] = interned
		referenced[key] = interned
	}
	route.Upstreams = pool

	compiled := &CompiledRoute{
		Route:  &route,
		Source: source,
	}
	for _, pattern := range route.Paths {
		m, _ := compilePathMatcher(pattern)
		compiled.matchers = append(compiled.matchers, m)
	}
	compiled.chain, _ = b.registry.Resolve(route.Plugins)

	return compiled
}
