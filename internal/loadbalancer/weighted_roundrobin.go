// Package loadbalancer selects upstreams from a route's pool using smooth
// weighted round-robin: each pick raises every candidate's current weight by
// its configured weight and takes the highest, then charges the winner the
// pool total. Over N picks each upstream is selected proportionally to its
// weight, with no bursts to the heaviest target.
package loadbalancer

import (
	"errors"
	"sync"

	"github.com/porticoproxy/portico/internal/routetable"
	"github.com/porticoproxy/portico/internal/types"
)

// ErrNoAvailableUpstream is returned when a pool has no healthy and no
// unprobed target left to try.
var ErrNoAvailableUpstream = errors.New("loadbalancer: no available upstream")

// Balancer holds per-pool cycling state. It is safe for concurrent use; the
// cycling state is keyed by route and upstream identity, so it survives
// route table republications.
type Balancer struct {
	mu    sync.Mutex
	pools map[string]*poolState
}

type poolState struct {
	// currentWeight per upstream key, mutated on every pick.
	currentWeight map[string]int
}

// New creates a balancer.
func New() *Balancer {
	return &Balancer{pools: make(map[string]*poolState)}
}

// Pick selects an upstream from the route's pool. Healthy targets are
// preferred; when none are healthy the balancer optimistically considers
// unprobed (Unknown) targets. Targets whose key is in exclude are skipped,
// which is how the dispatcher fails over within one request. Unhealthy
// targets are never picked.
func (b *Balancer) Pick(route *routetable.CompiledRoute, exclude map[string]bool) (*types.Upstream, error) {
	candidates := filter(route.Upstreams, types.HealthHealthy, exclude)
	if len(candidates) == 0 {
		candidates = filter(route.Upstreams, types.HealthUnknown, exclude)
	}
	if len(candidates) == 0 {
		return nil, ErrNoAvailableUpstream
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.pools[route.ID()]
	if !ok {
		state = &poolState{currentWeight: make(map[string]int)}
		b.pools[route.ID()] = state
	}

	var selected *types.Upstream
	total := 0
	for _, u := range candidates {
		key := u.Key()
		state.currentWeight[key] += u.Weight
		total += u.Weight
		if selected == nil || state.currentWeight[key] > state.currentWeight[selected.Key()] {
			selected = u
		}
	}
	state.currentWeight[selected.Key()] -= total

	return selected, nil
}

// Forget drops cycling state for routes that are no longer published.
// Called after table publications to keep the state map bounded.
func (b *Balancer) Forget(table *routetable.Table) {
	live := make(map[string]struct{}, len(table.Routes()))
	for _, r := range table.Routes() {
		live[r.ID()] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.pools {
		if _, ok := live[id]; !ok {
			delete(b.pools, id)
		}
	}
}

func filter(pool []*types.Upstream, status types.HealthStatus, exclude map[string]bool) []*types.Upstream {
	out := make([]*types.Upstream, 0, len(pool))
	for _, u := range pool {
		if exclude[u.Key()] {
			continue
		}
		if u.Health.Status() == status {
			out = append(out, u)
		}
	}
	return out
}
