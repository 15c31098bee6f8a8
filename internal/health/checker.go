// Package health implements active upstream health checking. Each upstream
// is probed on a fixed interval; consecutive failures past a threshold flip
// it Unhealthy, consecutive successes flip it back. The flips are atomic
// stores read lock-free by the balancer on the request path.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/porticoproxy/portico/internal/config"
	"github.com/porticoproxy/portico/internal/metrics"
	"github.com/porticoproxy/portico/internal/routetable"
	"github.com/porticoproxy/portico/internal/types"
)

// TableProvider yields the current route table; satisfied by
// *routetable.Builder.
type TableProvider interface {
	Current() *routetable.Table
}

// Checker probes the upstreams of the current route table. The probed set
// follows table publications automatically: every cycle reads the current
// snapshot, so upstreams added or removed by any source are picked up on the
// next tick. Counters live in each upstream's HealthState and are touched
// only here.
type Checker struct {
	cfg    *config.HealthCheckConfig
	tables TableProvider
	client *http.Client
	logger *zap.Logger
}

// NewChecker creates a checker over the given table provider.
func NewChecker(cfg *config.HealthCheckConfig, tables TableProvider, logger *zap.Logger) *Checker {
	return &Checker{
		cfg:    cfg,
		tables: tables,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.Named("health"),
	}
}

// Run probes until the context is cancelled. The first cycle runs
// immediately so freshly discovered upstreams do not wait a full interval
// for their first verdict.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeAll(ctx)
		}
	}
}

func (c *Checker) probeAll(ctx context.Context) {
	upstreams := c.tables.Current().Upstreams()

	var wg sync.WaitGroup
	for _, u := range upstreams {
		wg.Add(1)
		go func(u *types.Upstream) {
			defer wg.Done()
			c.probe(ctx, u)
		}(u)
	}
	wg.Wait()
}

// probe runs one check against one upstream and applies the threshold
// logic. Each upstream is probed by exactly one goroutine per cycle and
// cycles do not overlap for the same checker, so the counters need no lock.
func (c *Checker) probe(ctx context.Context, u *types.Upstream) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", u.Addr(), c.cfg.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.record(u, false, err)
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.record(u, false, err)
		return
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		err = fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	c.record(u, ok, err)
}

func (c *Checker) record(u *types.Upstream, ok bool, probeErr error) {
	h := u.Health
	h.LastProbe = time.Now()
	h.LastError = probeErr

	old := h.Status()
	if ok {
		h.ConsecutiveSuccesses++
		h.ConsecutiveFailures = 0
		if old != types.HealthHealthy && h.ConsecutiveSuccesses >= c.cfg.HealthyThreshold {
			h.SetStatus(types.HealthHealthy)
		}
	} else {
		h.ConsecutiveFailures++
		h.ConsecutiveSuccesses = 0
		if old != types.HealthUnhealthy && h.ConsecutiveFailures >= c.cfg.UnhealthyThreshold {
			h.SetStatus(types.HealthUnhealthy)
		}
	}

	now := h.Status()
	gauge := 0.0
	if now == types.HealthHealthy {
		gauge = 1.0
	}
	metrics.UpstreamHealthy.WithLabelValues(u.Addr()).Set(gauge)

	if now != old {
		metrics.HealthTransitions.WithLabelValues(now.String()).Inc()
		c.logger.Info("upstream health transition",
			zap.String("upstream", u.Addr()),
			zap.String("from", old.String()),
			zap.String("to", now.String()),
			zap.Error(probeErr))
	}
}
