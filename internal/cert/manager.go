package cert

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/porticoproxy/portico/internal/config"
	"github.com/porticoproxy/portico/internal/metrics"
	"github.com/porticoproxy/portico/internal/routetable"
	"github.com/porticoproxy/portico/internal/types"
	"github.com/porticoproxy/portico/pkg/store"
)

// TableProvider yields the current route table for TLS policy lookups.
type TableProvider interface {
	Current() *routetable.Table
}

type entry struct {
	record *Record
	cert   *tls.Certificate
}

type snapshot struct {
	entries map[string]*entry
}

// Manager owns the domain → certificate map. Handshakes read an atomic
// snapshot without locking; issuance and renewal advance it in the
// background and swap in copies. A domain with no trusted certificate is
// answered with a self-signed fallback unless its route forbids that.
type Manager struct {
	cfg    *config.ACMEConfig
	issuer Issuer
	store  store.Store
	tables TableProvider
	logger *zap.Logger

	current atomic.Pointer[snapshot]

	// mu serializes snapshot writers. inflight is the per-domain guard: no
	// two issuance drivers run for the same domain at once.
	mu       sync.Mutex
	inflight map[string]struct{}

	fallbackMu sync.Mutex
	fallbacks  map[string]*entry

	fileMu    sync.Mutex
	fileCerts map[string]*tls.Certificate

	runCtx atomic.Pointer[context.Context]
}

// NewManager creates a certificate manager. The issuer is nil-safe only in
// the sense that issuance is skipped when ACME is disabled in cfg.
func NewManager(cfg *config.ACMEConfig, issuer Issuer, st store.Store, tables TableProvider, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		issuer:    issuer,
		store:     st,
		tables:    tables,
		logger:    logger.Named("cert"),
		inflight:  make(map[string]struct{}),
		fallbacks: make(map[string]*entry),
		fileCerts: make(map[string]*tls.Certificate),
	}
	m.current.Store(&snapshot{entries: make(map[string]*entry)})
	return m
}

// GetCertificate is the SNI callback wired into tls.Config. It never blocks
// on issuance: a miss triggers a background order and answers with the
// fallback so the handshake succeeds immediately.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	domain := normalizeDomain(hello.ServerName)
	if domain == "" {
		return m.fallback("portico.invalid")
	}

	policy, routed := m.tables.Current().TLSPolicy(domain)
	switch policy.Mode {
	case types.TLSModeFile:
		return m.fileCert(policy)
	case types.TLSModeSelfSigned:
		return m.fallback(domain)
	}

	if e, ok := m.current.Load().entries[domain]; ok {
		return e.cert, nil
	}

	if m.cfg.Enabled && routed && policy.Mode == types.TLSModeAuto {
		go m.Ensure(m.backgroundCtx(), domain)
	}

	if !routed || policy.FallbackEnabled() {
		return m.fallback(domain)
	}
	return nil, fmt.Errorf("cert: no certificate for %s and fallback disabled", domain)
}

// Run restores persisted certificates and then sweeps on the configured
// interval, renewing records inside their safety margin and retrying
// failed domains.
func (m *Manager) Run(ctx context.Context) {
	m.runCtx.Store(&ctx)
	m.restore(ctx)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Ensure brings the domain to an issued certificate if it is not already
// there. It is a no-op when the current record is issued and outside its
// renewal window, or when another driver for the domain is running.
func (m *Manager) Ensure(ctx context.Context, domain string) {
	if !m.cfg.Enabled || m.issuer == nil {
		return
	}
	if !m.begin(domain) {
		return
	}
	defer m.end(domain)

	now := time.Now()
	existing, hasExisting := m.current.Load().entries[domain]
	if hasExisting && !existing.record.NeedsIssuance(now) {
		return
	}

	// A peer may have issued through the shared store already.
	if m.adoptStored(ctx, domain, now) {
		return
	}

	if hasExisting && existing.record.State == StateIssued {
		m.setState(domain, StateRenewing)
	}

	record, err := m.issueWithRetry(ctx, domain)
	if errors.Is(err, ErrLeaseHeld) {
		m.logger.Info("issuance deferred to lease holder", zap.String("domain", domain))
		return
	}
	if err != nil {
		metrics.CertIssuance.WithLabelValues("failure").Inc()
		m.logger.Error("certificate issuance failed",
			zap.String("domain", domain), zap.Error(err))
		m.markFailed(domain, hasExisting)
		return
	}

	record.RenewAfter = record.NotAfter.Add(-m.cfg.RenewBefore)
	m.persist(ctx, record)
	if err := m.publish(record); err != nil {
		metrics.CertIssuance.WithLabelValues("failure").Inc()
		m.logger.Error("issued certificate unusable",
			zap.String("domain", domain), zap.Error(err))
		return
	}
	metrics.CertIssuance.WithLabelValues("success").Inc()
	m.logger.Info("certificate issued",
		zap.String("domain", domain),
		zap.Time("not_after", record.NotAfter))
}

func (m *Manager) issueWithRetry(ctx context.Context, domain string) (*Record, error) {
	progress := func(s State) { m.setState(domain, s) }

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		record, err := m.issuer.Issue(ctx, domain, progress)
		if err == nil {
			return record, nil
		}
		if errors.Is(err, ErrLeaseHeld) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		m.logger.Warn("issuance attempt failed",
			zap.String("domain", domain),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == m.cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return nil, lastErr
}

// adoptStored loads a record a peer instance persisted. Returns true when a
// usable record was adopted.
func (m *Manager) adoptStored(ctx context.Context, domain string, now time.Time) bool {
	data, err := m.store.Get(ctx, certKey(domain))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			metrics.StoreFailures.Inc()
			m.logger.Warn("certificate lookup failed, continuing in memory",
				zap.String("domain", domain), zap.Error(err))
		}
		return false
	}

	record, err := UnmarshalRecord(data)
	if err != nil || record.NeedsIssuance(now) {
		return false
	}
	if err := m.publish(record); err != nil {
		m.logger.Warn("stored certificate unusable",
			zap.String("domain", domain), zap.Error(err))
		return false
	}
	m.logger.Info("adopted stored certificate", zap.String("domain", domain))
	return true
}

// markFailed leaves the domain on its fallback. An issued certificate that
// failed to renew stays active; only its state and attempt count change.
func (m *Manager) markFailed(domain string, hadIssued bool) {
	if hadIssued {
		m.mutate(domain, func(r *Record) { r.Attempts++ })
		return
	}

	fallbackEntry, err := m.fallbackEntry(domain)
	if err != nil {
		m.logger.Error("fallback synthesis failed",
			zap.String("domain", domain), zap.Error(err))
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swapLocked(domain, fallbackEntry)
}

// restore loads every persisted certificate at startup so handshakes are
// served before the first sweep finishes.
func (m *Manager) restore(ctx context.Context) {
	pairs, err := m.store.List(ctx, "cert:")
	if err != nil {
		metrics.StoreFailures.Inc()
		m.logger.Warn("certificate restore failed, starting empty", zap.Error(err))
		return
	}
	for key, data := range pairs {
		record, err := UnmarshalRecord(data)
		if err != nil {
			m.logger.Warn("skipping undecodable stored certificate",
				zap.String("key", key), zap.Error(err))
			continue
		}
		if err := m.publish(record); err != nil {
			m.logger.Warn("skipping unusable stored certificate",
				zap.String("domain", record.Domain), zap.Error(err))
		}
	}
	if n := len(m.current.Load().entries); n > 0 {
		m.logger.Info("restored certificates", zap.Int("count", n))
	}
}

func (m *Manager) sweep(ctx context.Context) {
	now := time.Now()
	needed := make(map[string]struct{})
	for _, domain := range m.tables.Current().AutoTLSDomains() {
		needed[domain] = struct{}{}
	}
	for domain, e := range m.current.Load().entries {
		if e.record.NeedsIssuance(now) {
			needed[domain] = struct{}{}
		}
	}

	for domain := range needed {
		if ctx.Err() != nil {
			return
		}
		m.Ensure(ctx, domain)
	}
}

func (m *Manager) persist(ctx context.Context, record *Record) {
	data, err := record.Marshal()
	if err != nil {
		m.logger.Error("certificate record encode failed",
			zap.String("domain", record.Domain), zap.Error(err))
		return
	}
	if err := m.store.Put(ctx, certKey(record.Domain), data); err != nil {
		metrics.StoreFailures.Inc()
		m.logger.Warn("certificate persist failed, keeping in memory",
			zap.String("domain", record.Domain), zap.Error(err))
	}
}

// publish swaps the record into a copied snapshot.
func (m *Manager) publish(record *Record) error {
	cert, err := record.Certificate()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swapLocked(record.Domain, &entry{record: record, cert: cert})
	return nil
}

func (m *Manager) swapLocked(domain string, e *entry) {
	old := m.current.Load()
	next := &snapshot{entries: make(map[string]*entry, len(old.entries)+1)}
	for d, existing := range old.entries {
		next.entries[d] = existing
	}
	next.entries[domain] = e
	m.current.Store(next)
}

// mutate republishes the domain's record with a field-level change. The
// certificate itself is reused; readers see old or new record, never a
// partial write.
func (m *Manager) mutate(domain string, fn func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.current.Load().entries[domain]
	if !ok {
		return
	}
	record := *old.record
	fn(&record)
	m.swapLocked(domain, &entry{record: &record, cert: old.cert})
}

func (m *Manager) setState(domain string, s State) {
	m.mutate(domain, func(r *Record) { r.State = s })
}

// Record returns the domain's current record for introspection.
func (m *Manager) Record(domain string) (*Record, bool) {
	e, ok := m.current.Load().entries[normalizeDomain(domain)]
	if !ok {
		return nil, false
	}
	return e.record, true
}

func (m *Manager) fallback(domain string) (*tls.Certificate, error) {
	e, err := m.fallbackEntry(domain)
	if err != nil {
		return nil, err
	}
	return e.cert, nil
}

// fallbackEntry returns the cached self-signed certificate for a domain,
// synthesizing one on first use.
func (m *Manager) fallbackEntry(domain string) (*entry, error) {
	m.fallbackMu.Lock()
	defer m.fallbackMu.Unlock()
	if e, ok := m.fallbacks[domain]; ok {
		return e, nil
	}

	cert, record, err := NewSelfSigned(domain)
	if err != nil {
		return nil, err
	}
	metrics.CertSelfSigned.Inc()
	m.logger.Info("synthesized self-signed fallback", zap.String("domain", domain))

	e := &entry{record: record, cert: cert}
	m.fallbacks[domain] = e
	return e, nil
}

func (m *Manager) fileCert(policy types.TLSPolicy) (*tls.Certificate, error) {
	cacheKey := policy.CertFile + "\x00" + policy.KeyFile

	m.fileMu.Lock()
	defer m.fileMu.Unlock()
	if cert, ok := m.fileCerts[cacheKey]; ok {
		return cert, nil
	}

	cert, err := tls.LoadX509KeyPair(policy.CertFile, policy.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("cert: load file pair %s: %w", policy.CertFile, err)
	}
	m.fileCerts[cacheKey] = &cert
	return &cert, nil
}

func (m *Manager) begin(domain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.inflight[domain]; running {
		return false
	}
	m.inflight[domain] = struct{}{}
	return true
}

func (m *Manager) end(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, domain)
}

func (m *Manager) backgroundCtx() context.Context {
	if ctx := m.runCtx.Load(); ctx != nil {
		return *ctx
	}
	return context.Background()
}

func normalizeDomain(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
