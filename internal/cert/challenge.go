package cert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/porticoproxy/portico/internal/metrics"
	"github.com/porticoproxy/portico/pkg/store"
)

// ChallengePathPrefix is the HTTP-01 well-known path the proxy must answer
// on its plain HTTP listener.
const ChallengePathPrefix = "/.well-known/acme-challenge/"

// challengeRecord is the stored form of one pending HTTP-01 challenge.
// Publishing through the shared store lets any proxy instance behind the
// same DNS name answer the CA's validation request, whichever instance
// started the order.
type challengeRecord struct {
	Token   string `json:"token"`
	KeyAuth string `json:"key_auth"`
}

// Solver publishes HTTP-01 challenge tokens and answers the CA's validation
// requests. The lease on the challenge key doubles as the cross-instance
// coordination point: only the instance that acquired it runs the order.
type Solver struct {
	store  store.Store
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	local map[string]string
}

// NewSolver creates a solver over the shared store.
func NewSolver(st store.Store, ttl time.Duration, logger *zap.Logger) *Solver {
	return &Solver{
		store:  st,
		ttl:    ttl,
		logger: logger.Named("acme-solver"),
		local:  make(map[string]string),
	}
}

// Publish makes the challenge answerable. It returns false when another
// instance already holds the lease for this domain, in which case the
// caller must not start an order. A store failure degrades to local-only
// operation: this instance can still answer, coordination is lost.
func (s *Solver) Publish(ctx context.Context, domain, token, keyAuth string) (bool, error) {
	s.mu.Lock()
	s.local[token] = keyAuth
	s.mu.Unlock()

	value, err := json.Marshal(challengeRecord{Token: token, KeyAuth: keyAuth})
	if err != nil {
		return false, err
	}

	acquired, err := s.store.Lease(ctx, challengeKey(domain), value, s.ttl)
	if err != nil {
		metrics.StoreFailures.Inc()
		s.logger.Warn("challenge lease failed, continuing locally",
			zap.String("domain", domain), zap.Error(err))
		return true, nil
	}
	if !acquired {
		s.mu.Lock()
		delete(s.local, token)
		s.mu.Unlock()
		return false, nil
	}

	// The lease only arbitrates which instance runs the order. The record
	// itself is written under the challenge key so any peer can answer the
	// CA's validation request.
	if err := s.store.Put(ctx, challengeKey(domain), value); err != nil {
		metrics.StoreFailures.Inc()
		s.logger.Warn("challenge publish failed, continuing locally",
			zap.String("domain", domain), zap.Error(err))
	}
	return true, nil
}

// Remove retracts a challenge after the order finishes either way.
func (s *Solver) Remove(ctx context.Context, domain, token string) {
	s.mu.Lock()
	delete(s.local, token)
	s.mu.Unlock()

	if err := s.store.Delete(ctx, challengeKey(domain)); err != nil {
		metrics.StoreFailures.Inc()
		s.logger.Warn("challenge cleanup failed",
			zap.String("domain", domain), zap.Error(err))
	}
}

// Handler answers GET /.well-known/acme-challenge/<token>. Tokens published
// by this instance are served from memory; tokens published by a peer are
// found through the shared store.
func (s *Solver) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.URL.Path, ChallengePathPrefix)
		if token == "" || strings.Contains(token, "/") {
			http.NotFound(w, r)
			return
		}

		if keyAuth, ok := s.lookupLocal(token); ok {
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte(keyAuth))
			return
		}

		keyAuth, err := s.lookupStore(r.Context(), token)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("challenge store lookup failed", zap.Error(err))
			}
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(keyAuth))
	})
}

func (s *Solver) lookupLocal(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keyAuth, ok := s.local[token]
	return keyAuth, ok
}

func (s *Solver) lookupStore(ctx context.Context, token string) (string, error) {
	pairs, err := s.store.List(ctx, "challenge:")
	if err != nil {
		return "", err
	}
	for _, value := range pairs {
		var rec challengeRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			continue
		}
		if rec.Token == token {
			return rec.KeyAuth, nil
		}
	}
	return "", store.ErrNotFound
}
