package cert

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"

	"github.com/porticoproxy/portico/internal/metrics"
	"github.com/porticoproxy/portico/pkg/store"
)

const (
	// LetsEncryptURL is the production ACME directory.
	LetsEncryptURL = acme.LetsEncryptURL
	// LetsEncryptStagingURL issues untrusted certificates without the
	// production rate limits.
	LetsEncryptStagingURL = "https://acme-staging-v02.api.letsencrypt.org/directory"

	accountKeyStoreKey = "acme:account"
)

// ErrLeaseHeld is returned when another proxy instance holds the challenge
// lease for the domain and is presumably running the order itself.
var ErrLeaseHeld = errors.New("cert: challenge lease held by another instance")

// Issuer obtains a trusted certificate for a domain. Implemented by the
// ACME client; tests substitute their own.
type Issuer interface {
	Issue(ctx context.Context, domain string, progress func(State)) (*Record, error)
}

// ACMEIssuer runs the order/challenge/finalize protocol against an ACME
// directory. The account key is shared across instances through the store
// so restarts and peers reuse one CA account.
type ACMEIssuer struct {
	directoryURL string
	email        string
	solver       *Solver
	store        store.Store
	logger       *zap.Logger

	mu     sync.Mutex
	client *acme.Client
}

// NewACMEIssuer creates an issuer against the given directory.
func NewACMEIssuer(directoryURL, email string, solver *Solver, st store.Store, logger *zap.Logger) *ACMEIssuer {
	return &ACMEIssuer{
		directoryURL: directoryURL,
		email:        email,
		solver:       solver,
		store:        st,
		logger:       logger.Named("acme"),
	}
}

// Issue runs one full order for the domain. The progress hook observes the
// phase transitions; the caller owns retry and backoff policy.
func (i *ACMEIssuer) Issue(ctx context.Context, domain string, progress func(State)) (*Record, error) {
	client, err := i.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	progress(StatePendingOrder)
	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(domain))
	if err != nil {
		return nil, fmt.Errorf("cert: create order for %s: %w", domain, err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := i.solveAuthorization(ctx, client, domain, authzURL, progress); err != nil {
			return nil, err
		}
	}

	order, err = client.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, fmt.Errorf("cert: wait order for %s: %w", domain, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cert: generate key for %s: %w", domain, err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}, key)
	if err != nil {
		return nil, fmt.Errorf("cert: create CSR for %s: %w", domain, err)
	}

	der, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, fmt.Errorf("cert: finalize order for %s: %w", domain, err)
	}
	return buildRecord(domain, key, der)
}

func (i *ACMEIssuer) solveAuthorization(ctx context.Context, client *acme.Client, domain, authzURL string, progress func(State)) error {
	authz, err := client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("cert: get authorization for %s: %w", domain, err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var challenge *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "http-01" {
			challenge = c
			break
		}
	}
	if challenge == nil {
		return fmt.Errorf("cert: no http-01 challenge offered for %s", domain)
	}

	keyAuth, err := client.HTTP01ChallengeResponse(challenge.Token)
	if err != nil {
		return fmt.Errorf("cert: compute challenge response for %s: %w", domain, err)
	}

	progress(StatePendingChallenge)
	acquired, err := i.solver.Publish(ctx, domain, challenge.Token, keyAuth)
	if err != nil {
		return fmt.Errorf("cert: publish challenge for %s: %w", domain, err)
	}
	if !acquired {
		return ErrLeaseHeld
	}
	defer i.solver.Remove(ctx, domain, challenge.Token)

	progress(StateValidating)
	if _, err := client.Accept(ctx, challenge); err != nil {
		return fmt.Errorf("cert: accept challenge for %s: %w", domain, err)
	}
	if _, err := client.WaitAuthorization(ctx, authz.URI); err != nil {
		return fmt.Errorf("cert: authorization for %s: %w", domain, err)
	}
	return nil
}

// ensureClient lazily registers the ACME account. The account key lives in
// the store so every instance presents the same account; a store failure
// degrades to a process-local throwaway account.
func (i *ACMEIssuer) ensureClient(ctx context.Context) (*acme.Client, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.client != nil {
		return i.client, nil
	}

	key, err := i.loadOrCreateAccountKey(ctx)
	if err != nil {
		return nil, err
	}

	client := &acme.Client{Key: key, DirectoryURL: i.directoryURL}
	account := &acme.Account{}
	if i.email != "" {
		account.Contact = []string{"mailto:" + i.email}
	}
	if _, err := client.Register(ctx, account, acme.AcceptTOS); err != nil &&
		!errors.Is(err, acme.ErrAccountAlreadyExists) {
		return nil, fmt.Errorf("cert: register account: %w", err)
	}

	i.client = client
	return client, nil
}

func (i *ACMEIssuer) loadOrCreateAccountKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	data, err := i.store.Get(ctx, accountKeyStoreKey)
	if err == nil {
		block, _ := pem.Decode(data)
		if block != nil {
			if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
				return key, nil
			}
		}
		i.logger.Warn("stored account key unreadable, generating a new one")
	} else if !errors.Is(err, store.ErrNotFound) {
		metrics.StoreFailures.Inc()
		i.logger.Warn("account key lookup failed, using a local account", zap.Error(err))
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cert: generate account key: %w", err)
	}

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("cert: marshal account key: %w", err)
	}
	encoded := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := i.store.Put(ctx, accountKeyStoreKey, encoded); err != nil {
		metrics.StoreFailures.Inc()
		i.logger.Warn("account key persist failed", zap.Error(err))
	}
	return key, nil
}

// buildRecord assembles the durable record from the finalized order.
func buildRecord(domain string, key *ecdsa.PrivateKey, der [][]byte) (*Record, error) {
	if len(der) == 0 {
		return nil, fmt.Errorf("cert: CA returned empty chain for %s", domain)
	}
	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return nil, fmt.Errorf("cert: parse issued leaf for %s: %w", domain, err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("cert: marshal key for %s: %w", domain, err)
	}

	record := &Record{
		Domain:    domain,
		State:     StateIssued,
		KeyPEM:    pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		LeafPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der[0]}),
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
	}
	for _, intermediate := range der[1:] {
		record.ChainPEM = append(record.ChainPEM,
			pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: intermediate})...)
	}
	return record, nil
}

// backoff returns the wait before retry attempt n (1-based), capped.
func backoff(attempt int) time.Duration {
	d := time.Second << uint(attempt-1)
	if d > 2*time.Minute {
		return 2 * time.Minute
	}
	return d
}
