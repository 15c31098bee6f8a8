// Package cert drives the per-domain certificate lifecycle: ACME issuance
// and renewal in the background, synchronous SNI lookup at handshake time,
// and a self-signed fallback so a domain stays servable while a trusted
// certificate is still being obtained.
package cert

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"
)

// State is the phase of a domain's issuance state machine.
type State string

const (
	StateUnrequested      State = "unrequested"
	StatePendingOrder     State = "pending_order"
	StatePendingChallenge State = "pending_challenge"
	StateValidating       State = "validating"
	StateIssued           State = "issued"
	StateRenewing         State = "renewing"
	StateFailed           State = "failed"
)

// Record is the durable form of one domain's certificate. The private key
// leaves the process only toward the configured store, which is presumed
// operator-controlled.
type Record struct {
	Domain    string    `json:"domain"`
	State     State     `json:"state"`
	KeyPEM    []byte    `json:"key"`
	LeafPEM   []byte    `json:"leaf"`
	ChainPEM  []byte    `json:"chain,omitempty"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`

	// RenewAfter is NotAfter minus the configured safety margin. Attempts
	// counts consecutive failed issuance tries for backoff and the
	// MaxAttempts bound; it resets on success.
	RenewAfter time.Time `json:"renew_after"`
	Attempts   int       `json:"attempts,omitempty"`

	// SelfSigned records are synthesized fallbacks. They are kept in memory
	// only and never written to the store.
	SelfSigned bool `json:"-"`
}

// certKey returns the store key for a domain's certificate record.
func certKey(domain string) string {
	return "cert:" + domain
}

// challengeKey returns the store key for a domain's pending HTTP-01
// challenge.
func challengeKey(domain string) string {
	return "challenge:" + domain
}

// Marshal encodes the record for the store.
func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalRecord decodes a stored record.
func UnmarshalRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("cert: decode record: %w", err)
	}
	return &r, nil
}

// Certificate builds the tls.Certificate served at handshake time.
func (r *Record) Certificate() (*tls.Certificate, error) {
	pem := append([]byte{}, r.LeafPEM...)
	pem = append(pem, r.ChainPEM...)
	cert, err := tls.X509KeyPair(pem, r.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("cert: load key pair for %s: %w", r.Domain, err)
	}
	return &cert, nil
}

// NeedsIssuance reports whether the domain needs a (re)issuance attempt at
// the given time: no trusted certificate yet, or within the renewal window.
func (r *Record) NeedsIssuance(now time.Time) bool {
	if r == nil || r.SelfSigned || r.State != StateIssued && r.State != StateRenewing {
		return true
	}
	return !now.Before(r.RenewAfter)
}
