package cert

import (
	"crypto/x509"
	"testing"
)

func TestSelfSignedCertificate(t *testing.T) {
	cert, record, err := NewSelfSigned("fallback.example.com")
	if err != nil {
		t.Fatalf("NewSelfSigned failed: %v", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate failed: %v", err)
	}
	if leaf.Subject.CommonName != "fallback.example.com" {
		t.Errorf("CN = %q, want the domain", leaf.Subject.CommonName)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "fallback.example.com" {
		t.Errorf("DNSNames = %v, want the domain", leaf.DNSNames)
	}

	validity := leaf.NotAfter.Sub(leaf.NotBefore)
	if validity != selfSignedValidity {
		t.Errorf("validity = %v, want %v", validity, selfSignedValidity)
	}

	if !record.SelfSigned {
		t.Error("record must be marked self-signed")
	}
	if record.State != StateFailed {
		t.Errorf("state = %s, want failed so the sweep keeps retrying", record.State)
	}
	if record.NotAfter != leaf.NotAfter {
		t.Error("record validity should match the certificate")
	}
}
