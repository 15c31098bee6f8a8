package disk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/porticoproxy/portico/pkg/store"
)

func TestRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if err := s.Put(ctx, "cert:example.com", []byte("pem")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(ctx, "cert:example.com")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "pem" {
		t.Errorf("Get returned %q, want %q", got, "pem")
	}

	if _, err := s.Get(ctx, "cert:missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListSkipsForeignFiles(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	s.Put(ctx, "cert:a.example.com", []byte("a"))
	s.Put(ctx, "challenge:tok", []byte("t"))

	out, err := s.List(ctx, "cert:")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("List returned %d entries, want 1", len(out))
	}
	if string(out["cert:a.example.com"]) != "a" {
		t.Errorf("unexpected list contents: %v", out)
	}
}

func TestLease(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	acquired, err := s.Lease(ctx, "dom", []byte("1"), time.Minute)
	if err != nil || !acquired {
		t.Fatalf("first Lease = (%v, %v), want (true, nil)", acquired, err)
	}

	acquired, err = s.Lease(ctx, "dom", []byte("2"), time.Minute)
	if err != nil {
		t.Fatalf("second Lease failed: %v", err)
	}
	if acquired {
		t.Error("second lease should not be acquired while held")
	}

	// An expired lease file is reclaimed.
	if _, err := s.Lease(ctx, "fast", []byte("1"), time.Millisecond); err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	acquired, err = s.Lease(ctx, "fast", []byte("2"), time.Minute)
	if err != nil {
		t.Fatalf("Lease after expiry failed: %v", err)
	}
	if !acquired {
		t.Error("expired lease should be reclaimable")
	}
}
