package ledgerstore

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/coin-bridge/internal/wallet"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb), mr
}

func TestReadProfileMissing(t *testing.T) {
	s, _ := newTestStore(t)
	p, ver, err := s.ReadProfile(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("ReadProfile: %v", err)
	}
	if p != nil || ver != 0 {
		t.Fatalf("expected nil profile at version 0, got %+v v%d", p, ver)
	}
}

func TestConditionalWriteRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	profile := &wallet.Profile{Balance: 10, Processed: []wallet.Record{{TxnID: "A", Delta: 10, BalanceAfter: 10}}}
	v1, err := s.ConditionalWrite(ctx, "u1", profile, 0)
	if err != nil {
		t.Fatalf("ConditionalWrite: %v", err)
	}
	if v1 != 1 {
		t.Fatalf("expected version 1, got %d", v1)
	}

	got, ver, err := s.ReadProfile(ctx, "u1")
	if err != nil || got == nil {
		t.Fatalf("ReadProfile: %v %v", got, err)
	}
	if ver != v1 || got.Balance != 10 || len(got.Processed) != 1 || got.Processed[0].TxnID != "A" {
		t.Fatalf("unexpected read-back: v%d %+v", ver, got)
	}
}

func TestConditionalWriteConflict(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ConditionalWrite(ctx, "u1", &wallet.Profile{Balance: 1}, 0); err != nil {
		t.Fatalf("seed write: %v", err)
	}
	// Stale version token must fail.
	_, err := s.ConditionalWrite(ctx, "u1", &wallet.Profile{Balance: 2}, 0)
	if !IsVersionConflict(err) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	// Fresh token succeeds.
	if _, err := s.ConditionalWrite(ctx, "u1", &wallet.Profile{Balance: 2}, 1); err != nil {
		t.Fatalf("write at current version: %v", err)
	}
}

func TestAcquireExtendReleaseLease(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.AcquireLease(ctx, "u1", "n1:lease1", 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Second node is rejected while the lease is live.
	if err := s.AcquireLease(ctx, "u1", "n2:lease2", 30*time.Second); err != ErrLeaseHeld {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	// Same holder can re-acquire.
	if err := s.AcquireLease(ctx, "u1", "n1:lease1", 30*time.Second); err != nil {
		t.Fatalf("re-acquire own lease: %v", err)
	}
	if err := s.ExtendLease(ctx, "u1", "n1:lease1", 30*time.Second); err != nil {
		t.Fatalf("extend: %v", err)
	}
	// A non-holder cannot extend or release.
	if err := s.ExtendLease(ctx, "u1", "n2:lease2", 30*time.Second); err != ErrLeaseHeld {
		t.Fatalf("expected ErrLeaseHeld on foreign extend, got %v", err)
	}
	if err := s.ReleaseLease(ctx, "u1", "n2:lease2"); err != nil {
		t.Fatalf("foreign release should no-op: %v", err)
	}
	if holder, _ := s.LeaseHolder(ctx, "u1"); holder != "n1:lease1" {
		t.Fatalf("holder changed: %q", holder)
	}

	if err := s.ReleaseLease(ctx, "u1", "n1:lease1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if holder, _ := s.LeaseHolder(ctx, "u1"); holder != "" {
		t.Fatalf("lease not released: %q", holder)
	}

	// Expiry frees the lease for the next node.
	if err := s.AcquireLease(ctx, "u1", "n1:lease3", 100*time.Millisecond); err != nil {
		t.Fatalf("acquire short: %v", err)
	}
	mr.FastForward(200 * time.Millisecond)
	if err := s.AcquireLease(ctx, "u1", "n2:lease4", time.Second); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}
