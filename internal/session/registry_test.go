package session

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/coin-bridge/internal/ledgerstore"
)

func newTestRegistry(t *testing.T, nodeID string) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRegistry(ledgerstore.NewStore(rdb), nodeID, 30*time.Second), mr
}

func sharedRegistries(t *testing.T) (*Registry, *Registry, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	r1db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r2db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = r1db.Close(); _ = r2db.Close() })
	n1 := NewRegistry(ledgerstore.NewStore(r1db), "n1", 30*time.Second)
	n2 := NewRegistry(ledgerstore.NewStore(r2db), "n2", 30*time.Second)
	return n1, n2, mr
}

func TestOpportunisticAcquireRelease(t *testing.T) {
	r, _ := newTestRegistry(t, "n1")
	ctx := context.Background()

	claim, err := r.Acquire(ctx, "u1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !claim.Opportunistic {
		t.Fatalf("non-resident acquire should be opportunistic")
	}
	if r.StateOf("u1") != StateOwned {
		t.Fatalf("state = %s, want OWNED", r.StateOf("u1"))
	}

	r.Release(ctx, "u1", claim)
	if r.StateOf("u1") != StateIdle {
		t.Fatalf("released session should be evicted, state = %s", r.StateOf("u1"))
	}

	// Lease is free again.
	if _, err := r.Acquire(ctx, "u1"); err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
}

func TestSingleWriterAcrossNodes(t *testing.T) {
	n1, n2, _ := sharedRegistries(t)
	ctx := context.Background()

	claim, err := n1.Acquire(ctx, "u1")
	if err != nil {
		t.Fatalf("n1 acquire: %v", err)
	}
	if _, err := n2.Acquire(ctx, "u1"); err != ErrNotOwner {
		t.Fatalf("n2 should lose the lease race, got %v", err)
	}
	if n2.StateOf("u1") != StateIdle {
		t.Fatalf("loser session should be evicted")
	}

	n1.Release(ctx, "u1", claim)
	if _, err := n2.Acquire(ctx, "u1"); err != nil {
		t.Fatalf("n2 acquire after release: %v", err)
	}
}

func TestResidentClaimSticks(t *testing.T) {
	n1, n2, _ := sharedRegistries(t)
	ctx := context.Background()

	if err := n1.PlayerJoined(ctx, "u1"); err != nil {
		t.Fatalf("PlayerJoined: %v", err)
	}
	claim, err := n1.Acquire(ctx, "u1")
	if err != nil {
		t.Fatalf("resident acquire: %v", err)
	}
	if claim.Opportunistic {
		t.Fatalf("resident claim must not be opportunistic")
	}

	// Release of a resident claim is a no-op; the other node still loses.
	n1.Release(ctx, "u1", claim)
	if _, err := n2.Acquire(ctx, "u1"); err != ErrNotOwner {
		t.Fatalf("n2 should still be locked out, got %v", err)
	}

	n1.PlayerLeft(ctx, "u1")
	if _, err := n2.Acquire(ctx, "u1"); err != nil {
		t.Fatalf("n2 acquire after leave: %v", err)
	}
}

func TestEnqueueSerializesPerUser(t *testing.T) {
	r, _ := newTestRegistry(t, "n1")
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	var inFlight, maxInFlight int

	done := make(chan struct{})
	const n = 20
	for i := 0; i < n; i++ {
		i := i
		r.Enqueue(ctx, "u1", func(context.Context) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			order = append(order, i)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight--
			if len(order) == n {
				close(done)
			}
			mu.Unlock()
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("queue did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Fatalf("per-user tasks overlapped: max in flight %d", maxInFlight)
	}
	for i := range order {
		if order[i] != i {
			t.Fatalf("FIFO violated: %v", order)
		}
	}
}

func TestShutdownReleasesLeases(t *testing.T) {
	n1, n2, _ := sharedRegistries(t)
	ctx := context.Background()

	if err := n1.PlayerJoined(ctx, "u1"); err != nil {
		t.Fatalf("PlayerJoined: %v", err)
	}
	if _, err := n1.Acquire(ctx, "u2"); err != nil {
		t.Fatalf("Acquire u2: %v", err)
	}

	n1.Shutdown(ctx)

	for _, u := range []string{"u1", "u2"} {
		if _, err := n2.Acquire(ctx, u); err != nil {
			t.Fatalf("n2 acquire %s after shutdown: %v", u, err)
		}
	}
}
