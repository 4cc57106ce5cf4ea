package wallet

import (
	"fmt"
	"testing"
	"time"
)

func fixedNow() time.Time { return time.UnixMilli(1700000000000) }

func cmd(txn string, delta int64) Command {
	return Command{TxnID: txn, UserID: "u1", Delta: delta, Actor: "admin", Source: "discord"}
}

func TestApplyCreditAndReplay(t *testing.T) {
	ring, err := NewRing(RingCapacity, nil)
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}

	out := Apply(0, cmd("A", 10), ring, fixedNow)
	if !out.Inserted || out.Balance != 10 {
		t.Fatalf("first apply: %+v", out)
	}
	if out.Record.BalanceAfter != 10 || out.Record.ProcessedAt != fixedNow().UnixMilli() {
		t.Fatalf("record: %+v", out.Record)
	}

	// Replaying A, even with a different delta, leaves balance and record alone.
	replay := Apply(out.Balance, cmd("A", 500), ring, fixedNow)
	if replay.Inserted {
		t.Fatalf("replay must not insert")
	}
	if replay.Balance != 10 || replay.Record.Delta != 10 {
		t.Fatalf("replay mutated state: %+v", replay)
	}
}

func TestApplyDebit(t *testing.T) {
	ring, _ := NewRing(RingCapacity, nil)
	out := Apply(10, cmd("B", -4), ring, fixedNow)
	if !out.Inserted || out.Balance != 6 {
		t.Fatalf("debit: %+v", out)
	}
}

func TestApplyConservationAcrossEviction(t *testing.T) {
	// 65 distinct commands of +1 through a 64-slot ring: balance counts them
	// all even though the ring only retains the latest 64. Replaying the
	// evicted T1 re-applies; that is the documented eviction boundary.
	ring, _ := NewRing(RingCapacity, nil)
	var balance int64
	for i := 1; i <= 65; i++ {
		out := Apply(balance, cmd(fmt.Sprintf("T%d", i), 1), ring, fixedNow)
		if !out.Inserted {
			t.Fatalf("T%d unexpectedly deduped", i)
		}
		balance = out.Balance
	}
	if balance != 65 {
		t.Fatalf("expected balance 65, got %d", balance)
	}
	if ring.Len() != RingCapacity {
		t.Fatalf("expected %d retained records, got %d", RingCapacity, ring.Len())
	}
	if _, ok := ring.Get("T1"); ok {
		t.Fatalf("T1 should be evicted")
	}

	out := Apply(balance, cmd("T1", 1), ring, fixedNow)
	if !out.Inserted || out.Balance != 66 {
		t.Fatalf("evicted replay should re-apply: %+v", out)
	}
	if _, ok := ring.Get("T2"); ok {
		t.Fatalf("T2 should be evicted by re-inserted T1")
	}
}
