package wallet

import "time"

// Outcome reports the result of applying a command over a balance and ring.
type Outcome struct {
	Balance  int64
	Inserted bool
	Record   Record
}

// Apply builds a candidate record at balance+delta and offers it to the ring.
// On a replay the ring returns the original record and nothing mutates: ties
// on txnId are first-writer-wins, even if the replayed delta differs.
// Apply never touches persistence; the caller owns the read-modify-write.
func Apply(balance int64, cmd Command, ring *Ring, now func() time.Time) Outcome {
	candidate := Record{
		TxnID:        cmd.TxnID,
		Delta:        cmd.Delta,
		BalanceAfter: balance + cmd.Delta,
		Actor:        cmd.Actor,
		Source:       cmd.Source,
		Reason:       cmd.Reason,
		ProcessedAt:  now().UnixMilli(),
	}
	stored, inserted := ring.Record(candidate)
	if !inserted {
		return Outcome{Balance: balance, Inserted: false, Record: stored}
	}
	return Outcome{Balance: stored.BalanceAfter, Inserted: true, Record: stored}
}
