package bridge

import (
	"context"
	"fmt"

	"github.com/park285/coin-bridge/internal/ledgerstore"
	"github.com/park285/coin-bridge/internal/metrics"
	"github.com/park285/coin-bridge/internal/transport"
	"github.com/park285/coin-bridge/internal/wallet"
)

// mutate runs the read-apply-write loop for one command. The store only
// offers optimistic concurrency, so a version conflict re-reads, rebuilds
// the ring from the fresh processed list (avoiding double accounting) and
// re-applies, up to maxRetries attempts. Transient store failures back off
// between attempts.
func (d *Dispatcher) mutate(ctx context.Context, cmd wallet.Command) (wallet.Outcome, error) {
	var lastErr error
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		profile, version, err := d.store.ReadProfile(ctx, cmd.UserID)
		if err != nil {
			lastErr = err
			if !ledgerstore.IsTransient(err) {
				return wallet.Outcome{}, err
			}
			if transport.SleepWithContext(ctx, transport.BackoffDuration(attempt)) != nil {
				return wallet.Outcome{}, lastErr
			}
			continue
		}
		if profile == nil {
			profile = &wallet.Profile{}
		}

		ring, err := wallet.NewRing(d.ringCapacity, profile.Processed)
		if err != nil {
			return wallet.Outcome{}, err
		}

		outcome := wallet.Apply(profile.Balance, cmd, ring, d.now)
		if !outcome.Inserted {
			// Replay within the ring window: no write, no side effects.
			return outcome, nil
		}

		next := &wallet.Profile{Balance: outcome.Balance, Processed: ring.Snapshot()}
		if _, err := d.store.ConditionalWrite(ctx, cmd.UserID, next, version); err != nil {
			lastErr = err
			if ledgerstore.IsVersionConflict(err) {
				metrics.VersionConflicts.Inc()
				continue
			}
			if ledgerstore.IsTransient(err) {
				if transport.SleepWithContext(ctx, transport.BackoffDuration(attempt)) != nil {
					return wallet.Outcome{}, lastErr
				}
				continue
			}
			return wallet.Outcome{}, err
		}
		return outcome, nil
	}
	return wallet.Outcome{}, fmt.Errorf("mutation retries exhausted: %w", lastErr)
}
