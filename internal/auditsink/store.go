package auditsink

import (
	"context"
	"time"

	"github.com/park285/coin-bridge/pkg/walletdto"
)

// Row is one audit transaction as persisted by the sink.
type Row struct {
	TxnID     string
	UserID    string
	Delta     int64
	Actor     string
	Source    string
	Reason    string
	CreatedAt time.Time
}

// ErrKeyConflict is returned when an idempotency key is replayed with a
// different payload hash.
var ErrKeyConflict = errf("idempotency key conflict")

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

// Store persists audit rows and webhook delivery records. Ingest runs both
// writes atomically: the delivery record dedupes retries, the audit row is
// create-only (an existing row wins, no field updates).
type Store interface {
	Ingest(ctx context.Context, key, payloadHash string, row Row) (deduped bool, err error)
	Recent(ctx context.Context, userID string, limit int) ([]Row, error)
	Close() error
}

func (r Row) toDTO() walletdto.AuditRow {
	return walletdto.AuditRow{
		TxnID:     r.TxnID,
		UserID:    r.UserID,
		Delta:     r.Delta,
		Actor:     r.Actor,
		Source:    walletdto.Source(r.Source),
		Reason:    r.Reason,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
