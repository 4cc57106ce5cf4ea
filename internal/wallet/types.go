package wallet

import (
	"strings"

	"github.com/park285/coin-bridge/pkg/walletdto"
)

// RingCapacity bounds the per-user window of remembered transaction ids.
// Replays older than the window re-apply; operators size the window against
// the expected replay horizon of the transport.
const RingCapacity = 64

// Command is a validated mutation intent decoded from a command envelope.
type Command struct {
	TxnID  string
	UserID string
	Delta  int64
	Actor  string
	Source walletdto.Source
	Reason string
}

// Record is the immutable outcome of the first successful apply of a txnId.
type Record struct {
	TxnID        string           `json:"txnId"`
	Delta        int64            `json:"delta"`
	BalanceAfter int64            `json:"balanceAfter"`
	Actor        string           `json:"actor"`
	Source       walletdto.Source `json:"source"`
	Reason       string           `json:"reason,omitempty"`
	ProcessedAt  int64            `json:"processedAt"` // unix millis
}

// Profile is the persisted per-user wallet state, stored as JSON under
// wallet:{userId}. Processed is ordered oldest to newest.
type Profile struct {
	Balance   int64    `json:"balance"`
	Processed []Record `json:"processed"`
}

// Errors
var (
	ErrInvalidCommand = errf("invalid command")
	ErrZeroDelta      = errf("delta must be non-zero")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

// CommandFromPayload validates a decoded payload and returns the domain command.
func CommandFromPayload(p walletdto.CommandPayload) (Command, error) {
	txn := strings.TrimSpace(p.TxnID)
	user := strings.TrimSpace(p.UserID)
	if txn == "" || user == "" {
		return Command{}, ErrInvalidCommand
	}
	if p.Delta == 0 {
		return Command{}, ErrZeroDelta
	}
	src := p.Source
	if src != walletdto.SourceDiscord && src != walletdto.SourceGame {
		return Command{}, ErrInvalidCommand
	}
	return Command{
		TxnID:  txn,
		UserID: user,
		Delta:  p.Delta,
		Actor:  strings.TrimSpace(p.Actor),
		Source: src,
		Reason: strings.TrimSpace(p.Reason),
	}, nil
}
