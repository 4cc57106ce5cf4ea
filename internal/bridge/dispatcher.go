package bridge

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/park285/coin-bridge/internal/ledgerstore"
	"github.com/park285/coin-bridge/internal/metrics"
	"github.com/park285/coin-bridge/internal/obslog"
	"github.com/park285/coin-bridge/internal/session"
	"github.com/park285/coin-bridge/internal/transport"
	"github.com/park285/coin-bridge/internal/wallet"
	"github.com/park285/coin-bridge/pkg/walletdto"
)

// AuditPoster delivers processed transactions to the audit sink.
type AuditPoster interface {
	Post(ctx context.Context, payload walletdto.UpdatePayload) error
}

// Dispatcher consumes command envelopes, gates them through session
// ownership and drives the idempotent mutation pipeline.
type Dispatcher struct {
	bus      *transport.Bus
	registry *session.Registry
	store    *ledgerstore.Store
	audit    AuditPoster

	nodeID        string
	ringCapacity  int
	maxRetries    int
	maxCommandAge time.Duration

	now func() time.Time
}

type Option func(*Dispatcher)

// WithMaxCommandAge drops command envelopes whose issuedAt is older than d.
func WithMaxCommandAge(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.maxCommandAge = d }
}

func WithMaxRetries(n int) Option {
	return func(dp *Dispatcher) {
		if n > 0 {
			dp.maxRetries = n
		}
	}
}

func WithRingCapacity(n int) Option {
	return func(dp *Dispatcher) {
		if n > 0 {
			dp.ringCapacity = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(dp *Dispatcher) { dp.now = now }
}

func NewDispatcher(bus *transport.Bus, registry *session.Registry, store *ledgerstore.Store, audit AuditPoster, nodeID string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		bus:          bus,
		registry:     registry,
		store:        store,
		audit:        audit,
		nodeID:       nodeID,
		ringCapacity: wallet.RingCapacity,
		maxRetries:   transport.DefaultMaxRetries,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run subscribes to the command and presence topics until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	go d.bus.Subscribe(ctx, transport.TopicPresence, d.HandlePresence)
	d.bus.Subscribe(ctx, transport.TopicCommands, d.HandleCommand)
}

// HandleCommand decodes one envelope from the commands topic. Malformed
// envelopes are discarded at ingress; valid ones are serialized through the
// user's queue.
func (d *Dispatcher) HandleCommand(ctx context.Context, body []byte) {
	var env walletdto.CommandEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		metrics.CommandsInvalid.Inc()
		obslog.L().Debug("command_malformed", zap.Error(err))
		return
	}
	if env.Type != walletdto.TypeCommand {
		metrics.CommandsInvalid.Inc()
		obslog.L().Debug("command_wrong_type", zap.String("type", env.Type))
		return
	}
	cmd, err := wallet.CommandFromPayload(env.Payload)
	if err != nil {
		metrics.CommandsInvalid.Inc()
		obslog.L().Debug("command_invalid", zap.Error(err))
		return
	}
	metrics.CommandsReceived.Inc()

	if d.maxCommandAge > 0 && env.Payload.IssuedAt != "" {
		if issued, err := time.Parse(time.RFC3339, env.Payload.IssuedAt); err == nil {
			if d.now().Sub(issued) > d.maxCommandAge {
				metrics.CommandsStale.Inc()
				obslog.L().Warn("command_stale",
					zap.String("txn_id", cmd.TxnID),
					zap.String("issued_at", env.Payload.IssuedAt))
				return
			}
		}
	}

	d.registry.Enqueue(ctx, cmd.UserID, func(taskCtx context.Context) {
		d.process(taskCtx, cmd)
	})
}

// process runs under the user's queue: ownership, mutation, side effects.
func (d *Dispatcher) process(ctx context.Context, cmd wallet.Command) {
	claim, err := d.registry.Acquire(ctx, cmd.UserID)
	if err == session.ErrNotOwner {
		// Another node owns the session; it will process this envelope.
		metrics.LeaseDenied.Inc()
		return
	}
	if err != nil {
		obslog.L().Error("session_acquire_failed",
			zap.String("user_id", cmd.UserID), zap.String("txn_id", cmd.TxnID), zap.Error(err))
		return
	}
	defer d.registry.Release(ctx, cmd.UserID, claim)

	started := d.now()
	outcome, err := d.mutate(ctx, cmd)
	if err != nil {
		metrics.MutationFailures.Inc()
		obslog.L().Error("mutation_failed",
			zap.String("user_id", cmd.UserID), zap.String("txn_id", cmd.TxnID), zap.Error(err))
		return
	}
	metrics.ApplyDuration.Observe(float64(d.now().Sub(started).Milliseconds()))

	if !outcome.Inserted {
		metrics.CommandsDeduped.Inc()
		obslog.L().Info("command_deduped",
			zap.String("user_id", cmd.UserID), zap.String("txn_id", cmd.TxnID))
		return
	}
	metrics.CommandsApplied.Inc()
	obslog.L().Info("command_applied",
		zap.String("user_id", cmd.UserID),
		zap.String("txn_id", cmd.TxnID),
		zap.Int64("delta", cmd.Delta),
		zap.Int64("balance", outcome.Balance))

	update := updatePayload(cmd.UserID, outcome.Record)
	d.Emit(ctx, update)
	if err := d.audit.Post(ctx, update); err != nil {
		// Lossy by contract: the ledger is authoritative, the sink observes.
		metrics.AuditPostFailures.Inc()
		obslog.L().Warn("audit_post_failed", zap.String("txn_id", cmd.TxnID), zap.Error(err))
	}
}

// HandlePresence reacts to player.join / player.leave signals from the game
// fleet, moving sessions between sticky and opportunistic ownership.
func (d *Dispatcher) HandlePresence(ctx context.Context, body []byte) {
	var env walletdto.PresenceEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		obslog.L().Debug("presence_malformed", zap.Error(err))
		return
	}
	if env.Payload.NodeID != "" && env.Payload.NodeID != d.nodeID {
		return
	}
	userID := env.Payload.UserID
	if userID == "" {
		return
	}
	switch env.Type {
	case walletdto.TypeJoin:
		if err := d.registry.PlayerJoined(ctx, userID); err != nil && err != session.ErrNotOwner {
			obslog.L().Warn("presence_join_failed", zap.String("user_id", userID), zap.Error(err))
		}
	case walletdto.TypeLeave:
		d.registry.PlayerLeft(ctx, userID)
	}
}

func updatePayload(userID string, rec wallet.Record) walletdto.UpdatePayload {
	return walletdto.UpdatePayload{
		TxnID:      rec.TxnID,
		UserID:     userID,
		Delta:      rec.Delta,
		Balance:    rec.BalanceAfter,
		Actor:      rec.Actor,
		Source:     rec.Source,
		Reason:     rec.Reason,
		OccurredAt: time.UnixMilli(rec.ProcessedAt).UTC().Format(time.RFC3339Nano),
	}
}
