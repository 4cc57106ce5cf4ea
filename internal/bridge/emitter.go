package bridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/park285/coin-bridge/internal/metrics"
	"github.com/park285/coin-bridge/internal/obslog"
	"github.com/park285/coin-bridge/internal/transport"
	"github.com/park285/coin-bridge/pkg/walletdto"
)

// Emit broadcasts an economy.update on the user's events topic. The state is
// already durable when this runs, so a publish failure is logged and counted
// but never fails the mutation.
func (d *Dispatcher) Emit(ctx context.Context, payload walletdto.UpdatePayload) {
	env := walletdto.UpdateEnvelope{Type: walletdto.TypeUpdate, Payload: payload}
	if err := d.bus.Publish(ctx, transport.TopicEvents(payload.UserID), env); err != nil {
		metrics.BroadcastFailures.Inc()
		obslog.L().Warn("broadcast_failed",
			zap.String("user_id", payload.UserID),
			zap.String("txn_id", payload.TxnID),
			zap.Error(err))
	}
}
