package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/park285/coin-bridge/internal/obslog"
)

// RunWatchdog periodically republishes the latest known state for users
// resident on this node. Broadcasts are best-effort, so a missed update is
// healed on the next cadence. interval <= 0 disables the watchdog.
func (d *Dispatcher) RunWatchdog(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, userID := range d.registry.ResidentUsers() {
				profile, _, err := d.store.ReadProfile(ctx, userID)
				if err != nil || profile == nil || len(profile.Processed) == 0 {
					if err != nil {
						obslog.L().Warn("watchdog_read_failed", zap.String("user_id", userID), zap.Error(err))
					}
					continue
				}
				latest := profile.Processed[len(profile.Processed)-1]
				d.Emit(ctx, updatePayload(userID, latest))
			}
		}
	}
}
