package auditsink

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/coin-bridge/internal/obslog"
	"github.com/park285/coin-bridge/pkg/walletdto"
)

const (
	feedSnapshotSize = 20
	feedBuffer       = 32
	feedWriteTimeout = 5 * time.Second
)

// Feed streams accepted audit rows to websocket subscribers: a snapshot of
// the latest rows on connect, then one update per row. A slow consumer never
// stalls the broadcast: rows sent while its buffer is full are skipped for
// that subscriber, and its connection stays open.
type Feed struct {
	store Store

	mu   sync.Mutex
	subs map[chan walletdto.AuditRow]struct{}
}

func NewFeed(store Store) *Feed {
	return &Feed{store: store, subs: make(map[chan walletdto.AuditRow]struct{})}
}

// Broadcast fans row out to all subscribers without blocking.
func (f *Feed) Broadcast(row walletdto.AuditRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- row:
		default:
			// Buffer full: this subscriber misses the row.
		}
	}
}

func (f *Feed) subscribe() chan walletdto.AuditRow {
	ch := make(chan walletdto.AuditRow, feedBuffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *Feed) unsubscribe(ch chan walletdto.AuditRow) {
	f.mu.Lock()
	delete(f.subs, ch)
	f.mu.Unlock()
}

// Serve upgrades the request and streams the feed until the peer leaves.
func (f *Feed) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		obslog.L().Debug("feed_accept_failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()

	rows, err := f.store.Recent(ctx, "", feedSnapshotSize)
	if err != nil {
		obslog.L().Warn("feed_snapshot_failed", zap.Error(err))
		return
	}
	snapshot := walletdto.FeedMessage{Type: "snapshot", Rows: make([]walletdto.AuditRow, 0, len(rows))}
	for _, row := range rows {
		snapshot.Rows = append(snapshot.Rows, row.toDTO())
	}
	if err := writeWithTimeout(ctx, conn, snapshot); err != nil {
		return
	}

	ch := f.subscribe()
	defer f.unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case row := <-ch:
			msg := walletdto.FeedMessage{Type: "update", Row: &row}
			if err := writeWithTimeout(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

func writeWithTimeout(ctx context.Context, conn *websocket.Conn, v any) error {
	wctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, v)
}
