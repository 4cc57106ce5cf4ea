package auditsink

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// memstore is a development and test implementation used when no database is
// configured. It mirrors the transactional semantics of PgStore.
type memstore struct {
	mu sync.RWMutex

	deliveries map[string]string // idempotency key -> payload hash
	rows       map[string]Row    // txn id -> row
	order      []string          // txn ids, insertion order
}

func NewMemoryStore() Store {
	return &memstore{
		deliveries: make(map[string]string),
		rows:       make(map[string]Row),
	}
}

func (m *memstore) Ingest(ctx context.Context, key, payloadHash string, row Row) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.deliveries[key]; ok {
		if existing != payloadHash {
			return false, ErrKeyConflict
		}
		return true, nil
	}
	m.deliveries[key] = payloadHash

	if _, exists := m.rows[row.TxnID]; !exists {
		m.rows[row.TxnID] = row
		m.order = append(m.order, row.TxnID)
	}
	return false, nil
}

func (m *memstore) Recent(ctx context.Context, userID string, limit int) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	userID = strings.TrimSpace(userID)
	out := make([]Row, 0, limit)
	for _, id := range m.order {
		r := m.rows[id]
		if userID != "" && r.UserID != userID {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memstore) Close() error { return nil }
