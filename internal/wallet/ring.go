package wallet

// Ring is a bounded FIFO map of recently processed transaction records.
// It dedupes replays that arrive within its capacity window. Not safe for
// concurrent use; the session owner serializes access per user.
type Ring struct {
	capacity int
	slots    []*Record
	cursor   int
	index    map[string]int // txnId -> slot
}

// NewRing creates a ring of the given capacity, optionally seeded with
// records ordered oldest first (as loaded from a persisted profile).
func NewRing(capacity int, seed []Record) (*Ring, error) {
	if capacity <= 0 {
		return nil, errf("ring capacity must be positive")
	}
	r := &Ring{
		capacity: capacity,
		slots:    make([]*Record, capacity),
		index:    make(map[string]int, capacity),
	}
	for i := range seed {
		r.Record(seed[i])
	}
	return r, nil
}

// Record inserts rec unless its txnId is already present. The returned record
// is the stored one: on a replay it is the original, and inserted is false.
func (r *Ring) Record(rec Record) (Record, bool) {
	if slot, ok := r.index[rec.TxnID]; ok {
		return *r.slots[slot], false
	}
	if old := r.slots[r.cursor]; old != nil {
		delete(r.index, old.TxnID)
	}
	stored := rec
	r.slots[r.cursor] = &stored
	r.index[rec.TxnID] = r.cursor
	r.cursor = (r.cursor + 1) % r.capacity
	return stored, true
}

// Get returns the record for txnId if it is still within the window.
func (r *Ring) Get(txnID string) (Record, bool) {
	slot, ok := r.index[txnID]
	if !ok {
		return Record{}, false
	}
	return *r.slots[slot], true
}

// Len returns the number of occupied slots.
func (r *Ring) Len() int { return len(r.index) }

// Newest returns the occupied slots in reverse insertion order.
func (r *Ring) Newest() []Record {
	out := make([]Record, 0, len(r.index))
	for i := 0; i < r.capacity; i++ {
		slot := ((r.cursor-1-i)%r.capacity + r.capacity) % r.capacity
		if rec := r.slots[slot]; rec != nil {
			out = append(out, *rec)
		}
	}
	return out
}

// Snapshot returns the occupied slots oldest first, the order persisted in
// Profile.Processed.
func (r *Ring) Snapshot() []Record {
	newest := r.Newest()
	out := make([]Record, len(newest))
	for i := range newest {
		out[len(newest)-1-i] = newest[i]
	}
	return out
}
