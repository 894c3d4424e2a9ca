// Package bus implements the persistent, idempotent event log: envelopes are
// appended exactly once per (device_id, message_id), assigned a strictly
// monotonic sequence number, and may be replayed from any cursor.
package bus

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"microclaw/host/internal/protocol"
)

// Row is a single persisted bus entry.
type Row struct {
	ID        uint64          `json:"id"`
	Seq       uint64          `json:"seq"`
	DeviceID  string          `json:"device_id"`
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id"`
	Payload   json.RawMessage `json:"payload"`
}

type rowKey struct {
	deviceID  string
	messageID string
}

// Store persists rows durably. Bus itself holds the in-memory index;
// Store implementations decide how rows reach disk.
type Store interface {
	// Append persists a single row, called with the bus's lock held.
	Append(row Row) error
	// Load returns every previously persisted row, in any order; Bus
	// recomputes last_seq and the in-memory index from it.
	Load() ([]Row, error)
}

// Bus is the append-only, idempotent, seq-ordered event log described in
// §4.4. All operations are safe for concurrent use.
type Bus struct {
	mu      sync.Mutex
	store   Store
	rows    []Row
	index   map[rowKey]int
	lastSeq uint64
	nextID  uint64
}

// Open constructs a Bus backed by the given Store, replaying any existing
// rows and recomputing last_seq = max(seq) or 0, per §4.4's `open` contract.
func Open(store Store) (*Bus, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	b := &Bus{
		store: store,
		index: make(map[rowKey]int),
	}
	rows, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("bus: load: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Seq != rows[j].Seq {
			return rows[i].Seq < rows[j].Seq
		}
		return rows[i].ID < rows[j].ID
	})
	for _, row := range rows {
		b.rows = append(b.rows, row)
		b.index[rowKey{row.DeviceID, row.MessageID}] = len(b.rows) - 1
		if row.Seq > b.lastSeq {
			b.lastSeq = row.Seq
		}
		if row.ID >= b.nextID {
			b.nextID = row.ID + 1
		}
	}
	return b, nil
}

// Publish inserts env if its (device_id, message_id) pair has not been seen
// before. If env.Seq does not strictly advance the log, it is rewritten to
// last_seq+1 before insertion. Returns true iff a new row was inserted.
func (b *Bus) Publish(env protocol.Envelope, payload json.RawMessage) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := rowKey{env.DeviceID, env.MessageID}
	if _, exists := b.index[key]; exists {
		return false, nil
	}

	seq := env.Seq
	if seq <= b.lastSeq {
		seq = b.lastSeq + 1
	}
	if seq > b.lastSeq {
		b.lastSeq = seq
	}

	row := Row{
		ID:        b.nextID,
		Seq:       seq,
		DeviceID:  env.DeviceID,
		SessionID: env.SessionID,
		MessageID: env.MessageID,
		Payload:   payload,
	}
	if err := b.store.Append(row); err != nil {
		return false, fmt.Errorf("bus: append: %w", err)
	}
	b.nextID++
	b.rows = append(b.rows, row)
	b.index[key] = len(b.rows) - 1
	return true, nil
}

// ReplayFromSeq returns every row with seq strictly greater than after,
// ordered by (seq asc, id asc).
func (b *Bus) ReplayFromSeq(after uint64) []Row {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Row, 0)
	for _, row := range b.rows {
		if row.Seq > after {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LastSeq returns the highest sequence number persisted so far.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq
}

// RowCount returns the number of rows currently persisted.
func (b *Bus) RowCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}
