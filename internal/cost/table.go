package cost

import (
	"sync"
	"time"
)

// DefaultStaleAfter is how long a peer's cost_update stays usable.
// Shorter than capability staleness: a cost snapshot ages out faster
// than liveness does.
const DefaultStaleAfter = 60 * time.Second

type tableEntry struct {
	update     Update
	receivedAt time.Time
}

// Table tracks the latest cost_update per peer. Stale or missing
// entries read back as neutral 1.0 with low confidence, so routing
// never trusts old numbers and never blocks on missing ones.
type Table struct {
	mu         sync.RWMutex
	entries    map[string]tableEntry
	staleAfter time.Duration
}

// NewTable builds a table; staleAfter <= 0 uses the default.
func NewTable(staleAfter time.Duration) *Table {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Table{entries: make(map[string]tableEntry), staleAfter: staleAfter}
}

// Put records a peer's update.
func (t *Table) Put(u Update) {
	t.mu.Lock()
	t.entries[u.NodeID] = tableEntry{update: u, receivedAt: time.Now()}
	t.mu.Unlock()
}

// Get returns the cost to charge against nodeID right now.
func (t *Table) Get(nodeID string) (cost float64, lowConfidence bool) {
	t.mu.RLock()
	e, ok := t.entries[nodeID]
	t.mu.RUnlock()
	if !ok || time.Since(e.receivedAt) > t.staleAfter {
		return 1.0, true
	}
	return e.update.Cost, e.update.LowConfidence
}

// Latest returns the stored update, if fresh.
func (t *Table) Latest(nodeID string) (Update, bool) {
	t.mu.RLock()
	e, ok := t.entries[nodeID]
	t.mu.RUnlock()
	if !ok || time.Since(e.receivedAt) > t.staleAfter {
		return Update{}, false
	}
	return e.update, true
}

// Row is one table entry as surfaced to the API: the stored update
// plus when it arrived.
type Row struct {
	Update
	ReceivedAt time.Time `json:"received_at"`
}

// All returns every fresh update, unordered.
func (t *Table) All() []Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Row, 0, len(t.entries))
	for _, e := range t.entries {
		if time.Since(e.receivedAt) > t.staleAfter {
			continue
		}
		out = append(out, Row{Update: e.update, ReceivedAt: e.receivedAt})
	}
	return out
}

// Forget drops a peer, typically on node_leave.
func (t *Table) Forget(nodeID string) {
	t.mu.Lock()
	delete(t.entries, nodeID)
	t.mu.Unlock()
}

// Len counts tracked peers, fresh or not.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
