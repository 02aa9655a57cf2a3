package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

// Timing defaults: a remote capability without a heartbeat degrades
// after StaleAfter and disappears after EvictAfter. Local records are
// authoritative and never swept.
const (
	DefaultStaleAfter = 90 * time.Second
	DefaultEvictAfter = 300 * time.Second
	DefaultSweepEvery = 30 * time.Second
)

// Record is one registry entry.
type Record struct {
	capability.Capability
	Remote    bool      `json:"remote"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// EventOp tags registry change notifications.
type EventOp string

const (
	OpAdded     EventOp = "added"
	OpUpdated   EventOp = "updated"   // search text changed, re-embed
	OpRefreshed EventOp = "refreshed" // heartbeat only
	OpDegraded  EventOp = "degraded"
	OpRemoved   EventOp = "removed"
)

// Event is pushed to watchers on every change.
type Event struct {
	Op     EventOp
	Record Record
}

// Filter narrows List and Candidates.
type Filter struct {
	Type         capability.Type
	NodeID       string
	Status       capability.Status
	Tool         string
	TriggerEvent string
	Hint         glob.Glob // matched per capability.MatchesHint
}

// Registry is the in-memory capability table with secondary indices.
// Local capabilities are owned by this node; remote records arrive by
// gossip and age out without heartbeats.
type Registry struct {
	selfNode   string
	staleAfter time.Duration
	evictAfter time.Duration
	sweepEvery time.Duration
	logger     *slog.Logger

	mu        sync.RWMutex
	records   map[string]*Record
	byNode    map[string]map[string]struct{}
	byType    map[capability.Type]map[string]struct{}
	byTool    map[string]map[string]struct{}
	byTrigger map[string]map[string]struct{}
	byHint    map[string]map[string]struct{}

	watchMu  sync.RWMutex
	watchers map[int]func(Event)
	nextW    int
}

// Options tunes the sweep clock.
type Options struct {
	StaleAfter time.Duration
	EvictAfter time.Duration
	SweepEvery time.Duration
	Logger     *slog.Logger
}

// New builds an empty registry for selfNode.
func New(selfNode string, opts Options) *Registry {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.EvictAfter <= 0 {
		opts.EvictAfter = DefaultEvictAfter
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = DefaultSweepEvery
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		selfNode:   selfNode,
		staleAfter: opts.StaleAfter,
		evictAfter: opts.EvictAfter,
		sweepEvery: opts.SweepEvery,
		logger:     opts.Logger.With("component", "registry"),
		records:    make(map[string]*Record),
		byNode:     make(map[string]map[string]struct{}),
		byType:     make(map[capability.Type]map[string]struct{}),
		byTool:     make(map[string]map[string]struct{}),
		byTrigger:  make(map[string]map[string]struct{}),
		byHint:     make(map[string]map[string]struct{}),
	}
}

// Watch registers a change callback. The returned func unsubscribes.
func (r *Registry) Watch(fn func(Event)) func() {
	r.watchMu.Lock()
	if r.watchers == nil {
		r.watchers = make(map[int]func(Event))
	}
	id := r.nextW
	r.nextW++
	r.watchers[id] = fn
	r.watchMu.Unlock()
	return func() {
		r.watchMu.Lock()
		delete(r.watchers, id)
		r.watchMu.Unlock()
	}
}

func (r *Registry) emit(op EventOp, rec Record) {
	r.watchMu.RLock()
	fns := make([]func(Event), 0, len(r.watchers))
	for _, fn := range r.watchers {
		fns = append(fns, fn)
	}
	r.watchMu.RUnlock()
	for _, fn := range fns {
		fn(Event{Op: op, Record: rec})
	}
}

// RegisterLocal adds or replaces one of this node's own capabilities.
func (r *Registry) RegisterLocal(c *capability.Capability) error {
	c.NodeID = r.selfNode
	c.CapID = "" // rebuilt by Validate from node+label
	if err := c.Validate(); err != nil {
		return err
	}
	now := time.Now()
	c.UpdatedAt = now

	r.mu.Lock()
	prev, existed := r.records[c.CapID]
	rec := &Record{Capability: *c, Remote: false, LastSeen: now, FirstSeen: now}
	if existed {
		rec.FirstSeen = prev.FirstSeen
		r.unindexLocked(prev)
	}
	r.records[c.CapID] = rec
	r.indexLocked(rec)
	out := *rec
	r.mu.Unlock()

	op := OpAdded
	if existed {
		op = OpUpdated
	}
	r.emit(op, out)
	r.logger.Info("local capability registered", "cap", c.CapID, "type", c.Type)
	return nil
}

// RemoveLocal drops one of this node's capabilities.
func (r *Registry) RemoveLocal(capID string) error {
	r.mu.Lock()
	rec, ok := r.records[capID]
	if !ok || rec.Remote {
		r.mu.Unlock()
		return core.Errorf(core.CodeNotFound, "local capability %s not registered", capID)
	}
	r.unindexLocked(rec)
	delete(r.records, capID)
	out := *rec
	r.mu.Unlock()
	r.emit(OpRemoved, out)
	return nil
}

// UpsertRemote folds a capability_available or capability_heartbeat
// into the table. Register and heartbeat are the same operation, so
// a heartbeat for an unknown capability simply registers it. origin
// is the announcing node; claiming someone else's cap id is an owner
// conflict.
func (r *Registry) UpsertRemote(origin string, c capability.Capability) error {
	if origin == r.selfNode {
		return nil // own announcements echoing back
	}
	if c.NodeID != origin {
		return core.Errorf(core.CodeOwnerConflict, "node %s announced capability owned by %s", origin, c.NodeID).
			WithDetail("cap_id", c.CapID)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = capability.StatusOnline
	}
	now := time.Now()

	r.mu.Lock()
	prev, existed := r.records[c.CapID]
	if existed && !prev.Remote {
		r.mu.Unlock()
		return core.Errorf(core.CodeOwnerConflict, "remote announcement for local capability %s", c.CapID)
	}
	rec := &Record{Capability: c, Remote: true, LastSeen: now, FirstSeen: now}
	op := OpAdded
	if existed {
		rec.FirstSeen = prev.FirstSeen
		switch {
		case prev.SearchText() != c.SearchText():
			op = OpUpdated
		default:
			op = OpRefreshed
		}
		r.unindexLocked(prev)
	}
	r.records[c.CapID] = rec
	r.indexLocked(rec)
	out := *rec
	r.mu.Unlock()

	r.emit(op, out)
	return nil
}

// RemoveRemote handles capability_removed.
func (r *Registry) RemoveRemote(origin, capID string) error {
	owner, _, ok := capability.SplitCapID(capID)
	if !ok {
		return core.Errorf(core.CodeValidation, "malformed cap_id %q", capID)
	}
	if owner != origin {
		return core.Errorf(core.CodeOwnerConflict, "node %s removed capability owned by %s", origin, owner)
	}
	r.mu.Lock()
	rec, exists := r.records[capID]
	if !exists || !rec.Remote {
		r.mu.Unlock()
		return nil
	}
	r.unindexLocked(rec)
	delete(r.records, capID)
	out := *rec
	r.mu.Unlock()
	r.emit(OpRemoved, out)
	return nil
}

// RemoveNode drops every record from a departed node.
func (r *Registry) RemoveNode(nodeID string) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byNode[nodeID]))
	for id := range r.byNode[nodeID] {
		ids = append(ids, id)
	}
	removed := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec := r.records[id]
		if rec == nil || !rec.Remote {
			continue
		}
		r.unindexLocked(rec)
		delete(r.records, id)
		removed = append(removed, *rec)
	}
	r.mu.Unlock()
	for _, rec := range removed {
		r.emit(OpRemoved, rec)
	}
	return len(removed)
}

// Get returns a copy of the record.
func (r *Registry) Get(capID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[capID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns matching records sorted by cap id.
func (r *Registry) List(f Filter) []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.candidateSetLocked(f) {
		if r.matchesLocked(rec, f) {
			out = append(out, *rec)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CapID < out[j].CapID })
	return out
}

// Candidates returns routable records (online or degraded) matching f.
func (r *Registry) Candidates(f Filter) []Record {
	all := r.List(f)
	out := all[:0]
	for _, rec := range all {
		if rec.Status == capability.StatusOffline {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// candidateSetLocked picks the cheapest index for the filter and
// returns the records to scan.
func (r *Registry) candidateSetLocked(f Filter) []*Record {
	var ids map[string]struct{}
	switch {
	case f.Tool != "":
		ids = r.byTool[f.Tool]
	case f.TriggerEvent != "":
		ids = r.byTrigger[f.TriggerEvent]
	case f.Type != "":
		ids = r.byType[f.Type]
	case f.NodeID != "":
		ids = r.byNode[f.NodeID]
	default:
		out := make([]*Record, 0, len(r.records))
		for _, rec := range r.records {
			out = append(out, rec)
		}
		return out
	}
	out := make([]*Record, 0, len(ids))
	for id := range ids {
		if rec, ok := r.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func (r *Registry) matchesLocked(rec *Record, f Filter) bool {
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	if f.NodeID != "" && rec.NodeID != f.NodeID {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Tool != "" {
		if _, ok := rec.FindTool(f.Tool); !ok {
			return false
		}
	}
	if f.TriggerEvent != "" {
		found := false
		for _, t := range rec.Triggers {
			if t.Event == f.TriggerEvent {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Hint != nil && !rec.MatchesHint(f.Hint) {
		return false
	}
	return true
}

// Snapshot groups records per node for the topology endpoint.
func (r *Registry) Snapshot() map[string][]Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]Record, len(r.byNode))
	for node, ids := range r.byNode {
		recs := make([]Record, 0, len(ids))
		for id := range ids {
			if rec, ok := r.records[id]; ok {
				recs = append(recs, *rec)
			}
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].CapID < recs[j].CapID })
		out[node] = recs
	}
	return out
}

// Len counts all records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// NodeCount counts nodes with at least one record.
func (r *Registry) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byNode)
}

// Sweep degrades remote records past staleAfter and evicts those past
// evictAfter. Returns how many it touched.
func (r *Registry) Sweep(now time.Time) (degraded, evicted int) {
	r.mu.Lock()
	var degradedRecs, evictedRecs []Record
	for id, rec := range r.records {
		if !rec.Remote {
			continue
		}
		age := now.Sub(rec.LastSeen)
		switch {
		case age > r.evictAfter:
			r.unindexLocked(rec)
			delete(r.records, id)
			evictedRecs = append(evictedRecs, *rec)
		case age > r.staleAfter && rec.Status == capability.StatusOnline:
			rec.Status = capability.StatusDegraded
			degradedRecs = append(degradedRecs, *rec)
		}
	}
	r.mu.Unlock()

	for _, rec := range degradedRecs {
		r.emit(OpDegraded, rec)
	}
	for _, rec := range evictedRecs {
		r.emit(OpRemoved, rec)
	}
	if len(degradedRecs)+len(evictedRecs) > 0 {
		r.logger.Debug("sweep", "degraded", len(degradedRecs), "evicted", len(evictedRecs))
	}
	return len(degradedRecs), len(evictedRecs)
}

// Run drives the sweep ticker until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(time.Now())
		}
	}
}

func (r *Registry) indexLocked(rec *Record) {
	addTo := func(m map[string]map[string]struct{}, key string) {
		set, ok := m[key]
		if !ok {
			set = make(map[string]struct{})
			m[key] = set
		}
		set[rec.CapID] = struct{}{}
	}
	addTo(r.byNode, rec.NodeID)
	set, ok := r.byType[rec.Type]
	if !ok {
		set = make(map[string]struct{})
		r.byType[rec.Type] = set
	}
	set[rec.CapID] = struct{}{}
	for _, t := range rec.Tools {
		addTo(r.byTool, t.Name)
	}
	for _, t := range rec.Triggers {
		addTo(r.byTrigger, t.Event)
	}
	for _, h := range rec.RouteHints {
		addTo(r.byHint, h)
	}
}

func (r *Registry) unindexLocked(rec *Record) {
	removeFrom := func(m map[string]map[string]struct{}, key string) {
		if set, ok := m[key]; ok {
			delete(set, rec.CapID)
			if len(set) == 0 {
				delete(m, key)
			}
		}
	}
	removeFrom(r.byNode, rec.NodeID)
	if set, ok := r.byType[rec.Type]; ok {
		delete(set, rec.CapID)
		if len(set) == 0 {
			delete(r.byType, rec.Type)
		}
	}
	for _, t := range rec.Tools {
		removeFrom(r.byTool, t.Name)
	}
	for _, t := range rec.Triggers {
		removeFrom(r.byTrigger, t.Event)
	}
	for _, h := range rec.RouteHints {
		removeFrom(r.byHint, h)
	}
}
