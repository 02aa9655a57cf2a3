package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// Peer is one live session the engine can fan out to. The transport
// layer implements it; sends must not block the caller indefinitely.
type Peer interface {
	PeerID() string
	SendGossip(data []byte) error
}

// Handler receives announcements delivered locally.
type Handler func(ann *Announcement)

type subscriberEntry struct {
	id int
	fn Handler
}

// Stats are engine counters, updated atomically and safe to read from
// any goroutine.
type Stats struct {
	Published    atomic.Uint64
	Received     atomic.Uint64
	Forwarded    atomic.Uint64
	Deduped      atomic.Uint64
	DroppedSkew  atomic.Uint64
	DroppedStale atomic.Uint64
	DroppedMesh  atomic.Uint64
}

// StatsSnapshot is a plain copy for status endpoints.
type StatsSnapshot struct {
	Published    uint64 `json:"published"`
	Received     uint64 `json:"received"`
	Forwarded    uint64 `json:"forwarded"`
	Deduped      uint64 `json:"deduped"`
	DroppedSkew  uint64 `json:"dropped_skew"`
	DroppedStale uint64 `json:"dropped_stale"`
	DroppedMesh  uint64 `json:"dropped_mesh"`
}

// Options tunes the engine.
type Options struct {
	TTL             int           // default and max hop budget, clamped to MaxTTL
	DedupEntries    int           // nonce LRU size, default 10000
	MaxSkew         time.Duration // default 5m
	HeartbeatEvery  time.Duration // default 30s
	OnHeartbeatTick func()        // node re-announces caps + cost here
	Logger          *slog.Logger
}

type tsKey struct {
	node string
	kind Kind
}

// Engine floods announcements through live peer sessions: nonce dedup
// in a bounded LRU, clock-skew and per-(node,kind) staleness drops,
// single forward with ttl-1 to everyone except the arrival peer.
type Engine struct {
	nodeID string
	opts   Options
	logger *slog.Logger

	meshMu sync.RWMutex
	meshID string

	seen *lru.Cache[string, struct{}]

	tsMu   sync.Mutex
	lastTS map[tsKey]float64

	peerMu sync.RWMutex
	peers  map[string]Peer

	subMu  sync.RWMutex
	subs   map[Kind][]subscriberEntry
	allSub []subscriberEntry
	nextID int

	stats Stats
}

// NewEngine builds an engine for nodeID. The mesh id is set later,
// when the node creates or joins a mesh.
func NewEngine(nodeID string, opts Options) (*Engine, error) {
	if opts.TTL <= 0 || opts.TTL > MaxTTL {
		opts.TTL = MaxTTL
	}
	if opts.DedupEntries <= 0 {
		opts.DedupEntries = 10000
	}
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = 5 * time.Minute
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	seen, err := lru.New[string, struct{}](opts.DedupEntries)
	if err != nil {
		return nil, fmt.Errorf("nonce cache: %w", err)
	}
	return &Engine{
		nodeID: nodeID,
		opts:   opts,
		logger: opts.Logger.With("component", "gossip"),
		seen:   seen,
		lastTS: make(map[tsKey]float64),
		peers:  make(map[string]Peer),
		subs:   make(map[Kind][]subscriberEntry),
	}, nil
}

// SetMeshID scopes the engine to a mesh. Announcements for any other
// mesh are dropped.
func (e *Engine) SetMeshID(id string) {
	e.meshMu.Lock()
	e.meshID = id
	e.meshMu.Unlock()
}

// MeshID returns the current mesh scope.
func (e *Engine) MeshID() string {
	e.meshMu.RLock()
	defer e.meshMu.RUnlock()
	return e.meshID
}

// AttachPeer adds a live session to the fan-out set.
func (e *Engine) AttachPeer(p Peer) {
	e.peerMu.Lock()
	e.peers[p.PeerID()] = p
	e.peerMu.Unlock()
	e.logger.Debug("peer attached", "peer", p.PeerID())
}

// DetachPeer removes a session, typically on disconnect.
func (e *Engine) DetachPeer(peerID string) {
	e.peerMu.Lock()
	delete(e.peers, peerID)
	e.peerMu.Unlock()
	e.logger.Debug("peer detached", "peer", peerID)
}

// PeerCount reports the live fan-out width.
func (e *Engine) PeerCount() int {
	e.peerMu.RLock()
	defer e.peerMu.RUnlock()
	return len(e.peers)
}

// Subscribe registers fn for one announcement kind. The returned
// func unsubscribes.
func (e *Engine) Subscribe(kind Kind, fn Handler) func() {
	e.subMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[kind] = append(e.subs[kind], subscriberEntry{id: id, fn: fn})
	e.subMu.Unlock()

	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		list := e.subs[kind]
		for i, s := range list {
			if s.id == id {
				e.subs[kind] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every kind, used by the event stream.
func (e *Engine) SubscribeAll(fn Handler) func() {
	e.subMu.Lock()
	id := e.nextID
	e.nextID++
	e.allSub = append(e.allSub, subscriberEntry{id: id, fn: fn})
	e.subMu.Unlock()

	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		for i, s := range e.allSub {
			if s.id == id {
				e.allSub = append(e.allSub[:i], e.allSub[i+1:]...)
				break
			}
		}
	}
}

// Publish wraps payload in a fresh envelope, delivers it locally, and
// fans it out to every live peer.
func (e *Engine) Publish(kind Kind, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	ann := &Announcement{
		Kind:     kind,
		FromNode: e.nodeID,
		MeshID:   e.MeshID(),
		Nonce:    NewNonce(),
		TS:       NowTS(),
		TTL:      e.opts.TTL,
		Payload:  body,
	}
	// own nonce goes into the dedup cache so echoes die on arrival
	e.seen.Add(ann.Nonce, struct{}{})
	e.stats.Published.Add(1)
	e.deliver(ann)
	raw, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	e.fanOut(raw, "")
	return nil
}

// Handle processes one raw announcement arriving from fromPeerID.
// Drops are silent to the sender; the stats counters tell the story.
func (e *Engine) Handle(raw []byte, fromPeerID string) error {
	e.stats.Received.Add(1)

	var ann Announcement
	if err := json.Unmarshal(raw, &ann); err != nil {
		return fmt.Errorf("undecodable announcement from %s: %w", fromPeerID, err)
	}
	if mesh := e.MeshID(); mesh != "" && ann.MeshID != mesh {
		e.stats.DroppedMesh.Add(1)
		return nil
	}
	if ann.FromNode == e.nodeID {
		e.stats.Deduped.Add(1)
		return nil
	}
	if ok, _ := e.seen.ContainsOrAdd(ann.Nonce, struct{}{}); ok {
		e.stats.Deduped.Add(1)
		return nil
	}
	if skew := time.Since(ann.Time()); skew > e.opts.MaxSkew || skew < -e.opts.MaxSkew {
		e.stats.DroppedSkew.Add(1)
		e.logger.Debug("announcement outside skew window", "kind", ann.Kind, "from", ann.FromNode, "skew", skew)
		return nil
	}
	if e.staleForOrigin(&ann) {
		e.stats.DroppedStale.Add(1)
		return nil
	}
	if ann.TTL > MaxTTL {
		ann.TTL = MaxTTL
	}

	e.deliver(&ann)

	if ann.TTL > 1 {
		fwd := ann
		fwd.TTL = ann.TTL - 1
		out, err := json.Marshal(fwd)
		if err != nil {
			return fmt.Errorf("re-encode announcement: %w", err)
		}
		e.fanOut(out, fromPeerID)
	}
	return nil
}

// staleForOrigin records the newest timestamp per (origin, kind) and
// rejects anything older, so delayed duplicates cannot roll state
// back.
func (e *Engine) staleForOrigin(ann *Announcement) bool {
	key := tsKey{node: ann.FromNode, kind: ann.Kind}
	e.tsMu.Lock()
	defer e.tsMu.Unlock()
	if last, ok := e.lastTS[key]; ok && ann.TS < last {
		return true
	}
	e.lastTS[key] = ann.TS
	return false
}

func (e *Engine) deliver(ann *Announcement) {
	if !ann.Kind.Valid() {
		// forwardable but not deliverable: minted by a newer version
		e.logger.Debug("unknown announcement kind", "kind", ann.Kind, "from", ann.FromNode)
		return
	}
	e.subMu.RLock()
	handlers := make([]Handler, 0, len(e.subs[ann.Kind])+len(e.allSub))
	for _, s := range e.subs[ann.Kind] {
		handlers = append(handlers, s.fn)
	}
	for _, s := range e.allSub {
		handlers = append(handlers, s.fn)
	}
	e.subMu.RUnlock()

	for _, fn := range handlers {
		fn(ann)
	}
}

// fanOut sends raw to every live peer except the one it came from.
// Sends run concurrently; one slow peer cannot stall the others.
func (e *Engine) fanOut(raw []byte, exceptPeerID string) {
	e.peerMu.RLock()
	targets := make([]Peer, 0, len(e.peers))
	for id, p := range e.peers {
		if id == exceptPeerID {
			continue
		}
		targets = append(targets, p)
	}
	e.peerMu.RUnlock()

	if len(targets) == 0 {
		return
	}
	var g errgroup.Group
	for _, p := range targets {
		g.Go(func() error {
			if err := p.SendGossip(raw); err != nil {
				e.logger.Debug("gossip send failed", "peer", p.PeerID(), "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	e.stats.Forwarded.Add(1)
}

// Run drives the heartbeat cadence until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.opts.OnHeartbeatTick != nil {
				e.opts.OnHeartbeatTick()
			}
		}
	}
}

// Snapshot copies the counters.
func (e *Engine) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Published:    e.stats.Published.Load(),
		Received:     e.stats.Received.Load(),
		Forwarded:    e.stats.Forwarded.Load(),
		Deduped:      e.stats.Deduped.Load(),
		DroppedSkew:  e.stats.DroppedSkew.Load(),
		DroppedStale: e.stats.DroppedStale.Load(),
		DroppedMesh:  e.stats.DroppedMesh.Load(),
	}
}

// ForgetOrigin clears staleness tracking for a departed node so a
// rejoin with a reset clock is not refused.
func (e *Engine) ForgetOrigin(nodeID string) {
	e.tsMu.Lock()
	for k := range e.lastTS {
		if k.node == nodeID {
			delete(e.lastTS, k)
		}
	}
	e.tsMu.Unlock()
}
