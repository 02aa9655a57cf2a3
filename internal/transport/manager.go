package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/atmosphere-mesh/atmosphere/internal/approval"
	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/config"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/gossip"
	"github.com/atmosphere-mesh/atmosphere/internal/identity"
	"github.com/atmosphere-mesh/atmosphere/internal/metrics"
	"github.com/atmosphere-mesh/atmosphere/internal/registry"
)

const (
	defaultCancelGrace = 5 * time.Second
	defaultMaxServing  = 64
	maintainEvery      = 15 * time.Second
	maxServeDeadline   = 120 * time.Second
)

// Deps wires the manager into the rest of the node.
type Deps struct {
	Identity  *identity.Identity
	SelfInfo  func() core.NodeInfo // re-evaluated per handshake; endpoints move
	Mesh      core.MeshInfo
	Engine    *gossip.Engine
	Dispatch  *executor.Dispatcher
	Gate      *approval.Gate
	Registry  *registry.Registry
	LocalCaps func() []capability.Capability // proposed in hellos
	OnBattery func() bool
	IsRevoked func(tokenID string) bool
	OnRoster  func(node core.NodeInfo, connected bool)
	Logger    *slog.Logger
}

// Manager owns every peer session of one mesh: dialing, accepting,
// liveness, invoke plumbing and gossip fanout attachment.
type Manager struct {
	id         *identity.Identity
	selfID     string
	meshID     string
	meshName   string
	meshAt     time.Time
	cfg        config.TransportConfig
	engine     *gossip.Engine
	dispatch   *executor.Dispatcher
	gate       *approval.Gate
	reg        *registry.Registry
	localCapsF func() []capability.Capability
	onBattery  func() bool
	isRevokeFn func(string) bool
	onRoster   func(core.NodeInfo, bool)
	selfInfoFn func() core.NodeInfo
	met        *metrics.Metrics
	logger     *slog.Logger

	mu          sync.RWMutex
	sessions    map[string]*Session      // established, by peer node id
	handshaking map[string]*Session      // in flight, by peer node id
	dialing     map[string]struct{}      // outbound dials in flight
	roster      map[string]core.NodeInfo // every peer we know how to redial
	joinToken   string

	relayMu sync.Mutex
	relay   *RelayLink

	pending sync.Map // invoke id -> *pendingInvoke
	serving sync.Map // invoke id -> context.CancelFunc
	sem     *semaphore.Weighted

	cancelGrace time.Duration
}

type pendingInvoke struct {
	node string
	ch   chan ResultPayload
}

var _ executor.RemoteInvoker = (*Manager)(nil)

// New builds a manager for one mesh.
func New(cfg config.TransportConfig, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		id:          deps.Identity,
		selfID:      deps.Identity.NodeID(),
		meshID:      deps.Mesh.MeshID,
		meshName:    deps.Mesh.MeshName,
		meshAt:      deps.Mesh.CreatedAt,
		cfg:         cfg,
		engine:      deps.Engine,
		dispatch:    deps.Dispatch,
		gate:        deps.Gate,
		reg:         deps.Registry,
		localCapsF:  deps.LocalCaps,
		onBattery:   deps.OnBattery,
		isRevokeFn:  deps.IsRevoked,
		onRoster:    deps.OnRoster,
		selfInfoFn:  deps.SelfInfo,
		met:         metrics.Default(),
		logger:      logger.With("component", "transport"),
		sessions:    make(map[string]*Session),
		handshaking: make(map[string]*Session),
		dialing:     make(map[string]struct{}),
		roster:      make(map[string]core.NodeInfo),
		sem:         semaphore.NewWeighted(defaultMaxServing),
		cancelGrace: defaultCancelGrace,
	}
}

func (m *Manager) selfInfo() core.NodeInfo { return m.selfInfoFn() }

func (m *Manager) localCaps() []capability.Capability {
	if m.localCapsF == nil {
		return nil
	}
	return m.localCapsF()
}

// foldProposedCaps seeds the registry from a signed hello.
func (m *Manager) foldProposedCaps(origin string, caps []capability.Capability) {
	for _, c := range caps {
		if err := m.reg.UpsertRemote(origin, c); err != nil {
			m.logger.Debug("proposed capability rejected", "origin", origin, "cap", c.CapID, "error", err)
		}
	}
}

func (m *Manager) meshInfo() core.MeshInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return core.MeshInfo{MeshID: m.meshID, MeshName: m.meshName, CreatedAt: m.meshAt}
}

// adoptMeshInfo fills in mesh metadata a joiner only learns from its
// first welcome. The mesh id itself never changes.
func (m *Manager) adoptMeshInfo(mesh core.MeshInfo) {
	if mesh.MeshID != m.meshID {
		return
	}
	m.mu.Lock()
	if m.meshName == "" {
		m.meshName = mesh.MeshName
	}
	if m.meshAt.IsZero() {
		m.meshAt = mesh.CreatedAt
	}
	m.mu.Unlock()
}

// MeshInfo reports the mesh this manager serves.
func (m *Manager) MeshInfo() core.MeshInfo { return m.meshInfo() }

func (m *Manager) requireTokenAuth() bool {
	return m.gate.Config().RequireTokenAuth
}

func (m *Manager) isRevoked(tokenID string) bool {
	return m.isRevokeFn != nil && m.isRevokeFn(tokenID)
}

func (m *Manager) knownPeer(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.roster[nodeID]
	return ok
}

// SetJoinToken remembers the token used to enter this mesh, so redials
// to roster peers can present it again.
func (m *Manager) SetJoinToken(tok string) {
	m.mu.Lock()
	m.joinToken = tok
	m.mu.Unlock()
}

func (m *Manager) getJoinToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.joinToken
}

// Session returns the established session to a peer, or nil.
func (m *Manager) Session(nodeID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[nodeID]
}

// SameLAN reports whether the peer is on a local path right now.
func (m *Manager) SameLAN(nodeID string) bool {
	s := m.Session(nodeID)
	return s != nil && s.Via() == core.EndpointLocal
}

// RTT reports the peer's smoothed round-trip time.
func (m *Manager) RTT(nodeID string) (time.Duration, bool) {
	s := m.Session(nodeID)
	if s == nil {
		return 0, false
	}
	return s.RTT()
}

// RosterNodes lists every known peer plus this node, for welcomes.
func (m *Manager) RosterNodes() []core.NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.NodeInfo, 0, len(m.roster)+1)
	out = append(out, m.selfInfo())
	for _, n := range m.roster {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// PeerStatus is one live session's view for the API surface.
type PeerStatus struct {
	SessionID     string            `json:"session_id"`
	Node          core.NodeInfo     `json:"node"`
	Via           core.EndpointKind `json:"via"`
	RTTMS         float64           `json:"rtt_ms,omitempty"`
	Encrypted     bool              `json:"encrypted"`
	State         string            `json:"state"`
	LastHeartbeat time.Time         `json:"last_heartbeat,omitempty"`
}

// Peers reports every established session.
func (m *Manager) Peers() []PeerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerStatus, 0, len(m.sessions))
	for _, s := range m.sessions {
		ps := PeerStatus{
			SessionID:     s.ID,
			Node:          s.Peer(),
			Via:           s.Via(),
			Encrypted:     s.Encrypted(),
			State:         s.State().String(),
			LastHeartbeat: s.LastHeartbeat(),
		}
		if rtt, ok := s.RTT(); ok {
			ps.RTTMS = float64(rtt.Microseconds()) / 1000.0
		}
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node.NodeID < out[j].Node.NodeID })
	return out
}

// SessionCount returns the number of established sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// resolveDuplicate decides whether an inbound hello from peer may
// proceed. A fresh hello replaces an established session, since the
// peer would not redial unless its side was dead. Simultaneous
// handshakes tie-break on node id: the dial from the smaller id wins.
func (m *Manager) resolveDuplicate(peer string, incoming *Session) bool {
	m.mu.Lock()
	established := m.sessions[peer]
	inflight := m.handshaking[peer]
	if established != nil {
		delete(m.sessions, peer)
	}
	accept := true
	if inflight != nil && inflight != incoming {
		if m.selfID < peer {
			accept = false // our outbound dial wins
		} else {
			delete(m.handshaking, peer)
		}
	}
	if accept {
		m.handshaking[peer] = incoming
	}
	m.mu.Unlock()

	if established != nil {
		established.close("replaced by fresh handshake")
	}
	if inflight != nil && inflight != incoming && accept {
		inflight.close("lost handshake tie-break")
	}
	return accept
}

// attach promotes an established session into the live set.
func (m *Manager) attach(s *Session) {
	peer := s.Peer()

	m.mu.Lock()
	delete(m.handshaking, peer.NodeID)
	old := m.sessions[peer.NodeID]
	m.sessions[peer.NodeID] = s
	m.roster[peer.NodeID] = peer
	m.mu.Unlock()

	if old != nil && old != s {
		old.close("superseded")
	}

	m.engine.AttachPeer(s)
	m.met.SessionsActive.Inc()

	every := time.Duration(m.cfg.HeartbeatSeconds) * time.Second
	if every <= 0 {
		every = 10 * time.Second
	}
	dead := m.cfg.DeadAfterMissed
	if dead <= 0 {
		dead = 3
	}
	go s.runPinger(every, dead)

	m.logger.Info("peer session established",
		"peer", peer.NodeID, "name", peer.DisplayName, "via", s.Via(), "encrypted", s.Encrypted())
	if m.onRoster != nil {
		m.onRoster(peer, true)
	}
}

// detach removes a dead session and fails its in-flight invokes.
func (m *Manager) detach(s *Session, reason string) {
	peer := s.Peer()
	if peer.NodeID == "" {
		return // died before the handshake named it
	}

	m.mu.Lock()
	live := m.sessions[peer.NodeID] == s
	if live {
		delete(m.sessions, peer.NodeID)
	}
	if m.handshaking[peer.NodeID] == s {
		delete(m.handshaking, peer.NodeID)
	}
	m.mu.Unlock()

	if !live {
		return
	}

	m.engine.DetachPeer(peer.NodeID)
	m.met.SessionsActive.Dec()
	m.met.DropSessionRTT(peer.NodeID)

	// anything still waiting on this peer is never going to answer
	m.pending.Range(func(key, val any) bool {
		p := val.(*pendingInvoke)
		if p.node != peer.NodeID {
			return true
		}
		errPayload := ResultPayload{Done: true, Error: core.Errorf(core.CodeTransportFailure, "session to %s closed: %s", peer.NodeID, reason)}
		select {
		case p.ch <- errPayload:
		default:
		}
		return true
	})

	m.logger.Info("peer session closed", "peer", peer.NodeID, "reason", reason)
	if m.onRoster != nil {
		m.onRoster(peer, false)
	}
}

// ForgetPeer drops a departed node from the redial roster.
func (m *Manager) ForgetPeer(nodeID string) {
	m.mu.Lock()
	delete(m.roster, nodeID)
	s := m.sessions[nodeID]
	m.mu.Unlock()
	if s != nil {
		s.close("peer left the mesh")
	}
}

// onGossip feeds a peer's announcement into the engine.
func (m *Manager) onGossip(s *Session, payload json.RawMessage) {
	if err := m.engine.Handle(payload, s.Peer().NodeID); err != nil {
		m.logger.Debug("gossip frame rejected", "peer", s.Peer().NodeID, "error", err)
	}
}

// onInvoke serves a peer's invocation without stalling the read pump.
func (m *Manager) onInvoke(s *Session, f *Frame) {
	if !m.sem.TryAcquire(1) {
		_ = s.sendPayload(FrameResult, f.ID, ResultPayload{
			Done:  true,
			Error: core.Errorf(core.CodeUnavailable, "node is at its concurrent invoke limit"),
		})
		return
	}
	go func() {
		defer m.sem.Release(1)
		m.serveInvoke(s, f)
	}()
}

func (m *Manager) serveInvoke(s *Session, f *Frame) {
	var inv InvokePayload
	if err := f.DecodePayload(&inv); err != nil {
		m.finishInvoke(s, f.ID, nil, err)
		return
	}

	rec, ok := m.reg.Get(inv.CapID)
	if !ok || rec.NodeID != m.selfID || !m.dispatch.Has(inv.CapID) {
		m.finishInvoke(s, f.ID, nil, core.Errorf(core.CodeNotFound, "capability %s is not served here", inv.CapID))
		return
	}

	decision := m.gate.CheckRemoteInvoke(approval.Request{
		FromNode:     s.Peer().NodeID,
		Cap:          rec.Capability,
		OnBattery:    m.onBattery != nil && m.onBattery(),
		HasTokenAuth: s.TokenVerified(),
	})
	if !decision.Allowed {
		m.finishInvoke(s, f.ID, nil, decision.Err())
		return
	}

	deadline := maxServeDeadline
	if inv.TimeoutMS > 0 && time.Duration(inv.TimeoutMS)*time.Millisecond < deadline {
		deadline = time.Duration(inv.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	m.serving.Store(f.ID, cancel)
	defer m.serving.Delete(f.ID)

	var emit func(json.RawMessage) error
	if inv.Stream {
		seq := 0
		emit = func(chunk json.RawMessage) error {
			seq++
			return s.sendPayload(FrameResult, f.ID, ResultPayload{Seq: seq, Chunk: chunk})
		}
	}

	payload, err := m.dispatch.HandleStream(ctx, executor.Request{
		CapID:    inv.CapID,
		Tool:     inv.Tool,
		Payload:  inv.Payload,
		FromNode: s.Peer().NodeID,
	}, emit)
	m.finishInvoke(s, f.ID, payload, err)
}

func (m *Manager) finishInvoke(s *Session, id string, payload json.RawMessage, err error) {
	res := ResultPayload{Done: true}
	if err != nil {
		res.Error = asWireError(err)
	} else {
		res.Payload = payload
	}
	if serr := s.sendPayload(FrameResult, id, res); serr != nil {
		m.logger.Warn("result frame lost", "invoke_id", id, "error", serr)
	}
}

// onResult routes a result frame to whoever is waiting for it.
func (m *Manager) onResult(f *Frame) {
	val, ok := m.pending.Load(f.ID)
	if !ok {
		return // caller gave up already
	}
	p := val.(*pendingInvoke)
	var res ResultPayload
	if err := f.DecodePayload(&res); err != nil {
		res = ResultPayload{Done: true, Error: core.Errorf(core.CodeTransportFailure, "undecodable result frame")}
	}
	if res.Done {
		select {
		case p.ch <- res:
		case <-time.After(2 * time.Second):
			m.logger.Warn("final result dropped, consumer stalled", "invoke_id", f.ID)
		}
		return
	}
	select {
	case p.ch <- res:
	default:
		m.logger.Debug("stream chunk dropped, consumer behind", "invoke_id", f.ID)
	}
}

// onCancel aborts a running local invoke at the caller's request.
func (m *Manager) onCancel(f *Frame) {
	if val, ok := m.serving.Load(f.ID); ok {
		val.(context.CancelFunc)()
	}
}

// InvokeRemote satisfies executor.RemoteInvoker: frame out, result
// frames back. On context cancellation a cancel frame goes out and the
// caller lingers for the grace window to collect the final result.
func (m *Manager) InvokeRemote(ctx context.Context, nodeID string, req executor.RemoteRequest, emit func(json.RawMessage) error) (json.RawMessage, error) {
	s := m.Session(nodeID)
	if s == nil || !s.Established() {
		return nil, core.Errorf(core.CodeUnavailable, "no session to node %s", nodeID)
	}

	id := uuid.NewString()
	p := &pendingInvoke{node: nodeID, ch: make(chan ResultPayload, 32)}
	m.pending.Store(id, p)
	defer m.pending.Delete(id)

	err := s.sendPayload(FrameInvoke, id, InvokePayload{
		CapID:     req.CapID,
		Tool:      req.Tool,
		Payload:   req.Payload,
		TimeoutMS: req.TimeoutMS,
		Stream:    emit != nil,
	})
	if err != nil {
		return nil, core.WrapErr(core.CodeTransportFailure, err, "sending invoke to %s", nodeID)
	}

	for {
		select {
		case res := <-p.ch:
			if !res.Done {
				if emit != nil {
					if eerr := emit(res.Chunk); eerr != nil {
						_ = s.sendPayload(FrameCancel, id, CancelPayload{Reason: "consumer closed"})
						return nil, core.WrapErr(core.CodeHandlerError, eerr, "stream consumer failed")
					}
				}
				continue
			}
			if res.Error != nil {
				return nil, res.Error
			}
			return res.Payload, nil

		case <-ctx.Done():
			_ = s.sendPayload(FrameCancel, id, CancelPayload{Reason: ctx.Err().Error()})
			grace := time.NewTimer(m.cancelGrace)
			defer grace.Stop()
			for {
				select {
				case res := <-p.ch:
					if !res.Done {
						continue
					}
					if res.Error != nil {
						return nil, res.Error
					}
					return res.Payload, nil
				case <-grace.C:
					return nil, core.WrapErr(core.CodeTimeout, ctx.Err(), "invoke on %s canceled", nodeID)
				}
			}

		case <-s.done:
			return nil, core.Errorf(core.CodeTransportFailure, "session to %s closed mid-invoke", nodeID)
		}
	}
}

func asWireError(err error) *core.Error {
	if me, ok := err.(*core.Error); ok {
		return me
	}
	return core.Errorf(core.CodeOf(err), "%v", err)
}

// Run keeps the mesh stitched: roster peers without sessions get
// redialed, and a configured relay is kept connected.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(maintainEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return
		case <-ticker.C:
			m.maintain(ctx)
		}
	}
}

func (m *Manager) maintain(ctx context.Context) {
	m.keepRelay(ctx)

	m.mu.RLock()
	var missing []core.NodeInfo
	for id, info := range m.roster {
		if _, live := m.sessions[id]; !live {
			if _, inflight := m.handshaking[id]; !inflight {
				missing = append(missing, info)
			}
		}
	}
	m.mu.RUnlock()

	tok := m.getJoinToken()
	for _, info := range missing {
		go func(target core.NodeInfo) {
			if _, err := m.Connect(ctx, target, tok); err != nil {
				m.logger.Debug("redial failed", "peer", target.NodeID, "error", err)
			}
		}(info)
	}
}

// Shutdown closes every session and the relay link.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions)+len(m.handshaking))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	for _, s := range m.handshaking {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.close("shutdown")
	}

	m.relayMu.Lock()
	if m.relay != nil {
		m.relay.Close()
		m.relay = nil
	}
	m.relayMu.Unlock()
}
