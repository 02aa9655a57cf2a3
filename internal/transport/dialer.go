package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avast/retry-go"
	"github.com/gorilla/websocket"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

// startableLink is a frameLink whose pumps have not been bound yet.
type startableLink interface {
	frameLink
	start(onFrame func([]byte), onClose func())
}

// Connect dials a peer over its best reachable endpoint and runs the
// handshake. Returns the peer's welcome, or (nil, nil) when a session
// already exists or another dial is in flight.
func (m *Manager) Connect(ctx context.Context, target core.NodeInfo, joinToken string) (*WelcomePayload, error) {
	if target.NodeID == m.selfID {
		return nil, core.Errorf(core.CodeValidation, "refusing to dial self")
	}

	m.mu.Lock()
	if _, live := m.sessions[target.NodeID]; live {
		m.mu.Unlock()
		return nil, nil
	}
	if _, busy := m.dialing[target.NodeID]; busy {
		m.mu.Unlock()
		return nil, nil
	}
	m.dialing[target.NodeID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.dialing, target.NodeID)
		m.mu.Unlock()
	}()

	eps := append([]core.Endpoint(nil), target.Endpoints...)
	core.SortEndpoints(eps)
	if len(eps) == 0 && m.cfg.RelayURL != "" {
		eps = append(eps, core.Endpoint{Kind: core.EndpointRelay, URL: m.cfg.RelayURL})
	}
	if len(eps) == 0 {
		return nil, core.Errorf(core.CodeUnavailable, "node %s has no endpoints", target.NodeID)
	}

	perDial := time.Duration(m.cfg.DialTimeoutSeconds) * time.Second
	if perDial <= 0 {
		perDial = 3 * time.Second
	}

	var lastErr error
	for _, ep := range eps {
		if ctx.Err() != nil {
			return nil, core.WrapErr(core.CodeTimeout, ctx.Err(), "dialing %s", target.NodeID)
		}
		link, err := m.dialEndpoint(ctx, ep, target, perDial)
		if err != nil {
			lastErr = err
			m.logger.Debug("endpoint unreachable", "peer", target.NodeID, "kind", ep.Kind, "error", err)
			continue
		}

		s := newSession(m, link, StateDialing)
		link.start(s.handleRaw, func() { s.close("connection lost") })

		welcome, err := m.handshakeAsDialer(s, joinToken)
		if err != nil {
			lastErr = err
			s.close("handshake failed")
			continue
		}
		// dialing a peer is a roster or owner decision, so the session
		// is mesh-trusted in both directions
		s.setTokenVerified(true)
		m.attach(s)
		m.adoptMeshInfo(welcome.Mesh)
		m.mergeRoster(welcome.Roster)
		return welcome, nil
	}
	if lastErr == nil {
		lastErr = core.Errorf(core.CodeTransportFailure, "no endpoint answered")
	}
	return nil, core.WrapErr(core.CodeTransportFailure, lastErr, "all endpoints to %s failed", target.NodeID)
}

func (m *Manager) dialEndpoint(ctx context.Context, ep core.Endpoint, target core.NodeInfo, perDial time.Duration) (startableLink, error) {
	dctx, cancel := context.WithTimeout(ctx, perDial)
	defer cancel()

	switch ep.Kind {
	case core.EndpointLocal, core.EndpointPublic:
		conn, _, err := websocket.DefaultDialer.DialContext(dctx, ep.URL, nil)
		if err != nil {
			return nil, core.WrapErr(core.CodeTransportFailure, err, "dialing %s endpoint %s", ep.Kind, ep.URL)
		}
		return newDirectLink(conn, ep.Kind, m.logger), nil

	case core.EndpointRelay:
		base := m.cfg.RelayURL
		if base == "" {
			base = ep.URL
		}
		rl, err := m.ensureRelay(dctx, base)
		if err != nil {
			return nil, err
		}
		return rl.channel(target.NodeID), nil

	default:
		return nil, core.Errorf(core.CodeValidation, "unknown endpoint kind %q", ep.Kind)
	}
}

// ensureRelay returns the shared room link, dialing it on first use.
func (m *Manager) ensureRelay(ctx context.Context, baseURL string) (*RelayLink, error) {
	m.relayMu.Lock()
	defer m.relayMu.Unlock()
	if m.relay != nil {
		return m.relay, nil
	}
	rl, err := dialRelay(ctx, baseURL, m.meshID, m.selfID, m.onRelayOrphan, m.onRelayDown, m.logger)
	if err != nil {
		return nil, err
	}
	m.relay = rl
	m.logger.Info("relay room joined", "relay", baseURL)
	return rl, nil
}

// onRelayOrphan starts the accept side for a hello that arrived over
// the relay from a peer we hold no channel to.
func (m *Manager) onRelayOrphan(from string, raw []byte) {
	m.relayMu.Lock()
	rl := m.relay
	m.relayMu.Unlock()
	if rl == nil {
		return
	}

	ch := rl.channel(from)
	s := newSession(m, ch, StateHandshaking)
	ch.start(s.handleRaw, func() { s.close("relay channel lost") })
	s.handleRaw(raw)

	go func() {
		if err := m.handshakeAsAcceptor(s); err != nil {
			m.logger.Debug("relay handshake rejected", "peer", from, "error", err)
			s.close("handshake failed")
		}
	}()
}

// onRelayDown drops the dead room link; the maintain loop redials it
// and every session that ran over it reconnects with a new handshake.
func (m *Manager) onRelayDown() {
	m.relayMu.Lock()
	m.relay = nil
	m.relayMu.Unlock()
	m.logger.Warn("relay link lost")
}

// keepRelay redials the configured relay until it answers or ctx ends.
func (m *Manager) keepRelay(ctx context.Context) {
	if m.cfg.RelayURL == "" {
		return
	}
	m.relayMu.Lock()
	alive := m.relay != nil
	m.relayMu.Unlock()
	if alive {
		return
	}
	err := retry.Do(func() error {
		if ctx.Err() != nil {
			return retry.Unrecoverable(ctx.Err())
		}
		_, err := m.ensureRelay(ctx, m.cfg.RelayURL)
		return err
	}, retry.Delay(2*time.Second), retry.Attempts(3))
	if err != nil {
		m.logger.Warn("relay redial failed", "relay", m.cfg.RelayURL, "error", err)
	}
}

// reAccept handles a hello arriving on an established session: the
// peer restarted and is starting over. Tear ours down; over a relay
// the hello is replayed through the orphan path so the new handshake
// begins at once, on direct paths the peer redials a fresh socket.
func (m *Manager) reAccept(s *Session, raw []byte) {
	via := s.Via()
	s.close("peer restarted handshake")
	if via != core.EndpointRelay {
		return
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err == nil && f.From != "" {
		m.onRelayOrphan(f.From, raw)
	}
}

// mergeRoster records welcome roster entries for future redials.
func (m *Manager) mergeRoster(nodes []core.NodeInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range nodes {
		if n.NodeID == "" || n.NodeID == m.selfID {
			continue
		}
		m.roster[n.NodeID] = n
	}
}

// AddRosterNode records a peer learned from gossip for redialing.
func (m *Manager) AddRosterNode(info core.NodeInfo) {
	if info.NodeID == "" || info.NodeID == m.selfID {
		return
	}
	m.mu.Lock()
	m.roster[info.NodeID] = info
	m.mu.Unlock()
}
