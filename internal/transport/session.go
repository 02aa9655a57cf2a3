package transport

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/gossip"
)

const rttAlpha = 0.2 // EWMA weight for new samples

// Session is one authenticated link to a peer. It implements
// gossip.Peer so the engine can fan out through it.
type Session struct {
	ID     string
	selfID string
	meshID string

	mu      sync.RWMutex
	peer    core.NodeInfo
	channel *secureChannel
	rttSec  float64
	hasRTT  bool

	link frameLink
	sm   *stateMachine
	mgr  *Manager

	lastPong      atomic.Int64 // unix nanos
	tokenVerified atomic.Bool

	// handshake frames are consumed synchronously by whichever side
	// is driving the handshake, not by the dispatch switch
	handshakeCh chan *Frame

	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

var _ gossip.Peer = (*Session)(nil)

func newSession(mgr *Manager, link frameLink, initial SessionState) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		selfID:      mgr.selfID,
		meshID:      mgr.meshID,
		link:        link,
		sm:          newStateMachine(initial),
		mgr:         mgr,
		handshakeCh: make(chan *Frame, 4),
		done:        make(chan struct{}),
	}
	s.logger = mgr.logger.With("session_id", s.ID[:8])
	return s
}

func (s *Session) State() SessionState     { return s.sm.Current() }
func (s *Session) Via() core.EndpointKind  { return s.link.via() }
func (s *Session) PeerID() string          { return s.Peer().NodeID }
func (s *Session) Established() bool       { return s.sm.Current() == StateEstablished }
func (s *Session) TokenVerified() bool     { return s.tokenVerified.Load() }
func (s *Session) setTokenVerified(v bool) { s.tokenVerified.Store(v) }

func (s *Session) Peer() core.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

func (s *Session) setPeer(info core.NodeInfo) {
	s.mu.Lock()
	s.peer = info
	s.mu.Unlock()
}

func (s *Session) setChannel(c *secureChannel) {
	s.mu.Lock()
	s.channel = c
	s.mu.Unlock()
}

func (s *Session) getChannel() *secureChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channel
}

// Encrypted reports whether payloads on this session are sealed.
func (s *Session) Encrypted() bool { return s.getChannel() != nil }

// LastHeartbeat reports when the peer last answered a ping. Zero until
// the first pong arrives.
func (s *Session) LastHeartbeat() time.Time {
	n := s.lastPong.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// RTT returns the smoothed round-trip time, if measured yet.
func (s *Session) RTT() (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasRTT {
		return 0, false
	}
	return time.Duration(s.rttSec * float64(time.Second)), true
}

func (s *Session) observeRTT(sample time.Duration) {
	s.mu.Lock()
	sec := sample.Seconds()
	if !s.hasRTT {
		s.rttSec = sec
		s.hasRTT = true
	} else {
		s.rttSec = (1-rttAlpha)*s.rttSec + rttAlpha*sec
	}
	smoothed := s.rttSec
	peer := s.peer.NodeID
	s.mu.Unlock()
	if peer != "" {
		s.mgr.met.SetSessionRTT(peer, smoothed)
	}
}

// sendFrame seals, marshals and enqueues one frame.
func (s *Session) sendFrame(f *Frame) error {
	f.From = s.selfID
	if s.Via() == core.EndpointRelay {
		f.To = s.Peer().NodeID
		if f.To == "" {
			// the hello leaves before the peer identity is learned;
			// the channel already knows who it reaches
			if ch, ok := s.link.(*relayChannel); ok {
				f.To = ch.peer
			}
		}
	}
	if ch := s.getChannel(); ch != nil && sealable(f.T) && len(f.P) > 0 {
		sealed, err := ch.Seal(f.P)
		if err != nil {
			return err
		}
		f.C = sealed
		f.P = nil
		f.Enc = true
	}
	data, err := json.Marshal(f)
	if err != nil {
		return core.WrapErr(core.CodeHandlerError, err, "encoding %s frame", f.T)
	}
	return s.link.enqueue(data, f.T)
}

func (s *Session) sendPayload(frameType, id string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return s.sendFrame(&Frame{T: frameType, ID: id, P: raw})
}

// SendGossip satisfies gossip.Peer: announcements travel verbatim.
func (s *Session) SendGossip(data []byte) error {
	return s.sendFrame(&Frame{T: FrameGossip, P: data})
}

// handleRaw is the inbound path for every frame on this session.
func (s *Session) handleRaw(raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.logger.Debug("undecodable frame dropped", "error", err)
		return
	}
	if f.Enc {
		ch := s.getChannel()
		if ch == nil {
			s.logger.Warn("sealed frame on a clear session, dropped", "type", f.T)
			return
		}
		plain, err := ch.Open(f.C)
		if err != nil {
			s.logger.Warn("frame failed to unseal, dropped", "type", f.T, "error", err)
			return
		}
		f.P = plain
		f.C = nil
	}

	if !s.Established() {
		switch f.T {
		case FrameHello, FrameWelcome, FrameReject, FrameSessionEstablished:
			select {
			case s.handshakeCh <- &f:
			default:
				s.logger.Warn("handshake inbox full, dropping frame", "type", f.T)
			}
			return
		}
		s.logger.Debug("frame before establishment dropped", "type", f.T)
		return
	}

	switch f.T {
	case FramePing:
		_ = s.sendFrame(&Frame{T: FramePong, P: f.P})
	case FramePong:
		s.onPong(&f)
	case FrameGossip:
		s.mgr.onGossip(s, f.P)
	case FrameInvoke:
		s.mgr.onInvoke(s, &f)
	case FrameResult:
		s.mgr.onResult(&f)
	case FrameCancel:
		s.mgr.onCancel(&f)
	case FrameHello:
		// peer restarted and is re-handshaking over the same path
		s.logger.Info("peer re-handshake, recycling session", "peer", s.Peer().NodeID)
		s.close("peer re-handshake")
		s.mgr.reAccept(s, raw)
	default:
		s.logger.Debug("unknown frame type dropped", "type", f.T)
	}
}

func (s *Session) onPong(f *Frame) {
	var p PingPayload
	if err := f.DecodePayload(&p); err != nil {
		return
	}
	s.lastPong.Store(time.Now().UnixNano())
	if p.TS > 0 {
		s.observeRTT(time.Duration(time.Now().UnixNano() - p.TS))
	}
}

// runPinger sends application pings and pronounces the session dead
// after deadAfter unanswered intervals. Relay paths need this to be
// application-level: socket liveness only proves the relay is up.
func (s *Session) runPinger(every time.Duration, deadAfter int) {
	s.lastPong.Store(time.Now().UnixNano())
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			silent := time.Since(time.Unix(0, s.lastPong.Load()))
			if silent > every*time.Duration(deadAfter) {
				s.logger.Warn("peer silent, closing session",
					"peer", s.Peer().NodeID, "silent", silent.Round(time.Millisecond))
				s.close("ping timeout")
				return
			}
			_ = s.sendPayload(FramePing, "", PingPayload{Nonce: uuid.NewString()[:8], TS: time.Now().UnixNano()})
		case <-s.done:
			return
		}
	}
}

// awaitHandshakeFrame blocks for the next handshake frame.
func (s *Session) awaitHandshakeFrame(timeout time.Duration) (*Frame, error) {
	select {
	case f := <-s.handshakeCh:
		return f, nil
	case <-s.done:
		return nil, core.Errorf(core.CodeTransportFailure, "session closed during handshake")
	case <-time.After(timeout):
		return nil, core.Errorf(core.CodeTimeout, "handshake timed out")
	}
}

// close marks the session dead exactly once, then tears down the link
// and detaches. The teardown runs outside closeOnce: the link's
// onClose callback is this method, so closing in either direction
// re-enters the other side's close, and doing that inside a once body
// would deadlock. The first flag keeps teardown single-shot.
func (s *Session) close(reason string) {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.sm.Force(StateDead)
		close(s.done)
	})
	if !first {
		return
	}
	s.link.close()
	s.mgr.detach(s, reason)
}

// Close tears the session down.
func (s *Session) Close(reason string) { s.close(reason) }
