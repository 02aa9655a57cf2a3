package transport

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/identity"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
)

const (
	handshakeTimeout = 10 * time.Second
	handshakeSkew    = 5 * time.Minute
)

// Transcripts pin every field an attacker would want to swap. The
// ephemeral key in particular: an unsigned key exchange through an
// untrusted relay invites a key substitution. Caps and roster travel
// in clear during the handshake, so their hashes are pinned too.
func helloTranscript(nodeID, meshID, ephPub, nonce string, ts int64, capsHash string) []byte {
	return fmt.Appendf(nil, "atmosphere-hello|%s|%s|%s|%s|%d|%s", nodeID, meshID, ephPub, nonce, ts, capsHash)
}

func welcomeTranscript(nodeID, meshID, ephPub, nonce string, ts int64, rosterHash string) []byte {
	return fmt.Appendf(nil, "atmosphere-welcome|%s|%s|%s|%s|%d|%s", nodeID, meshID, ephPub, nonce, ts, rosterHash)
}

// hashJSON fingerprints a payload section for the transcript. Go's
// encoder is deterministic here: struct fields keep order and map keys
// sort, so both sides compute the same bytes from the same data.
func hashJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func skewed(tsMillis int64) bool {
	d := time.Since(time.UnixMilli(tsMillis))
	return d > handshakeSkew || d < -handshakeSkew
}

// verifyPeerIdentity checks the public key parses, matches the claimed
// node id, and signed the transcript.
func verifyPeerIdentity(node core.NodeInfo, transcript []byte, sigB64 string) error {
	pub, err := identity.ParsePublicKey(node.PublicKey)
	if err != nil {
		return core.WrapErr(core.CodeNotAuthorized, err, "peer public key")
	}
	if identity.DeriveNodeID(pub) != node.NodeID {
		return core.Errorf(core.CodeNotAuthorized, "node id %s does not match its public key", node.NodeID)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return core.WrapErr(core.CodeNotAuthorized, err, "handshake signature encoding")
	}
	if !identity.Verify(pub, transcript, sig) {
		return core.Errorf(core.CodeNotAuthorized, "handshake signature does not verify")
	}
	return nil
}

// encryptContribution resolves one side's inner encryption mode for a
// path. auto trusts the LAN and nothing else.
func encryptContribution(mode string, via core.EndpointKind) bool {
	switch mode {
	case "always":
		return true
	case "off":
		return false
	default: // auto
		return via != core.EndpointLocal
	}
}

// handshakeAsDialer drives hello -> welcome -> session_established.
// Returns the welcome so callers get the roster and mesh info.
func (m *Manager) handshakeAsDialer(s *Session, joinToken string) (*WelcomePayload, error) {
	if err := s.sm.Transition(StateDialing, StateHandshaking); err != nil {
		return nil, core.WrapErr(core.CodeTransportFailure, err, "starting handshake")
	}

	eph, err := newEphemeralKey()
	if err != nil {
		return nil, err
	}
	hello := HelloPayload{
		Node:         m.selfInfo(),
		MeshID:       m.meshID,
		Token:        joinToken,
		EphPub:       eph.publicBase64(),
		Encrypt:      m.cfg.InnerEncryption,
		ProposedCaps: m.localCaps(),
		Nonce:        uuid.NewString(),
		TS:           nowMillis(),
	}
	sig := m.id.Sign(helloTranscript(hello.Node.NodeID, hello.MeshID, hello.EphPub,
		hello.Nonce, hello.TS, hashJSON(hello.ProposedCaps)))
	hello.Sig = base64.StdEncoding.EncodeToString(sig)

	if err := s.sendPayload(FrameHello, "", hello); err != nil {
		return nil, err
	}

	f, err := s.awaitHandshakeFrame(handshakeTimeout)
	if err != nil {
		return nil, err
	}
	switch f.T {
	case FrameReject:
		var rej RejectPayload
		if derr := f.DecodePayload(&rej); derr != nil {
			return nil, core.Errorf(core.CodeNotAuthorized, "peer rejected the handshake")
		}
		return nil, core.Errorf(rej.Code, "peer rejected: %s", rej.Message)
	case FrameWelcome:
	default:
		return nil, core.Errorf(core.CodeTransportFailure, "expected welcome, got %s", f.T)
	}

	var w WelcomePayload
	if err := f.DecodePayload(&w); err != nil {
		return nil, err
	}
	if w.Mesh.MeshID != m.meshID {
		return nil, core.Errorf(core.CodeNotAuthorized, "peer serves mesh %s, wanted %s", w.Mesh.MeshID, m.meshID)
	}
	if skewed(w.TS) {
		return nil, core.Errorf(core.CodeNotAuthorized, "welcome timestamp outside the skew window")
	}
	if err := verifyPeerIdentity(w.Node,
		welcomeTranscript(w.Node.NodeID, m.meshID, w.EphPub, w.Nonce, w.TS, hashJSON(w.Roster)), w.Sig); err != nil {
		return nil, err
	}

	s.setPeer(w.Node)
	if w.Encrypt {
		ch, cerr := deriveChannel(eph, w.EphPub, m.meshID, m.selfID, w.Node.NodeID)
		if cerr != nil {
			return nil, cerr
		}
		s.setChannel(ch)
	}

	if err := s.sendPayload(FrameSessionEstablished, "", EstablishedPayload{
		SessionID: s.ID,
		Encrypted: w.Encrypt,
	}); err != nil {
		return nil, err
	}
	if err := s.sm.Transition(StateHandshaking, StateEstablished); err != nil {
		return nil, core.WrapErr(core.CodeTransportFailure, err, "finalizing handshake")
	}
	return &w, nil
}

// handshakeAsAcceptor answers a dialer's hello on a fresh session.
func (m *Manager) handshakeAsAcceptor(s *Session) error {
	f, err := s.awaitHandshakeFrame(handshakeTimeout)
	if err != nil {
		return err
	}
	if f.T != FrameHello {
		return core.Errorf(core.CodeTransportFailure, "expected hello, got %s", f.T)
	}
	var hello HelloPayload
	if err := f.DecodePayload(&hello); err != nil {
		return err
	}
	return m.acceptHello(s, &hello)
}

func (m *Manager) acceptHello(s *Session, hello *HelloPayload) error {
	reject := func(code core.Code, format string, args ...any) error {
		err := core.Errorf(code, format, args...)
		_ = s.sendPayload(FrameReject, "", RejectPayload{Code: code, Message: err.Message})
		return err
	}

	if hello.MeshID != m.meshID {
		return reject(core.CodeNotFound, "this node serves a different mesh")
	}
	if skewed(hello.TS) {
		return reject(core.CodeNotAuthorized, "hello timestamp outside the skew window")
	}
	if hello.Node.NodeID == m.selfID {
		return reject(core.CodeValidation, "refusing to connect to myself")
	}
	if err := verifyPeerIdentity(hello.Node,
		helloTranscript(hello.Node.NodeID, hello.MeshID, hello.EphPub,
			hello.Nonce, hello.TS, hashJSON(hello.ProposedCaps)), hello.Sig); err != nil {
		return reject(core.CodeNotAuthorized, "identity check failed: %v", err)
	}

	tokenOK := false
	if hello.Token != "" {
		tok, err := token.Decode(hello.Token)
		if err == nil {
			err = tok.Verify(token.VerifyOptions{IsRevoked: m.isRevoked})
		}
		if err == nil && tok.MeshID != m.meshID {
			err = core.Errorf(core.CodeNotAuthorized, "token is for mesh %s", tok.MeshID)
		}
		if err == nil && !tok.HasScope(token.ScopeJoin) {
			err = core.Errorf(core.CodeNotAuthorized, "token lacks the join scope")
		}
		if err != nil {
			return reject(core.CodeNotAuthorized, "join token rejected: %v", err)
		}
		tokenOK = true
	}
	if m.requireTokenAuth() && !tokenOK && !m.knownPeer(hello.Node.NodeID) {
		return reject(core.CodeNotAuthorized, "a valid join token is required")
	}

	if !m.resolveDuplicate(hello.Node.NodeID, s) {
		return reject(core.CodeUnavailable, "duplicate session in flight")
	}

	eph, err := newEphemeralKey()
	if err != nil {
		return err
	}
	encrypt := encryptContribution(m.cfg.InnerEncryption, s.Via()) ||
		encryptContribution(hello.Encrypt, s.Via())

	welcome := WelcomePayload{
		Node:    m.selfInfo(),
		Mesh:    m.meshInfo(),
		EphPub:  eph.publicBase64(),
		Encrypt: encrypt,
		Roster:  m.RosterNodes(),
		Nonce:   uuid.NewString(),
		TS:      nowMillis(),
	}
	sig := m.id.Sign(welcomeTranscript(welcome.Node.NodeID, m.meshID, welcome.EphPub,
		welcome.Nonce, welcome.TS, hashJSON(welcome.Roster)))
	welcome.Sig = base64.StdEncoding.EncodeToString(sig)

	s.setPeer(hello.Node)
	s.setTokenVerified(tokenOK)
	if err := s.sendPayload(FrameWelcome, "", welcome); err != nil {
		return err
	}
	if encrypt {
		ch, cerr := deriveChannel(eph, hello.EphPub, m.meshID, m.selfID, hello.Node.NodeID)
		if cerr != nil {
			return cerr
		}
		s.setChannel(ch)
	}

	f, err := s.awaitHandshakeFrame(handshakeTimeout)
	if err != nil {
		return err
	}
	if f.T != FrameSessionEstablished {
		return core.Errorf(core.CodeTransportFailure, "expected session_established, got %s", f.T)
	}
	if err := s.sm.Transition(StateHandshaking, StateEstablished); err != nil {
		return core.WrapErr(core.CodeTransportFailure, err, "finalizing handshake")
	}
	m.attach(s)
	m.foldProposedCaps(hello.Node.NodeID, hello.ProposedCaps)
	return nil
}
