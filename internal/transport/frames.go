// Package transport moves frames between mesh peers over WebSocket,
// directly when the nodes can reach each other and through a relay
// room when they cannot. Payloads are sealed end to end when inner
// encryption is on, so a relay learns nothing beyond frame routing.
package transport

import (
	"encoding/json"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

// Frame types. A relay reads only t, from and to; everything else may
// be sealed.
const (
	FrameHello              = "hello"
	FrameWelcome            = "welcome"
	FrameReject             = "reject"
	FrameSessionEstablished = "session_established"
	FramePing               = "ping"
	FramePong               = "pong"
	FrameGossip             = "gossip"
	FrameInvoke             = "invoke"
	FrameResult             = "result"
	FrameCancel             = "cancel"
)

// Frame is the outer envelope for every message on a peer link.
type Frame struct {
	T    string          `json:"t"`
	From string          `json:"from,omitempty"`
	To   string          `json:"to,omitempty"`
	ID   string          `json:"id,omitempty"` // correlates invoke, result and cancel
	Enc  bool            `json:"enc,omitempty"`
	P    json.RawMessage `json:"p,omitempty"` // clear payload
	C    []byte          `json:"c,omitempty"` // sealed payload, nonce prepended
}

// DecodePayload unmarshals the clear payload.
func (f *Frame) DecodePayload(v any) error {
	if len(f.P) == 0 {
		return core.Errorf(core.CodeValidation, "%s frame has no payload", f.T)
	}
	if err := json.Unmarshal(f.P, v); err != nil {
		return core.WrapErr(core.CodeValidation, err, "decoding %s payload", f.T)
	}
	return nil
}

// sealable reports whether the frame type's payload gets encrypted
// once a channel exists. Handshake frames happen before keys exist.
func sealable(t string) bool {
	switch t {
	case FrameHello, FrameWelcome, FrameReject, FrameSessionEstablished:
		return false
	}
	return true
}

// HelloPayload opens a handshake. The signature binds the ephemeral
// key to the sender's identity so a relay cannot swap keys in flight.
// ProposedCaps seeds the acceptor's registry before the first
// heartbeat round lands.
type HelloPayload struct {
	Node         core.NodeInfo           `json:"node"`
	MeshID       string                  `json:"mesh_id"`
	Token        string                  `json:"token,omitempty"` // encoded join token
	EphPub       string                  `json:"eph_pub"`         // base64 X25519 public key
	Encrypt      string                  `json:"encrypt"`         // sender's inner encryption mode
	ProposedCaps []capability.Capability `json:"proposed_caps,omitempty"`
	Nonce        string                  `json:"nonce"`
	TS           int64                   `json:"ts"` // unix milliseconds
	Sig          string                  `json:"sig"`
}

// WelcomePayload accepts a hello. Roster lets a joining node dial the
// rest of the mesh without waiting for gossip.
type WelcomePayload struct {
	Node    core.NodeInfo   `json:"node"`
	Mesh    core.MeshInfo   `json:"mesh"`
	EphPub  string          `json:"eph_pub"`
	Encrypt bool            `json:"encrypt"` // final decision for this session
	Roster  []core.NodeInfo `json:"roster,omitempty"`
	Nonce   string          `json:"nonce"`
	TS      int64           `json:"ts"`
	Sig     string          `json:"sig"`
}

// RejectPayload closes a handshake with a reason.
type RejectPayload struct {
	Code    core.Code `json:"code"`
	Message string    `json:"message"`
}

// EstablishedPayload is the dialer's final handshake frame.
type EstablishedPayload struct {
	SessionID string `json:"session_id"`
	Encrypted bool   `json:"encrypted"`
}

// PingPayload carries the sender's clock; the pong echoes it back
// verbatim, so round-trip time never depends on the peer's clock.
type PingPayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"` // sender's unix nanoseconds
}

// InvokePayload asks the serving node to run a capability.
type InvokePayload struct {
	CapID     string          `json:"cap_id"`
	Tool      string          `json:"tool,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
}

// ResultPayload answers an invoke. Streams send any number of
// done=false chunks before the final done=true frame.
type ResultPayload struct {
	Done    bool            `json:"done"`
	Seq     int             `json:"seq,omitempty"`
	Chunk   json.RawMessage `json:"chunk,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *core.Error     `json:"error,omitempty"`
}

// CancelPayload withdraws a running invoke.
type CancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

func marshalPayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, core.WrapErr(core.CodeHandlerError, err, "encoding frame payload")
	}
	return raw, nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }
