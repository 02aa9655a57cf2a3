package gossip

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Kind enumerates gossip announcement kinds.
type Kind string

const (
	KindCapabilityAvailable Kind = "capability_available"
	KindCapabilityHeartbeat Kind = "capability_heartbeat"
	KindCapabilityRemoved   Kind = "capability_removed"
	KindCostUpdate          Kind = "cost_update"
	KindTokenRevoked        Kind = "token_revoked"
	KindNodeJoin            Kind = "node_join"
	KindNodeLeave           Kind = "node_leave"
)

var knownKinds = map[Kind]struct{}{
	KindCapabilityAvailable: {},
	KindCapabilityHeartbeat: {},
	KindCapabilityRemoved:   {},
	KindCostUpdate:          {},
	KindTokenRevoked:        {},
	KindNodeJoin:            {},
	KindNodeLeave:           {},
}

// Valid reports whether k is a kind this version understands. Unknown
// kinds are still forwarded (future nodes may understand them), just
// not delivered locally.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// MaxTTL bounds flooding. Incoming announcements above it are clamped.
const MaxTTL = 10

// Announcement is the gossip envelope. Unknown top-level fields
// survive decode/re-encode so an old node can forward envelopes minted
// by newer versions without stripping them.
type Announcement struct {
	Kind     Kind            `json:"kind"`
	FromNode string          `json:"from_node"`
	MeshID   string          `json:"mesh_id"`
	Nonce    string          `json:"nonce"`
	TS       float64         `json:"ts"` // unix seconds
	TTL      int             `json:"ttl"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	extra map[string]json.RawMessage
}

// NewNonce returns 16 random bytes, hex encoded.
func NewNonce() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the process is beyond saving
		panic(fmt.Sprintf("gossip: nonce entropy unavailable: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// NowTS is the float timestamp format announcements carry.
func NowTS() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Time converts the announcement timestamp back to wall clock.
func (a *Announcement) Time() time.Time {
	sec := int64(a.TS)
	nsec := int64((a.TS - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

var knownEnvelopeKeys = map[string]struct{}{
	"kind": {}, "from_node": {}, "mesh_id": {}, "nonce": {},
	"ts": {}, "ttl": {}, "payload": {},
}

func (a *Announcement) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	type plain Announcement
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = Announcement(p)
	for k := range knownEnvelopeKeys {
		delete(m, k)
	}
	if len(m) > 0 {
		a.extra = m
	}
	return nil
}

func (a Announcement) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(a.extra)+7)
	for k, v := range a.extra {
		m[k] = v
	}
	put := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		m[key] = b
		return nil
	}
	if err := put("kind", a.Kind); err != nil {
		return nil, err
	}
	if err := put("from_node", a.FromNode); err != nil {
		return nil, err
	}
	if err := put("mesh_id", a.MeshID); err != nil {
		return nil, err
	}
	if err := put("nonce", a.Nonce); err != nil {
		return nil, err
	}
	if err := put("ts", a.TS); err != nil {
		return nil, err
	}
	if err := put("ttl", a.TTL); err != nil {
		return nil, err
	}
	if len(a.Payload) > 0 {
		m["payload"] = a.Payload
	}
	return json.Marshal(m)
}

// DecodePayload unmarshals the payload into v.
func (a *Announcement) DecodePayload(v any) error {
	if len(a.Payload) == 0 {
		return fmt.Errorf("announcement %s from %s has no payload", a.Kind, a.FromNode)
	}
	return json.Unmarshal(a.Payload, v)
}
