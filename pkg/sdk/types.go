package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Wire types mirror the daemon's JSON. They are defined here rather
// than shared with the daemon so programs embedding the SDK depend on
// nothing beyond this package.

// Health is GET /api/health.
type Health struct {
	Status  string `json:"status"`
	NodeID  string `json:"node_id"`
	MeshID  string `json:"mesh_id"`
	UptimeS int64  `json:"uptime_s"`
	Version string `json:"version"`
}

// Endpoint is one dialable address, kind local, public or relay.
type Endpoint struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// NodeInfo describes a mesh member.
type NodeInfo struct {
	NodeID      string     `json:"node_id"`
	DisplayName string     `json:"display_name"`
	Platform    string     `json:"platform"`
	Endpoints   []Endpoint `json:"endpoints,omitempty"`
	Version     string     `json:"version,omitempty"`
	PublicKey   string     `json:"public_key,omitempty"`
}

// MeshInfo identifies a mesh.
type MeshInfo struct {
	MeshID    string    `json:"mesh_id"`
	MeshName  string    `json:"mesh_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Status is GET /api/mesh/status.
type Status struct {
	NodeID       string       `json:"node_id"`
	DisplayName  string       `json:"display_name"`
	Platform     string       `json:"platform"`
	Version      string       `json:"version"`
	UptimeS      int64        `json:"uptime_s"`
	Mesh         *MeshInfo    `json:"mesh,omitempty"`
	Peers        int          `json:"peers"`
	Nodes        int          `json:"nodes"`
	Capabilities int          `json:"capabilities"`
	LocalCaps    int          `json:"local_capabilities"`
	Cost         CostComputed `json:"cost"`
	Gossip       GossipStats  `json:"gossip"`
	Endpoints    []Endpoint   `json:"endpoints,omitempty"`
}

// GossipStats counts the engine's frame handling.
type GossipStats struct {
	Published    uint64 `json:"published"`
	Received     uint64 `json:"received"`
	Forwarded    uint64 `json:"forwarded"`
	Deduped      uint64 `json:"deduped"`
	DroppedSkew  uint64 `json:"dropped_skew"`
	DroppedStale uint64 `json:"dropped_stale"`
	DroppedMesh  uint64 `json:"dropped_mesh"`
}

// TokenResponse is POST /api/mesh/token.
type TokenResponse struct {
	TokenID   string     `json:"token_id"`
	Token     string     `json:"token"`
	QRData    string     `json:"qr_data"`
	Endpoints []Endpoint `json:"endpoints"`
	ExpiresAt string     `json:"expires_at"`
}

// JoinResponse is POST /api/mesh/join.
type JoinResponse struct {
	MeshID       string   `json:"mesh_id"`
	MeshName     string   `json:"mesh_name"`
	SessionID    string   `json:"session_id"`
	ConnectedVia string   `json:"connected_via"`
	Peer         NodeInfo `json:"peer"`
}

// Peer is one live session in GET /api/mesh/peers.
type Peer struct {
	SessionID     string    `json:"session_id"`
	Node          NodeInfo  `json:"node"`
	Via           string    `json:"via"`
	RTTMS         float64   `json:"rtt_ms,omitempty"`
	Encrypted     bool      `json:"encrypted"`
	State         string    `json:"state"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

// TopoNode and TopoEdge are GET /api/mesh/topology.
type TopoNode struct {
	NodeID       string `json:"node_id"`
	DisplayName  string `json:"display_name,omitempty"`
	Platform     string `json:"platform,omitempty"`
	Capabilities int    `json:"capabilities"`
	Self         bool   `json:"self,omitempty"`
	Connected    bool   `json:"connected,omitempty"`
}

type TopoEdge struct {
	From  string  `json:"from"`
	To    string  `json:"to"`
	Via   string  `json:"via"`
	RTTMS float64 `json:"rtt_ms,omitempty"`
}

type Topology struct {
	Nodes []TopoNode `json:"nodes"`
	Edges []TopoEdge `json:"edges"`
}

// Tool is one named operation a capability serves.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Idempotent  bool   `json:"idempotent,omitempty"`
}

// Capability is one registry record as the API lists it.
type Capability struct {
	CapID       string    `json:"cap_id"`
	NodeID      string    `json:"node_id"`
	Label       string    `json:"label"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Topics      []string  `json:"topics,omitempty"`
	RouteHints  []string  `json:"route_hints,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
	Status      string    `json:"status"`
	Remote      bool      `json:"remote"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// ScanResult is POST /api/scan.
type ScanResult struct {
	Registered []Capability `json:"registered"`
	Problems   []string     `json:"problems,omitempty"`
}

// RouteRequest asks the router for a decision. Path and CapID are
// synonyms; Intent free text routes semantically.
type RouteRequest struct {
	Intent    string `json:"intent,omitempty"`
	Path      string `json:"path,omitempty"`
	CapID     string `json:"cap_id,omitempty"`
	Type      string `json:"type,omitempty"`
	Tool      string `json:"tool,omitempty"`
	RouteHint string `json:"route_hint,omitempty"`
}

// Candidate is one scored option inside a decision.
type Candidate struct {
	CapID             string  `json:"cap_id"`
	NodeID            string  `json:"node_id"`
	Type              string  `json:"type"`
	Status            string  `json:"status"`
	Semantic          float64 `json:"semantic"`
	Boosted           bool    `json:"boosted,omitempty"`
	Locality          float64 `json:"locality"`
	Cost              float64 `json:"cost"`
	CostLowConfidence bool    `json:"cost_low_confidence,omitempty"`
	Combined          float64 `json:"combined"`
}

// Decision is POST /api/route.
type Decision struct {
	CapID        string      `json:"cap_id"`
	NodeID       string      `json:"node_id"`
	Local        bool        `json:"local"`
	Explicit     bool        `json:"explicit,omitempty"`
	Winner       Candidate   `json:"winner"`
	Alternatives []Candidate `json:"alternatives,omitempty"`
	Reasoning    []string    `json:"reasoning"`
	Fingerprint  string      `json:"fingerprint"`
	ElapsedUS    int64       `json:"elapsed_us"`
}

// ExecuteRequest is POST /api/execute.
type ExecuteRequest struct {
	RouteRequest
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
}

// Attempt records one try, in order, including any fallback.
type Attempt struct {
	CapID     string `json:"cap_id"`
	NodeID    string `json:"node_id"`
	Placement string `json:"placement"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// ExecuteResult is the invocation outcome.
type ExecuteResult struct {
	CapID    string          `json:"cap_id"`
	NodeID   string          `json:"node_id"`
	Local    bool            `json:"local"`
	FellBack bool            `json:"fell_back,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Attempts []Attempt       `json:"attempts"`
}

// ExecuteResponse pairs the decision with the result.
type ExecuteResponse struct {
	Decision  *Decision      `json:"decision"`
	Result    *ExecuteResult `json:"result"`
	ElapsedMS int64          `json:"elapsed_ms"`
}

// CostFactors is the sampled hardware state behind a cost.
type CostFactors struct {
	BatteryPowered   bool     `json:"battery_powered"`
	BatteryPercent   *float64 `json:"battery_percent,omitempty"`
	CPULoad          *float64 `json:"cpu_load,omitempty"`
	GPULoad          *float64 `json:"gpu_load,omitempty"`
	GPUInference     bool     `json:"gpu_inference,omitempty"`
	MemoryPressure   *float64 `json:"memory_pressure,omitempty"`
	ThermalThrottled bool     `json:"thermal_throttled,omitempty"`
	NetworkMetered   bool     `json:"network_metered,omitempty"`
	QueueDepth       int      `json:"queue_depth,omitempty"`
}

// CostComputed is the scalar with its breakdown.
type CostComputed struct {
	Cost          float64            `json:"cost"`
	LowConfidence bool               `json:"low_confidence,omitempty"`
	Breakdown     map[string]float64 `json:"breakdown,omitempty"`
}

// CostReport is GET /api/cost/current.
type CostReport struct {
	NodeID        string             `json:"node_id"`
	Cost          float64            `json:"cost"`
	LowConfidence bool               `json:"low_confidence"`
	Breakdown     map[string]float64 `json:"breakdown,omitempty"`
	Factors       CostFactors        `json:"factors"`
}

// CostUpdate is one node's row in GET /api/cost/table.
type CostUpdate struct {
	NodeID        string             `json:"node_id"`
	Cost          float64            `json:"cost"`
	LowConfidence bool               `json:"low_confidence,omitempty"`
	Factors       CostFactors        `json:"factors"`
	Breakdown     map[string]float64 `json:"breakdown,omitempty"`
	ReceivedAt    time.Time          `json:"received_at"`
}

// AuditEntry is one line of the hash-chained audit log.
type AuditEntry struct {
	TS     time.Time      `json:"ts"`
	Event  string         `json:"event"`
	Chain  string         `json:"chain"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Event is one frame off the /api/ws stream.
type Event struct {
	Type string         `json:"type"`
	TS   time.Time      `json:"ts"`
	Data map[string]any `json:"data,omitempty"`
}

// CapabilityFilter narrows Capabilities listings.
type CapabilityFilter struct {
	Type   string
	Node   string
	Status string
	Tool   string
}

// APIError is a non-2xx answer, decoded from the daemon's error
// envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("atmosphere: %s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("atmosphere: http %d", e.StatusCode)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}
