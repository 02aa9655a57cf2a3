package capability

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type is the capability taxonomy. The set is closed: exact entries
// below plus free-form suffixes under iot/, tool/ and agent/.
type Type string

const (
	TypeLLMChat          Type = "llm/chat"
	TypeLLMEmbed         Type = "llm/embed"
	TypeVisionClassify   Type = "vision/classify"
	TypeVisionDetect     Type = "vision/detect"
	TypeAudioTranscribe  Type = "audio/transcribe"
	TypeAudioSpeak       Type = "audio/speak"
	TypeMLAnomaly        Type = "ml/anomaly"
	TypeMLClassify       Type = "ml/classify"
	TypeSensorCamera     Type = "sensor/camera"
	TypeSensorMicrophone Type = "sensor/microphone"
)

var exactTypes = map[Type]struct{}{
	TypeLLMChat:          {},
	TypeLLMEmbed:         {},
	TypeVisionClassify:   {},
	TypeVisionDetect:     {},
	TypeAudioTranscribe:  {},
	TypeAudioSpeak:       {},
	TypeMLAnomaly:        {},
	TypeMLClassify:       {},
	TypeSensorCamera:     {},
	TypeSensorMicrophone: {},
}

var openPrefixes = []string{"iot/", "tool/", "agent/"}

// Valid reports whether t is in the taxonomy.
func (t Type) Valid() bool {
	if _, ok := exactTypes[t]; ok {
		return true
	}
	s := string(t)
	for _, p := range openPrefixes {
		if strings.HasPrefix(s, p) && len(s) > len(p) {
			return true
		}
	}
	return false
}

// Family returns the taxonomy prefix ("llm", "tool", "sensor", ...).
// Execution deadlines and GPU cost attribution key off the family.
func (t Type) Family() string {
	if i := strings.IndexByte(string(t), '/'); i > 0 {
		return string(t)[:i]
	}
	return string(t)
}

// IsSensor reports whether invoking t reads a physical sensor.
// Sensors are shared only with explicit owner approval.
func (t Type) IsSensor() bool {
	return t.Family() == "sensor"
}

// Status is the liveness of a capability record.
type Status string

const (
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// Tool describes a callable tool exposed by a capability. Schemas are
// JSON Schema objects; ParamSchema gates invocation payloads.
type Tool struct {
	Name         string          `json:"name" validate:"required"`
	Description  string          `json:"description,omitempty"`
	ParamSchema  json.RawMessage `json:"param_schema,omitempty"`
	ReturnSchema json.RawMessage `json:"return_schema,omitempty"`
	Idempotent   bool            `json:"idempotent,omitempty"`
}

// Trigger wires a local event to an intent. When Event fires the node
// formats IntentTemplate and routes it; RouteHint narrows candidates;
// firings closer together than ThrottleMS are dropped.
type Trigger struct {
	Event          string `json:"event" validate:"required"`
	Description    string `json:"description,omitempty"`
	IntentTemplate string `json:"intent_template" validate:"required"`
	RouteHint      string `json:"route_hint,omitempty"`
	Priority       int    `json:"priority,omitempty"`
	ThrottleMS     int    `json:"throttle_ms,omitempty" validate:"gte=0"`
}

// Capability is one advertised unit of function in the mesh.
type Capability struct {
	CapID       string            `json:"cap_id"`
	NodeID      string            `json:"node_id" validate:"required,hexadecimal"`
	Label       string            `json:"label" validate:"required"`
	Type        Type              `json:"type" validate:"required"`
	Description string            `json:"description,omitempty"`
	Topics      []string          `json:"topics,omitempty"`
	RouteHints  []string          `json:"route_hints,omitempty"`
	Tools       []Tool            `json:"tools,omitempty" validate:"dive"`
	Triggers    []Trigger         `json:"triggers,omitempty" validate:"dive"`
	CostHint    float64           `json:"cost_hint,omitempty" validate:"gte=0"`
	Status      Status            `json:"status,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at,omitempty"`
}

// MakeCapID builds the mesh-wide capability id. Node ids are hex so
// the first colon always separates node from label.
func MakeCapID(nodeID, label string) string {
	return nodeID + ":" + label
}

// SplitCapID breaks a cap_id into its node and label parts.
func SplitCapID(capID string) (nodeID, label string, ok bool) {
	i := strings.IndexByte(capID, ':')
	if i <= 0 || i == len(capID)-1 {
		return "", "", false
	}
	return capID[:i], capID[i+1:], true
}

// Model returns the model name from metadata, if advertised.
func (c *Capability) Model() string {
	if c.Meta == nil {
		return ""
	}
	return c.Meta["model"]
}

// SearchText is the text the semantic index embeds for this
// capability. Vectors never travel; every node derives them from this.
func (c *Capability) SearchText() string {
	parts := make([]string, 0, 4+len(c.Topics)+len(c.Tools))
	parts = append(parts, c.Label, string(c.Type))
	if c.Description != "" {
		parts = append(parts, c.Description)
	}
	if m := c.Model(); m != "" {
		parts = append(parts, m)
	}
	parts = append(parts, c.Topics...)
	for _, t := range c.Tools {
		parts = append(parts, t.Name, t.Description)
	}
	return strings.Join(parts, " ")
}

// FindTool returns the named tool definition.
func (c *Capability) FindTool(name string) (*Tool, bool) {
	for i := range c.Tools {
		if c.Tools[i].Name == name {
			return &c.Tools[i], true
		}
	}
	return nil, false
}

func (c *Capability) String() string {
	return fmt.Sprintf("%s (%s, %s)", c.CapID, c.Type, c.Status)
}
