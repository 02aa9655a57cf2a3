package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/executor"
)

// ScanResult lists what a capability scan registered, and what it
// probed but could not use.
type ScanResult struct {
	Registered []capability.Capability `json:"registered"`
	Problems   []string                `json:"problems,omitempty"`
}

// registerCapability adds a local capability and its handler as one
// unit. The registry assigns the cap_id and gossips availability; on a
// handler rejection the registration is rolled back.
func (n *Node) registerCapability(c capability.Capability, h executor.Handler) (capability.Capability, error) {
	if err := n.reg.RegisterLocal(&c); err != nil {
		return capability.Capability{}, err
	}
	if err := n.dispatch.Register(c, h); err != nil {
		_ = n.reg.RemoveLocal(c.CapID)
		return capability.Capability{}, err
	}
	return c, nil
}

// registerTyped adapts a provider through its class contract first,
// so a capability can only bind a handler of the matching family.
func (n *Node) registerTyped(c capability.Capability, v any) (capability.Capability, error) {
	h, err := executor.ForType(c.Type, v)
	if err != nil {
		return capability.Capability{}, err
	}
	return n.registerCapability(c, h)
}

// Scan probes the device for things it can serve: Ollama models, the
// built-in ML toolkit, and attached sensors. Everything found is
// registered locally and announced to the mesh.
func (n *Node) Scan(ctx context.Context) (*ScanResult, error) {
	res := &ScanResult{}

	add := func(c capability.Capability, v any) {
		reg, err := n.registerTyped(c, v)
		if err != nil {
			n.logger.Warn("scan: registration failed", "label", c.Label, "error", err)
			res.Problems = append(res.Problems, fmt.Sprintf("%s: %v", c.Label, err))
			return
		}
		res.Registered = append(res.Registered, reg)
	}

	ollamaURL := n.Config().Providers.OllamaURL
	models, err := probeOllama(ctx, ollamaURL)
	if err != nil {
		n.logger.Debug("scan: ollama not reachable", "url", ollamaURL, "error", err)
		res.Problems = append(res.Problems, fmt.Sprintf("ollama (%s): %v", ollamaURL, err))
	}
	for _, m := range models {
		if m.embedding() {
			add(embedCapability(m), n.ollamaEmbed(m.Name))
		} else {
			add(chatCapability(m), n.ollamaChat(m.Name))
		}
	}

	add(anomalyCapability(), mlAnomaly{node: n})
	add(classifyCapability(), mlClassify{node: n})

	for _, s := range detectSensors() {
		add(s, unavailableSensor{msg: "sensor capture requires the companion app"})
	}

	n.logger.Info("scan finished", "registered", len(res.Registered), "problems", len(res.Problems))
	n.auditWrite("scan", map[string]any{"registered": len(res.Registered)})
	return res, nil
}

// ollamaModel is one entry from Ollama's /api/tags.
type ollamaModel struct {
	Name    string `json:"name"`
	Details struct {
		Family            string `json:"family"`
		ParameterSize     string `json:"parameter_size"`
		QuantizationLevel string `json:"quantization_level"`
	} `json:"details"`
}

func (m ollamaModel) embedding() bool {
	return strings.Contains(strings.ToLower(m.Name), "embed")
}

func (m ollamaModel) meta() map[string]string {
	meta := map[string]string{"provider": "ollama", "model": m.Name}
	if m.Details.Family != "" {
		meta["family"] = m.Details.Family
	}
	if m.Details.ParameterSize != "" {
		meta["parameter_size"] = m.Details.ParameterSize
	}
	if m.Details.QuantizationLevel != "" {
		meta["quantization"] = m.Details.QuantizationLevel
	}
	return meta
}

// probeOllama asks a local Ollama daemon what models it serves.
func probeOllama(ctx context.Context, baseURL string) ([]ollamaModel, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/tags", nil)
	if err != nil {
		return nil, core.WrapErr(core.CodeValidation, err, "ollama url %q", baseURL)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, core.WrapErr(core.CodeUnavailable, err, "probing ollama")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, core.Errorf(core.CodeUnavailable, "ollama answered %d", resp.StatusCode)
	}

	var tags struct {
		Models []ollamaModel `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, core.WrapErr(core.CodeUnavailable, err, "decoding ollama tags")
	}
	return tags.Models, nil
}

var labelClean = regexp.MustCompile(`[^a-z0-9._-]+`)

// sanitizeLabel squeezes a model name into the label charset.
func sanitizeLabel(s string) string {
	s = strings.ToLower(s)
	s = labelClean.ReplaceAllString(s, "-")
	s = strings.Trim(s, "._-")
	if len(s) > 48 {
		s = strings.Trim(s[:48], "._-")
	}
	return s
}

func chatCapability(m ollamaModel) capability.Capability {
	return capability.Capability{
		Label:       "chat-" + sanitizeLabel(m.Name),
		Type:        capability.TypeLLMChat,
		Description: "Chat completion on the local " + m.Name + " model",
		Topics:      []string{"chat", "completion", "text generation", "assistant"},
		RouteHints:  []string{"llm/chat"},
		Tools: []capability.Tool{{
			Name:        "chat",
			Description: "Run a chat completion",
			ParamSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"messages": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"role":    {"type": "string"},
								"content": {"type": "string"}
							},
							"required": ["role", "content"]
						}
					},
					"intent": {"type": "string"}
				}
			}`),
		}},
		Meta: m.meta(),
	}
}

func embedCapability(m ollamaModel) capability.Capability {
	return capability.Capability{
		Label:       "embed-" + sanitizeLabel(m.Name),
		Type:        capability.TypeLLMEmbed,
		Description: "Text embeddings on the local " + m.Name + " model",
		Topics:      []string{"embedding", "vector", "similarity"},
		RouteHints:  []string{"llm/embed"},
		Tools: []capability.Tool{{
			Name:        "embed",
			Description: "Embed one or more texts",
			Idempotent:  true,
			ParamSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"input": {}
				},
				"required": ["input"]
			}`),
		}},
		Meta: m.meta(),
	}
}

func anomalyCapability() capability.Capability {
	return capability.Capability{
		Label:       "anomaly-detector",
		Type:        capability.TypeMLAnomaly,
		Description: "Streaming anomaly detection over numeric series",
		Topics:      []string{"anomaly", "outlier", "time series", "monitoring"},
		RouteHints:  []string{"ml/anomaly"},
		Tools: []capability.Tool{
			{
				Name:        "fit",
				Description: "Add samples to a named model",
				ParamSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"model":  {"type": "string"},
						"values": {"type": "array", "items": {"type": "number"}}
					},
					"required": ["values"]
				}`),
			},
			{
				Name:        "detect",
				Description: "Flag anomalous points in a series",
				Idempotent:  true,
				ParamSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"model":     {"type": "string"},
						"values":    {"type": "array", "items": {"type": "number"}},
						"threshold": {"type": "number"}
					},
					"required": ["values"]
				}`),
			},
			{
				Name:        "score",
				Description: "Score points without thresholding",
				Idempotent:  true,
				ParamSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"model":  {"type": "string"},
						"values": {"type": "array", "items": {"type": "number"}}
					},
					"required": ["values"]
				}`),
			},
		},
		Meta: map[string]string{"provider": "builtin"},
	}
}

func classifyCapability() capability.Capability {
	return capability.Capability{
		Label:       "text-classifier",
		Type:        capability.TypeMLClassify,
		Description: "Nearest-centroid text classification",
		Topics:      []string{"classify", "label", "category", "text"},
		RouteHints:  []string{"ml/classify"},
		Tools: []capability.Tool{
			{
				Name:        "fit",
				Description: "Teach the classifier labeled examples",
				ParamSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"model": {"type": "string"},
						"label": {"type": "string"},
						"texts": {"type": "array", "items": {"type": "string"}}
					},
					"required": ["label", "texts"]
				}`),
			},
			{
				Name:        "predict",
				Description: "Classify a text against learned labels",
				Idempotent:  true,
				ParamSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"model": {"type": "string"},
						"text":  {"type": "string"}
					},
					"required": ["text"]
				}`),
			},
		},
		Meta: map[string]string{"provider": "builtin"},
	}
}

// detectSensors reports attached devices the node could share. The
// daemon has no capture pipeline, so these register with a handler
// that refuses until the companion app takes them over.
func detectSensors() []capability.Capability {
	var caps []capability.Capability
	if _, err := os.Stat("/dev/video0"); err == nil {
		caps = append(caps, capability.Capability{
			Label:       "camera0",
			Type:        capability.TypeSensorCamera,
			Description: "Primary camera",
			Topics:      []string{"camera", "photo", "snapshot"},
			Meta:        map[string]string{"device": "/dev/video0"},
		})
	}
	if _, err := os.Stat("/dev/snd"); err == nil {
		caps = append(caps, capability.Capability{
			Label:       "microphone0",
			Type:        capability.TypeSensorMicrophone,
			Description: "Default microphone",
			Topics:      []string{"microphone", "audio", "listen"},
			Meta:        map[string]string{"device": "/dev/snd"},
		})
	}
	return caps
}
