package node

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/mlkit"
)

func (n *Node) ollamaURL() string {
	return n.Config().Providers.OllamaURL
}

// ollamaPost sends one JSON request to the local Ollama daemon. The
// caller owns the response body; non-200 answers become handler errors
// carrying whatever Ollama said.
func ollamaPost(ctx context.Context, base, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, core.WrapErr(core.CodeHandlerError, err, "encoding ollama request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+path, bytes.NewReader(raw))
	if err != nil {
		return nil, core.WrapErr(core.CodeHandlerError, err, "building ollama request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, core.WrapErr(core.CodeUnavailable, err, "calling ollama")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, core.Errorf(core.CodeHandlerError, "ollama answered %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChat serves one llm/chat capability backed by an Ollama model.
// It streams when the caller can take deltas.
type ollamaChat struct {
	node  *Node
	model string
}

var (
	_ executor.ChatHandler = (*ollamaChat)(nil)
	_ executor.Streamer    = (*ollamaChat)(nil)
)

func (n *Node) ollamaChat(model string) *ollamaChat {
	return &ollamaChat{node: n, model: model}
}

// parse accepts either explicit messages or a bare intent. Triggers and
// routed text land here as intents.
func (h *ollamaChat) parse(req executor.Request) ([]chatMessage, error) {
	var args struct {
		Messages []chatMessage `json:"messages"`
		Intent   string        `json:"intent"`
	}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &args); err != nil {
			return nil, core.WrapErr(core.CodeValidation, err, "chat payload")
		}
	}
	if len(args.Messages) == 0 {
		if strings.TrimSpace(args.Intent) == "" {
			return nil, core.Errorf(core.CodeValidation, "chat needs messages or an intent")
		}
		args.Messages = []chatMessage{{Role: "user", Content: args.Intent}}
	}
	return args.Messages, nil
}

func (h *ollamaChat) Chat(ctx context.Context, req executor.Request) (json.RawMessage, error) {
	msgs, err := h.parse(req)
	if err != nil {
		return nil, err
	}

	h.node.inferring.Add(1)
	defer h.node.inferring.Add(-1)

	resp, err := ollamaPost(ctx, h.node.ollamaURL(), "/api/chat", map[string]any{
		"model": h.model, "messages": msgs, "stream": false,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Model   string      `json:"model"`
		Message chatMessage `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, core.WrapErr(core.CodeHandlerError, err, "decoding ollama chat")
	}
	return json.Marshal(map[string]string{"model": out.Model, "content": out.Message.Content})
}

func (h *ollamaChat) InvokeStream(ctx context.Context, req executor.Request, emit func(json.RawMessage) error) (json.RawMessage, error) {
	msgs, err := h.parse(req)
	if err != nil {
		return nil, err
	}

	h.node.inferring.Add(1)
	defer h.node.inferring.Add(-1)

	resp, err := ollamaPost(ctx, h.node.ollamaURL(), "/api/chat", map[string]any{
		"model": h.model, "messages": msgs, "stream": true,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var content strings.Builder
	model := h.model

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk struct {
			Model   string      `json:"model"`
			Message chatMessage `json:"message"`
			Done    bool        `json:"done"`
		}
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, core.WrapErr(core.CodeHandlerError, err, "decoding ollama stream")
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			delta, _ := json.Marshal(map[string]string{"delta": chunk.Message.Content})
			if err := emit(delta); err != nil {
				return nil, err
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, core.WrapErr(core.CodeHandlerError, err, "reading ollama stream")
	}
	return json.Marshal(map[string]string{"model": model, "content": content.String()})
}

// ollamaEmbed serves one llm/embed capability.
type ollamaEmbed struct {
	node  *Node
	model string
}

var _ executor.EmbedHandler = (*ollamaEmbed)(nil)

func (n *Node) ollamaEmbed(model string) *ollamaEmbed {
	return &ollamaEmbed{node: n, model: model}
}

func (h *ollamaEmbed) Embed(ctx context.Context, req executor.Request) (json.RawMessage, error) {
	var args struct {
		Input any `json:"input"`
	}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &args); err != nil {
			return nil, core.WrapErr(core.CodeValidation, err, "embed payload")
		}
	}
	if args.Input == nil {
		return nil, core.Errorf(core.CodeValidation, "embed needs an input")
	}

	h.node.inferring.Add(1)
	defer h.node.inferring.Add(-1)

	resp, err := ollamaPost(ctx, h.node.ollamaURL(), "/api/embed", map[string]any{
		"model": h.model, "input": args.Input,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Model      string      `json:"model"`
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, core.WrapErr(core.CodeHandlerError, err, "decoding ollama embeddings")
	}
	dims := 0
	if len(out.Embeddings) > 0 {
		dims = len(out.Embeddings[0])
	}
	return json.Marshal(map[string]any{"model": out.Model, "embeddings": out.Embeddings, "dims": dims})
}

// mlAnomaly serves the built-in ml/anomaly capability. The mlkit
// store keeps one detector per model name, "default" when unnamed.
type mlAnomaly struct{ node *Node }

var _ executor.AnomalyHandler = mlAnomaly{}

func (h mlAnomaly) DetectAnomalies(ctx context.Context, req executor.Request) (json.RawMessage, error) {
	var args struct {
		Model     string    `json:"model"`
		Values    []float64 `json:"values"`
		Threshold float64   `json:"threshold"`
	}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &args); err != nil {
			return nil, core.WrapErr(core.CodeValidation, err, "anomaly payload")
		}
	}
	if args.Model == "" {
		args.Model = "default"
	}
	model := h.node.models.Anomaly(args.Model)

	switch req.Tool {
	case "fit":
		if len(args.Values) == 0 {
			return nil, core.Errorf(core.CodeValidation, "fit needs values")
		}
		model.Fit(args.Values)
		return json.Marshal(map[string]any{"model": args.Model, "samples": model.Samples()})

	case "score":
		if len(args.Values) == 0 {
			return nil, core.Errorf(core.CodeValidation, "score needs values")
		}
		scores, err := model.Score(args.Values)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"model": args.Model, "scores": scores})

	case "", "detect":
		if len(args.Values) == 0 {
			return nil, core.Errorf(core.CodeValidation, "detect needs values")
		}
		var points []mlkit.Point
		if args.Threshold > 0 {
			scores, err := model.Score(args.Values)
			if err != nil {
				return nil, err
			}
			points = make([]mlkit.Point, len(scores))
			for i, z := range scores {
				points[i] = mlkit.Point{
					Index: i, Value: args.Values[i], Z: z,
					Anomalous: math.Abs(z) > args.Threshold,
				}
			}
		} else {
			var err error
			points, err = model.Detect(args.Values)
			if err != nil {
				return nil, err
			}
		}
		anomalies := 0
		for _, p := range points {
			if p.Anomalous {
				anomalies++
			}
		}
		return json.Marshal(map[string]any{"model": args.Model, "points": points, "anomalies": anomalies})

	default:
		return nil, core.Errorf(core.CodeValidation, "anomaly has no tool %q", req.Tool)
	}
}

// mlClassify serves the built-in ml/classify capability.
type mlClassify struct{ node *Node }

var _ executor.ClassifyHandler = mlClassify{}

func (h mlClassify) Classify(ctx context.Context, req executor.Request) (json.RawMessage, error) {
	var args struct {
		Model string   `json:"model"`
		Label string   `json:"label"`
		Texts []string `json:"texts"`
		Text  string   `json:"text"`
	}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &args); err != nil {
			return nil, core.WrapErr(core.CodeValidation, err, "classify payload")
		}
	}
	if args.Model == "" {
		args.Model = "default"
	}
	clf := h.node.models.Classifier(args.Model)

	switch req.Tool {
	case "fit":
		if err := clf.Fit(args.Label, args.Texts); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"model": args.Model, "labels": clf.Labels()})

	case "", "predict":
		if strings.TrimSpace(args.Text) == "" {
			return nil, core.Errorf(core.CodeValidation, "predict needs a text")
		}
		preds, err := clf.Predict(args.Text)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"model": args.Model, "predictions": preds})

	default:
		return nil, core.Errorf(core.CodeValidation, "classifier has no tool %q", req.Tool)
	}
}

// unavailableSensor stands in for a device the daemon cannot drive
// yet. It refuses every read until the companion app takes over.
type unavailableSensor struct{ msg string }

var _ executor.SensorHandler = unavailableSensor{}

func (s unavailableSensor) Read(ctx context.Context, req executor.Request) (json.RawMessage, error) {
	return nil, core.Errorf(core.CodeUnavailable, "%s", s.msg)
}
