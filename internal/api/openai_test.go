package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/node"
)

// scriptedChat is a chat capability handler with a fixed answer and,
// for streaming callers, a fixed chunk sequence.
type scriptedChat struct {
	content string
	chunks  []string
}

func (h scriptedChat) Invoke(ctx context.Context, req executor.Request) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"model": "stub-llm", "content": h.content})
}

func (h scriptedChat) InvokeStream(ctx context.Context, req executor.Request, emit func(json.RawMessage) error) (json.RawMessage, error) {
	for _, c := range h.chunks {
		raw, err := json.Marshal(map[string]string{"delta": c})
		if err != nil {
			return nil, err
		}
		if err := emit(raw); err != nil {
			return nil, err
		}
	}
	return h.Invoke(ctx, req)
}

func registerChat(t *testing.T, n *node.Node, h executor.Handler) capability.Capability {
	t.Helper()
	c := capability.Capability{
		Label:  "stub-llm",
		Type:   capability.TypeLLMChat,
		Topics: []string{"poem", "chat"},
		Tools:  []capability.Tool{{Name: "chat"}},
	}
	require.NoError(t, n.Registry().RegisterLocal(&c))
	require.NoError(t, n.Dispatcher().Register(c, h))
	return c
}

func TestChatCompletions(t *testing.T) {
	n, srv := newTestAPI(t, nil)
	chat := registerChat(t, n, scriptedChat{content: "hello from the mesh"})

	t.Run("explicit model", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/v1/chat/completions", map[string]any{
			"model":    chat.CapID,
			"messages": []map[string]string{{"role": "user", "content": "say hi"}},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeMap(t, resp)
		assert.Equal(t, "chat.completion", body["object"])
		assert.Equal(t, "stub-llm", body["model"])

		choices, ok := body["choices"].([]any)
		require.True(t, ok)
		require.Len(t, choices, 1)
		first := choices[0].(map[string]any)
		assert.Equal(t, "stop", first["finish_reason"])
		msg := first["message"].(map[string]any)
		assert.Equal(t, "assistant", msg["role"])
		assert.Equal(t, "hello from the mesh", msg["content"])

		usage := body["usage"].(map[string]any)
		assert.Greater(t, usage["total_tokens"].(float64), 0.0)
	})

	t.Run("auto routes by intent", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/v1/chat/completions", map[string]any{
			"model":    "auto",
			"messages": []map[string]string{{"role": "user", "content": "write a poem about rain"}},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeMap(t, resp)
		choices := body["choices"].([]any)
		msg := choices[0].(map[string]any)["message"].(map[string]any)
		assert.Equal(t, "hello from the mesh", msg["content"])
	})

	t.Run("empty messages rejected", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/v1/chat/completions", map[string]any{"model": "auto"})
		wantError(t, resp, http.StatusBadRequest, core.CodeValidation)
	})
}

func TestChatCompletionsStreaming(t *testing.T) {
	n, srv := newTestAPI(t, nil)
	chat := registerChat(t, n, scriptedChat{
		content: "hello world",
		chunks:  []string{"hello ", "world"},
	})

	resp := postJSON(t, srv.URL+"/v1/chat/completions", map[string]any{
		"model":    chat.CapID,
		"stream":   true,
		"messages": []map[string]string{{"role": "user", "content": "say hi"}},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var datas []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(line, "data: ") {
			datas = append(datas, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NotEmpty(t, datas)
	assert.Equal(t, "[DONE]", datas[len(datas)-1])

	var content strings.Builder
	sawRole, sawStop := false, false
	for _, d := range datas[:len(datas)-1] {
		var chunk struct {
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal([]byte(d), &chunk))
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		require.Len(t, chunk.Choices, 1)
		c := chunk.Choices[0]
		if c.Delta.Role == "assistant" {
			sawRole = true
		}
		content.WriteString(c.Delta.Content)
		if c.FinishReason != nil && *c.FinishReason == "stop" {
			sawStop = true
		}
	}
	assert.True(t, sawRole, "first chunk announces the assistant role")
	assert.True(t, sawStop, "final chunk carries finish_reason stop")
	assert.Equal(t, "hello world", content.String())
}

func TestEmbeddings(t *testing.T) {
	n, srv := newTestAPI(t, nil)

	c := capability.Capability{
		Label:  "stub-embed",
		Type:   capability.TypeLLMEmbed,
		Topics: []string{"embed"},
		Tools:  []capability.Tool{{Name: "embed", Idempotent: true}},
	}
	require.NoError(t, n.Registry().RegisterLocal(&c))
	require.NoError(t, n.Dispatcher().Register(c, executor.HandlerFunc(
		func(ctx context.Context, req executor.Request) (json.RawMessage, error) {
			return json.Marshal(map[string]any{
				"model":      "stub-embed",
				"embeddings": [][]float64{{0.1, 0.2, 0.3}},
				"dims":       3,
			})
		})))

	resp := postJSON(t, srv.URL+"/v1/embeddings", map[string]any{
		"model": c.CapID,
		"input": "the quick brown fox",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeMap(t, resp)
	assert.Equal(t, "list", body["object"])
	assert.Equal(t, "stub-embed", body["model"])

	data, ok := body["data"].([]any)
	require.True(t, ok)
	require.Len(t, data, 1)
	item := data[0].(map[string]any)
	assert.Equal(t, "embedding", item["object"])
	assert.Len(t, item["embedding"].([]any), 3)

	// input is mandatory
	resp = postJSON(t, srv.URL+"/v1/embeddings", map[string]any{"model": c.CapID})
	wantError(t, resp, http.StatusBadRequest, core.CodeValidation)
}

func TestModelsListsCapabilities(t *testing.T) {
	n, srv := newTestAPI(t, nil)
	chat := registerChat(t, n, scriptedChat{content: "x"})
	echo := registerEcho(t, n, "echo", "tool/echo")

	resp, body := getJSON(t, srv.URL+"/v1/models")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "list", body["object"])

	data, ok := body["data"].([]any)
	require.True(t, ok)
	ids := make([]string, 0, len(data))
	for _, m := range data {
		entry := m.(map[string]any)
		assert.Equal(t, "model", entry["object"])
		ids = append(ids, entry["id"].(string))
	}
	assert.Contains(t, ids, chat.CapID)
	assert.Contains(t, ids, echo.CapID)
}

// scanNode runs a capability scan so the built-in ML capabilities are
// registered. Ollama is unreachable in tests, so only the built-ins
// and any attached sensors land.
func scanNode(t *testing.T, srv *httptest.Server) {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/scan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeMap(t, resp)

	registered, ok := body["registered"].([]any)
	require.True(t, ok)
	labels := make([]string, 0, len(registered))
	for _, r := range registered {
		labels = append(labels, r.(map[string]any)["label"].(string))
	}
	assert.Contains(t, labels, "anomaly-detector")
	assert.Contains(t, labels, "text-classifier")
}

func TestAnomalyEndpoint(t *testing.T) {
	_, srv := newTestAPI(t, nil)
	scanNode(t, srv)

	fit := postJSON(t, srv.URL+"/v1/ml/anomaly", map[string]any{
		"action": "fit",
		"data":   []float64{10, 10.2, 9.8, 10.1, 9.9, 10.05, 9.95, 10.1},
	})
	require.Equal(t, http.StatusOK, fit.StatusCode)
	fitBody := decodeMap(t, fit)
	assert.Equal(t, "default", fitBody["model"])
	assert.EqualValues(t, 8, fitBody["samples"])

	detect := postJSON(t, srv.URL+"/v1/ml/anomaly", map[string]any{
		"data":      []float64{10, 10.1, 42},
		"threshold": 3.0,
	})
	require.Equal(t, http.StatusOK, detect.StatusCode)
	detBody := decodeMap(t, detect)
	points, ok := detBody["points"].([]any)
	require.True(t, ok)
	assert.Len(t, points, 3)
	assert.GreaterOrEqual(t, detBody["anomalies"].(float64), 1.0, "42 is far off the fitted baseline")

	t.Run("unknown action", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/v1/ml/anomaly", map[string]any{"action": "explode", "data": []float64{1}})
		wantError(t, resp, http.StatusBadRequest, core.CodeValidation)
	})

	t.Run("empty data", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/v1/ml/anomaly", map[string]any{"action": "fit"})
		wantError(t, resp, http.StatusBadRequest, core.CodeValidation)
	})
}

func TestClassifyEndpoint(t *testing.T) {
	_, srv := newTestAPI(t, nil)
	scanNode(t, srv)

	fit := postJSON(t, srv.URL+"/v1/ml/classify", map[string]any{
		"action": "fit",
		"data": map[string][]string{
			"homework": {
				"solve the math assignment",
				"help with my homework essay",
				"explain this physics problem set",
			},
			"chores": {
				"water the plants",
				"take out the trash",
				"vacuum the living room floor",
			},
		},
	})
	require.Equal(t, http.StatusOK, fit.StatusCode)
	fitBody := decodeMap(t, fit)
	labels, ok := fitBody["labels"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, labels, 2)

	predict := postJSON(t, srv.URL+"/v1/ml/classify", map[string]any{
		"text": "help me with this math homework problem",
	})
	require.Equal(t, http.StatusOK, predict.StatusCode)
	predBody := decodeMap(t, predict)
	preds, ok := predBody["predictions"].([]any)
	require.True(t, ok)
	require.Len(t, preds, 2)
	top := preds[0].(map[string]any)
	assert.Equal(t, "homework", top["label"])

	t.Run("unknown action", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/v1/ml/classify", map[string]any{"action": "rank", "text": "x"})
		wantError(t, resp, http.StatusBadRequest, core.CodeValidation)
	})
}
