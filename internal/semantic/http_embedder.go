package semantic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPEmbedder calls an OpenAI-compatible /v1/embeddings endpoint,
// typically a local ollama or llama.cpp server. Owners opt in via
// config; the hash embedder stays the default because it needs no
// sidecar process.
type HTTPEmbedder struct {
	url    string
	model  string
	dim    int
	client *http.Client
}

// NewHTTPEmbedder points at baseURL (scheme://host:port, no path).
func NewHTTPEmbedder(baseURL, model string, dim int) *HTTPEmbedder {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &HTTPEmbedder{
		url:    baseURL + "/v1/embeddings",
		model:  model,
		dim:    dim,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (e *HTTPEmbedder) ID() string {
	return fmt.Sprintf("http/%s/%d", e.model, e.dim)
}

func (e *HTTPEmbedder) Dim() int { return e.dim }

type embeddingsRequest struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *HTTPEmbedder) Embed(text string) ([]float32, error) {
	body, err := json.Marshal(embeddingsRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Post(e.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embeddings endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings endpoint: status %d", resp.StatusCode)
	}
	var out embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embeddings response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("embeddings response: empty data")
	}
	vec := out.Data[0].Embedding
	if len(vec) != e.dim {
		return nil, fmt.Errorf("embeddings response: dim %d, want %d", len(vec), e.dim)
	}
	normalize(vec)
	return vec, nil
}
