package semantic

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderIsDeterministic(t *testing.T) {
	a := NewHashEmbedder(0)
	b := NewHashEmbedder(0)

	require.Equal(t, DefaultDim, a.Dim())
	require.Equal(t, a.ID(), b.ID())

	va, err := a.Embed("summarize my meeting notes")
	require.NoError(t, err)
	vb, err := b.Embed("summarize my meeting notes")
	require.NoError(t, err)
	assert.Equal(t, va, vb, "identical text must embed identically on every node")

	vc, err := a.Embed("water the plants on the balcony")
	require.NoError(t, err)
	assert.NotEqual(t, va, vc)
}

func TestHashEmbedderNormalizes(t *testing.T) {
	emb := NewHashEmbedder(128)
	vec, err := emb.Embed("transcribe audio from the kitchen microphone")
	require.NoError(t, err)
	require.Len(t, vec, 128)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
}

func TestHashEmbedderEmptyText(t *testing.T) {
	emb := NewHashEmbedder(32)
	vec, err := emb.Embed("   \t ... ")
	require.NoError(t, err)
	require.Len(t, vec, 32)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestCosineRanksSharedVocabularyHigher(t *testing.T) {
	emb := NewHashEmbedder(0)

	ocr, err := emb.Embed("vision ocr extract text from a screenshot")
	require.NoError(t, err)
	chat, err := emb.Embed("llm chat conversation llama3")
	require.NoError(t, err)
	query, err := emb.Embed("read the text on this screenshot")
	require.NoError(t, err)

	assert.Greater(t, Cosine(query, ocr), Cosine(query, chat))
}

func TestCosineDimensionMismatch(t *testing.T) {
	assert.Zero(t, Cosine(make([]float32, 4), make([]float32, 8)))
}

func TestHTTPEmbedderRoundTrip(t *testing.T) {
	var gotModel, gotInput string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		var req embeddingsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel, gotInput = req.Model, req.Input
		io.WriteString(w, `{"data":[{"embedding":[3,4,0,0,0,0,0,0]}]}`)
	}))
	defer srv.Close()

	emb := NewHTTPEmbedder(srv.URL, "nomic-embed-text", 8)
	require.Equal(t, "http/nomic-embed-text/8", emb.ID())

	vec, err := emb.Embed("index my documents")
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text", gotModel)
	assert.Equal(t, "index my documents", gotInput)

	require.Len(t, vec, 8)
	assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(vec[1]), 1e-6)
}

func TestHTTPEmbedderRejectsBadResponses(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			wantErr: "status 502",
		},
		{
			name:    "empty data",
			handler: func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, `{"data":[]}`) },
			wantErr: "empty data",
		},
		{
			name:    "wrong dimension",
			handler: func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, `{"data":[{"embedding":[1,0]}]}`) },
			wantErr: "dim 2, want 8",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			emb := NewHTTPEmbedder(srv.URL, "nomic-embed-text", 8)
			_, err := emb.Embed("anything")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
