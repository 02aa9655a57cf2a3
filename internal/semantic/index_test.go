package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex() *Index {
	return NewIndex(NewHashEmbedder(64))
}

func TestIndexUpsertQueryRemove(t *testing.T) {
	ix := newTestIndex()

	require.NoError(t, ix.Upsert("aaaa000011112222:ollama-llama3", "llm chat llama3 conversation"))
	require.NoError(t, ix.Upsert("bbbb333344445555:screen-ocr", "vision ocr screenshot text extraction"))
	require.NoError(t, ix.Upsert("bbbb333344445555:file-index", "file index search local documents"))
	require.Equal(t, 3, ix.Len())

	qv, err := ix.QueryVec("find text in a screenshot")
	require.NoError(t, err)

	ocr, ok := ix.Similarity(qv, "bbbb333344445555:screen-ocr")
	require.True(t, ok)
	chat, ok := ix.Similarity(qv, "aaaa000011112222:ollama-llama3")
	require.True(t, ok)
	assert.Greater(t, ocr, chat)

	_, ok = ix.Similarity(qv, "cccc666677778888:missing")
	assert.False(t, ok)

	// removing a row swaps the last one into its slot; survivors must
	// keep their vectors
	before, ok := ix.Similarity(qv, "bbbb333344445555:file-index")
	require.True(t, ok)
	ix.Remove("aaaa000011112222:ollama-llama3")
	require.Equal(t, 2, ix.Len())
	after, ok := ix.Similarity(qv, "bbbb333344445555:file-index")
	require.True(t, ok)
	assert.Equal(t, before, after)

	_, ok = ix.Similarity(qv, "aaaa000011112222:ollama-llama3")
	assert.False(t, ok)

	ix.Remove("never-there")
	assert.Equal(t, 2, ix.Len())
}

func TestIndexUpsertIdenticalTextIsNoop(t *testing.T) {
	ix := newTestIndex()
	require.NoError(t, ix.Upsert("k", "hello world"))
	first := ix.Export()

	require.NoError(t, ix.Upsert("k", "hello world"))
	assert.Equal(t, first, ix.Export())
	assert.Equal(t, 1, ix.Len())
}

func TestIndexUpsertChangedTextReembeds(t *testing.T) {
	ix := newTestIndex()
	require.NoError(t, ix.Upsert("k", "llm chat"))
	qv, err := ix.QueryVec("llm chat")
	require.NoError(t, err)
	before, ok := ix.Similarity(qv, "k")
	require.True(t, ok)

	require.NoError(t, ix.Upsert("k", "image generation stable diffusion"))
	after, ok := ix.Similarity(qv, "k")
	require.True(t, ok)
	assert.Equal(t, 1, ix.Len())
	assert.Less(t, after, before, "vector should track the new announcement text")
}

func TestTopKOrdersAndCaps(t *testing.T) {
	ix := newTestIndex()
	require.NoError(t, ix.Upsert("chat", "llm chat conversation assistant"))
	require.NoError(t, ix.Upsert("ocr", "vision ocr read text from screenshots"))
	require.NoError(t, ix.Upsert("tts", "audio speech synthesis voice"))

	hits, err := ix.TopK("read the text on my screenshots", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "ocr", hits[0].Key)
	assert.Equal(t, "vision ocr read text from screenshots", hits[0].Text)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestTopKTieBreaksOnKey(t *testing.T) {
	ix := newTestIndex()
	require.NoError(t, ix.Upsert("b", "bravo"))
	require.NoError(t, ix.Upsert("a", "alpha"))
	require.NoError(t, ix.Upsert("c", "charlie"))

	// an empty query embeds to the zero vector, so every score ties at
	// zero and ordering falls back to the key
	hits, err := ix.TopK("", 0)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{hits[0].Key, hits[1].Key, hits[2].Key})
}

func TestPreloadSkipsWrongDimension(t *testing.T) {
	ix := newTestIndex()
	good := make([]float32, 64)
	good[0] = 1
	rows := []Row{
		{Key: "good", Text: "kept", Vec: good},
		{Key: "bad", Text: "skipped", Vec: make([]float32, 384)},
	}

	assert.Equal(t, 1, ix.Preload(rows))
	assert.Equal(t, 1, ix.Len())

	qv := make([]float32, 64)
	qv[0] = 1
	sim, ok := ix.Similarity(qv, "good")
	require.True(t, ok)
	assert.InDelta(t, 1.0, float64(sim), 1e-6)

	_, ok = ix.Similarity(qv, "bad")
	assert.False(t, ok)
}
