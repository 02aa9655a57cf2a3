package semantic

import (
	"sort"
	"sync"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

// Meta is what the index remembers about a row besides its vector.
type Meta struct {
	Key  string // cap_id
	Text string // exactly what was embedded
}

// Row is the export/preload unit for the on-disk cache.
type Row struct {
	Key  string
	Text string
	Vec  []float32
}

// Hit is one TopK result.
type Hit struct {
	Key   string  `json:"key"`
	Score float32 `json:"score"`
	Text  string  `json:"text,omitempty"`
}

// Index holds all capability vectors in one contiguous float32 slice
// with a parallel metadata array, so a full scan is a tight loop over
// cache-friendly memory. Removal swaps the last row in. Vectors are
// derived locally from announcement text and never leave the node.
type Index struct {
	emb Embedder

	mu    sync.RWMutex
	dim   int
	vecs  []float32
	meta  []Meta
	byKey map[string]int
}

// NewIndex builds an empty index over the given embedder.
func NewIndex(emb Embedder) *Index {
	return &Index{
		emb:   emb,
		dim:   emb.Dim(),
		byKey: make(map[string]int),
	}
}

// Dim returns the vector dimension.
func (ix *Index) Dim() int { return ix.dim }

// Len returns the row count.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.meta)
}

// Upsert embeds text under key. Re-upserting identical text is a
// no-op, which makes heartbeats free.
func (ix *Index) Upsert(key, text string) error {
	ix.mu.RLock()
	if row, ok := ix.byKey[key]; ok && ix.meta[row].Text == text {
		ix.mu.RUnlock()
		return nil
	}
	ix.mu.RUnlock()

	vec, err := ix.emb.Embed(text)
	if err != nil {
		return core.WrapErr(core.CodeHandlerError, err, "embed %s", key)
	}
	ix.mu.Lock()
	ix.putLocked(key, text, vec)
	ix.mu.Unlock()
	return nil
}

func (ix *Index) putLocked(key, text string, vec []float32) {
	if row, ok := ix.byKey[key]; ok {
		copy(ix.vecs[row*ix.dim:(row+1)*ix.dim], vec)
		ix.meta[row].Text = text
		return
	}
	ix.byKey[key] = len(ix.meta)
	ix.meta = append(ix.meta, Meta{Key: key, Text: text})
	ix.vecs = append(ix.vecs, vec...)
}

// Remove drops a key by swapping the last row into its slot.
func (ix *Index) Remove(key string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	row, ok := ix.byKey[key]
	if !ok {
		return
	}
	last := len(ix.meta) - 1
	if row != last {
		copy(ix.vecs[row*ix.dim:(row+1)*ix.dim], ix.vecs[last*ix.dim:(last+1)*ix.dim])
		ix.meta[row] = ix.meta[last]
		ix.byKey[ix.meta[row].Key] = row
	}
	ix.vecs = ix.vecs[:last*ix.dim]
	ix.meta = ix.meta[:last]
	delete(ix.byKey, key)
}

// QueryVec embeds query text once, for repeated Similarity calls.
func (ix *Index) QueryVec(text string) ([]float32, error) {
	vec, err := ix.emb.Embed(text)
	if err != nil {
		return nil, core.WrapErr(core.CodeHandlerError, err, "embed query")
	}
	return vec, nil
}

// Similarity returns cosine(queryVec, key's vector).
func (ix *Index) Similarity(queryVec []float32, key string) (float32, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	row, ok := ix.byKey[key]
	if !ok {
		return 0, false
	}
	var dot float32
	base := row * ix.dim
	for i, q := range queryVec {
		dot += q * ix.vecs[base+i]
	}
	return dot, true
}

// TopK scans every row for the k best cosine scores. Used for
// nearest-miss explanations; the router scores its own filtered
// candidate set via Similarity.
func (ix *Index) TopK(query string, k int) ([]Hit, error) {
	qv, err := ix.QueryVec(query)
	if err != nil {
		return nil, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	hits := make([]Hit, 0, len(ix.meta))
	for row := range ix.meta {
		var dot float32
		base := row * ix.dim
		for i, q := range qv {
			dot += q * ix.vecs[base+i]
		}
		hits = append(hits, Hit{Key: ix.meta[row].Key, Score: dot, Text: ix.meta[row].Text})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Key < hits[j].Key
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Export copies every row out, for the on-disk cache.
func (ix *Index) Export() []Row {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	rows := make([]Row, len(ix.meta))
	for i, m := range ix.meta {
		vec := make([]float32, ix.dim)
		copy(vec, ix.vecs[i*ix.dim:(i+1)*ix.dim])
		rows[i] = Row{Key: m.Key, Text: m.Text, Vec: vec}
	}
	return rows
}

// Preload inserts cached rows without re-embedding. Rows with the
// wrong dimension are skipped.
func (ix *Index) Preload(rows []Row) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := 0
	for _, r := range rows {
		if len(r.Vec) != ix.dim {
			continue
		}
		ix.putLocked(r.Key, r.Text, r.Vec)
		n++
	}
	return n
}
