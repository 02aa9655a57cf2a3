package semantic

import (
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDim matches the small sentence-transformer models owners can
// swap in later, so cached vectors stay shape-compatible.
const DefaultDim = 384

// Embedder turns text into a fixed-dimension vector. Implementations
// must be deterministic: every node embeds announcement text locally
// and the scores only make sense when identical text produces
// identical vectors mesh-wide.
type Embedder interface {
	ID() string
	Dim() int
	Embed(text string) ([]float32, error)
}

// HashEmbedder is the zero-dependency default: hashed word, bigram
// and character n-gram features folded into a signed random-projection
// vector, L2-normalized. No model download, no drift between nodes.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder builds the default embedder. dim <= 0 uses DefaultDim.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) ID() string { return fmt.Sprintf("hash-ngram-v1/%d", e.dim) }
func (e *HashEmbedder) Dim() int   { return e.dim }

// feature weights; bigrams carry phrase signal, trigrams catch typos
// and morphology.
const (
	wordWeight    = 1.0
	bigramWeight  = 1.5
	trigramWeight = 0.4
)

func (e *HashEmbedder) Embed(text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	words := tokenize(text)
	if len(words) == 0 {
		return vec, nil
	}
	for i, w := range words {
		e.fold(vec, "w:"+w, wordWeight)
		if i+1 < len(words) {
			e.fold(vec, "b:"+w+"_"+words[i+1], bigramWeight)
		}
		for j := 0; j+3 <= len(w); j++ {
			e.fold(vec, "t:"+w[j:j+3], trigramWeight)
		}
	}
	normalize(vec)
	return vec, nil
}

// fold hashes the feature into a bucket and a sign and accumulates.
func (e *HashEmbedder) fold(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	bucket := int(sum % uint64(e.dim))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[bucket] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}

// Cosine computes similarity between two normalized vectors.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}
