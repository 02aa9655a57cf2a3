package mlkit

import (
	"math"
	"sort"
	"sync"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/semantic"
)

// Classifier is a nearest-centroid text classifier over the node's
// embedder. Fitting a label averages its example vectors; predicting
// returns the label whose centroid sits closest by cosine.
type Classifier struct {
	emb semantic.Embedder

	mu        sync.RWMutex
	centroids map[string]*centroid
}

type centroid struct {
	sum     []float64
	samples int
}

// unit returns the L2-normalized mean vector.
func (c *centroid) unit(dim int) []float32 {
	vec := make([]float32, dim)
	var norm float64
	for i, v := range c.sum {
		vec[i] = float32(v / float64(c.samples))
		norm += float64(vec[i]) * float64(vec[i])
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// NewClassifier builds a classifier on the given embedder.
func NewClassifier(emb semantic.Embedder) *Classifier {
	return &Classifier{emb: emb, centroids: make(map[string]*centroid)}
}

// Fit folds example texts into the label's centroid.
func (c *Classifier) Fit(label string, texts []string) error {
	if label == "" {
		return core.Errorf(core.CodeValidation, "classifier label must not be empty")
	}
	if len(texts) == 0 {
		return core.Errorf(core.CodeValidation, "classifier fit needs at least one example")
	}
	vecs := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := c.emb.Embed(t)
		if err != nil {
			return core.WrapErr(core.CodeHandlerError, err, "embedding example for label %s", label)
		}
		vecs = append(vecs, v)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cen, ok := c.centroids[label]
	if !ok {
		cen = &centroid{sum: make([]float64, c.emb.Dim())}
		c.centroids[label] = cen
	}
	for _, v := range vecs {
		for i, x := range v {
			cen.sum[i] += float64(x)
		}
		cen.samples++
	}
	return nil
}

// Prediction is one label ranked by similarity.
type Prediction struct {
	Label      string  `json:"label"`
	Similarity float64 `json:"similarity"`
	Confidence float64 `json:"confidence"`
}

// Predict ranks every fitted label against the text. The first entry
// wins; Confidence is the winner's share of the positive similarity
// mass, so well-separated classes score near 1.
func (c *Classifier) Predict(text string) ([]Prediction, error) {
	qv, err := c.emb.Embed(text)
	if err != nil {
		return nil, core.WrapErr(core.CodeHandlerError, err, "embedding classify input")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.centroids) == 0 {
		return nil, core.Errorf(core.CodeValidation, "classifier has no fitted labels")
	}

	dim := c.emb.Dim()
	preds := make([]Prediction, 0, len(c.centroids))
	var positive float64
	for label, cen := range c.centroids {
		sim := float64(semantic.Cosine(qv, cen.unit(dim)))
		preds = append(preds, Prediction{Label: label, Similarity: sim})
		if sim > 0 {
			positive += sim
		}
	}
	sort.Slice(preds, func(i, j int) bool {
		if preds[i].Similarity != preds[j].Similarity {
			return preds[i].Similarity > preds[j].Similarity
		}
		return preds[i].Label < preds[j].Label
	})
	for i := range preds {
		if positive > 0 && preds[i].Similarity > 0 {
			preds[i].Confidence = preds[i].Similarity / positive
		}
	}
	return preds, nil
}

// Labels lists fitted labels with their sample counts.
func (c *Classifier) Labels() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.centroids))
	for label, cen := range c.centroids {
		out[label] = cen.samples
	}
	return out
}
