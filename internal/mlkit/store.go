package mlkit

import (
	"sort"
	"sync"

	"github.com/atmosphere-mesh/atmosphere/internal/semantic"
)

// Store keeps named models so API callers can fit one request and
// predict in the next. Models appear on first use.
type Store struct {
	emb semantic.Embedder

	mu          sync.RWMutex
	anomalies   map[string]*AnomalyModel
	classifiers map[string]*Classifier
}

// NewStore builds the model store. Classifiers share the node's
// embedder so their vectors line up with the routing index.
func NewStore(emb semantic.Embedder) *Store {
	return &Store{
		emb:         emb,
		anomalies:   make(map[string]*AnomalyModel),
		classifiers: make(map[string]*Classifier),
	}
}

// Anomaly returns the named detector, creating it on first use.
func (s *Store) Anomaly(name string) *AnomalyModel {
	s.mu.RLock()
	m, ok := s.anomalies[name]
	s.mu.RUnlock()
	if ok {
		return m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok = s.anomalies[name]; ok {
		return m
	}
	m = NewAnomalyModel(0)
	s.anomalies[name] = m
	return m
}

// Classifier returns the named classifier, creating it on first use.
func (s *Store) Classifier(name string) *Classifier {
	s.mu.RLock()
	c, ok := s.classifiers[name]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.classifiers[name]; ok {
		return c
	}
	c = NewClassifier(s.emb)
	s.classifiers[name] = c
	return c
}

// ModelInfo describes one stored model for the API surface.
type ModelInfo struct {
	Name    string         `json:"name"`
	Kind    string         `json:"kind"` // anomaly | classifier
	Samples int64          `json:"samples,omitempty"`
	Labels  map[string]int `json:"labels,omitempty"`
}

// List returns every stored model sorted by kind then name.
func (s *Store) List() []ModelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ModelInfo, 0, len(s.anomalies)+len(s.classifiers))
	for name, m := range s.anomalies {
		out = append(out, ModelInfo{Name: name, Kind: "anomaly", Samples: m.Samples()})
	}
	for name, c := range s.classifiers {
		out = append(out, ModelInfo{Name: name, Kind: "classifier", Labels: c.Labels()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Drop removes a model. Returns whether anything was removed.
func (s *Store) Drop(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, hadA := s.anomalies[name]
	_, hadC := s.classifiers[name]
	delete(s.anomalies, name)
	delete(s.classifiers, name)
	return hadA || hadC
}
