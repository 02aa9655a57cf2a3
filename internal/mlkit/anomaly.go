// Package mlkit holds the small on-node models behind the ml/anomaly
// and ml/classify capabilities. These run on phones and laptops, so
// everything is streaming or centroid-based: no training loops, no
// model files to ship.
package mlkit

import (
	"math"
	"sync"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

// DefaultZThreshold flags values more than three deviations out.
const DefaultZThreshold = 3.0

// minSamples before z-scores mean anything.
const minSamples = 2

// AnomalyModel is a streaming z-score detector. Fit folds values into
// Welford running moments, so memory stays constant no matter how much
// data an owner feeds it.
type AnomalyModel struct {
	mu        sync.Mutex
	count     int64
	mean      float64
	m2        float64
	threshold float64
}

// NewAnomalyModel builds a detector. threshold <= 0 uses the default.
func NewAnomalyModel(threshold float64) *AnomalyModel {
	if threshold <= 0 {
		threshold = DefaultZThreshold
	}
	return &AnomalyModel{threshold: threshold}
}

// Fit folds values into the running mean and variance.
func (m *AnomalyModel) Fit(values []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range values {
		m.count++
		delta := x - m.mean
		m.mean += delta / float64(m.count)
		m.m2 += delta * (x - m.mean)
	}
}

// Point is one scored value.
type Point struct {
	Index     int     `json:"index"`
	Value     float64 `json:"value"`
	Z         float64 `json:"z"`
	Anomalous bool    `json:"anomalous"`
}

// Score returns signed z-scores without judging them.
func (m *AnomalyModel) Score(values []float64) ([]float64, error) {
	mean, std, err := m.moments()
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(values))
	for i, x := range values {
		out[i] = zScore(x, mean, std)
	}
	return out, nil
}

// Detect scores values and flags the ones beyond the threshold.
func (m *AnomalyModel) Detect(values []float64) ([]Point, error) {
	mean, std, err := m.moments()
	if err != nil {
		return nil, err
	}
	out := make([]Point, len(values))
	for i, x := range values {
		z := zScore(x, mean, std)
		out[i] = Point{Index: i, Value: x, Z: z, Anomalous: math.Abs(z) > m.threshold}
	}
	return out, nil
}

func (m *AnomalyModel) moments() (mean, std float64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count < minSamples {
		return 0, 0, core.Errorf(core.CodeValidation, "anomaly model needs at least %d fitted samples, has %d", minSamples, m.count)
	}
	variance := m.m2 / float64(m.count-1)
	return m.mean, math.Sqrt(variance), nil
}

func zScore(x, mean, std float64) float64 {
	if std == 0 {
		if x == mean {
			return 0
		}
		return math.Inf(sign(x - mean))
	}
	return (x - mean) / std
}

func sign(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}

// AnomalyState is the serializable snapshot, so models survive export
// over the API and can be re-imported elsewhere.
type AnomalyState struct {
	Count     int64   `json:"count"`
	Mean      float64 `json:"mean"`
	M2        float64 `json:"m2"`
	Threshold float64 `json:"threshold"`
}

func (m *AnomalyModel) Export() AnomalyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return AnomalyState{Count: m.count, Mean: m.mean, M2: m.m2, Threshold: m.threshold}
}

func (m *AnomalyModel) Import(s AnomalyState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count, m.mean, m.m2 = s.Count, s.Mean, s.M2
	if s.Threshold > 0 {
		m.threshold = s.Threshold
	}
}

// Samples reports how many values the model has absorbed.
func (m *AnomalyModel) Samples() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}
