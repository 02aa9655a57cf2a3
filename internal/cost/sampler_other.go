//go:build !linux

package cost

import "context"

// neutralSampler reports everything unknown. The model then prices
// the node at 1.0 with low confidence, which is the honest answer on
// platforms we have no probes for yet.
type neutralSampler struct{}

// NewPlatformSampler returns the sampler for this OS.
func NewPlatformSampler() Sampler {
	return neutralSampler{}
}

func (neutralSampler) Sample(_ context.Context) (Factors, error) {
	return Factors{}, nil
}
