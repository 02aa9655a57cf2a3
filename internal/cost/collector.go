package cost

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sampler measures the local device. Implementations are per-OS;
// anything they cannot measure stays nil in the returned Factors.
type Sampler interface {
	Sample(ctx context.Context) (Factors, error)
}

// CollectorOptions tunes the collector loops.
type CollectorOptions struct {
	SampleEvery    time.Duration // default 10s, never longer
	BroadcastEvery time.Duration // default 30s, sooner on significant change
	QueueDepth     func() int    // live executor queue, optional
	GPUInference   func() bool   // whether inference is running now, optional
}

// Collector samples device factors on a cadence and notifies
// subscribers with the computed cost. Subscribers get called at most
// every BroadcastEvery unless a significant change shows up.
type Collector struct {
	model   *Model
	sampler Sampler
	opts    CollectorOptions
	logger  *slog.Logger

	mu       sync.RWMutex
	factors  Factors
	computed Computed
	sampled  time.Time

	subMu sync.RWMutex
	subs  map[int]func(Update)
	nextI int

	nodeID string
}

// NewCollector wires a collector for this node.
func NewCollector(nodeID string, model *Model, sampler Sampler, opts CollectorOptions, logger *slog.Logger) *Collector {
	if opts.SampleEvery <= 0 || opts.SampleEvery > 10*time.Second {
		opts.SampleEvery = 10 * time.Second
	}
	if opts.BroadcastEvery <= 0 {
		opts.BroadcastEvery = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		model:   model,
		sampler: sampler,
		opts:    opts,
		logger:  logger,
		subs:    make(map[int]func(Update)),
		nodeID:  nodeID,
	}
	c.sampleOnce(context.Background())
	return c
}

// Current returns the latest sample and its computed cost.
func (c *Collector) Current() (Factors, Computed) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.factors, c.computed
}

// CostFor computes the live cost of running work of the given
// capability class here. The gpu term applies only when the class
// itself uses the GPU, whatever the sampler saw.
func (c *Collector) CostFor(ctype string) Computed {
	c.mu.RLock()
	f := c.factors
	c.mu.RUnlock()
	f.GPUInference = GPUWork(ctype)
	return c.model.Compute(f)
}

// Subscribe registers fn for cost updates. The returned func
// unsubscribes.
func (c *Collector) Subscribe(fn func(Update)) func() {
	c.subMu.Lock()
	id := c.nextI
	c.nextI++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// Run drives the sample loop until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SampleEvery)
	defer ticker.Stop()

	lastBroadcast := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prev, _ := c.Current()
			next := c.sampleOnce(ctx)
			due := time.Since(lastBroadcast) >= c.opts.BroadcastEvery
			if due || significantChange(prev, next) {
				c.broadcast()
				lastBroadcast = time.Now()
			}
		}
	}
}

// ForceBroadcast pushes the current cost to subscribers immediately,
// used right after joining a mesh.
func (c *Collector) ForceBroadcast() {
	c.sampleOnce(context.Background())
	c.broadcast()
}

func (c *Collector) sampleOnce(ctx context.Context) Factors {
	f, err := c.sampler.Sample(ctx)
	if err != nil {
		c.logger.Warn("cost sample failed", "err", err)
		// keep the previous sample; staleness is better than zeroes
		c.mu.RLock()
		f = c.factors
		c.mu.RUnlock()
	}
	if c.opts.QueueDepth != nil {
		f.QueueDepth = c.opts.QueueDepth()
	}
	if c.opts.GPUInference != nil {
		f.GPUInference = c.opts.GPUInference()
	}
	computed := c.model.Compute(f)

	c.mu.Lock()
	c.factors = f
	c.computed = computed
	c.sampled = time.Now()
	c.mu.Unlock()
	return f
}

func (c *Collector) broadcast() {
	c.mu.RLock()
	upd := Update{
		NodeID:        c.nodeID,
		Cost:          c.computed.Cost,
		LowConfidence: c.computed.LowConfidence,
		Factors:       c.factors,
		Breakdown:     c.computed.Breakdown,
	}
	c.mu.RUnlock()

	c.subMu.RLock()
	subs := make([]func(Update), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(upd)
	}
}
