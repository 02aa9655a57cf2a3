// Package circuitbreaker stops invoke traffic to peers that keep
// failing at the transport level, so one dead node cannot stall every
// route that considers it.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

// State of one breaker.
type State int

const (
	StateClosed   State = iota // traffic flows
	StateOpen                  // peer shunned until Cooldown elapses
	StateHalfOpen              // limited probes to test recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen         = errors.New("peer circuit open")
	ErrProbeLimit   = errors.New("half-open probe limit reached")
	errNotCountable = errors.New("not countable")
)

// Config tunes one breaker.
type Config struct {
	// MaxProbes is how many requests half-open lets through.
	MaxProbes uint32

	// Interval clears closed-state counts so old failures age out.
	Interval time.Duration

	// Cooldown is how long open lasts before probing.
	Cooldown time.Duration

	// ShouldTrip inspects counts after a countable failure.
	ShouldTrip func(c Counts) bool

	// Countable decides whether an error indicts the peer. Remote
	// handler errors mean the peer answered, so by default only
	// transport-class failures count.
	Countable func(err error) bool

	// OnStateChange fires on every transition.
	OnStateChange func(peer string, from, to State)
}

// DefaultConfig suits mesh peers: nodes drop off and come back within
// seconds, so the cooldown stays short.
func DefaultConfig() Config {
	return Config{
		MaxProbes: 2,
		Interval:  60 * time.Second,
		Cooldown:  15 * time.Second,
		ShouldTrip: func(c Counts) bool {
			if c.ConsecutiveFailures >= 3 {
				return true
			}
			return c.Requests >= 6 && c.FailureRatio() > 0.5
		},
		Countable: TransportClass,
	}
}

// TransportClass reports whether the error blames the link rather than
// the handler on the other side.
func TransportClass(err error) bool {
	switch core.CodeOf(err) {
	case core.CodeTransportFailure, core.CodeUnavailable:
		return true
	default:
		return false
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = def.MaxProbes
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = def.ShouldTrip
	}
	if cfg.Countable == nil {
		cfg.Countable = def.Countable
	}
	return cfg
}

// Counts track requests inside the current generation.
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"successes"`
	TotalFailures        uint32 `json:"failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() { *c = Counts{} }

// Requests is counted in before(), when the call is admitted; the
// outcome hooks only record how it went.
func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker guards one peer. Generations make results from before a
// state change harmless: a late failure from the previous generation
// cannot re-trip a breaker that already recovered.
type Breaker struct {
	peer string
	cfg  Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// NewBreaker builds a breaker for one peer.
func NewBreaker(peer string, cfg Config) *Breaker {
	return &Breaker{peer: peer, cfg: cfg.withDefaults(), state: StateClosed}
}

func (b *Breaker) Peer() string { return b.peer }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow reports whether a request may proceed right now, without
// registering one. Routers use it to skip shunned peers cheaply.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	switch {
	case state == StateOpen:
		return ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes:
		return ErrProbeLimit
	}
	return nil
}

// Do runs fn under the breaker. A rejected call returns
// core.CodeUnavailable wrapping ErrOpen or ErrProbeLimit; fn's own
// error passes through untouched.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	gen, err := b.before()
	if err != nil {
		return core.WrapErr(core.CodeUnavailable, err, "peer %s shunned", b.peer)
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(gen, errNotCountable)
			panic(r)
		}
	}()
	err = fn(ctx)
	b.after(gen, err)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)
	if state == StateOpen {
		return gen, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return gen, ErrProbeLimit
	}
	b.counts.Requests++
	return gen, nil
}

func (b *Breaker) after(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if gen != current {
		return // result from a previous generation
	}

	switch {
	case err == nil:
		b.onSuccess(state, now)
	case errors.Is(err, errNotCountable):
		// panic path: neither success nor peer failure
	case b.cfg.Countable(err):
		b.onFailure(state, now)
	default:
		// the peer answered, just unhappily
		b.onSuccess(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.cfg.ShouldTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// currentState advances expired states before reporting.
func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.peer, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}

func (b *Breaker) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("breaker[%s state=%s requests=%d failures=%d]",
		b.peer, b.state, b.counts.Requests, b.counts.TotalFailures)
}

// Set holds one breaker per peer, created on first use.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	logger   *slog.Logger
}

// NewSet builds a per-peer breaker set. State changes are logged.
func NewSet(cfg Config, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "circuitbreaker")
	cfg = cfg.withDefaults()
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(peer string, from, to State) {
		logger.Warn("breaker state change", "peer", peer, "from", from.String(), "to", to.String())
		if userHook != nil {
			userHook(peer, from, to)
		}
	}
	return &Set{breakers: make(map[string]*Breaker), cfg: cfg, logger: logger}
}

// For returns the peer's breaker, creating it on first sight.
func (s *Set) For(peer string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[peer]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[peer]; ok {
		return b
	}
	b = NewBreaker(peer, s.cfg)
	s.breakers[peer] = b
	return b
}

// Forget drops a departed peer's breaker.
func (s *Set) Forget(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, peer)
}

// Snapshot reports every breaker's state for diagnostics.
func (s *Set) Snapshot() map[string]BreakerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]BreakerStats, len(s.breakers))
	for peer, b := range s.breakers {
		out[peer] = BreakerStats{Peer: peer, State: b.State().String(), Counts: b.Counts()}
	}
	return out
}

// BreakerStats is one breaker's diagnostic view.
type BreakerStats struct {
	Peer   string `json:"peer"`
	State  string `json:"state"`
	Counts Counts `json:"counts"`
}
