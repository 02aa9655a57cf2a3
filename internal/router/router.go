package router

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	gocache "github.com/patrickmn/go-cache"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/cost"
	"github.com/atmosphere-mesh/atmosphere/internal/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/semantic"
)

// Locality answers where a node is relative to us. The transport
// manager implements it from live sessions; a nil Locality treats
// every remote node as unknown-distance.
type Locality interface {
	SameLAN(nodeID string) bool
	RTT(nodeID string) (time.Duration, bool)
}

// LocalCost prices a class of work on this node from live factors.
// The cost collector implements it; peers are priced from the table
// scalar they broadcast. nil falls back to the table for self too.
type LocalCost interface {
	CostFor(ctype string) cost.Computed
}

// Options are the scoring knobs, config-tunable.
type Options struct {
	SemanticThreshold float64       // drop below this, default 0.5
	KeywordBoost      float64       // topic/hint match bonus, default 0.1
	LocalBonus        float64       // same node, default 1.3
	LANBonus          float64       // same LAN, default 1.1
	WANRTT            time.Duration // beyond this the penalty kicks in, default 200ms
	WANPenalty        float64       // divide by this, default 1.25
	MinCostDifference float64       // hysteresis margin, default 0.2
	HysteresisTTL     time.Duration // winner memory, default 5m
	MaxAlternatives   int           // default 3
}

func (o Options) withDefaults() Options {
	if o.SemanticThreshold <= 0 {
		o.SemanticThreshold = 0.5
	}
	if o.KeywordBoost <= 0 {
		o.KeywordBoost = 0.1
	}
	if o.LocalBonus <= 0 {
		o.LocalBonus = 1.3
	}
	if o.LANBonus <= 0 {
		o.LANBonus = 1.1
	}
	if o.WANRTT <= 0 {
		o.WANRTT = 200 * time.Millisecond
	}
	if o.WANPenalty <= 0 {
		o.WANPenalty = 1.25
	}
	if o.MinCostDifference <= 0 {
		o.MinCostDifference = 0.2
	}
	if o.HysteresisTTL <= 0 {
		o.HysteresisTTL = 5 * time.Minute
	}
	if o.MaxAlternatives <= 0 {
		o.MaxAlternatives = 3
	}
	return o
}

// Candidate is one scored target with the full breakdown, kept so
// callers can explain the decision.
type Candidate struct {
	CapID             string            `json:"cap_id"`
	NodeID            string            `json:"node_id"`
	Type              capability.Type   `json:"type"`
	Status            capability.Status `json:"status"`
	Semantic          float64           `json:"semantic"`
	Boosted           bool              `json:"boosted,omitempty"`
	Locality          float64           `json:"locality"`
	Cost              float64           `json:"cost"`
	CostLowConfidence bool              `json:"cost_low_confidence,omitempty"`
	Combined          float64           `json:"combined"`
}

// Decision is the routing answer.
type Decision struct {
	CapID        string      `json:"cap_id"`
	NodeID       string      `json:"node_id"`
	Local        bool        `json:"local"`
	Explicit     bool        `json:"explicit,omitempty"`
	Winner       Candidate   `json:"winner"`
	Alternatives []Candidate `json:"alternatives,omitempty"`
	Reasoning    []string    `json:"reasoning"`
	Fingerprint  string      `json:"fingerprint"`
	ElapsedUS    int64       `json:"elapsed_us"`
}

// Router scores intents against the registry. Explicit paths skip
// the pipeline entirely.
type Router struct {
	selfNode  string
	reg       *registry.Registry
	index     *semantic.Index
	costs     *cost.Table
	localCost LocalCost
	locality  Locality
	opts      Options
	memory    *gocache.Cache // fingerprint -> winning cap_id
	logger    *slog.Logger
}

// New wires a router. localCost and locality may be nil.
func New(selfNode string, reg *registry.Registry, index *semantic.Index, costs *cost.Table, localCost LocalCost, locality Locality, opts Options, logger *slog.Logger) *Router {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		selfNode:  selfNode,
		reg:       reg,
		index:     index,
		costs:     costs,
		localCost: localCost,
		locality:  locality,
		opts:      opts,
		memory:    gocache.New(opts.HysteresisTTL, 2*opts.HysteresisTTL),
		logger:    logger.With("component", "router"),
	}
}

// Route picks the best capability for the intent.
func (r *Router) Route(in Intent) (*Decision, error) {
	start := time.Now()

	if capID := ResolveExplicit(in.ExplicitPath); capID != "" {
		return r.routeExplicit(capID, start)
	}
	if in.ExplicitPath != "" {
		return nil, core.Errorf(core.CodeNotFound, "explicit path %q is not a node/label path or cap_id", in.ExplicitPath)
	}
	if strings.TrimSpace(in.Text) == "" && in.Type == "" && in.Tool == "" && in.RouteHint == "" {
		return nil, core.Errorf(core.CodeValidation, "intent needs text, a type, a tool or a route hint")
	}
	return r.routeScored(in, start)
}

// routeExplicit is the short-circuit: one map lookup, no scoring.
func (r *Router) routeExplicit(capID string, start time.Time) (*Decision, error) {
	rec, ok := r.reg.Get(capID)
	if !ok {
		return nil, core.Errorf(core.CodeNotFound, "capability %s not in registry", capID)
	}
	if rec.Status == capability.StatusOffline {
		return nil, core.Errorf(core.CodeUnavailable, "capability %s is offline", capID)
	}
	d := &Decision{
		CapID:    rec.CapID,
		NodeID:   rec.NodeID,
		Local:    rec.NodeID == r.selfNode,
		Explicit: true,
		Winner: Candidate{
			CapID: rec.CapID, NodeID: rec.NodeID, Type: rec.Type, Status: rec.Status,
		},
		Reasoning: []string{fmt.Sprintf("explicit path to %s, scoring skipped", rec.CapID)},
		ElapsedUS: time.Since(start).Microseconds(),
	}
	return d, nil
}

func (r *Router) routeScored(in Intent, start time.Time) (*Decision, error) {
	filter := registry.Filter{Type: in.Type, Tool: in.Tool}
	var hintGlob glob.Glob
	if in.RouteHint != "" {
		g, err := capability.CompileHint(in.RouteHint)
		if err != nil {
			return nil, err
		}
		hintGlob = g
		filter.Hint = g
	}

	cands := r.reg.Candidates(filter)
	// a hint narrows; when it narrows to nothing it demotes itself to
	// a boost so near-miss hints still route
	if len(cands) == 0 && in.RouteHint != "" {
		filter.Hint = nil
		cands = r.reg.Candidates(filter)
	}
	if len(cands) == 0 {
		return nil, r.noCapability(in)
	}

	queryVec, err := r.index.QueryVec(in.Text)
	if err != nil {
		return nil, err
	}
	keywords := in.Keywords()

	scored := make([]Candidate, 0, len(cands))
	for i := range cands {
		rec := &cands[i]
		sem, indexed := r.index.Similarity(queryVec, rec.CapID)
		if !indexed {
			sem = 0
		}
		c := Candidate{
			CapID:    rec.CapID,
			NodeID:   rec.NodeID,
			Type:     rec.Type,
			Status:   rec.Status,
			Semantic: float64(sem),
		}
		if r.boostMatches(rec, keywords, hintGlob) {
			c.Semantic += r.opts.KeywordBoost
			c.Boosted = true
		}
		if c.Semantic > 1.0 {
			c.Semantic = 1.0
		}
		if in.Text != "" && c.Semantic < r.opts.SemanticThreshold {
			continue
		}
		c.Locality = r.localityFactor(rec.NodeID)
		c.Cost, c.CostLowConfidence = r.costOf(rec)
		c.Combined = c.Semantic * c.Locality / c.Cost
		if in.Text == "" {
			// pure filter route: semantic is moot, rank on locality/cost
			c.Combined = c.Locality / c.Cost
		}
		scored = append(scored, c)
	}
	if len(scored) == 0 {
		return nil, r.noCapability(in)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Combined != scored[j].Combined {
			return scored[i].Combined > scored[j].Combined
		}
		return scored[i].CapID < scored[j].CapID
	})

	fp := in.Fingerprint()
	winner, sticky := r.applyHysteresis(fp, scored)
	r.memory.Set(fp, winner.CapID, gocache.DefaultExpiration)

	alts := make([]Candidate, 0, r.opts.MaxAlternatives)
	for _, c := range scored {
		if c.CapID == winner.CapID {
			continue
		}
		alts = append(alts, c)
		if len(alts) == r.opts.MaxAlternatives {
			break
		}
	}

	d := &Decision{
		CapID:        winner.CapID,
		NodeID:       winner.NodeID,
		Local:        winner.NodeID == r.selfNode,
		Winner:       winner,
		Alternatives: alts,
		Reasoning:    r.explain(winner, sticky, len(cands), len(scored)),
		Fingerprint:  fp,
		ElapsedUS:    time.Since(start).Microseconds(),
	}
	return d, nil
}

// boostMatches awards the single +0.1: an intent keyword appearing in
// the capability topics, or the request hint matching the record.
func (r *Router) boostMatches(rec *registry.Record, keywords []string, hint glob.Glob) bool {
	if hint != nil && rec.MatchesHint(hint) {
		return true
	}
	for _, kw := range keywords {
		for _, topic := range rec.Topics {
			if strings.EqualFold(kw, topic) {
				return true
			}
		}
	}
	return false
}

// costOf prices a candidate. Peers get the scalar they broadcast;
// our own capabilities get the live work-class price, so a busy GPU
// repels llm work without repelling tool calls.
func (r *Router) costOf(rec *registry.Record) (float64, bool) {
	if rec.NodeID == r.selfNode && r.localCost != nil {
		comp := r.localCost.CostFor(string(rec.Type))
		return comp.Cost, comp.LowConfidence
	}
	return r.costs.Get(rec.NodeID)
}

func (r *Router) localityFactor(nodeID string) float64 {
	if nodeID == r.selfNode {
		return r.opts.LocalBonus
	}
	if r.locality == nil {
		return 1.0
	}
	if rtt, ok := r.locality.RTT(nodeID); ok && rtt > r.opts.WANRTT {
		return 1.0 / r.opts.WANPenalty
	}
	if r.locality.SameLAN(nodeID) {
		return r.opts.LANBonus
	}
	return 1.0
}

// applyHysteresis keeps the previous winner unless the challenger
// beats it by more than MinCostDifference, so borderline scores do
// not flap between nodes.
func (r *Router) applyHysteresis(fp string, scored []Candidate) (Candidate, bool) {
	best := scored[0]
	prevID, ok := r.memory.Get(fp)
	if !ok || prevID.(string) == best.CapID {
		return best, false
	}
	for _, c := range scored {
		if c.CapID != prevID.(string) {
			continue
		}
		if best.Combined < c.Combined*(1+r.opts.MinCostDifference) {
			return c, true
		}
		break
	}
	return best, false
}

func (r *Router) explain(w Candidate, sticky bool, candidates, survivors int) []string {
	lines := []string{
		fmt.Sprintf("%d candidates, %d above threshold %.2f", candidates, survivors, r.opts.SemanticThreshold),
		fmt.Sprintf("semantic %.3f%s", w.Semantic, boostNote(w.Boosted, r.opts.KeywordBoost)),
		fmt.Sprintf("locality x%.2f, cost /%.2f%s", w.Locality, w.Cost, confNote(w.CostLowConfidence)),
		fmt.Sprintf("combined %.4f", w.Combined),
	}
	if sticky {
		lines = append(lines, fmt.Sprintf("kept previous winner %s: challenger within %.0f%%", w.CapID, r.opts.MinCostDifference*100))
	}
	return lines
}

func boostNote(boosted bool, boost float64) string {
	if boosted {
		return fmt.Sprintf(" (includes +%.2f topic/hint boost)", boost)
	}
	return ""
}

func confNote(low bool) string {
	if low {
		return " (low confidence)"
	}
	return ""
}

// noCapability explains what was close, so callers can fix intents.
func (r *Router) noCapability(in Intent) error {
	err := core.Errorf(core.CodeNoCapability, "no capability matches the intent")
	if in.Text != "" {
		if hits, herr := r.index.TopK(in.Text, 3); herr == nil && len(hits) > 0 {
			misses := make([]string, 0, len(hits))
			for _, h := range hits {
				misses = append(misses, fmt.Sprintf("%s (%.3f)", h.Key, h.Score))
			}
			err = err.WithDetail("nearest", misses)
		}
	}
	if in.Type != "" {
		err = err.WithDetail("type", string(in.Type))
	}
	if in.RouteHint != "" {
		err = err.WithDetail("route_hint", in.RouteHint)
	}
	return err
}
