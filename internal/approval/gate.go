package approval

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

// Request is everything the gate needs to judge one remote invoke.
type Request struct {
	FromNode     string // remote requester node id
	Cap          capability.Capability
	OnBattery    bool // this device, right now
	HasTokenAuth bool // session was established with a verified token
}

// Decision is the gate's answer. Denials carry the reason the owner
// will see in the audit log and the taxonomy code callers return.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Err converts a denial into the error the executor propagates.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return core.Errorf(core.CodeNotAuthorized, "approval gate: %s", d.Reason)
}

// AuditFn receives every decision for the audit log.
type AuditFn func(event string, fields map[string]any)

type compiledConfig struct {
	cfg        *Config
	modelGlobs []glob.Glob
	allowGlobs []glob.Glob
	denyGlobs  []glob.Glob
}

// Gate enforces the owner's approval config on remote invocations.
// Config swaps atomically so the fsnotify watcher can reload without
// pausing traffic.
type Gate struct {
	mu      sync.RWMutex
	current compiledConfig

	limiter *RateLimiter
	audit   AuditFn
	logger  *slog.Logger
}

// NewGate compiles cfg and wires the audit sink. audit may be nil.
func NewGate(cfg *Config, audit AuditFn, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		limiter: NewRateLimiter(),
		audit:   audit,
		logger:  logger.With("component", "approval"),
	}
	if err := g.Update(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// Update validates, compiles and swaps in a new config.
func (g *Gate) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	compiled := compiledConfig{cfg: cfg}
	for _, p := range cfg.Share.Models {
		compiled.modelGlobs = append(compiled.modelGlobs, glob.MustCompile(p))
	}
	for _, p := range cfg.MeshAccess.Allow {
		compiled.allowGlobs = append(compiled.allowGlobs, glob.MustCompile(p))
	}
	for _, p := range cfg.MeshAccess.Deny {
		compiled.denyGlobs = append(compiled.denyGlobs, glob.MustCompile(p))
	}
	g.mu.Lock()
	g.current = compiled
	g.mu.Unlock()
	g.logger.Info("approval config active",
		"allow_entries", len(cfg.MeshAccess.Allow),
		"deny_entries", len(cfg.MeshAccess.Deny),
		"model_globs", len(cfg.Share.Models))
	return nil
}

// Config returns a copy of the active policy.
func (g *Gate) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return *g.current.cfg
}

// CheckRemoteInvoke judges a remote node's attempt to run one of this
// node's capabilities. Deny wins over allow; an empty allow list
// denies everyone; sensors and models need explicit opt-in.
func (g *Gate) CheckRemoteInvoke(req Request) Decision {
	g.mu.RLock()
	c := g.current
	g.mu.RUnlock()

	d := g.judge(c, req)
	g.record(req, d)
	return d
}

func (g *Gate) judge(c compiledConfig, req Request) Decision {
	cfg := c.cfg

	if cfg.RequireTokenAuth && !req.HasTokenAuth {
		return deny("session not token-authenticated")
	}
	for _, dg := range c.denyGlobs {
		if dg.Match(req.FromNode) {
			return deny("node " + req.FromNode + " is denied")
		}
	}
	if len(c.allowGlobs) == 0 {
		return deny("mesh access allow list is empty")
	}
	allowed := false
	for _, ag := range c.allowGlobs {
		if ag.Match(req.FromNode) {
			allowed = true
			break
		}
	}
	if !allowed {
		return deny("node " + req.FromNode + " not in allow list")
	}

	if req.Cap.Type.IsSensor() {
		name := sensorName(req.Cap.Type)
		if !cfg.Share.Sensors[name] {
			return deny("sensor " + name + " not shared")
		}
	}

	if isModelWork(req.Cap.Type) {
		if model := req.Cap.Model(); model != "" {
			matched := false
			for _, mg := range c.modelGlobs {
				if mg.Match(model) {
					matched = true
					break
				}
			}
			if !matched {
				return deny("model " + model + " not in shared families")
			}
		}
	}

	if req.Cap.Meta["requires_gpu"] == "true" && !cfg.Share.Hardware.GPU {
		return deny("gpu work not shared")
	}
	if req.OnBattery && !cfg.Share.Hardware.BatteryOK && isHeavyWork(req.Cap.Type) {
		return deny("heavy work refused while on battery")
	}

	if !g.limiter.Allow("node:"+req.FromNode, cfg.Limits.PerNodeRPM) {
		return deny("per-node rate limit exceeded")
	}
	if !g.limiter.Allow("mesh", cfg.Limits.PerMeshRPM) {
		return deny("mesh rate limit exceeded")
	}
	return Decision{Allowed: true}
}

func (g *Gate) record(req Request, d Decision) {
	if d.Allowed {
		g.logger.Debug("remote invoke allowed", "from", req.FromNode, "cap", req.Cap.CapID)
	} else {
		g.logger.Info("remote invoke denied", "from", req.FromNode, "cap", req.Cap.CapID, "reason", d.Reason)
	}
	if g.audit != nil {
		g.audit("approval_decision", map[string]any{
			"from":    req.FromNode,
			"cap_id":  req.Cap.CapID,
			"allowed": d.Allowed,
			"reason":  d.Reason,
		})
	}
}

// Run drives rate limiter cleanup until ctx is done.
func (g *Gate) Run(ctx context.Context) {
	g.limiter.Run(ctx)
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

func sensorName(t capability.Type) string {
	if i := strings.IndexByte(string(t), '/'); i >= 0 {
		return string(t)[i+1:]
	}
	return string(t)
}

// isModelWork covers families where a model name is the thing being
// shared.
func isModelWork(t capability.Type) bool {
	switch t.Family() {
	case "llm", "vision", "audio", "ml", "agent":
		return true
	}
	return false
}

// isHeavyWork covers families that will spin fans and drain battery.
func isHeavyWork(t capability.Type) bool {
	switch t.Family() {
	case "llm", "vision", "audio", "ml":
		return true
	}
	return false
}
