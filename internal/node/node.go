// Package node assembles the daemon: identity, registry, semantic
// index, cost collector, gossip engine, router, executor, approval
// gate, audit log and the mesh transport, wired together so each
// subsystem stays ignorant of the others' internals.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmosphere-mesh/atmosphere/internal/approval"
	"github.com/atmosphere-mesh/atmosphere/internal/audit"
	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/circuitbreaker"
	"github.com/atmosphere-mesh/atmosphere/internal/config"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/cost"
	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/gossip"
	"github.com/atmosphere-mesh/atmosphere/internal/identity"
	"github.com/atmosphere-mesh/atmosphere/internal/metrics"
	"github.com/atmosphere-mesh/atmosphere/internal/mlkit"
	"github.com/atmosphere-mesh/atmosphere/internal/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/router"
	"github.com/atmosphere-mesh/atmosphere/internal/semantic"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
	"github.com/atmosphere-mesh/atmosphere/internal/transport"
)

// Version is stamped by the linker in release builds.
var Version = "0.4.0-dev"

// transportWSPath is where peers reach this node's transport listener.
const transportWSPath = "/v1/ws"

// Node owns every subsystem of one atmosphere daemon.
type Node struct {
	paths      config.Paths
	logger     *slog.Logger
	baseLogger *slog.Logger // un-scoped, for subsystems built after New
	met        *metrics.Metrics

	cfgMu sync.RWMutex
	cfg   *config.Config

	id        *identity.Identity
	embedder  semantic.Embedder
	index     *semantic.Index
	reg       *registry.Registry
	engine    *gossip.Engine
	collector *cost.Collector
	costs     *cost.Table
	gate      *approval.Gate
	auditLog  *audit.Log
	revoked   *token.RevocationStore
	dispatch  *executor.Dispatcher
	breakers  *circuitbreaker.Set
	route     *router.Router
	exec      *executor.Executor
	hub       *Hub
	models    *mlkit.Store

	tmu       sync.RWMutex
	tport     *transport.Manager
	wsHandler http.Handler
	runCtx    context.Context

	inferring atomic.Int64 // live model invocations, feeds GPU cost attribution
	started   time.Time
}

// New builds a node from its on-disk state. Nothing listens yet; Run
// starts the loops and listeners.
func New(paths config.Paths, cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := paths.Ensure(); err != nil {
		return nil, fmt.Errorf("state directory: %w", err)
	}

	id, created, err := identity.LoadOrCreate(paths.IdentityKey())
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if created {
		logger.Info("identity created", "node_id", id.NodeID())
	}

	n := &Node{
		paths:      paths,
		cfg:        cfg,
		logger:     logger.With("component", "node"),
		baseLogger: logger,
		met:        metrics.Default(),
		id:         id,
	}

	if cfg.Audit.Enabled {
		n.auditLog, err = audit.Open(paths.AuditLog(), logger)
		if err != nil {
			return nil, fmt.Errorf("audit log: %w", err)
		}
	}

	n.revoked, err = token.NewRevocationStore(paths.RevokedFile())
	if err != nil {
		return nil, fmt.Errorf("revocation store: %w", err)
	}

	apCfg, err := approval.LoadConfig(paths.ApprovalFile())
	if os.IsNotExist(err) {
		apCfg = approval.DefaultConfig()
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("approval config: %w", err)
	}
	n.gate, err = approval.NewGate(apCfg, n.auditFn(), logger)
	if err != nil {
		return nil, fmt.Errorf("approval gate: %w", err)
	}

	switch cfg.Semantic.Embedder {
	case "http":
		n.embedder = semantic.NewHTTPEmbedder(cfg.Semantic.EmbedderURL, "", cfg.Semantic.Dim)
	default:
		n.embedder = semantic.NewHashEmbedder(cfg.Semantic.Dim)
	}
	n.index = semantic.NewIndex(n.embedder)
	if rows, err := semantic.LoadCache(paths.EmbeddingCache(), n.embedder); err == nil && len(rows) > 0 {
		loaded := n.index.Preload(rows)
		n.logger.Debug("embedding cache loaded", "rows", loaded)
	}

	n.reg = registry.New(id.NodeID(), registry.Options{
		StaleAfter: time.Duration(cfg.Registry.StaleSeconds) * time.Second,
		EvictAfter: time.Duration(cfg.Registry.EvictSeconds) * time.Second,
		SweepEvery: time.Duration(cfg.Registry.SweepSeconds) * time.Second,
		Logger:     logger,
	})

	n.engine, err = gossip.NewEngine(id.NodeID(), gossip.Options{
		TTL:             cfg.Gossip.TTL,
		DedupEntries:    cfg.Gossip.DedupCache,
		MaxSkew:         time.Duration(cfg.Gossip.SkewSeconds) * time.Second,
		HeartbeatEvery:  time.Duration(cfg.Gossip.HeartbeatSeconds) * time.Second,
		OnHeartbeatTick: n.heartbeatTick,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("gossip engine: %w", err)
	}

	n.dispatch = executor.NewDispatcher(logger)
	model := cost.NewModel(cost.Tunables{
		Battery:    cfg.Cost.Multipliers.Battery,
		BatteryLow: cfg.Cost.Multipliers.BatteryLow,
		Thermal:    cfg.Cost.Multipliers.Thermal,
		Metered:    cfg.Cost.Multipliers.Metered,
		QueueStep:  cfg.Cost.Multipliers.QueueStep,
	})
	n.collector = cost.NewCollector(id.NodeID(), model, cost.NewPlatformSampler(), cost.CollectorOptions{
		SampleEvery:    time.Duration(cfg.Cost.SampleSeconds) * time.Second,
		BroadcastEvery: time.Duration(cfg.Cost.BroadcastSeconds) * time.Second,
		QueueDepth:     n.dispatch.InFlight,
		GPUInference:   func() bool { return n.inferring.Load() > 0 },
	}, logger)
	n.costs = cost.NewTable(time.Duration(cfg.Cost.StaleSeconds) * time.Second)

	n.route = router.New(id.NodeID(), n.reg, n.index, n.costs, n.collector, n, router.Options{
		SemanticThreshold: cfg.Router.SemanticThreshold,
		KeywordBoost:      cfg.Router.KeywordBoost,
		LocalBonus:        cfg.Router.LocalBonus,
		LANBonus:          cfg.Router.LANBonus,
		WANRTT:            time.Duration(cfg.Router.WANRTTMs) * time.Millisecond,
		WANPenalty:        cfg.Router.WANPenalty,
		MinCostDifference: cfg.Router.MinCostDifference,
		HysteresisTTL:     time.Duration(cfg.Router.HysteresisSeconds) * time.Second,
	}, logger)

	n.breakers = circuitbreaker.NewSet(circuitbreaker.DefaultConfig(), logger)
	n.exec = executor.New(id.NodeID(), n.reg, n.dispatch, nil, n.breakers, executor.Options{
		LLMTimeout:    time.Duration(cfg.Executor.LLMTimeoutSeconds) * time.Second,
		ToolTimeout:   time.Duration(cfg.Executor.ToolTimeoutSeconds) * time.Second,
		SensorTimeout: time.Duration(cfg.Executor.SensorTimeoutSeconds) * time.Second,
	}, logger)

	n.hub = NewHub(logger)
	n.models = mlkit.NewStore(n.embedder)

	n.wire()

	if mesh := n.MeshInfo(); mesh != nil {
		n.engine.SetMeshID(mesh.MeshID)
		n.buildTransport(*mesh)
	}
	return n, nil
}

// auditFn returns the audit sink, or nil when auditing is off.
func (n *Node) auditFn() approval.AuditFn {
	if n.auditLog == nil {
		return nil
	}
	return n.auditLog.Fn()
}

// auditWrite records an event when the audit log is enabled.
func (n *Node) auditWrite(event string, fields map[string]any) {
	if n.auditLog != nil {
		n.auditLog.Write(event, fields)
	}
}

// Run starts every loop and the transport listener, then blocks until
// ctx is canceled. State is flushed on the way out.
func (n *Node) Run(ctx context.Context) error {
	n.started = time.Now()

	n.tmu.Lock()
	n.runCtx = ctx
	mgr := n.tport
	n.tmu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { n.reg.Run(gctx); return nil })
	g.Go(func() error { n.engine.Run(gctx); return nil })
	g.Go(func() error { n.collector.Run(gctx); return nil })
	g.Go(func() error { n.gate.Run(gctx); return nil })
	g.Go(func() error { n.runTriggers(gctx); return nil })
	g.Go(func() error { return n.serveTransport(gctx) })
	if mgr != nil {
		g.Go(func() error { mgr.Run(gctx); return nil })
	}

	if err := approval.Watch(gctx, n.paths.ApprovalFile(), n.gate, n.logger); err != nil {
		n.logger.Warn("approval file watch unavailable", "err", err)
	}

	n.logger.Info("node running",
		"node_id", n.id.NodeID(), "version", Version, "mesh", n.engine.MeshID())
	n.hub.Publish("node_started", map[string]any{"node_id": n.id.NodeID(), "version": Version})

	err := g.Wait()
	n.Shutdown()
	return err
}

// serveTransport runs the peer websocket listener. Until the node is
// in a mesh it answers 503 so probes can tell the port is alive.
func (n *Node) serveTransport(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(transportWSPath, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.tmu.RLock()
		h := n.wsHandler
		n.tmu.RUnlock()
		if h == nil {
			http.Error(w, "node is not in a mesh", http.StatusServiceUnavailable)
			return
		}
		h.ServeHTTP(w, r)
	}))

	srv := &http.Server{
		Addr:              n.Config().Transport.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		n.logger.Info("transport listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return nil
	case err := <-errCh:
		return fmt.Errorf("transport listener: %w", err)
	}
}

// Shutdown flushes caches and closes everything that holds a resource.
// Local capabilities stay registered in peers' tables; they will age
// out or be refreshed when this node returns.
func (n *Node) Shutdown() {
	if rows := n.index.Export(); len(rows) > 0 {
		if err := semantic.SaveCache(n.paths.EmbeddingCache(), n.embedder, rows); err != nil {
			n.logger.Warn("embedding cache not saved", "err", err)
		}
	}

	n.tmu.Lock()
	mgr := n.tport
	n.tport = nil
	n.wsHandler = nil
	n.tmu.Unlock()
	if mgr != nil {
		mgr.Shutdown()
	}

	if n.auditLog != nil {
		n.auditWrite("node_stopped", map[string]any{"node_id": n.id.NodeID()})
		_ = n.auditLog.Close()
	}
	n.logger.Info("node stopped", "node_id", n.id.NodeID())
}

// Config returns a copy of the active configuration.
func (n *Node) Config() config.Config {
	n.cfgMu.RLock()
	defer n.cfgMu.RUnlock()
	return *n.cfg
}

// MeshInfo returns the configured mesh, or nil when the node has not
// created or joined one.
func (n *Node) MeshInfo() *core.MeshInfo {
	n.cfgMu.RLock()
	mc := n.cfg.Mesh
	n.cfgMu.RUnlock()
	if mc.MeshID == "" {
		return nil
	}
	info := &core.MeshInfo{MeshID: mc.MeshID, MeshName: mc.MeshName}
	if mc.CreatedAt != "" {
		if at, err := time.Parse(time.RFC3339, mc.CreatedAt); err == nil {
			info.CreatedAt = at
		}
	}
	return info
}

// SelfInfo describes this node as peers see it.
func (n *Node) SelfInfo() core.NodeInfo {
	cfg := n.Config()
	name := cfg.Node.DisplayName
	if name == "" {
		name, _ = os.Hostname()
	}
	platform := cfg.Node.Platform
	if platform == "" {
		platform = runtime.GOOS
	}
	return core.NodeInfo{
		NodeID:      n.id.NodeID(),
		DisplayName: name,
		Platform:    core.Platform(platform),
		Endpoints:   n.advertisedEndpoints(),
		Version:     Version,
		PublicKey:   n.id.PublicKeyBase64(),
	}
}

// advertisedEndpoints builds the dial list peers and invites carry:
// local first, then public, then the relay.
func (n *Node) advertisedEndpoints() []core.Endpoint {
	cfg := n.Config().Transport
	var eps []core.Endpoint
	local := cfg.AdvertiseLocal
	if local == "" {
		local = detectLocalURL(cfg.Listen)
	}
	if local != "" {
		eps = append(eps, core.Endpoint{Kind: core.EndpointLocal, URL: local})
	}
	if cfg.AdvertisePublic != "" {
		eps = append(eps, core.Endpoint{Kind: core.EndpointPublic, URL: cfg.AdvertisePublic})
	}
	if cfg.RelayURL != "" {
		eps = append(eps, core.Endpoint{Kind: core.EndpointRelay, URL: cfg.RelayURL})
	}
	return eps
}

// detectLocalURL guesses the LAN dial URL from the listen address and
// the first private interface. Returns "" when nothing is routable.
func detectLocalURL(listen string) string {
	_, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" {
		return ""
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() || !ip.IsPrivate() {
			continue
		}
		return "ws://" + net.JoinHostPort(ip.String(), port) + transportWSPath
	}
	return ""
}

// SameLAN and RTT make the node the router's locality oracle,
// delegating to the live transport when one exists.
func (n *Node) SameLAN(nodeID string) bool {
	if mgr := n.Transport(); mgr != nil {
		return mgr.SameLAN(nodeID)
	}
	return false
}

func (n *Node) RTT(nodeID string) (time.Duration, bool) {
	if mgr := n.Transport(); mgr != nil {
		return mgr.RTT(nodeID)
	}
	return 0, false
}

var _ router.Locality = (*Node)(nil)

// LocalCapabilities lists everything this node itself serves.
func (n *Node) LocalCapabilities() []capability.Capability {
	recs := n.reg.List(registry.Filter{NodeID: n.id.NodeID()})
	out := make([]capability.Capability, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Capability)
	}
	return out
}

// Transport returns the live mesh transport, or nil outside a mesh.
func (n *Node) Transport() *transport.Manager {
	n.tmu.RLock()
	defer n.tmu.RUnlock()
	return n.tport
}

func (n *Node) Identity() *identity.Identity       { return n.id }
func (n *Node) Registry() *registry.Registry       { return n.reg }
func (n *Node) Router() *router.Router             { return n.route }
func (n *Node) Executor() *executor.Executor       { return n.exec }
func (n *Node) Dispatcher() *executor.Dispatcher   { return n.dispatch }
func (n *Node) Gate() *approval.Gate               { return n.gate }
func (n *Node) Engine() *gossip.Engine             { return n.engine }
func (n *Node) Collector() *cost.Collector         { return n.collector }
func (n *Node) CostTable() *cost.Table             { return n.costs }
func (n *Node) Hub() *Hub                          { return n.hub }
func (n *Node) Audit() *audit.Log                  { return n.auditLog }
func (n *Node) Models() *mlkit.Store               { return n.models }
func (n *Node) Revocations() *token.RevocationStore { return n.revoked }
func (n *Node) Paths() config.Paths                { return n.paths }

// Status is the health snapshot the CLI and /api/mesh/status render.
type Status struct {
	NodeID       string               `json:"node_id"`
	DisplayName  string               `json:"display_name"`
	Platform     core.Platform        `json:"platform"`
	Version      string               `json:"version"`
	UptimeS      int64                `json:"uptime_s"`
	Mesh         *core.MeshInfo       `json:"mesh,omitempty"`
	Peers        int                  `json:"peers"`
	Nodes        int                  `json:"nodes"`
	Capabilities int                  `json:"capabilities"`
	LocalCaps    int                  `json:"local_capabilities"`
	Cost         cost.Computed        `json:"cost"`
	Gossip       gossip.StatsSnapshot `json:"gossip"`
	Endpoints    []core.Endpoint      `json:"endpoints,omitempty"`
}

// Status assembles the snapshot.
func (n *Node) Status() Status {
	self := n.SelfInfo()
	_, computed := n.collector.Current()
	st := Status{
		NodeID:       self.NodeID,
		DisplayName:  self.DisplayName,
		Platform:     self.Platform,
		Version:      Version,
		Mesh:         n.MeshInfo(),
		Nodes:        n.reg.NodeCount(),
		Capabilities: n.reg.Len(),
		LocalCaps:    len(n.LocalCapabilities()),
		Cost:         computed,
		Gossip:       n.engine.Snapshot(),
		Endpoints:    self.Endpoints,
	}
	if !n.started.IsZero() {
		st.UptimeS = int64(time.Since(n.started).Seconds())
	}
	if mgr := n.Transport(); mgr != nil {
		st.Peers = mgr.SessionCount()
	}
	return st
}
