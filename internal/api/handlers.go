package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/atmosphere-mesh/atmosphere/internal/approval"
	"github.com/atmosphere-mesh/atmosphere/internal/audit"
	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/cost"
	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/router"
	"github.com/atmosphere-mesh/atmosphere/internal/transport"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.node.Status()
	meshID := ""
	if st.Mesh != nil {
		meshID = st.Mesh.MeshID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"node_id":  st.NodeID,
		"mesh_id":  meshID,
		"uptime_s": st.UptimeS,
		"version":  st.Version,
	})
}

func (s *Server) handleMeshStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleMeshCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err, false)
		return
	}
	mesh, err := s.node.CreateMesh(req.Name)
	if err != nil {
		writeErr(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, mesh)
}

func (s *Server) handleMeshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TTLSeconds int `json:"ttl_s"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err, false)
		return
	}

	tok, err := s.node.Invite(time.Duration(req.TTLSeconds) * time.Second)
	if err != nil {
		writeErr(w, err, false)
		return
	}
	encoded, err := tok.Encode()
	if err != nil {
		writeErr(w, core.WrapErr(core.CodeHandlerError, err, "encoding token"), false)
		return
	}
	uri, err := tok.JoinURI()
	if err != nil {
		writeErr(w, core.WrapErr(core.CodeHandlerError, err, "building join uri"), false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token_id":   tok.TokenID,
		"token":      encoded,
		"qr_data":    uri,
		"endpoints":  tok.Endpoints,
		"expires_at": time.Unix(tok.ExpiresAt, 0).UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMeshJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		URI   string `json:"uri"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err, false)
		return
	}
	input := req.Token
	if input == "" {
		input = req.URI
	}
	if input == "" {
		writeErr(w, core.Errorf(core.CodeValidation, "token or uri required"), false)
		return
	}

	res, err := s.node.Join(r.Context(), input)
	if err != nil {
		writeErr(w, err, false)
		return
	}

	sessionID := ""
	if mgr := s.node.Transport(); mgr != nil {
		if sess := mgr.Session(res.Peer.NodeID); sess != nil {
			sessionID = sess.ID
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mesh_id":       res.Mesh.MeshID,
		"mesh_name":     res.Mesh.MeshName,
		"session_id":    sessionID,
		"connected_via": res.ConnectedVia,
		"peer":          res.Peer,
	})
}

func (s *Server) handleMeshLeave(w http.ResponseWriter, r *http.Request) {
	mesh := s.node.MeshInfo()
	if err := s.node.Leave(); err != nil {
		writeErr(w, err, false)
		return
	}
	out := map[string]any{"left": true}
	if mesh != nil {
		out["mesh_id"] = mesh.MeshID
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMeshRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TokenID string `json:"token_id"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err, false)
		return
	}
	if err := s.node.RevokeToken(req.TokenID); err != nil {
		writeErr(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": req.TokenID})
}

func (s *Server) handleMeshPeers(w http.ResponseWriter, r *http.Request) {
	peers := []transport.PeerStatus{}
	if mgr := s.node.Transport(); mgr != nil {
		peers = mgr.Peers()
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": peers, "count": len(peers)})
}

// Topology shapes for the mesh graph view.
type topoNode struct {
	NodeID       string        `json:"node_id"`
	DisplayName  string        `json:"display_name,omitempty"`
	Platform     core.Platform `json:"platform,omitempty"`
	Capabilities int           `json:"capabilities"`
	Self         bool          `json:"self,omitempty"`
	Connected    bool          `json:"connected,omitempty"`
}

type topoEdge struct {
	From  string            `json:"from"`
	To    string            `json:"to"`
	Via   core.EndpointKind `json:"via"`
	RTTMS float64           `json:"rtt_ms,omitempty"`
}

func (s *Server) handleMeshTopology(w http.ResponseWriter, r *http.Request) {
	self := s.node.SelfInfo()
	nodes := map[string]*topoNode{
		self.NodeID: {
			NodeID:      self.NodeID,
			DisplayName: self.DisplayName,
			Platform:    self.Platform,
			Self:        true,
			Connected:   true,
		},
	}

	var edges []topoEdge
	if mgr := s.node.Transport(); mgr != nil {
		for _, info := range mgr.RosterNodes() {
			if info.NodeID == self.NodeID {
				continue
			}
			nodes[info.NodeID] = &topoNode{
				NodeID:      info.NodeID,
				DisplayName: info.DisplayName,
				Platform:    info.Platform,
			}
		}
		for _, p := range mgr.Peers() {
			if tn, ok := nodes[p.Node.NodeID]; ok {
				tn.Connected = true
			} else {
				nodes[p.Node.NodeID] = &topoNode{
					NodeID:      p.Node.NodeID,
					DisplayName: p.Node.DisplayName,
					Platform:    p.Node.Platform,
					Connected:   true,
				}
			}
			edges = append(edges, topoEdge{From: self.NodeID, To: p.Node.NodeID, Via: p.Via, RTTMS: p.RTTMS})
		}
	}

	// fold in nodes known only through gossiped capabilities
	for nodeID, recs := range s.node.Registry().Snapshot() {
		tn, ok := nodes[nodeID]
		if !ok {
			tn = &topoNode{NodeID: nodeID}
			nodes[nodeID] = tn
		}
		tn.Capabilities = len(recs)
	}

	out := make([]topoNode, 0, len(nodes))
	for _, tn := range nodes {
		out = append(out, *tn)
	}
	if edges == nil {
		edges = []topoEdge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out, "edges": edges})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registry.Filter{
		Type:   capability.Type(q.Get("type")),
		NodeID: q.Get("node"),
		Status: capability.Status(q.Get("status")),
		Tool:   q.Get("tool"),
	}
	recs := s.node.Registry().List(f)
	if recs == nil {
		recs = []registry.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": recs, "count": len(recs)})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	res, err := s.node.Scan(r.Context())
	if err != nil {
		writeErr(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// routeRequest covers /api/route and the routing half of /api/execute.
// cap_id and path are synonyms; intent is an alias for text kept for
// callers that phrase it that way.
type routeRequest struct {
	Intent    string `json:"intent,omitempty"`
	Text      string `json:"text,omitempty"`
	Path      string `json:"path,omitempty"`
	CapID     string `json:"cap_id,omitempty"`
	Type      string `json:"type,omitempty"`
	Tool      string `json:"tool,omitempty"`
	RouteHint string `json:"route_hint,omitempty"`
}

func (rr routeRequest) intent() router.Intent {
	in := router.Intent{
		Text:         rr.Text,
		ExplicitPath: rr.Path,
		Type:         capability.Type(rr.Type),
		Tool:         rr.Tool,
		RouteHint:    rr.RouteHint,
	}
	if in.Text == "" {
		in.Text = rr.Intent
	}
	if in.ExplicitPath == "" {
		in.ExplicitPath = rr.CapID
	}
	return in
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err, false)
		return
	}
	dec, err := s.node.Router().Route(req.intent())
	if err != nil {
		writeErr(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

type executeRequest struct {
	routeRequest
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
}

type executeResponse struct {
	Decision  *router.Decision `json:"decision"`
	Result    *executor.Result `json:"result"`
	ElapsedMS int64            `json:"elapsed_ms"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err, false)
		return
	}

	dec, err := s.node.Router().Route(req.intent())
	if err != nil {
		writeErr(w, err, false)
		return
	}

	ctx := r.Context()
	cancel := context.CancelFunc(func() {})
	if req.TimeoutMS > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
	}
	defer cancel()

	res, err := s.node.Executor().Execute(ctx, dec, executor.Request{
		CapID:   dec.CapID,
		Tool:    req.Tool,
		Payload: req.Payload,
	})
	if err != nil {
		// the caller's own budget firing is a 408; a downstream
		// handler or peer running out of time is a 504
		writeErr(w, err, ctx.Err() != nil)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{
		Decision:  dec,
		Result:    res,
		ElapsedMS: res.Elapsed.Milliseconds(),
	})
}

func (s *Server) handleCostCurrent(w http.ResponseWriter, r *http.Request) {
	factors, computed := s.node.Collector().Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        s.node.Identity().NodeID(),
		"cost":           computed.Cost,
		"low_confidence": computed.LowConfidence,
		"breakdown":      computed.Breakdown,
		"factors":        factors,
	})
}

func (s *Server) handleCostTable(w http.ResponseWriter, r *http.Request) {
	updates := s.node.CostTable().All()
	if updates == nil {
		updates = []cost.Row{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": updates, "count": len(updates)})
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	cfg := s.node.Gate().Config()
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		writeErr(w, core.WrapErr(core.CodeHandlerError, err, "rendering approval config"), false)
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// handleApprovalSet replaces the approval policy. The file write makes
// it durable and wakes the fsnotify watcher; the direct Update makes it
// effective even when the watcher is degraded. Applying twice is
// harmless.
func (s *Server) handleApprovalSet(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErr(w, core.WrapErr(core.CodeValidation, err, "reading body"), false)
		return
	}
	cfg, err := approval.ParseConfig(raw)
	if err != nil {
		writeErr(w, core.WrapErr(core.CodeValidation, err, "parsing approval config"), false)
		return
	}
	if err := approval.SaveConfig(s.node.Paths().ApprovalFile(), cfg); err != nil {
		writeErr(w, core.WrapErr(core.CodeUnavailable, err, "saving approval config"), false)
		return
	}
	if err := s.node.Gate().Update(cfg); err != nil {
		writeErr(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": true, "config_version": cfg.ConfigVersion})
}

func (s *Server) handleAuditTail(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeErr(w, core.Errorf(core.CodeValidation, "n must be a positive integer"), false)
			return
		}
		n = parsed
	}

	entries := []audit.Entry{}
	if log := s.node.Audit(); log != nil {
		got, err := log.Tail(n)
		if err != nil {
			writeErr(w, core.WrapErr(core.CodeUnavailable, err, "reading audit log"), false)
			return
		}
		if got != nil {
			entries = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}
