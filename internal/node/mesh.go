package node

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmosphere-mesh/atmosphere/internal/config"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/gossip"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
	"github.com/atmosphere-mesh/atmosphere/internal/transport"
)

// JoinResult reports how a join landed.
type JoinResult struct {
	Mesh         core.MeshInfo     `json:"mesh"`
	Peer         core.NodeInfo     `json:"peer"`
	ConnectedVia core.EndpointKind `json:"connected_via"`
}

// CreateMesh mints a fresh mesh with this node as its first member.
func (n *Node) CreateMesh(name string) (core.MeshInfo, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.MeshInfo{}, core.Errorf(core.CodeValidation, "mesh name must not be empty")
	}
	if cur := n.MeshInfo(); cur != nil {
		return core.MeshInfo{}, core.Errorf(core.CodeValidation, "already in mesh %q (%s), leave it first", cur.MeshName, cur.MeshID)
	}

	mesh := core.MeshInfo{
		MeshID:    uuid.NewString(),
		MeshName:  name,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := n.persistMesh(config.MeshConfig{
		MeshID:    mesh.MeshID,
		MeshName:  mesh.MeshName,
		CreatedAt: mesh.CreatedAt.Format(time.RFC3339),
	}); err != nil {
		return core.MeshInfo{}, err
	}

	n.engine.SetMeshID(mesh.MeshID)
	n.buildTransport(mesh)

	n.logger.Info("mesh created", "mesh_id", mesh.MeshID, "name", mesh.MeshName)
	n.auditWrite("mesh_created", map[string]any{"mesh_id": mesh.MeshID, "name": mesh.MeshName})
	n.hub.Publish("mesh_created", map[string]any{"mesh_id": mesh.MeshID, "name": mesh.MeshName})
	return mesh, nil
}

// Join redeems an invite: verify offline, dial the issuer's endpoints
// in preference order, persist the mesh the welcome confirms.
func (n *Node) Join(ctx context.Context, input string) (*JoinResult, error) {
	t, err := token.ParseJoinInput(input)
	if err != nil {
		return nil, err
	}
	if err := t.Verify(token.VerifyOptions{IsRevoked: n.revoked.Contains}); err != nil {
		return nil, err
	}
	if !t.HasScope(token.ScopeJoin) {
		return nil, core.Errorf(core.CodeNotAuthorized, "token does not grant join")
	}
	if cur := n.MeshInfo(); cur != nil && cur.MeshID != t.MeshID {
		return nil, core.Errorf(core.CodeValidation, "already in mesh %q (%s), leave it first", cur.MeshName, cur.MeshID)
	}
	if len(t.Endpoints) == 0 && n.Config().Transport.RelayURL == "" {
		return nil, core.Errorf(core.CodeValidation, "invite carries no endpoints and no relay is configured")
	}

	encoded, err := t.Encode()
	if err != nil {
		return nil, core.WrapErr(core.CodeValidation, err, "re-encoding token")
	}

	n.engine.SetMeshID(t.MeshID)
	mgr := n.ensureTransport(core.MeshInfo{MeshID: t.MeshID, MeshName: t.MeshName})
	mgr.SetJoinToken(encoded)

	issuer := core.NodeInfo{
		NodeID:    t.IssuerNode,
		Endpoints: t.Endpoints,
		PublicKey: t.IssuerKey,
	}
	welcome, err := mgr.Connect(ctx, issuer, encoded)
	if err != nil {
		return nil, err
	}

	res := &JoinResult{}
	if welcome != nil {
		res.Mesh = welcome.Mesh
		res.Peer = welcome.Node
	} else {
		// Connect no-ops when a session is already up; report it as is
		res.Mesh = mgr.MeshInfo()
		if s := mgr.Session(t.IssuerNode); s != nil {
			res.Peer = s.Peer()
		}
	}
	if s := mgr.Session(t.IssuerNode); s != nil {
		res.ConnectedVia = s.Via()
	}

	mc := config.MeshConfig{MeshID: res.Mesh.MeshID, MeshName: res.Mesh.MeshName}
	if !res.Mesh.CreatedAt.IsZero() {
		mc.CreatedAt = res.Mesh.CreatedAt.UTC().Format(time.RFC3339)
	}
	if err := n.persistMesh(mc); err != nil {
		return nil, err
	}

	n.collector.ForceBroadcast()
	n.logger.Info("joined mesh",
		"mesh_id", res.Mesh.MeshID, "name", res.Mesh.MeshName,
		"peer", res.Peer.NodeID, "via", res.ConnectedVia)
	n.auditWrite("mesh_joined", map[string]any{
		"mesh_id": res.Mesh.MeshID, "peer": res.Peer.NodeID, "via": string(res.ConnectedVia), "token_id": t.TokenID,
	})
	n.hub.Publish("mesh_joined", map[string]any{"mesh_id": res.Mesh.MeshID, "peer": res.Peer.NodeID})
	return res, nil
}

// Leave announces departure, tears down the transport and clears every
// remote record. Local capabilities survive for the next mesh.
func (n *Node) Leave() error {
	cur := n.MeshInfo()
	if cur == nil {
		return core.Errorf(core.CodeValidation, "not in a mesh")
	}

	n.publishGossip(gossip.KindNodeLeave, nodeLeavePayload{NodeID: n.id.NodeID()})
	// give the write pumps a moment to flush the leave frame
	time.Sleep(200 * time.Millisecond)

	n.tmu.Lock()
	mgr := n.tport
	n.tport = nil
	n.wsHandler = nil
	n.tmu.Unlock()
	if mgr != nil {
		mgr.Shutdown()
	}
	n.exec.SetRemote(nil)
	n.engine.SetMeshID("")

	self := n.id.NodeID()
	for nodeID := range n.reg.Snapshot() {
		if nodeID == self {
			continue
		}
		n.reg.RemoveNode(nodeID)
		n.costs.Forget(nodeID)
		n.engine.ForgetOrigin(nodeID)
		n.breakers.Forget(nodeID)
	}

	if err := n.persistMesh(config.MeshConfig{}); err != nil {
		return err
	}
	n.logger.Info("left mesh", "mesh_id", cur.MeshID, "name", cur.MeshName)
	n.auditWrite("mesh_left", map[string]any{"mesh_id": cur.MeshID})
	n.hub.Publish("mesh_left", map[string]any{"mesh_id": cur.MeshID})
	return nil
}

// Invite mints a join token for the current mesh, carrying this node's
// reachable endpoints.
func (n *Node) Invite(ttl time.Duration) (*token.Token, error) {
	mesh := n.MeshInfo()
	if mesh == nil {
		return nil, core.Errorf(core.CodeValidation, "create or join a mesh before inviting")
	}
	tok, err := token.Issue(n.id, *mesh, n.advertisedEndpoints(), ttl, nil)
	if err != nil {
		return nil, err
	}
	n.auditWrite("token_issued", map[string]any{
		"token_id": tok.TokenID, "mesh_id": tok.MeshID,
		"expires_at": time.Unix(tok.ExpiresAt, 0).UTC().Format(time.RFC3339),
	})
	n.hub.Publish("token_issued", map[string]any{"token_id": tok.TokenID})
	return tok, nil
}

// RevokeToken blocks a token locally and tells the mesh. Nodes that
// miss the gossip still refuse the token once their own store syncs on
// the next revocation or restart; the handshake always consults the
// local store.
func (n *Node) RevokeToken(tokenID string) error {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return core.Errorf(core.CodeValidation, "token id must not be empty")
	}
	added, err := n.revoked.Revoke(tokenID)
	if err != nil {
		return core.WrapErr(core.CodeUnavailable, err, "persisting revocation")
	}
	if added {
		n.publishGossip(gossip.KindTokenRevoked, tokenRevokedPayload{TokenID: tokenID})
		n.auditWrite("token_revoked", map[string]any{"token_id": tokenID, "via": "owner"})
		n.hub.Publish("token_revoked", map[string]any{"token_id": tokenID})
	}
	return nil
}

// persistMesh writes the mesh block back to config.yaml.
func (n *Node) persistMesh(mc config.MeshConfig) error {
	n.cfgMu.Lock()
	defer n.cfgMu.Unlock()
	n.cfg.Mesh = mc
	if err := n.cfg.Save(n.paths.ConfigFile()); err != nil {
		return core.WrapErr(core.CodeUnavailable, err, "saving config")
	}
	return nil
}

// ensureTransport returns the live manager, building one when the node
// has none yet.
func (n *Node) ensureTransport(mesh core.MeshInfo) *transport.Manager {
	n.tmu.RLock()
	mgr := n.tport
	n.tmu.RUnlock()
	if mgr != nil {
		return mgr
	}
	return n.buildTransport(mesh)
}

// buildTransport wires a manager for mesh and hooks it into the
// executor and, when the node is running, the maintenance loop.
func (n *Node) buildTransport(mesh core.MeshInfo) *transport.Manager {
	mgr := transport.New(n.Config().Transport, transport.Deps{
		Identity:  n.id,
		SelfInfo:  n.SelfInfo,
		Mesh:      mesh,
		Engine:    n.engine,
		Dispatch:  n.dispatch,
		Gate:      n.gate,
		Registry:  n.reg,
		LocalCaps: n.LocalCapabilities,
		OnBattery: n.onBattery,
		IsRevoked: n.revoked.Contains,
		OnRoster:  n.onRosterChange,
		Logger:    n.baseLogger,
	})

	n.tmu.Lock()
	n.tport = mgr
	n.wsHandler = mgr.WSHandler()
	runCtx := n.runCtx
	n.tmu.Unlock()

	n.exec.SetRemote(mgr)
	if runCtx != nil {
		go mgr.Run(runCtx)
	}
	return mgr
}

// onBattery reports whether the device is unplugged right now, feeding
// the approval gate's battery policy.
func (n *Node) onBattery() bool {
	f, _ := n.collector.Current()
	return f.BatteryPowered
}
