package node

import (
	"context"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/cost"
	"github.com/atmosphere-mesh/atmosphere/internal/gossip"
	"github.com/atmosphere-mesh/atmosphere/internal/registry"
)

// Gossip payload shapes. capability_available carries one capability,
// a heartbeat re-announces everything the node serves.
type capsPayload struct {
	Caps []capability.Capability `json:"caps"`
}

type capRemovedPayload struct {
	CapID string `json:"cap_id"`
}

type tokenRevokedPayload struct {
	TokenID string `json:"token_id"`
}

type nodeLeavePayload struct {
	NodeID string `json:"node_id"`
}

// wire connects the subsystems: gossip into registry, cost table and
// revocations; registry into the semantic index and back out as
// gossip; the collector into the cost table and gossip.
func (n *Node) wire() {
	n.engine.Subscribe(gossip.KindCapabilityAvailable, n.onCapabilityGossip)
	n.engine.Subscribe(gossip.KindCapabilityHeartbeat, n.onCapabilityGossip)
	n.engine.Subscribe(gossip.KindCapabilityRemoved, n.onCapabilityRemoved)
	n.engine.Subscribe(gossip.KindCostUpdate, n.onCostGossip)
	n.engine.Subscribe(gossip.KindTokenRevoked, n.onTokenRevoked)
	n.engine.Subscribe(gossip.KindNodeJoin, n.onNodeJoin)
	n.engine.Subscribe(gossip.KindNodeLeave, n.onNodeLeave)

	n.reg.Watch(n.onRegistryEvent)
	n.collector.Subscribe(n.onOwnCost)
}

// publishGossip is Publish with the failure downgraded to a log line;
// a full dedup cache or marshal hiccup must not break the caller.
func (n *Node) publishGossip(kind gossip.Kind, payload any) {
	if err := n.engine.Publish(kind, payload); err != nil {
		n.logger.Warn("gossip publish failed", "kind", kind, "err", err)
	}
	n.met.RecordGossip(string(kind), "published")
}

func (n *Node) onCapabilityGossip(ann *gossip.Announcement) {
	if ann.Kind == gossip.KindCapabilityHeartbeat {
		var p capsPayload
		if err := ann.DecodePayload(&p); err != nil {
			n.logger.Debug("bad heartbeat payload", "from", ann.FromNode, "err", err)
			return
		}
		for _, c := range p.Caps {
			n.upsertRemote(ann.FromNode, c)
		}
		return
	}
	var c capability.Capability
	if err := ann.DecodePayload(&c); err != nil {
		n.logger.Debug("bad capability payload", "from", ann.FromNode, "err", err)
		return
	}
	n.upsertRemote(ann.FromNode, c)
}

func (n *Node) upsertRemote(origin string, c capability.Capability) {
	if err := n.reg.UpsertRemote(origin, c); err != nil {
		n.logger.Debug("remote capability rejected", "from", origin, "cap", c.CapID, "err", err)
	}
}

func (n *Node) onCapabilityRemoved(ann *gossip.Announcement) {
	var p capRemovedPayload
	if err := ann.DecodePayload(&p); err != nil {
		return
	}
	if err := n.reg.RemoveRemote(ann.FromNode, p.CapID); err != nil {
		n.logger.Debug("capability removal rejected", "from", ann.FromNode, "cap", p.CapID, "err", err)
	}
}

func (n *Node) onCostGossip(ann *gossip.Announcement) {
	var u cost.Update
	if err := ann.DecodePayload(&u); err != nil {
		return
	}
	// a node reports only its own cost
	if u.NodeID != ann.FromNode {
		n.logger.Debug("cost update for foreign node dropped", "from", ann.FromNode, "claimed", u.NodeID)
		return
	}
	n.costs.Put(u)
	n.hub.Publish("cost_update", map[string]any{"node_id": u.NodeID, "cost": u.Cost})
}

func (n *Node) onTokenRevoked(ann *gossip.Announcement) {
	var p tokenRevokedPayload
	if err := ann.DecodePayload(&p); err != nil || p.TokenID == "" {
		return
	}
	added, err := n.revoked.Revoke(p.TokenID)
	if err != nil {
		n.logger.Warn("revocation not persisted", "token_id", p.TokenID, "err", err)
		return
	}
	if added {
		n.auditWrite("token_revoked", map[string]any{"token_id": p.TokenID, "via": "gossip", "from": ann.FromNode})
		n.hub.Publish("token_revoked", map[string]any{"token_id": p.TokenID})
	}
}

// onNodeJoin folds a new member into the roster and dials it right
// away rather than waiting for the next maintenance tick.
func (n *Node) onNodeJoin(ann *gossip.Announcement) {
	var info core.NodeInfo
	if err := ann.DecodePayload(&info); err != nil || info.NodeID == "" || info.NodeID == n.id.NodeID() {
		return
	}
	mgr := n.Transport()
	if mgr == nil {
		return
	}
	mgr.AddRosterNode(info)
	n.hub.Publish("node_join", map[string]any{"node_id": info.NodeID, "display_name": info.DisplayName})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := mgr.Connect(ctx, info, ""); err != nil {
			n.logger.Debug("dial to joined node failed", "peer", info.NodeID, "err", err)
		}
	}()
}

func (n *Node) onNodeLeave(ann *gossip.Announcement) {
	var p nodeLeavePayload
	if err := ann.DecodePayload(&p); err != nil || p.NodeID == "" {
		return
	}
	n.forgetNode(p.NodeID)
	n.hub.Publish("node_leave", map[string]any{"node_id": p.NodeID})
}

// forgetNode clears every trace of a departed member.
func (n *Node) forgetNode(nodeID string) {
	removed := n.reg.RemoveNode(nodeID)
	n.costs.Forget(nodeID)
	n.engine.ForgetOrigin(nodeID)
	n.breakers.Forget(nodeID)
	if mgr := n.Transport(); mgr != nil {
		mgr.ForgetPeer(nodeID)
	}
	n.logger.Info("node left the mesh", "node_id", nodeID, "capabilities_removed", removed)
}

// onRegistryEvent keeps the semantic index and gauges in step with the
// table and re-announces local changes to the mesh.
func (n *Node) onRegistryEvent(ev registry.Event) {
	rec := ev.Record
	switch ev.Op {
	case registry.OpAdded, registry.OpUpdated:
		if err := n.index.Upsert(rec.CapID, rec.SearchText()); err != nil {
			n.logger.Warn("capability not indexed", "cap", rec.CapID, "err", err)
		}
	case registry.OpRemoved:
		n.index.Remove(rec.CapID)
		if !rec.Remote {
			n.dispatch.Unregister(rec.CapID)
		}
	}

	n.met.RegistrySize.Set(float64(n.reg.Len()))
	n.met.MeshNodes.Set(float64(n.reg.NodeCount()))
	n.hub.Publish("registry_"+string(ev.Op), map[string]any{
		"cap_id": rec.CapID, "node_id": rec.NodeID, "type": string(rec.Type), "remote": rec.Remote,
	})

	if rec.Remote {
		return
	}
	switch ev.Op {
	case registry.OpAdded, registry.OpUpdated:
		n.publishGossip(gossip.KindCapabilityAvailable, rec.Capability)
	case registry.OpRemoved:
		n.publishGossip(gossip.KindCapabilityRemoved, capRemovedPayload{CapID: rec.CapID})
	}
}

// onOwnCost publishes this node's cost to the mesh and to its own
// table so local routing sees the same number peers do.
func (n *Node) onOwnCost(u cost.Update) {
	n.costs.Put(u)
	n.met.OwnCost.Set(u.Cost)
	n.publishGossip(gossip.KindCostUpdate, u)
}

// heartbeatTick re-announces every local capability on the gossip
// cadence so remote tables never age us out while we are alive.
func (n *Node) heartbeatTick() {
	caps := n.LocalCapabilities()
	if len(caps) == 0 {
		return
	}
	n.publishGossip(gossip.KindCapabilityHeartbeat, capsPayload{Caps: caps})
}

// onRosterChange runs on transport session changes. A fresh session
// gets our full announcements immediately; the other side does the
// same, so both registries converge without waiting for heartbeats.
func (n *Node) onRosterChange(peer core.NodeInfo, connected bool) {
	if connected {
		n.hub.Publish("peer_connected", map[string]any{"node_id": peer.NodeID, "display_name": peer.DisplayName})
		n.publishGossip(gossip.KindNodeJoin, peer)
		n.heartbeatTick()
		n.collector.ForceBroadcast()
		return
	}
	n.hub.Publish("peer_disconnected", map[string]any{"node_id": peer.NodeID})
}
