package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

const (
	selfNode   = "aaaa000011112222"
	remoteNode = "bbbb333344445555"
)

func newTestRegistry() *Registry {
	return New(selfNode, Options{})
}

func remoteCap(label string, typ capability.Type) capability.Capability {
	return capability.Capability{
		NodeID: remoteNode,
		CapID:  capability.MakeCapID(remoteNode, label),
		Label:  label,
		Type:   typ,
		Tools:  []capability.Tool{{Name: "chat"}},
	}
}

func TestRegisterLocalNormalizesOwnership(t *testing.T) {
	r := newTestRegistry()

	// the registry stamps its own node id regardless of what callers set
	c := &capability.Capability{NodeID: "ffff", Label: "ollama-llama3", Type: capability.TypeLLMChat}
	require.NoError(t, r.RegisterLocal(c))
	assert.Equal(t, selfNode, c.NodeID)
	assert.Equal(t, capability.MakeCapID(selfNode, "ollama-llama3"), c.CapID)

	rec, ok := r.Get(c.CapID)
	require.True(t, ok)
	assert.False(t, rec.Remote)
	assert.Equal(t, capability.StatusOnline, rec.Status)
}

func TestUpsertRemoteOwnership(t *testing.T) {
	r := newTestRegistry()

	t.Run("own announcements echo back silently", func(t *testing.T) {
		c := capability.Capability{NodeID: selfNode, Label: "x", Type: capability.TypeLLMChat}
		require.NoError(t, r.UpsertRemote(selfNode, c))
		assert.Equal(t, 0, r.Len())
	})

	t.Run("announcing someone else's capability is a conflict", func(t *testing.T) {
		c := remoteCap("llm", capability.TypeLLMChat)
		err := r.UpsertRemote("cccc666677778888", c)
		require.Error(t, err)
		assert.Equal(t, core.CodeOwnerConflict, core.CodeOf(err))
	})

	t.Run("forged cap id is rejected by validation", func(t *testing.T) {
		forged := remoteCap("llm", capability.TypeLLMChat)
		forged.CapID = capability.MakeCapID(selfNode, "llm")
		err := r.UpsertRemote(remoteNode, forged)
		require.Error(t, err)
		assert.Equal(t, core.CodeValidation, core.CodeOf(err))
	})
}

func TestHeartbeatIsRegistration(t *testing.T) {
	r := newTestRegistry()

	// a heartbeat for an unknown capability registers it outright
	require.NoError(t, r.UpsertRemote(remoteNode, remoteCap("llm", capability.TypeLLMChat)))
	assert.Equal(t, 1, r.Len())

	var ops []EventOp
	var mu sync.Mutex
	stop := r.Watch(func(ev Event) {
		mu.Lock()
		ops = append(ops, ev.Op)
		mu.Unlock()
	})
	defer stop()

	// same text again: refresh
	require.NoError(t, r.UpsertRemote(remoteNode, remoteCap("llm", capability.TypeLLMChat)))
	// changed description: update (the index must re-embed)
	changed := remoteCap("llm", capability.TypeLLMChat)
	changed.Description = "now with a description"
	require.NoError(t, r.UpsertRemote(remoteNode, changed))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventOp{OpRefreshed, OpUpdated}, ops)
}

func TestFilters(t *testing.T) {
	r := newTestRegistry()

	chat := remoteCap("ollama-llama3", capability.TypeLLMChat)
	chat.RouteHints = []string{"homework"}
	embed := remoteCap("ollama-embed", capability.TypeLLMEmbed)
	embed.Tools = []capability.Tool{{Name: "embed"}}
	camera := remoteCap("front-door", capability.TypeSensorCamera)
	camera.Tools = []capability.Tool{{Name: "capture"}}
	camera.Triggers = []capability.Trigger{{Event: "motion", IntentTemplate: "describe {{.event}}"}}

	for _, c := range []capability.Capability{chat, embed, camera} {
		require.NoError(t, r.UpsertRemote(remoteNode, c))
	}
	local := &capability.Capability{Label: "local-chat", Type: capability.TypeLLMChat, Tools: []capability.Tool{{Name: "chat"}}}
	require.NoError(t, r.RegisterLocal(local))

	assert.Len(t, r.List(Filter{}), 4)
	assert.Len(t, r.List(Filter{Type: capability.TypeLLMChat}), 2)
	assert.Len(t, r.List(Filter{NodeID: selfNode}), 1)
	assert.Len(t, r.List(Filter{Tool: "embed"}), 1)
	assert.Len(t, r.List(Filter{TriggerEvent: "motion"}), 1)

	g, err := capability.CompileHint("homework")
	require.NoError(t, err)
	hinted := r.List(Filter{Hint: g})
	require.Len(t, hinted, 1)
	assert.Equal(t, chat.CapID, hinted[0].CapID)

	// list is sorted by cap id
	all := r.List(Filter{})
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].CapID, all[i].CapID)
	}
}

func TestCandidatesExcludeOffline(t *testing.T) {
	r := newTestRegistry()

	up := remoteCap("up", capability.TypeLLMChat)
	down := remoteCap("down", capability.TypeLLMChat)
	down.Status = capability.StatusOffline
	require.NoError(t, r.UpsertRemote(remoteNode, up))
	require.NoError(t, r.UpsertRemote(remoteNode, down))

	cands := r.Candidates(Filter{Type: capability.TypeLLMChat})
	require.Len(t, cands, 1)
	assert.Equal(t, up.CapID, cands[0].CapID)
}

func TestSweepDegradesThenEvicts(t *testing.T) {
	r := New(selfNode, Options{StaleAfter: time.Minute, EvictAfter: 5 * time.Minute})

	require.NoError(t, r.UpsertRemote(remoteNode, remoteCap("llm", capability.TypeLLMChat)))
	local := &capability.Capability{Label: "mine", Type: capability.TypeLLMChat}
	require.NoError(t, r.RegisterLocal(local))

	now := time.Now()

	degraded, evicted := r.Sweep(now.Add(30 * time.Second))
	assert.Zero(t, degraded+evicted, "fresh records untouched")

	degraded, evicted = r.Sweep(now.Add(2 * time.Minute))
	assert.Equal(t, 1, degraded)
	assert.Zero(t, evicted)
	rec, _ := r.Get(capability.MakeCapID(remoteNode, "llm"))
	assert.Equal(t, capability.StatusDegraded, rec.Status)

	degraded, evicted = r.Sweep(now.Add(10 * time.Minute))
	assert.Zero(t, degraded)
	assert.Equal(t, 1, evicted)
	_, ok := r.Get(capability.MakeCapID(remoteNode, "llm"))
	assert.False(t, ok)

	// local records never age out
	_, ok = r.Get(local.CapID)
	assert.True(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestHeartbeatRevivesDegraded(t *testing.T) {
	r := New(selfNode, Options{StaleAfter: time.Minute, EvictAfter: 5 * time.Minute})
	require.NoError(t, r.UpsertRemote(remoteNode, remoteCap("llm", capability.TypeLLMChat)))

	r.Sweep(time.Now().Add(2 * time.Minute))
	rec, _ := r.Get(capability.MakeCapID(remoteNode, "llm"))
	require.Equal(t, capability.StatusDegraded, rec.Status)

	require.NoError(t, r.UpsertRemote(remoteNode, remoteCap("llm", capability.TypeLLMChat)))
	rec, _ = r.Get(capability.MakeCapID(remoteNode, "llm"))
	assert.Equal(t, capability.StatusOnline, rec.Status)
}

func TestRemoveNodeDropsEverything(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.UpsertRemote(remoteNode, remoteCap("a", capability.TypeLLMChat)))
	require.NoError(t, r.UpsertRemote(remoteNode, remoteCap("b", capability.TypeLLMEmbed)))
	local := &capability.Capability{Label: "mine", Type: capability.TypeLLMChat}
	require.NoError(t, r.RegisterLocal(local))

	assert.Equal(t, 2, r.RemoveNode(remoteNode))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, r.NodeCount())

	// removing the self node is refused record by record
	assert.Equal(t, 0, r.RemoveNode(selfNode))
	assert.Equal(t, 1, r.Len())
}

func TestRemoveRemoteOwnership(t *testing.T) {
	r := newTestRegistry()
	c := remoteCap("llm", capability.TypeLLMChat)
	require.NoError(t, r.UpsertRemote(remoteNode, c))

	err := r.RemoveRemote("cccc666677778888", c.CapID)
	require.Error(t, err)
	assert.Equal(t, core.CodeOwnerConflict, core.CodeOf(err))
	assert.Equal(t, 1, r.Len())

	require.NoError(t, r.RemoveRemote(remoteNode, c.CapID))
	assert.Equal(t, 0, r.Len())

	// removing something already gone is a no-op
	require.NoError(t, r.RemoveRemote(remoteNode, c.CapID))
}

func TestSnapshotGroupsByNode(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.UpsertRemote(remoteNode, remoteCap("a", capability.TypeLLMChat)))
	local := &capability.Capability{Label: "mine", Type: capability.TypeLLMChat}
	require.NoError(t, r.RegisterLocal(local))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Len(t, snap[remoteNode], 1)
	assert.Len(t, snap[selfNode], 1)
}
