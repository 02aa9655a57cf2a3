package approval

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

// openConfig shares everything with everyone; tests tighten from here.
func openConfig() *Config {
	cfg := DefaultConfig()
	cfg.Share.Models = []string{"*"}
	cfg.MeshAccess.Allow = []string{"*"}
	cfg.Limits = Limits{PerNodeRPM: 0, PerMeshRPM: 0}
	cfg.RequireTokenAuth = false
	return cfg
}

func chatCap() capability.Capability {
	return capability.Capability{
		CapID:  "aaaa000011112222:ollama-llama3",
		NodeID: "aaaa000011112222",
		Label:  "ollama-llama3",
		Type:   capability.TypeLLMChat,
		Meta:   map[string]string{"model": "llama3:8b"},
	}
}

func newTestGate(t *testing.T, cfg *Config) *Gate {
	t.Helper()
	g, err := NewGate(cfg, nil, nil)
	require.NoError(t, err)
	return g
}

func TestGateAllowsOpenPolicy(t *testing.T) {
	g := newTestGate(t, openConfig())
	d := g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: chatCap(), HasTokenAuth: true})
	assert.True(t, d.Allowed)
	assert.NoError(t, d.Err())
}

func TestGateClosedByDefault(t *testing.T) {
	// the shipped default shares nothing with anyone
	g := newTestGate(t, DefaultConfig())
	d := g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: chatCap(), HasTokenAuth: true})
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "allow list is empty")

	err := d.Err()
	require.Error(t, err)
	assert.Equal(t, core.CodeNotAuthorized, core.CodeOf(err))
}

func TestGateRequiresTokenAuth(t *testing.T) {
	cfg := openConfig()
	cfg.RequireTokenAuth = true
	g := newTestGate(t, cfg)

	d := g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: chatCap()})
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "token-authenticated")

	d = g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: chatCap(), HasTokenAuth: true})
	assert.True(t, d.Allowed)
}

func TestGateDenyWinsOverAllow(t *testing.T) {
	cfg := openConfig()
	cfg.MeshAccess.Deny = []string{"bbbb*"}
	g := newTestGate(t, cfg)

	d := g.CheckRemoteInvoke(Request{FromNode: "bbbb11112222", Cap: chatCap()})
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "denied")

	d = g.CheckRemoteInvoke(Request{FromNode: "cccc11112222", Cap: chatCap()})
	assert.True(t, d.Allowed)
}

func TestGateAllowListGlobs(t *testing.T) {
	cfg := openConfig()
	cfg.MeshAccess.Allow = []string{"aaaa*", "ffff00001111eeee"}
	g := newTestGate(t, cfg)

	assert.True(t, g.CheckRemoteInvoke(Request{FromNode: "aaaa9999", Cap: chatCap()}).Allowed)
	assert.True(t, g.CheckRemoteInvoke(Request{FromNode: "ffff00001111eeee", Cap: chatCap()}).Allowed)
	assert.False(t, g.CheckRemoteInvoke(Request{FromNode: "dddd0000", Cap: chatCap()}).Allowed)
}

func TestGateSensorsNeedOptIn(t *testing.T) {
	cam := capability.Capability{
		CapID:  "aaaa000011112222:front-camera",
		NodeID: "aaaa000011112222",
		Label:  "front-camera",
		Type:   capability.TypeSensorCamera,
	}

	cfg := openConfig()
	g := newTestGate(t, cfg)
	d := g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: cam})
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "camera")

	cfg = openConfig()
	cfg.Share.Sensors["camera"] = true
	g = newTestGate(t, cfg)
	assert.True(t, g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: cam}).Allowed)
}

func TestGateModelFamilies(t *testing.T) {
	cfg := openConfig()
	cfg.Share.Models = []string{"llama*"}
	g := newTestGate(t, cfg)

	assert.True(t, g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: chatCap()}).Allowed)

	qwen := chatCap()
	qwen.Meta = map[string]string{"model": "qwen2:7b"}
	d := g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: qwen})
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "qwen2:7b")

	// capabilities without an advertised model are not model-gated
	anon := chatCap()
	anon.Meta = nil
	assert.True(t, g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: anon}).Allowed)
}

func TestGateHardwarePolicies(t *testing.T) {
	t.Run("gpu refused when not shared", func(t *testing.T) {
		cfg := openConfig()
		cfg.Share.Hardware.GPU = false
		g := newTestGate(t, cfg)

		gpu := chatCap()
		gpu.Meta["requires_gpu"] = "true"
		d := g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: gpu})
		require.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "gpu")
	})

	t.Run("heavy work refused on battery", func(t *testing.T) {
		cfg := openConfig()
		cfg.Share.Hardware.BatteryOK = false
		g := newTestGate(t, cfg)

		d := g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: chatCap(), OnBattery: true})
		require.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "battery")

		// light tool work is fine on battery
		tool := capability.Capability{
			CapID:  "aaaa000011112222:file-index",
			NodeID: "aaaa000011112222",
			Label:  "file-index",
			Type:   "tool/file-index",
		}
		assert.True(t, g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: tool, OnBattery: true}).Allowed)
	})
}

func TestGatePerNodeRateLimit(t *testing.T) {
	cfg := openConfig()
	cfg.Limits.PerNodeRPM = 3
	g := newTestGate(t, cfg)

	for i := 0; i < 3; i++ {
		require.True(t, g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: chatCap()}).Allowed, "call %d", i)
	}
	d := g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: chatCap()})
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "per-node rate limit")

	// other nodes are unaffected
	assert.True(t, g.CheckRemoteInvoke(Request{FromNode: "cccc", Cap: chatCap()}).Allowed)
}

func TestGateAuditsEveryDecision(t *testing.T) {
	var mu sync.Mutex
	var events []map[string]any
	sink := func(event string, fields map[string]any) {
		mu.Lock()
		events = append(events, fields)
		mu.Unlock()
	}

	cfg := openConfig()
	cfg.MeshAccess.Deny = []string{"bad*"}
	g, err := NewGate(cfg, sink, nil)
	require.NoError(t, err)

	g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: chatCap()})
	g.CheckRemoteInvoke(Request{FromNode: "bad0001", Cap: chatCap()})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, true, events[0]["allowed"])
	assert.Equal(t, false, events[1]["allowed"])
	assert.Contains(t, events[1]["reason"], "denied")
}

func TestGateUpdateSwapsPolicy(t *testing.T) {
	g := newTestGate(t, openConfig())
	require.True(t, g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: chatCap()}).Allowed)

	locked := openConfig()
	locked.MeshAccess.Deny = []string{"*"}
	require.NoError(t, g.Update(locked))
	assert.False(t, g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: chatCap()}).Allowed)

	// Config returns the active policy
	assert.Equal(t, []string{"*"}, g.Config().MeshAccess.Deny)
}

func TestGateUpdateRejectsBrokenGlobs(t *testing.T) {
	g := newTestGate(t, openConfig())
	bad := openConfig()
	bad.MeshAccess.Allow = []string{"[broken"}
	require.Error(t, g.Update(bad))
	// old policy still in force
	assert.True(t, g.CheckRemoteInvoke(Request{FromNode: "bbbb", Cap: chatCap()}).Allowed)
}

func TestConfigRoundtripAndUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approval.yaml")
	cfg := DefaultConfig()
	cfg.Share.Models = []string{"llama*"}
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"llama*"}, loaded.Share.Models)
	assert.True(t, loaded.RequireTokenAuth)

	_, err = ParseConfig([]byte("shar:\n  models: []\n"))
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))
}

func TestRateLimiterWindows(t *testing.T) {
	rl := NewRateLimiter()

	// limit <= 0 is unlimited and never opens a window
	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow("k", 0))
	}
	assert.Equal(t, 0, rl.ActiveWindows())

	for i := 0; i < 5; i++ {
		require.True(t, rl.Allow("n", 5), "call %d", i)
	}
	assert.False(t, rl.Allow("n", 5))
	assert.True(t, rl.Allow("m", 5), "separate keys carry separate windows")
	assert.Equal(t, 2, rl.ActiveWindows())
}
