package node

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/config"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/cost"
	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
)

// testConfig keeps everything local and deterministic: no real
// listeners, no live Ollama, and a keyword boost large enough that
// topic or hint matches always clear the semantic threshold.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Transport.Listen = "127.0.0.1:0"
	cfg.Semantic.Dim = 64
	cfg.Providers.OllamaURL = "http://127.0.0.1:1"
	cfg.Router.KeywordBoost = 1.0
	return cfg
}

func newTestNode(t *testing.T, tweak func(*config.Config)) *Node {
	t.Helper()
	cfg := testConfig()
	if tweak != nil {
		tweak(cfg)
	}
	n, err := New(config.Paths{Home: t.TempDir()}, cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)
	return n
}

func echoHandler() executor.Handler {
	return executor.HandlerFunc(func(ctx context.Context, req executor.Request) (json.RawMessage, error) {
		return req.Payload, nil
	})
}

func TestNewNodeReloadsIdentity(t *testing.T) {
	paths := config.Paths{Home: t.TempDir()}

	first, err := New(paths, testConfig(), discardLogger())
	require.NoError(t, err)
	nodeID := first.Identity().NodeID()
	require.Len(t, nodeID, 16)
	first.Shutdown()

	second, err := New(paths, testConfig(), discardLogger())
	require.NoError(t, err)
	defer second.Shutdown()
	assert.Equal(t, nodeID, second.Identity().NodeID())
}

func TestCreateMesh(t *testing.T) {
	n := newTestNode(t, nil)

	mesh, err := n.CreateMesh("Home Lab")
	require.NoError(t, err)
	assert.NotEmpty(t, mesh.MeshID)
	assert.Equal(t, "Home Lab", mesh.MeshName)
	assert.False(t, mesh.CreatedAt.IsZero())

	info := n.MeshInfo()
	require.NotNil(t, info)
	assert.Equal(t, mesh.MeshID, info.MeshID)
	assert.Equal(t, mesh.MeshID, n.Engine().MeshID())
	assert.NotNil(t, n.Transport(), "creating a mesh brings up the transport")

	// the mesh survives a config reload
	saved, err := config.Load(n.Paths().ConfigFile())
	require.NoError(t, err)
	assert.Equal(t, mesh.MeshID, saved.Mesh.MeshID)

	_, err = n.CreateMesh("Another")
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))
	assert.Contains(t, err.Error(), "leave it first")
}

func TestCreateMeshRejectsBlankName(t *testing.T) {
	n := newTestNode(t, nil)
	for _, name := range []string{"", "   "} {
		_, err := n.CreateMesh(name)
		require.Error(t, err)
		assert.Equal(t, core.CodeValidation, core.CodeOf(err))
	}
}

func TestInvite(t *testing.T) {
	n := newTestNode(t, nil)

	_, err := n.Invite(time.Hour)
	require.Error(t, err, "inviting outside a mesh must fail")
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))

	mesh, err := n.CreateMesh("studio")
	require.NoError(t, err)

	tok, err := n.Invite(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, mesh.MeshID, tok.MeshID)
	assert.Equal(t, n.Identity().NodeID(), tok.IssuerNode)
	assert.True(t, tok.HasScope(token.ScopeJoin))

	// the encoded invite parses and verifies offline
	encoded, err := tok.Encode()
	require.NoError(t, err)
	parsed, err := token.ParseJoinInput(encoded)
	require.NoError(t, err)
	require.NoError(t, parsed.Verify(token.VerifyOptions{}))
}

func TestRevokeToken(t *testing.T) {
	n := newTestNode(t, nil)

	err := n.RevokeToken("  ")
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))

	require.NoError(t, n.RevokeToken("tok-123"))
	assert.True(t, n.Revocations().Contains("tok-123"))

	// revoking again is a no-op, not an error
	require.NoError(t, n.RevokeToken("tok-123"))
}

func TestJoinRejectsBadInvites(t *testing.T) {
	n := newTestNode(t, nil)
	ctx := context.Background()

	_, err := n.Join(ctx, "not a token")
	require.Error(t, err)

	issuer := newTestNode(t, nil)
	issuerMesh := core.MeshInfo{MeshID: "11111111-2222-3333-4444-555555555555", MeshName: "elsewhere"}

	t.Run("no endpoints and no relay", func(t *testing.T) {
		tok, err := token.Issue(issuer.Identity(), issuerMesh, nil, time.Hour, nil)
		require.NoError(t, err)
		encoded, err := tok.Encode()
		require.NoError(t, err)

		_, err = n.Join(ctx, encoded)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no endpoints")
	})

	t.Run("wrong scope", func(t *testing.T) {
		tok, err := token.Issue(issuer.Identity(), issuerMesh, nil, time.Hour, []string{"observe"})
		require.NoError(t, err)
		encoded, err := tok.Encode()
		require.NoError(t, err)

		_, err = n.Join(ctx, encoded)
		require.Error(t, err)
		assert.Equal(t, core.CodeNotAuthorized, core.CodeOf(err))
	})

	t.Run("already in another mesh", func(t *testing.T) {
		_, err := n.CreateMesh("mine")
		require.NoError(t, err)

		eps := []core.Endpoint{{Kind: core.EndpointLocal, URL: "ws://127.0.0.1:1"}}
		tok, err := token.Issue(issuer.Identity(), issuerMesh, eps, time.Hour, nil)
		require.NoError(t, err)
		encoded, err := tok.Encode()
		require.NoError(t, err)

		_, err = n.Join(ctx, encoded)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "leave it first")
	})
}

func TestJoinAgainstLiveIssuer(t *testing.T) {
	issuer := newTestNode(t, nil)
	mesh, err := issuer.CreateMesh("studio")
	require.NoError(t, err)

	srv := httptest.NewServer(issuer.Transport().WSHandler())
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	eps := []core.Endpoint{{Kind: core.EndpointLocal, URL: wsURL}}
	tok, err := token.Issue(issuer.Identity(), mesh, eps, time.Hour, nil)
	require.NoError(t, err)
	encoded, err := tok.Encode()
	require.NoError(t, err)

	joiner := newTestNode(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := joiner.Join(ctx, encoded)
	require.NoError(t, err)
	assert.Equal(t, mesh.MeshID, res.Mesh.MeshID)
	assert.Equal(t, "studio", res.Mesh.MeshName)
	assert.Equal(t, issuer.Identity().NodeID(), res.Peer.NodeID)
	assert.Equal(t, core.EndpointLocal, res.ConnectedVia)

	require.NotNil(t, joiner.MeshInfo())
	assert.Equal(t, mesh.MeshID, joiner.MeshInfo().MeshID)
	assert.Equal(t, 1, joiner.Transport().SessionCount())
	require.Eventually(t, func() bool {
		return issuer.Transport().SessionCount() == 1
	}, 3*time.Second, 20*time.Millisecond)

	// the mesh block is on disk for the next start
	saved, err := config.Load(joiner.Paths().ConfigFile())
	require.NoError(t, err)
	assert.Equal(t, mesh.MeshID, saved.Mesh.MeshID)

	// redeeming the invite again rides the existing session
	again, err := joiner.Join(ctx, encoded)
	require.NoError(t, err)
	assert.Equal(t, mesh.MeshID, again.Mesh.MeshID)
	assert.Equal(t, issuer.Identity().NodeID(), again.Peer.NodeID)
	assert.Equal(t, 1, joiner.Transport().SessionCount())
}

func TestLeaveClearsRemoteState(t *testing.T) {
	n := newTestNode(t, nil)

	err := n.Leave()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in a mesh")

	_, err = n.CreateMesh("transient")
	require.NoError(t, err)

	local, err := n.registerCapability(capability.Capability{
		Label: "local-echo",
		Type:  "tool/echo",
	}, echoHandler())
	require.NoError(t, err)

	const remote = "ffff000011112222"
	require.NoError(t, n.Registry().UpsertRemote(remote, capability.Capability{
		NodeID: remote,
		Label:  "remote-probe",
		Type:   "tool/probe",
	}))
	n.CostTable().Put(cost.Update{NodeID: remote, Cost: 2.5})

	require.NoError(t, n.Leave())

	assert.Nil(t, n.MeshInfo())
	assert.Nil(t, n.Transport())
	assert.Empty(t, n.Registry().List(registry.Filter{NodeID: remote}))
	gone, low := n.CostTable().Get(remote)
	assert.Equal(t, 1.0, gone)
	assert.True(t, low)

	// local capabilities survive for the next mesh
	_, ok := n.Registry().Get(local.CapID)
	assert.True(t, ok)

	saved, err := config.Load(n.Paths().ConfigFile())
	require.NoError(t, err)
	assert.Empty(t, saved.Mesh.MeshID)
}

func TestStatusSnapshot(t *testing.T) {
	n := newTestNode(t, func(cfg *config.Config) {
		cfg.Node.DisplayName = "workbench"
	})

	st := n.Status()
	assert.Equal(t, n.Identity().NodeID(), st.NodeID)
	assert.Equal(t, "workbench", st.DisplayName)
	assert.Equal(t, Version, st.Version)
	assert.Nil(t, st.Mesh)
	assert.Zero(t, st.Peers)
	assert.Zero(t, st.Capabilities)

	_, err := n.registerCapability(capability.Capability{
		Label: "status-probe",
		Type:  "tool/probe",
	}, echoHandler())
	require.NoError(t, err)

	mesh, err := n.CreateMesh("visible")
	require.NoError(t, err)

	st = n.Status()
	require.NotNil(t, st.Mesh)
	assert.Equal(t, mesh.MeshID, st.Mesh.MeshID)
	assert.Equal(t, 1, st.Capabilities)
	assert.Equal(t, 1, st.LocalCaps)
	assert.Equal(t, 1, st.Nodes)
}

func TestSelfInfo(t *testing.T) {
	n := newTestNode(t, nil)

	info := n.SelfInfo()
	assert.Equal(t, n.Identity().NodeID(), info.NodeID)
	assert.NotEmpty(t, info.DisplayName, "display name falls back to the hostname")
	assert.NotEmpty(t, info.PublicKey)
	assert.Equal(t, Version, info.Version)
}
