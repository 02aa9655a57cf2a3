package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestDefaultStaleWindows(t *testing.T) {
	cfg := Default()
	// capabilities age out slower than cost snapshots
	assert.Equal(t, 90, cfg.Registry.StaleSeconds)
	assert.Equal(t, 60, cfg.Cost.StaleSeconds)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Node.DisplayName = "garage-pi"
	cfg.Mesh = MeshConfig{MeshID: "m-1", MeshName: "home"}
	cfg.Transport.RelayURL = "wss://relay.example.com"
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "garage-pi", got.Node.DisplayName)
	assert.Equal(t, "m-1", got.Mesh.MeshID)
	assert.Equal(t, "wss://relay.example.com", got.Transport.RelayURL)
	assert.Equal(t, Default().Gossip.TTL, got.Gossip.TTL)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  display_name: laptop\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "laptop", cfg.Node.DisplayName)
	// everything unspecified stays at the shipped value
	assert.Equal(t, "127.0.0.1:7433", cfg.API.Listen)
	assert.Equal(t, 384, cfg.Semantic.Dim)
	assert.True(t, cfg.Audit.Enabled)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodee:\n  display_name: typo\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))
	assert.Contains(t, err.Error(), "nodee")
}

func TestLoadRejectsUnsupportedVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("config_version: 99\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, cfg.ConfigVersion)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"inner encryption off", func(c *Config) { c.Transport.InnerEncryption = "off" }, true},
		{"inner encryption bogus", func(c *Config) { c.Transport.InnerEncryption = "maybe" }, false},
		{"http embedder with url", func(c *Config) {
			c.Semantic.Embedder = "http"
			c.Semantic.EmbedderURL = "http://127.0.0.1:8080/embed"
		}, true},
		{"http embedder without url", func(c *Config) { c.Semantic.Embedder = "http" }, false},
		{"unknown embedder", func(c *Config) { c.Semantic.Embedder = "cloud" }, false},
		{"zero dim", func(c *Config) { c.Semantic.Dim = 0 }, false},
		{"ttl too high", func(c *Config) { c.Gossip.TTL = 11 }, false},
		{"ttl zero", func(c *Config) { c.Gossip.TTL = 0 }, false},
		{"cost difference out of range", func(c *Config) { c.Router.MinCostDifference = 1.5 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvAPIListen, "127.0.0.1:9999")
	t.Setenv(EnvDisplayName, "from-env")
	t.Setenv(EnvGossipTTL, "5")
	t.Setenv(EnvOllamaURL, "http://127.0.0.1:12345")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, "127.0.0.1:9999", cfg.API.Listen)
	assert.Equal(t, "from-env", cfg.Node.DisplayName)
	assert.Equal(t, 5, cfg.Gossip.TTL)
	assert.Equal(t, "http://127.0.0.1:12345", cfg.Providers.OllamaURL)
}

func TestPathsLayout(t *testing.T) {
	p := Paths{Home: "/tmp/atm-test"}
	assert.Equal(t, "/tmp/atm-test/identity.key", p.IdentityKey())
	assert.Equal(t, "/tmp/atm-test/config.yaml", p.ConfigFile())
	assert.Equal(t, "/tmp/atm-test/approval.yaml", p.ApprovalFile())
	assert.Equal(t, "/tmp/atm-test/tokens/revoked.json", p.RevokedFile())
	assert.Equal(t, "/tmp/atm-test/audit.log", p.AuditLog())
}

func TestDefaultPathsHonorsEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvHome, dir)
	assert.Equal(t, dir, DefaultPaths().Home)
}

func TestEnsureCreatesTree(t *testing.T) {
	p := Paths{Home: filepath.Join(t.TempDir(), "state")}
	require.NoError(t, p.Ensure())

	for _, dir := range []string{p.Home, filepath.Dir(p.RevokedFile()), filepath.Dir(p.EmbeddingCache())} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
