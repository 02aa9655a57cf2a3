package approval

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "approval.yaml")
	require.NoError(t, SaveConfig(path, DefaultConfig()))

	gate, err := NewGate(DefaultConfig(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, Watch(ctx, path, gate, nil))

	updated := DefaultConfig()
	updated.Share.Models = []string{"llama*", "qwen*"}
	updated.MeshAccess.Allow = []string{"*"}
	require.NoError(t, SaveConfig(path, updated))

	require.Eventually(t, func() bool {
		return len(gate.Config().Share.Models) == 2
	}, 3*time.Second, 50*time.Millisecond, "gate should pick up the rewritten policy")
	assert.Equal(t, []string{"*"}, gate.Config().MeshAccess.Allow)
}

func TestWatchKeepsPolicyOnBrokenEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "approval.yaml")

	good := DefaultConfig()
	good.MeshAccess.Allow = []string{"aaaa*"}
	require.NoError(t, SaveConfig(path, good))

	gate, err := NewGate(good, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, Watch(ctx, path, gate, nil))

	// write unparseable yaml over the policy file
	require.NoError(t, os.WriteFile(path, []byte("share: [broken"), 0o600))

	// give the debounce a chance to fire, then confirm nothing changed
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, []string{"aaaa*"}, gate.Config().MeshAccess.Allow)
}
