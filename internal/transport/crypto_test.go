package transport

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

const (
	nodeA = "aaaa000011112222"
	nodeB = "bbbb333344445555"
)

// channelPair derives both ends of a session channel the way the
// handshake does: each side holds its own private key and sees only
// the peer's public key.
func channelPair(t *testing.T, meshID string) (*secureChannel, *secureChannel) {
	t.Helper()
	ephA, err := newEphemeralKey()
	require.NoError(t, err)
	ephB, err := newEphemeralKey()
	require.NoError(t, err)

	chA, err := deriveChannel(ephA, ephB.publicBase64(), meshID, nodeA, nodeB)
	require.NoError(t, err)
	chB, err := deriveChannel(ephB, ephA.publicBase64(), meshID, nodeB, nodeA)
	require.NoError(t, err)
	return chA, chB
}

func TestSecureChannelRoundTrip(t *testing.T) {
	chA, chB := channelPair(t, "mesh-crypto")

	msg := []byte(`{"cap_id":"aaaa000011112222:assistant","payload":{"text":"hi"}}`)
	sealed, err := chA.Seal(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "assistant")

	plain, err := chB.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, msg, plain)

	reply, err := chB.Seal([]byte("pong"))
	require.NoError(t, err)
	plain, err = chA.Open(reply)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), plain)
}

func TestSecureChannelSealsWithFreshNonces(t *testing.T) {
	chA, chB := channelPair(t, "mesh-crypto")

	one, err := chA.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	two, err := chA.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, one, two)

	for _, sealed := range [][]byte{one, two} {
		plain, oerr := chB.Open(sealed)
		require.NoError(t, oerr)
		assert.Equal(t, []byte("same plaintext"), plain)
	}
}

func TestSecureChannelRejectsTamperedPayload(t *testing.T) {
	chA, chB := channelPair(t, "mesh-crypto")

	sealed, err := chA.Seal([]byte("route table update"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0x01

	_, err = chB.Open(sealed)
	require.Error(t, err)
	assert.Equal(t, core.CodeNotAuthorized, core.CodeOf(err))
}

// A ciphertext reflected back at its sender must not decrypt: the two
// directions run on distinct keys.
func TestSecureChannelRejectsReflectedCiphertext(t *testing.T) {
	chA, _ := channelPair(t, "mesh-crypto")

	sealed, err := chA.Seal([]byte("loopback"))
	require.NoError(t, err)
	_, err = chA.Open(sealed)
	require.Error(t, err)
}

func TestSecureChannelKeysAreMeshScoped(t *testing.T) {
	ephA, err := newEphemeralKey()
	require.NoError(t, err)
	ephB, err := newEphemeralKey()
	require.NoError(t, err)

	chA, err := deriveChannel(ephA, ephB.publicBase64(), "mesh-one", nodeA, nodeB)
	require.NoError(t, err)
	chB, err := deriveChannel(ephB, ephA.publicBase64(), "mesh-two", nodeB, nodeA)
	require.NoError(t, err)

	sealed, err := chA.Seal([]byte("cross-mesh"))
	require.NoError(t, err)
	_, err = chB.Open(sealed)
	require.Error(t, err)
}

func TestSecureChannelOpenRejectsShortPayload(t *testing.T) {
	chA, _ := channelPair(t, "mesh-crypto")

	_, err := chA.Open([]byte{0x01, 0x02})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shorter than its nonce")
}

func TestDeriveChannelRejectsMalformedPeerKey(t *testing.T) {
	eph, err := newEphemeralKey()
	require.NoError(t, err)

	for _, bad := range []string{
		"not base64!!",
		base64.StdEncoding.EncodeToString([]byte("short")),
		"",
	} {
		_, derr := deriveChannel(eph, bad, "mesh-crypto", nodeA, nodeB)
		require.Error(t, derr, "peer key %q", bad)
		assert.Equal(t, core.CodeNotAuthorized, core.CodeOf(derr))
	}
}

func TestEphemeralKeysAreUnique(t *testing.T) {
	one, err := newEphemeralKey()
	require.NoError(t, err)
	two, err := newEphemeralKey()
	require.NoError(t, err)
	assert.NotEqual(t, one.publicBase64(), two.publicBase64())

	raw, err := base64.StdEncoding.DecodeString(one.publicBase64())
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}
