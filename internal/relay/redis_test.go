package relay

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two relay instances sharing one Redis behave as a single room: a
// frame addressed to a node on the other instance crosses via pub/sub.
func TestRedisFanoutBridgesInstances(t *testing.T) {
	mr := miniredis.RunT(t)

	one := startRelay(t, Config{RedisAddr: mr.Addr()})
	two := startRelay(t, Config{RedisAddr: mr.Addr()})

	alice := dialRoom(t, one, "mesh-1", nodeAlice)
	bob := dialRoom(t, two, "mesh-1", nodeBob)
	waitClients(t, one, 1)
	waitClients(t, two, 1)

	send(t, alice, `{"t":"hello","from":"`+nodeAlice+`","to":"`+nodeBob+`","p":{"mesh_id":"mesh-1"}}`)

	got := readFrame(t, bob, 3*time.Second)
	assert.Equal(t, "hello", got["t"])
	assert.Equal(t, nodeAlice, got["from"])
	assert.Equal(t, nodeBob, got["to"])
}

// Broadcasts cross instances too, and an instance ignores the echo of
// its own publish so local members never see a frame twice.
func TestRedisFanoutBroadcastsWithoutEcho(t *testing.T) {
	mr := miniredis.RunT(t)

	one := startRelay(t, Config{RedisAddr: mr.Addr()})
	two := startRelay(t, Config{RedisAddr: mr.Addr()})

	alice := dialRoom(t, one, "mesh-1", nodeAlice)
	carol := dialRoom(t, one, "mesh-1", nodeCarol)
	bob := dialRoom(t, two, "mesh-1", nodeBob)
	waitClients(t, one, 2)
	waitClients(t, two, 1)

	send(t, alice, `{"t":"gossip","from":"`+nodeAlice+`","p":{"kind":"cost_update"}}`)

	for _, conn := range []*websocket.Conn{carol, bob} {
		got := readFrame(t, conn, 3*time.Second)
		assert.Equal(t, "gossip", got["t"])
	}
	expectSilence(t, alice)
}

// Frames for meshes an instance does not host stay in their channel.
func TestRedisFanoutKeepsMeshesApart(t *testing.T) {
	mr := miniredis.RunT(t)

	one := startRelay(t, Config{RedisAddr: mr.Addr()})
	two := startRelay(t, Config{RedisAddr: mr.Addr()})

	alice := dialRoom(t, one, "mesh-1", nodeAlice)
	stranger := dialRoom(t, two, "mesh-2", nodeBob)
	waitClients(t, one, 1)
	waitClients(t, two, 1)

	send(t, alice, `{"t":"gossip","from":"`+nodeAlice+`"}`)
	expectSilence(t, stranger)
}

func TestHealthTracksRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ts := startRelay(t, Config{RedisAddr: mr.Addr()})

	health, ok := fetchHealth(t, ts)
	require.True(t, ok)
	assert.True(t, health.Redis)

	mr.Close()
	require.Eventually(t, func() bool {
		health, ok := fetchHealth(t, ts)
		return ok && !health.Redis
	}, 5*time.Second, 100*time.Millisecond)
}

// An unreachable Redis downgrades the relay to single-instance mode
// instead of refusing to start.
func TestRelayWithUnreachableRedisServesLocally(t *testing.T) {
	ts := startRelay(t, Config{RedisAddr: "127.0.0.1:1"})

	alice := dialRoom(t, ts, "mesh-1", nodeAlice)
	bob := dialRoom(t, ts, "mesh-1", nodeBob)
	waitClients(t, ts, 2)

	send(t, alice, `{"t":"hello","from":"`+nodeAlice+`","to":"`+nodeBob+`"}`)
	got := readFrame(t, bob, 2*time.Second)
	assert.Equal(t, nodeAlice, got["from"])

	health, ok := fetchHealth(t, ts)
	require.True(t, ok)
	assert.False(t, health.Redis)
}
