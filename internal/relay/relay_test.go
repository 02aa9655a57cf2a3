package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	nodeAlice = "aaaa000011112222"
	nodeBob   = "bbbb333344445555"
	nodeCarol = "cccc666677778888"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelay(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewServer(cfg, discardLogger()).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dialRoom(t *testing.T, ts *httptest.Server, meshID, nodeID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/mesh/" + meshID + "?node=" + nodeID
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func fetchHealth(t *testing.T, ts *httptest.Server) (health struct {
	Status  string `json:"status"`
	Rooms   int    `json:"rooms"`
	Clients int    `json:"clients"`
	Redis   bool   `json:"redis"`
}, ok bool) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		return health, false
	}
	defer resp.Body.Close()
	return health, json.NewDecoder(resp.Body).Decode(&health) == nil
}

// waitClients blocks until the relay has registered the expected number
// of room members. Dialing alone is not enough: the join happens after
// the websocket upgrade completes.
func waitClients(t *testing.T, ts *httptest.Server, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		health, ok := fetchHealth(t, ts)
		return ok && health.Clients == want
	}, 2*time.Second, 20*time.Millisecond)
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readFrame(t *testing.T, conn *websocket.Conn, within time.Duration) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(within)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no frame on this socket")
}

func TestRoomRequiresNodeParam(t *testing.T) {
	ts := startRelay(t, Config{})

	resp, err := http.Get(ts.URL + "/v1/mesh/mesh-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayForwardsDirectedFrames(t *testing.T) {
	ts := startRelay(t, Config{})

	alice := dialRoom(t, ts, "mesh-1", nodeAlice)
	bob := dialRoom(t, ts, "mesh-1", nodeBob)
	carol := dialRoom(t, ts, "mesh-1", nodeCarol)
	waitClients(t, ts, 3)

	send(t, alice, `{"t":"hello","from":"`+nodeAlice+`","to":"`+nodeBob+`","p":{"mesh_id":"mesh-1"}}`)

	got := readFrame(t, bob, 2*time.Second)
	assert.Equal(t, "hello", got["t"])
	assert.Equal(t, nodeAlice, got["from"])
	assert.Equal(t, nodeBob, got["to"])

	expectSilence(t, carol)
}

// The relay stamps the authenticated sender into the envelope, so a
// member cannot claim frames come from someone else.
func TestRelayOverwritesSpoofedSender(t *testing.T) {
	ts := startRelay(t, Config{})

	alice := dialRoom(t, ts, "mesh-1", nodeAlice)
	bob := dialRoom(t, ts, "mesh-1", nodeBob)
	waitClients(t, ts, 2)

	send(t, alice, `{"t":"hello","from":"`+nodeCarol+`","to":"`+nodeBob+`"}`)

	got := readFrame(t, bob, 2*time.Second)
	assert.Equal(t, nodeAlice, got["from"])
}

func TestRelayBroadcastsFramesWithoutTarget(t *testing.T) {
	ts := startRelay(t, Config{})

	alice := dialRoom(t, ts, "mesh-1", nodeAlice)
	bob := dialRoom(t, ts, "mesh-1", nodeBob)
	carol := dialRoom(t, ts, "mesh-1", nodeCarol)
	waitClients(t, ts, 3)

	send(t, alice, `{"t":"gossip","from":"`+nodeAlice+`","p":{"kind":"cost_update"}}`)

	for _, conn := range []*websocket.Conn{bob, carol} {
		got := readFrame(t, conn, 2*time.Second)
		assert.Equal(t, "gossip", got["t"])
		assert.Equal(t, nodeAlice, got["from"])
	}
	expectSilence(t, alice)
}

func TestRelayDropsFramesForAbsentTargets(t *testing.T) {
	ts := startRelay(t, Config{})

	alice := dialRoom(t, ts, "mesh-1", nodeAlice)
	bob := dialRoom(t, ts, "mesh-1", nodeBob)
	waitClients(t, ts, 2)

	send(t, alice, `{"t":"hello","from":"`+nodeAlice+`","to":"ffff000000000000"}`)
	expectSilence(t, bob)
}

func TestRelayRoomsAreIsolated(t *testing.T) {
	ts := startRelay(t, Config{})

	alice := dialRoom(t, ts, "mesh-1", nodeAlice)
	stranger := dialRoom(t, ts, "mesh-2", nodeBob)
	waitClients(t, ts, 2)

	send(t, alice, `{"t":"gossip","from":"`+nodeAlice+`"}`)
	expectSilence(t, stranger)
}

// A reconnect under the same node id bumps the stale socket and takes
// over frame delivery.
func TestRelayReconnectReplacesSocket(t *testing.T) {
	ts := startRelay(t, Config{})

	stale := dialRoom(t, ts, "mesh-1", nodeAlice)
	bob := dialRoom(t, ts, "mesh-1", nodeBob)
	waitClients(t, ts, 2)

	fresh := dialRoom(t, ts, "mesh-1", nodeAlice)

	// the server closes the stale socket on the second join
	require.NoError(t, stale.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := stale.ReadMessage()
	require.Error(t, err)

	send(t, bob, `{"t":"hello","from":"`+nodeBob+`","to":"`+nodeAlice+`"}`)
	got := readFrame(t, fresh, 2*time.Second)
	assert.Equal(t, nodeBob, got["from"])
}

func TestRelayDropsUnparseableFrames(t *testing.T) {
	ts := startRelay(t, Config{})

	alice := dialRoom(t, ts, "mesh-1", nodeAlice)
	bob := dialRoom(t, ts, "mesh-1", nodeBob)
	waitClients(t, ts, 2)

	send(t, alice, `{broken`)
	send(t, alice, `{"t":"hello","from":"`+nodeAlice+`","to":"`+nodeBob+`"}`)

	// the bad frame is skipped, the next one still flows
	got := readFrame(t, bob, 2*time.Second)
	assert.Equal(t, "hello", got["t"])
}

func TestHealthReportsRoomsAndClients(t *testing.T) {
	ts := startRelay(t, Config{})

	dialRoom(t, ts, "mesh-1", nodeAlice)
	dialRoom(t, ts, "mesh-1", nodeBob)
	waitClients(t, ts, 2)

	health, ok := fetchHealth(t, ts)
	require.True(t, ok)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Rooms)
	assert.Equal(t, 2, health.Clients)
	assert.False(t, health.Redis, "no redis configured")
}
