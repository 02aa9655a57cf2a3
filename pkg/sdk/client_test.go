package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeDaemon(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestClientDefaults(t *testing.T) {
	c := NewClient(Config{})
	assert.Equal(t, DefaultBaseURL, c.BaseURL())

	c = NewClient(Config{BaseURL: "http://10.0.0.2:7433/"})
	assert.Equal(t, "http://10.0.0.2:7433", c.BaseURL(), "trailing slash is trimmed")
}

func TestHealthAndStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		writeJSON(t, w, map[string]any{
			"status": "ok", "node_id": "aaaa000011112222", "version": "0.4.0-dev", "uptime_s": 12,
		})
	})
	mux.HandleFunc("/api/mesh/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"node_id": "aaaa000011112222",
			"mesh":    map[string]any{"mesh_id": "m-1", "mesh_name": "studio"},
			"peers":   2, "capabilities": 5,
		})
	})
	c := newFakeDaemon(t, mux)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "aaaa000011112222", h.NodeID)
	assert.EqualValues(t, 12, h.UptimeS)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.Mesh)
	assert.Equal(t, "studio", st.Mesh.MeshName)
	assert.Equal(t, 2, st.Peers)
	assert.Equal(t, 5, st.Capabilities)
}

func TestRouteAndExecute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/route", func(w http.ResponseWriter, r *http.Request) {
		var req RouteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "summarize this", req.Intent)
		writeJSON(t, w, Decision{
			CapID: "aaaa000011112222:summarizer", NodeID: "aaaa000011112222", Local: true,
			Reasoning: []string{"semantic 0.91"},
		})
	})
	mux.HandleFunc("/api/execute", func(w http.ResponseWriter, r *http.Request) {
		var req ExecuteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "aaaa000011112222:summarizer", req.Path)
		assert.Equal(t, 2500, req.TimeoutMS)
		writeJSON(t, w, ExecuteResponse{
			Decision: &Decision{CapID: req.Path},
			Result: &ExecuteResult{
				CapID: req.Path, Local: true,
				Payload:  json.RawMessage(`{"summary":"short"}`),
				Attempts: []Attempt{{CapID: req.Path, Placement: "local", Code: "ok"}},
			},
			ElapsedMS: 41,
		})
	})
	c := newFakeDaemon(t, mux)

	dec, err := c.Route(context.Background(), RouteRequest{Intent: "summarize this"})
	require.NoError(t, err)
	assert.Equal(t, "aaaa000011112222:summarizer", dec.CapID)
	assert.True(t, dec.Local)

	res, err := c.Execute(context.Background(), ExecuteRequest{
		RouteRequest: RouteRequest{Path: dec.CapID},
		Payload:      json.RawMessage(`{"text":"..."}`),
		TimeoutMS:    2500,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Result)
	assert.JSONEq(t, `{"summary":"short"}`, string(res.Result.Payload))
	require.Len(t, res.Result.Attempts, 1)
	assert.Equal(t, "local", res.Result.Attempts[0].Placement)
}

func TestAPIErrorEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/route", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":"no_capability","message":"no capability matches the intent","details":{"nearest":["x:y"]}}}`))
	})
	mux.HandleFunc("/api/scan", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "the daemon fell over", http.StatusInternalServerError)
	})
	c := newFakeDaemon(t, mux)

	_, err := c.Route(context.Background(), RouteRequest{Intent: "nothing serves this"})
	require.Error(t, err)

	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusServiceUnavailable, ae.StatusCode)
	assert.Equal(t, "no_capability", ae.Code)
	assert.Contains(t, ae.Error(), "no_capability")
	assert.NotNil(t, ae.Details["nearest"])
	assert.True(t, IsCode(err, "no_capability"))
	assert.False(t, IsCode(err, "timeout"))

	// a non-envelope body still becomes a usable error
	_, err = c.Scan(context.Background())
	require.Error(t, err)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusInternalServerError, ae.StatusCode)
	assert.Empty(t, ae.Code)
	assert.Contains(t, ae.Message, "fell over")
}

func TestTokenAndJoin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/mesh/token", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 1800, req["ttl_s"])
		writeJSON(t, w, TokenResponse{TokenID: "tok-1", Token: "opaque", QRData: "atmosphere://join?t=opaque"})
	})
	mux.HandleFunc("/api/mesh/join", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "opaque", req["token"])
		writeJSON(t, w, JoinResponse{MeshID: "m-1", ConnectedVia: "local", Peer: NodeInfo{NodeID: "bbbb000011112222"}})
	})
	c := newFakeDaemon(t, mux)

	tok, err := c.CreateToken(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.TokenID)
	assert.Contains(t, tok.QRData, "atmosphere://")

	joined, err := c.Join(context.Background(), tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "m-1", joined.MeshID)
	assert.Equal(t, "local", joined.ConnectedVia)
	assert.Equal(t, "bbbb000011112222", joined.Peer.NodeID)
}

func TestCapabilitiesQuery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/capabilities", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "llm/chat", q.Get("type"))
		assert.Equal(t, "online", q.Get("status"))
		assert.Equal(t, "chat", q.Get("tool"))
		writeJSON(t, w, map[string]any{"capabilities": []Capability{
			{CapID: "aaaa000011112222:phi3", Label: "phi3", Type: "llm/chat", Status: "online"},
		}, "count": 1})
	})
	c := newFakeDaemon(t, mux)

	caps, err := c.Capabilities(context.Background(), CapabilityFilter{Type: "llm/chat", Status: "online", Tool: "chat"})
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, "phi3", caps[0].Label)
}

func TestApprovalConfigBytes(t *testing.T) {
	const policy = "config_version: 1\nshare:\n  models: [\"llama*\"]\n"
	mux := http.NewServeMux()
	mux.HandleFunc("/api/approval/config", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/x-yaml")
			_, _ = w.Write([]byte(policy))
		case http.MethodPost:
			assert.Contains(t, r.Header.Get("Content-Type"), "yaml")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"applied":true}`))
		}
	})
	c := newFakeDaemon(t, mux)

	raw, err := c.ApprovalConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, policy, string(raw))

	require.NoError(t, c.SetApprovalConfig(context.Background(), raw))
}

func TestAuditTailQuery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/audit/tail", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "25", r.URL.Query().Get("n"))
		writeJSON(t, w, map[string]any{"entries": []AuditEntry{
			{Event: "mesh_created", Chain: "abc123"},
		}, "count": 1})
	})
	c := newFakeDaemon(t, mux)

	entries, err := c.AuditTail(context.Background(), 25)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "mesh_created", entries[0].Event)
}

func TestEventsStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.WriteJSON(Event{Type: "hello", TS: time.Now(), Data: map[string]any{"node_id": "aaaa000011112222"}}))
		require.NoError(t, conn.WriteJSON(Event{Type: "peer_connected", TS: time.Now()}))
		// hold the socket open until the client hangs up
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	c := newFakeDaemon(t, mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := c.Events(ctx)
	require.NoError(t, err)

	recv := func() Event {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed early")
			return ev
		case <-time.After(3 * time.Second):
			t.Fatal("no event arrived")
			return Event{}
		}
	}

	hello := recv()
	assert.Equal(t, "hello", hello.Type)
	assert.Equal(t, "aaaa000011112222", hello.Data["node_id"])
	assert.Equal(t, "peer_connected", recv().Type)

	cancel()
	select {
	case _, ok := <-events:
		assert.False(t, ok, "channel closes when the context ends")
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}
