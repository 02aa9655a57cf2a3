package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmosphere-mesh/atmosphere/internal/node"
)

const (
	eventWriteWait = 10 * time.Second
	eventPingEvery = 30 * time.Second
)

// handleEventStream pushes hub events over a websocket. Slow readers
// lose events at the hub rather than backing up the publishers; a
// client that wants everything should drain promptly.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("event stream upgrade refused", "err", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.node.Hub().Subscribe(256)
	defer unsubscribe()

	st := s.node.Status()
	hello := node.Event{Type: "hello", TS: time.Now().UTC(), Data: map[string]any{
		"node_id": st.NodeID, "version": st.Version,
	}}
	if st.Mesh != nil {
		hello.Data["mesh_id"] = st.Mesh.MeshID
	}
	_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
	if err := conn.WriteJSON(hello); err != nil {
		return
	}

	// the read side only notices the peer going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
