// Package relay implements the rendezvous service that forwards frames
// between mesh nodes that cannot reach each other directly. It never
// joins a mesh: frames are opaque except for the routing envelope, and
// nodes protect payloads with their own inner encryption.
package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 4 * 1024 * 1024
	sendBuffer = 256
)

// envelope is the only part of a frame the relay reads.
type envelope struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// client is one node's socket into a mesh room.
type client struct {
	room   *room
	nodeID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newClient(r *room, nodeID string, conn *websocket.Conn, logger *slog.Logger) *client {
	return &client{
		room:   r,
		nodeID: nodeID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger.With("mesh", r.meshID, "node", nodeID),
	}
}

func (c *client) run() {
	go c.writePump()
	c.readPump()
}

// enqueue hands a frame to the write pump without blocking the caller.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Debug("send buffer full, dropping frame")
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
		c.room.leave(c)
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read error", "error", err)
			}
			return
		}
		c.room.forward(c, raw)
	}
}

// room holds every local member of one mesh.
type room struct {
	meshID  string
	srv     *Server
	mu      sync.RWMutex
	members map[string]*client
}

func newRoom(srv *Server, meshID string) *room {
	return &room{meshID: meshID, srv: srv, members: make(map[string]*client)}
}

// join registers a member. A reconnect under the same node id bumps
// the previous socket, since the node would not redial otherwise.
func (r *room) join(c *client) {
	r.mu.Lock()
	old := r.members[c.nodeID]
	r.members[c.nodeID] = c
	size := len(r.members)
	r.mu.Unlock()

	if old != nil {
		old.once.Do(func() {
			close(old.done)
			old.conn.Close()
		})
	}
	relayMetrics().Clients.Inc()
	if old != nil {
		relayMetrics().Clients.Dec()
	}
	c.logger.Info("node joined room", "members", size)
}

func (r *room) leave(c *client) {
	r.mu.Lock()
	current, ok := r.members[c.nodeID]
	if ok && current == c {
		delete(r.members, c.nodeID)
	} else {
		ok = false
	}
	empty := len(r.members) == 0
	r.mu.Unlock()

	if !ok {
		return
	}
	relayMetrics().Clients.Dec()
	c.logger.Info("node left room")
	if empty {
		r.srv.dropRoom(r.meshID)
	}
}

func (r *room) member(nodeID string) *client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[nodeID]
}

func (r *room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// forward routes one frame. The sender's from field is overwritten
// with its registered id so members cannot spoof each other.
func (r *room) forward(from *client, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		from.logger.Debug("unparseable frame dropped")
		relayMetrics().Frames.WithLabelValues("drop").Inc()
		return
	}
	if env.From != from.nodeID {
		raw = rewriteFrom(raw, from.nodeID)
	}

	if env.To == "" {
		r.broadcast(from.nodeID, raw)
		r.srv.publishRemote(r.meshID, "", raw)
		relayMetrics().Frames.WithLabelValues("broadcast").Inc()
		return
	}

	if target := r.member(env.To); target != nil {
		target.enqueue(raw)
		relayMetrics().Frames.WithLabelValues("deliver").Inc()
		return
	}

	// not here: another relay instance may hold the target
	if r.srv.publishRemote(r.meshID, env.To, raw) {
		relayMetrics().Frames.WithLabelValues("deliver").Inc()
		return
	}
	from.logger.Debug("target not in room, frame dropped", "to", env.To)
	relayMetrics().Frames.WithLabelValues("drop").Inc()
}

// broadcast delivers to every local member except the sender.
func (r *room) broadcast(exceptNodeID string, raw []byte) {
	r.mu.RLock()
	targets := make([]*client, 0, len(r.members))
	for id, m := range r.members {
		if id != exceptNodeID {
			targets = append(targets, m)
		}
	}
	r.mu.RUnlock()
	for _, t := range targets {
		t.enqueue(raw)
	}
}

// deliverLocal pushes a frame that arrived from another relay instance.
func (r *room) deliverLocal(to string, raw []byte) {
	if to == "" {
		r.broadcast("", raw)
		return
	}
	if target := r.member(to); target != nil {
		target.enqueue(raw)
	}
}

// rewriteFrom stamps the authenticated sender id into the envelope.
func rewriteFrom(raw []byte, nodeID string) []byte {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	stamped, err := json.Marshal(nodeID)
	if err != nil {
		return raw
	}
	m["from"] = stamped
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}
