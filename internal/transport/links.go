package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

const (
	readWait   = 45 * time.Second // backstop; app pings refresh it long before
	writeWait  = 10 * time.Second
	maxMsgSize = 4 * 1024 * 1024 // sensor frames ship base64 images
	sendBuffer = 256

	relayPingPeriod = 30 * time.Second // ws control pings on the relay hop
	relayPongWait   = 60 * time.Second
)

// frameLink carries marshaled frames to one peer. Direct links own a
// socket; relay channels share the relay socket.
type frameLink interface {
	enqueue(data []byte, frameType string) error
	close()
	via() core.EndpointKind
}

// directLink is a dedicated WebSocket to one peer. One goroutine owns
// all reads and one owns all writes, so no write ever races another.
type directLink struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	kind    core.EndpointKind
	onFrame func(raw []byte)
	onClose func()
	logger  *slog.Logger
}

func newDirectLink(conn *websocket.Conn, kind core.EndpointKind, logger *slog.Logger) *directLink {
	return &directLink{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		kind:   kind,
		logger: logger,
	}
}

// start begins the pumps once the frame callbacks are bound.
func (l *directLink) start(onFrame func([]byte), onClose func()) {
	l.onFrame = onFrame
	l.onClose = onClose
	go l.writePump()
	go l.readPump()
}

func (l *directLink) via() core.EndpointKind { return l.kind }

// enqueue hands a frame to the write pump. Gossip and pings drop when
// the buffer is full; anything else waits out writeWait first.
func (l *directLink) enqueue(data []byte, frameType string) error {
	select {
	case l.send <- data:
		return nil
	case <-l.done:
		return core.Errorf(core.CodeTransportFailure, "link closed")
	default:
	}
	if frameType == FrameGossip || frameType == FramePing || frameType == FramePong {
		l.logger.Debug("send buffer full, dropping frame", "type", frameType)
		return nil
	}
	select {
	case l.send <- data:
		return nil
	case <-l.done:
		return core.Errorf(core.CodeTransportFailure, "link closed")
	case <-time.After(writeWait):
		return core.Errorf(core.CodeTransportFailure, "send buffer stalled")
	}
}

// close tears the socket down. onClose runs outside the once body:
// the session's own close calls back into this method, and a callback
// inside once.Do would re-enter it and block forever.
func (l *directLink) close() {
	first := false
	l.once.Do(func() {
		first = true
		close(l.done)
		l.conn.Close()
	})
	if first && l.onClose != nil {
		l.onClose()
	}
}

// writePump is the only goroutine writing to the socket.
func (l *directLink) writePump() {
	defer l.close()
	for {
		select {
		case data := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.logger.Debug("link write failed", "error", err)
				return
			}
			// drain what queued up while we were writing
			n := len(l.send)
			for i := 0; i < n; i++ {
				if err := l.conn.WriteMessage(websocket.TextMessage, <-l.send); err != nil {
					l.logger.Debug("link batch write failed", "error", err)
					return
				}
			}
		case <-l.done:
			l.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump is the only goroutine reading from the socket.
func (l *directLink) readPump() {
	defer l.close()
	l.conn.SetReadLimit(maxMsgSize)
	l.conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.logger.Debug("link read failed", "error", err)
			}
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(readWait))
		if l.onFrame != nil {
			l.onFrame(raw)
		}
	}
}

// RelayLink is the single socket to a relay room. Every peer reached
// through this relay shares it via relayChannel.
type RelayLink struct {
	baseURL string
	meshID  string
	self    string

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.RWMutex
	channels map[string]*relayChannel

	// onOrphan handles frames from peers with no channel yet, which is
	// how inbound handshakes arrive over a relay.
	onOrphan func(from string, raw []byte)
	onClose  func()
	logger   *slog.Logger
}

// RelayRoomURL builds the room endpoint on a relay base URL.
func RelayRoomURL(baseURL, meshID, nodeID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", core.WrapErr(core.CodeValidation, err, "relay url %q", baseURL)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", core.Errorf(core.CodeValidation, "relay url %q has scheme %q", baseURL, u.Scheme)
	}
	u.Path = "/v1/mesh/" + meshID
	q := u.Query()
	q.Set("node", nodeID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dialRelay connects the room socket.
func dialRelay(ctx context.Context, baseURL, meshID, self string, onOrphan func(string, []byte), onClose func(), logger *slog.Logger) (*RelayLink, error) {
	roomURL, err := RelayRoomURL(baseURL, meshID, self)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, roomURL, nil)
	if err != nil {
		return nil, core.WrapErr(core.CodeTransportFailure, err, "dialing relay %s", baseURL)
	}
	rl := &RelayLink{
		baseURL:  baseURL,
		meshID:   meshID,
		self:     self,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		channels: make(map[string]*relayChannel),
		onOrphan: onOrphan,
		onClose:  onClose,
		logger:   logger.With("component", "relay-link"),
	}
	go rl.writePump()
	go rl.readPump()
	return rl, nil
}

// channel returns the virtual link to a peer through this relay.
func (rl *RelayLink) channel(peer string) *relayChannel {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if ch, ok := rl.channels[peer]; ok {
		return ch
	}
	ch := &relayChannel{link: rl, peer: peer}
	rl.channels[peer] = ch
	return ch
}

func (rl *RelayLink) dropChannel(peer string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.channels, peer)
}

func (rl *RelayLink) enqueue(data []byte, frameType string) error {
	select {
	case rl.send <- data:
		return nil
	case <-rl.done:
		return core.Errorf(core.CodeTransportFailure, "relay link closed")
	default:
	}
	if frameType == FrameGossip || frameType == FramePing || frameType == FramePong {
		rl.logger.Debug("relay send buffer full, dropping frame", "type", frameType)
		return nil
	}
	select {
	case rl.send <- data:
		return nil
	case <-rl.done:
		return core.Errorf(core.CodeTransportFailure, "relay link closed")
	case <-time.After(writeWait):
		return core.Errorf(core.CodeTransportFailure, "relay send buffer stalled")
	}
}

// Close tears down the room socket and every channel on it. Channel
// and link callbacks run outside the once body; they close sessions,
// which close their channels, and that chain must not land back
// inside this once.Do.
func (rl *RelayLink) Close() {
	first := false
	var channels []*relayChannel
	rl.once.Do(func() {
		first = true
		close(rl.done)
		rl.conn.Close()

		rl.mu.Lock()
		channels = make([]*relayChannel, 0, len(rl.channels))
		for _, ch := range rl.channels {
			channels = append(channels, ch)
		}
		rl.channels = make(map[string]*relayChannel)
		rl.mu.Unlock()
	})
	if !first {
		return
	}
	for _, ch := range channels {
		if ch.onClose != nil {
			ch.onClose()
		}
	}
	if rl.onClose != nil {
		rl.onClose()
	}
}

func (rl *RelayLink) writePump() {
	ticker := time.NewTicker(relayPingPeriod)
	defer func() {
		ticker.Stop()
		rl.Close()
	}()
	for {
		select {
		case data := <-rl.send:
			rl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := rl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				rl.logger.Debug("relay write failed", "error", err)
				return
			}
			n := len(rl.send)
			for i := 0; i < n; i++ {
				if err := rl.conn.WriteMessage(websocket.TextMessage, <-rl.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			rl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := rl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-rl.done:
			rl.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (rl *RelayLink) readPump() {
	defer rl.Close()
	rl.conn.SetReadLimit(maxMsgSize)
	rl.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	rl.conn.SetPongHandler(func(string) error {
		rl.conn.SetReadDeadline(time.Now().Add(relayPongWait))
		return nil
	})
	for {
		_, raw, err := rl.conn.ReadMessage()
		if err != nil {
			return
		}
		rl.conn.SetReadDeadline(time.Now().Add(relayPongWait))

		// peek at from without a full decode cost: frames are small
		var head struct {
			From string `json:"from"`
		}
		if err := json.Unmarshal(raw, &head); err != nil || head.From == "" {
			rl.logger.Debug("relay frame without sender, dropped")
			continue
		}

		rl.mu.RLock()
		ch := rl.channels[head.From]
		rl.mu.RUnlock()
		if ch != nil && ch.onFrame != nil {
			ch.onFrame(raw)
			continue
		}
		if rl.onOrphan != nil {
			rl.onOrphan(head.From, raw)
		}
	}
}

// relayChannel is the virtual link to one peer through a shared relay
// socket. Frames must carry To so the relay can route them.
type relayChannel struct {
	link    *RelayLink
	peer    string
	onFrame func([]byte)
	onClose func()
	once    sync.Once
}

func (c *relayChannel) via() core.EndpointKind { return core.EndpointRelay }

func (c *relayChannel) enqueue(data []byte, frameType string) error {
	return c.link.enqueue(data, frameType)
}

func (c *relayChannel) start(onFrame func([]byte), onClose func()) {
	c.onFrame = onFrame
	c.onClose = onClose
}

// close detaches the channel from the room. Like directLink.close,
// onClose stays outside the once body so the session's close can call
// back in without re-entering once.Do.
func (c *relayChannel) close() {
	first := false
	c.once.Do(func() {
		first = true
		c.link.dropChannel(c.peer)
	})
	if first && c.onClose != nil {
		c.onClose()
	}
}
