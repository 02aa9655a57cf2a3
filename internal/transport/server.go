package transport

import (
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

// buildCheckOrigin validates browser origins against the configured
// allowlist. Node-to-node dials send no Origin header and always pass.
// An empty list or "*" accepts everything.
func buildCheckOrigin(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	wildcard := len(allowed) == 0
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			wildcard = true
			continue
		}
		if o != "" {
			set[o] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		return set[origin]
	}
}

// WSHandler accepts inbound peer sessions. Mount it wherever the
// transport listener serves HTTP.
func (m *Manager) WSHandler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     buildCheckOrigin(m.cfg.AllowedOrigins),
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		link := newDirectLink(conn, endpointKindFor(r.RemoteAddr), m.logger)
		s := newSession(m, link, StateHandshaking)
		link.start(s.handleRaw, func() { s.close("connection lost") })

		go func() {
			if err := m.handshakeAsAcceptor(s); err != nil {
				m.logger.Debug("inbound handshake rejected", "remote", r.RemoteAddr, "error", err)
				s.close("handshake failed")
			}
		}()
	})
}

// endpointKindFor classifies the dialer's address so locality scoring
// knows whether this session crosses the LAN boundary.
func endpointKindFor(remoteAddr string) core.EndpointKind {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
		return core.EndpointLocal
	}
	return core.EndpointPublic
}
