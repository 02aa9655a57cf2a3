package core

import (
	"sort"
	"time"
)

// Platform identifies the OS family a node runs on.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformDarwin  Platform = "darwin"
	PlatformWindows Platform = "windows"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// EndpointKind orders dial preference: local first, relay last.
type EndpointKind string

const (
	EndpointLocal  EndpointKind = "local"
	EndpointPublic EndpointKind = "public"
	EndpointRelay  EndpointKind = "relay"
)

// Endpoint is one way to reach a node. URL is a ws:// or wss:// address.
type Endpoint struct {
	Kind EndpointKind `json:"kind"`
	URL  string       `json:"url"`
}

// NodeInfo describes a mesh member as exchanged during handshakes
// and carried in node_join announcements.
type NodeInfo struct {
	NodeID      string     `json:"node_id"`
	DisplayName string     `json:"display_name"`
	Platform    Platform   `json:"platform"`
	Endpoints   []Endpoint `json:"endpoints,omitempty"`
	Version     string     `json:"version,omitempty"`
	PublicKey   string     `json:"public_key,omitempty"` // base64 Ed25519
}

// MeshInfo describes the mesh a node belongs to.
type MeshInfo struct {
	MeshID    string    `json:"mesh_id"`
	MeshName  string    `json:"mesh_name"`
	CreatedAt time.Time `json:"created_at"`
}

var endpointRank = map[EndpointKind]int{
	EndpointLocal:  0,
	EndpointPublic: 1,
	EndpointRelay:  2,
}

// SortEndpoints orders endpoints by dial preference (local, public, relay).
// The sort is stable so endpoints of the same kind keep their given order.
func SortEndpoints(eps []Endpoint) {
	sort.SliceStable(eps, func(i, j int) bool {
		return endpointRank[eps[i].Kind] < endpointRank[eps[j].Kind]
	})
}
