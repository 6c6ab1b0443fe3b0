package domain

import "time"

type PeerID string

type DisplayID uint32

// Capability names exchanged during handshake. A connection only accepts
// operations its peer advertised.
const (
	CapScreenShare   = "screen-share"
	CapRemoteControl = "remote-control"
	CapChat          = "chat"
	CapFileTransfer  = "file-transfer"
)

// PeerIdentity is established during the connection handshake and stays
// immutable for the lifetime of the connection that produced it.
type PeerIdentity struct {
	ID           PeerID
	Name         string
	Version      string
	Capabilities []string
}

// HasCapability reports whether the peer advertised the given capability
// during handshake.
func (p PeerIdentity) HasCapability(capability string) bool {
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

type ConnectionRole string

const (
	RoleInitiator ConnectionRole = "initiator"
	RoleAcceptor  ConnectionRole = "acceptor"
)

// DisplayInfo describes one shareable display, as advertised in a
// screen-offer broadcast.
type DisplayInfo struct {
	ID      DisplayID
	Name    string
	Width   uint32
	Height  uint32
	Primary bool
}

// PeerStatus is a read-only snapshot of a live connection, exposed through
// the registry for the API layer.
type PeerStatus struct {
	Identity    PeerIdentity
	Role        ConnectionRole
	RemoteAddr  string
	ConnectedAt time.Time
	LastSeen    time.Time
	RTT         time.Duration
}
