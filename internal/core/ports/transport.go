package ports

import (
	"context"

	"screenmesh/internal/core/domain"
	"screenmesh/internal/protocol"
)

// PeerLink is one established, handshaken connection to a peer. Reliable
// sends preserve order; unreliable sends never block on the peer and may be
// lost silently. SendFrame is the reliable-enough frame path: delivery is
// retransmitted by the transport but ordering against other frames is not
// guaranteed, and it never contends with the control channel.
type PeerLink interface {
	Identity() domain.PeerIdentity
	SendReliable(msg protocol.Message) error
	SendFrame(ctx context.Context, msg protocol.Message) error
	SendUnreliable(msg protocol.Message) error
	Close(reason domain.CloseReason)
	Status() domain.PeerStatus
}

// Registry is the process-wide table of reachable peers. Registration and
// unregistration are serialized; lookups and broadcasts see consistent
// snapshots.
type Registry interface {
	Register(link PeerLink) error
	Unregister(id domain.PeerID)
	Lookup(id domain.PeerID) (PeerLink, bool)
	List() []domain.PeerStatus
	// Broadcast sends on the reliable channel of every registered peer and
	// reports the outcome per peer; one failure never aborts the rest.
	Broadcast(msg protocol.Message) map[domain.PeerID]error
}
