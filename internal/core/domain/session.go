package domain

import "time"

// ShareState is the per (sharer, viewer, display) sharing state machine.
// Stopped is terminal; resuming requires a fresh Offered cycle.
type ShareState string

const (
	ShareIdle      ShareState = "idle"
	ShareOffered   ShareState = "offered"
	ShareRequested ShareState = "requested"
	ShareStreaming ShareState = "streaming"
	ShareStopped   ShareState = "stopped"
)

// StreamKey identifies one video stream: a display shared by one peer.
type StreamKey struct {
	Sharer  PeerID
	Display DisplayID
}

// ViewerKey identifies one viewer's attachment to a stream.
type ViewerKey struct {
	Sharer  PeerID
	Viewer  PeerID
	Display DisplayID
}

func (k ViewerKey) Stream() StreamKey {
	return StreamKey{Sharer: k.Sharer, Display: k.Display}
}

// StreamParams are the negotiated stream settings from screen-start.
type StreamParams struct {
	Width  uint32
	Height uint32
	FPS    uint8
	Codec  string
}

// SharingSession is one active share of one local display to a set of
// viewers. The session owns the frame sequence counter for its stream.
type SharingSession struct {
	Sharer   PeerIdentity
	Display  DisplayInfo
	Params   StreamParams
	Viewers  map[PeerID]ShareState
	Sequence uint32
	Started  time.Time
}

// RemoteOffer is one entry of the gossiped sharing-status cache: what a
// remote peer last advertised for one of its displays. Entries are only
// eventually consistent with the sharer's actual state.
type RemoteOffer struct {
	Sharer    PeerID
	Display   DisplayInfo
	Active    bool
	UpdatedAt time.Time
}

// ViewerSubscription is the local decode/render context for one stream this
// peer is watching.
type ViewerSubscription struct {
	Key     StreamKey
	Params  StreamParams
	State   ShareState
	Started time.Time
}
