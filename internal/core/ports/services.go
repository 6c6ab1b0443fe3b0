package ports

import (
	"context"
	"time"

	"screenmesh/internal/core/domain"
)

// MetricsSink receives scheduler and transport outcomes. Frame drops are
// statistics, not errors; this is the only place they surface.
type MetricsSink interface {
	RecordFrameSent(kind domain.FrameKind, bytes int)
	RecordFrameDropped(kind domain.FrameKind, reason string)
	RecordKeyframeRetry()
	RecordStreamFault()
	RecordKeyframeRequest()
	RecordHeartbeatRTT(peer domain.PeerID, rtt time.Duration)
	RecordPeerConnected()
	RecordPeerDisconnected()
	RecordSessionStarted()
	RecordSessionEnded()
}

// EventSink publishes structured signals to the external UI layer.
type EventSink interface {
	Publish(evt domain.Event)
}

// FrameScheduler fans encoded frames out to attached viewers, applying the
// per-class delivery policy. One slow viewer never throttles another.
type FrameScheduler interface {
	AttachViewer(key domain.ViewerKey, link PeerLink)
	DetachViewer(key domain.ViewerKey)
	Dispatch(stream domain.StreamKey, frame domain.EncodedFrame)
	// OnStreamFault registers the callback fired once per viewer tuple when a
	// keyframe exhausts its retry budget.
	OnStreamFault(fn func(key domain.ViewerKey))
	Stop()
}

// SessionService is the sharing/viewing API surface used by the local
// control layer.
type SessionService interface {
	StartShare(ctx context.Context, display domain.DisplayID) error
	StopShare(display domain.DisplayID) error
	Watch(sharer domain.PeerID, display domain.DisplayID, fps uint8) error
	StopWatching(sharer domain.PeerID, display domain.DisplayID) error
	LocalShares() []domain.SharingSession
	RemoteOffers() []domain.RemoteOffer
	Subscriptions() []domain.ViewerSubscription
	SendChat(content string) map[domain.PeerID]error
}
