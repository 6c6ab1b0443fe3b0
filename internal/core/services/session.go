package services

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"screenmesh/internal/core/domain"
	"screenmesh/internal/core/ports"
	"screenmesh/internal/protocol"
)

// SessionConfig carries sharing defaults and resync tuning.
type SessionConfig struct {
	TargetFPS                  uint8
	Codec                      string
	KeyframeRequestMinInterval time.Duration
}

// SessionManager drives the sharing/viewing state machines for every peer
// pair. It is the single consumer of the transport's inbound message stream
// and the single writer of session state; the scheduler and pipelines do
// the per-frame work.
//
// There is no central roster: "who is sharing" is gossiped via broadcast
// screen-offers into a local cache that is only eventually consistent.
type SessionManager struct {
	cfg      SessionConfig
	local    domain.PeerIdentity
	registry ports.Registry

	scheduler ports.FrameScheduler
	capture   ports.CaptureSource
	encoders  ports.EncoderFactory
	decoders  ports.DecoderFactory
	renderer  ports.RenderSink
	metrics   ports.MetricsSink
	events    ports.EventSink
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	shares map[domain.DisplayID]*localShare
	subs   map[domain.StreamKey]*subscription
	offers map[domain.StreamKey]domain.RemoteOffer
}

type subscription struct {
	key          domain.StreamKey
	state        domain.ShareState
	params       domain.StreamParams
	requestedFPS uint8
	pipeline     *StreamPipeline
	started      time.Time
}

func NewSessionManager(
	cfg SessionConfig,
	local domain.PeerIdentity,
	registry ports.Registry,
	scheduler ports.FrameScheduler,
	capture ports.CaptureSource,
	encoders ports.EncoderFactory,
	decoders ports.DecoderFactory,
	renderer ports.RenderSink,
	metrics ports.MetricsSink,
	events ports.EventSink,
	logger *zap.SugaredLogger,
) *SessionManager {
	m := &SessionManager{
		cfg:       cfg,
		local:     local,
		registry:  registry,
		scheduler: scheduler,
		capture:   capture,
		encoders:  encoders,
		decoders:  decoders,
		renderer:  renderer,
		metrics:   metrics,
		events:    events,
		logger:    logger,
		shares:    make(map[domain.DisplayID]*localShare),
		subs:      make(map[domain.StreamKey]*subscription),
		offers:    make(map[domain.StreamKey]domain.RemoteOffer),
	}
	scheduler.OnStreamFault(m.handleStreamFault)
	return m
}

// HandleMessage dispatches one inbound message by type. Messages arriving
// for a tuple in the wrong state are dropped with a log; the connection
// stays open.
func (m *SessionManager) HandleMessage(from domain.PeerIdentity, msg protocol.Message) {
	switch v := msg.(type) {
	case protocol.ScreenOffer:
		m.handleScreenOffer(from, v)
	case protocol.ScreenRequest:
		m.handleScreenRequest(from, v)
	case protocol.ScreenStart:
		m.handleScreenStart(from, v)
	case protocol.ScreenFrame:
		m.handleScreenFrame(from, v)
	case protocol.ScreenStop:
		m.handleScreenStop(from, v)
	case protocol.RequestKeyframe:
		m.handleRequestKeyframe(from, v)
	case protocol.ChatMessage:
		m.publish(domain.EventChatReceived, from.ID, 0, v.Content)
	case protocol.ControlRequest:
		m.publish(domain.EventControlChanged, from.ID, 0, "requested")
	case protocol.ControlGrant:
		m.publish(domain.EventControlChanged, from.ID, 0, "granted")
	case protocol.ControlRevoke:
		m.publish(domain.EventControlChanged, from.ID, 0, "revoked")
	case protocol.InputEvent:
		if !from.HasCapability(domain.CapRemoteControl) {
			m.logger.Debugw("dropping input from peer without remote-control capability", "peer", from.ID)
			return
		}
		m.publish(domain.EventInputReceived, from.ID, 0, "")
	case protocol.FileOffer:
		m.publish(domain.EventFileSignal, from.ID, 0, "offer:"+v.FileID)
	case protocol.FileAccept:
		m.publish(domain.EventFileSignal, from.ID, 0, "accept:"+v.FileID)
	case protocol.FileReject:
		m.publish(domain.EventFileSignal, from.ID, 0, "reject:"+v.FileID)
	case protocol.FileChunk:
		m.publish(domain.EventFileSignal, from.ID, 0, "chunk:"+v.FileID)
	case protocol.FileComplete:
		m.publish(domain.EventFileSignal, from.ID, 0, "complete:"+v.FileID)
	case protocol.FileCancel:
		m.publish(domain.EventFileSignal, from.ID, 0, "cancel:"+v.FileID)
	default:
		m.logger.Debugw("unhandled message", "peer", from.ID, "type", msg.Type())
	}
}

// HandlePeerUp greets a freshly connected peer with the current offer list
// so its gossip cache does not have to wait for the next share change.
func (m *SessionManager) HandlePeerUp(peer domain.PeerID) {
	m.mu.Lock()
	displays := make([]domain.DisplayInfo, 0, len(m.shares))
	for _, share := range m.shares {
		displays = append(displays, share.session.Display)
	}
	m.mu.Unlock()

	link, ok := m.registry.Lookup(peer)
	if !ok {
		return
	}
	if len(displays) > 0 {
		if err := link.SendReliable(protocol.ScreenOffer{Displays: displays}); err != nil {
			m.logger.Debugw("greeting offer failed", "peer", peer, "error", err)
		}
	}
	m.publish(domain.EventPeerConnected, peer, 0, link.Identity().Name)
}

// HandlePeerGone reacts to a registry unregister: every sharing session and
// subscription involving the peer cascades to Stopped, and its gossip
// entries are dropped.
func (m *SessionManager) HandlePeerGone(id domain.PeerID) {
	m.mu.Lock()
	for _, share := range m.shares {
		if state, ok := share.session.Viewers[id]; ok && state == domain.ShareStreaming {
			share.session.Viewers[id] = domain.ShareStopped
			m.scheduler.DetachViewer(domain.ViewerKey{
				Sharer:  m.local.ID,
				Viewer:  id,
				Display: share.session.Display.ID,
			})
		}
	}
	var stoppedSubs []*subscription
	for key, sub := range m.subs {
		if key.Sharer == id && sub.state == domain.ShareStreaming {
			sub.state = domain.ShareStopped
			stoppedSubs = append(stoppedSubs, sub)
		}
	}
	for key := range m.offers {
		if key.Sharer == id {
			delete(m.offers, key)
		}
	}
	m.mu.Unlock()

	for _, sub := range stoppedSubs {
		if sub.pipeline != nil {
			sub.pipeline.Stop()
		}
	}
	m.metrics.RecordPeerDisconnected()
	m.publish(domain.EventPeerDisconnected, id, 0, "")
	m.logger.Infow("peer gone, sessions cascaded", "peer", id, "stopped_subscriptions", len(stoppedSubs))
}

func (m *SessionManager) publish(t domain.EventType, peer domain.PeerID, display domain.DisplayID, detail string) {
	m.events.Publish(domain.Event{
		Type:    t,
		Peer:    peer,
		Display: display,
		Detail:  detail,
		Time:    time.Now(),
	})
}

// LocalShares returns a snapshot of active local sharing sessions.
func (m *SessionManager) LocalShares() []domain.SharingSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SharingSession, 0, len(m.shares))
	for _, share := range m.shares {
		s := share.session
		s.Viewers = make(map[domain.PeerID]domain.ShareState, len(share.session.Viewers))
		for id, st := range share.session.Viewers {
			s.Viewers[id] = st
		}
		out = append(out, s)
	}
	return out
}

// RemoteOffers returns the gossip cache: each remote peer's last advertised
// sharing status, with its local update timestamp.
func (m *SessionManager) RemoteOffers() []domain.RemoteOffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RemoteOffer, 0, len(m.offers))
	for _, offer := range m.offers {
		out = append(out, offer)
	}
	return out
}

// Subscriptions returns a snapshot of streams this peer is watching.
func (m *SessionManager) Subscriptions() []domain.ViewerSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ViewerSubscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, domain.ViewerSubscription{
			Key:     sub.key,
			Params:  sub.params,
			State:   sub.state,
			Started: sub.started,
		})
	}
	return out
}

// SendChat broadcasts a chat message to every connected peer.
func (m *SessionManager) SendChat(content string) map[domain.PeerID]error {
	return m.registry.Broadcast(protocol.ChatMessage{
		From:      m.local.Name,
		Content:   content,
		Timestamp: uint64(time.Now().UnixMilli()),
	})
}

// Stop tears down all local shares and subscriptions.
func (m *SessionManager) Stop() {
	m.mu.Lock()
	displays := make([]domain.DisplayID, 0, len(m.shares))
	for id := range m.shares {
		displays = append(displays, id)
	}
	var pipelines []*StreamPipeline
	for _, sub := range m.subs {
		if sub.state == domain.ShareStreaming && sub.pipeline != nil {
			sub.state = domain.ShareStopped
			pipelines = append(pipelines, sub.pipeline)
		}
	}
	m.mu.Unlock()

	for _, id := range displays {
		if err := m.StopShare(id); err != nil {
			m.logger.Warnw("stop share on shutdown", "display", id, "error", err)
		}
	}
	for _, p := range pipelines {
		p.Stop()
	}
}
