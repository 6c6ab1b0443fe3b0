package services

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"screenmesh/internal/core/domain"
	"screenmesh/internal/core/ports"
	"screenmesh/internal/protocol"
)

// localShare is the sharer-side context of one display being streamed: its
// session record, the encoder owning the frame sequence, and the capture
// loop lifetime.
type localShare struct {
	session domain.SharingSession
	encoder ports.Encoder
	cancel  context.CancelFunc
	done    chan struct{}
}

// StartShare begins streaming one local display: it spins up an encoder and
// a paced capture loop, then gossips the updated offer list to every
// connected peer. Viewers attach later via screen-request.
func (m *SessionManager) StartShare(ctx context.Context, display domain.DisplayID) error {
	info, ok := m.displayInfo(display)
	if !ok {
		return domain.ErrNoSuchShare
	}

	params := domain.StreamParams{
		Width:  info.Width,
		Height: info.Height,
		FPS:    m.cfg.TargetFPS,
		Codec:  m.cfg.Codec,
	}
	encoder, err := m.encoders.NewEncoder(params)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	share := &localShare{
		session: domain.SharingSession{
			Sharer:  m.local,
			Display: info,
			Params:  params,
			Viewers: make(map[domain.PeerID]domain.ShareState),
			Started: time.Now(),
		},
		encoder: encoder,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.shares[display]; exists {
		m.mu.Unlock()
		cancel()
		return domain.ErrSessionState
	}
	m.shares[display] = share
	m.mu.Unlock()

	go m.captureLoop(loopCtx, share)

	m.broadcastOffer()
	m.metrics.RecordSessionStarted()
	m.publish(domain.EventShareStarted, m.local.ID, display, info.Name)
	m.logger.Infow("share started",
		"display", display,
		"resolution", info.Width, "x", info.Height,
		"fps", params.FPS,
		"codec", params.Codec)
	return nil
}

// StopShare ends a local share: the capture loop is stopped, every
// streaming viewer is detached, and a screen-stop is gossiped so remote
// caches converge.
func (m *SessionManager) StopShare(display domain.DisplayID) error {
	m.mu.Lock()
	share, ok := m.shares[display]
	if !ok {
		m.mu.Unlock()
		return domain.ErrNoSuchShare
	}
	delete(m.shares, display)
	viewers := make([]domain.PeerID, 0, len(share.session.Viewers))
	for id, state := range share.session.Viewers {
		if state == domain.ShareStreaming {
			viewers = append(viewers, id)
		}
	}
	m.mu.Unlock()

	share.cancel()
	<-share.done

	for _, id := range viewers {
		m.scheduler.DetachViewer(domain.ViewerKey{
			Sharer:  m.local.ID,
			Viewer:  id,
			Display: display,
		})
	}
	m.registry.Broadcast(protocol.ScreenStop{DisplayID: uint32(display)})
	m.broadcastOffer()

	m.metrics.RecordSessionEnded()
	m.publish(domain.EventShareStopped, m.local.ID, display, "")
	m.logger.Infow("share stopped", "display", display, "viewers_detached", len(viewers))
	return nil
}

// captureLoop captures, encodes and dispatches frames at the negotiated
// fps. Transient capture or encode errors skip the frame; only context
// cancellation ends the loop.
func (m *SessionManager) captureLoop(ctx context.Context, share *localShare) {
	defer close(share.done)

	display := share.session.Display.ID
	stream := domain.StreamKey{Sharer: m.local.ID, Display: display}
	limiter := rate.NewLimiter(rate.Limit(share.session.Params.FPS), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		raw, err := m.capture.NextFrame(ctx, display)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			m.logger.Warnw("capture failed", "display", display, "error", err)
			continue
		}
		frame, err := share.encoder.Encode(raw)
		if err != nil {
			m.logger.Warnw("encode failed", "display", display, "error", err)
			continue
		}

		m.mu.Lock()
		share.session.Sequence = frame.Sequence
		m.mu.Unlock()

		m.scheduler.Dispatch(stream, frame)
	}
}

// handleScreenRequest admits a viewer to a local share and replies with the
// stream parameters. A request for a display that is not being shared gets
// a screen-stop back so the requester does not wait on a stale offer.
func (m *SessionManager) handleScreenRequest(from domain.PeerIdentity, req protocol.ScreenRequest) {
	display := domain.DisplayID(req.DisplayID)
	link, ok := m.registry.Lookup(from.ID)
	if !ok {
		return
	}

	m.mu.Lock()
	share, exists := m.shares[display]
	if !exists {
		m.mu.Unlock()
		m.logger.Warnw("screen request for unshared display", "peer", from.ID, "display", display)
		if err := link.SendReliable(protocol.ScreenStop{DisplayID: req.DisplayID}); err != nil {
			m.logger.Debugw("stale request reply failed", "peer", from.ID, "error", err)
		}
		return
	}
	share.session.Viewers[from.ID] = domain.ShareStreaming
	params := share.session.Params
	m.mu.Unlock()

	start := protocol.ScreenStart{
		DisplayID: req.DisplayID,
		Width:     params.Width,
		Height:    params.Height,
		FPS:       params.FPS,
		Codec:     params.Codec,
	}
	if err := link.SendReliable(start); err != nil {
		m.logger.Warnw("screen start send failed", "peer", from.ID, "error", err)
		m.mu.Lock()
		share.session.Viewers[from.ID] = domain.ShareStopped
		m.mu.Unlock()
		return
	}

	m.scheduler.AttachViewer(domain.ViewerKey{
		Sharer:  m.local.ID,
		Viewer:  from.ID,
		Display: display,
	}, link)
	// A fresh viewer needs a reference frame before any delta is usable.
	share.encoder.ForceKeyframe()

	m.publish(domain.EventShareStarted, from.ID, display, "viewer joined")
	m.logger.Infow("viewer admitted", "peer", from.ID, "display", display, "fps", req.PreferredFPS)
}

// handleRequestKeyframe serves a viewer's resync request by forcing the
// next encode to be a keyframe. Requests from peers that are not streaming
// viewers of the display are ignored.
func (m *SessionManager) handleRequestKeyframe(from domain.PeerIdentity, req protocol.RequestKeyframe) {
	display := domain.DisplayID(req.DisplayID)

	m.mu.Lock()
	share, exists := m.shares[display]
	streaming := exists && share.session.Viewers[from.ID] == domain.ShareStreaming
	m.mu.Unlock()

	if !streaming {
		m.logger.Debugw("keyframe request from non-viewer", "peer", from.ID, "display", display)
		return
	}
	share.encoder.ForceKeyframe()
	m.logger.Debugw("keyframe forced on request",
		"peer", from.ID, "display", display, "from_sequence", req.FromSequence)
}

// handleStreamFault reacts to a keyframe delivery giving up on one viewer:
// the encoder is told to produce a fresh keyframe so the next dispatch can
// resync the viewer, and the fault is surfaced as an event.
func (m *SessionManager) handleStreamFault(key domain.ViewerKey) {
	m.mu.Lock()
	share, exists := m.shares[key.Display]
	m.mu.Unlock()
	if exists {
		share.encoder.ForceKeyframe()
	}
	m.publish(domain.EventStreamFault, key.Viewer, key.Display, "keyframe delivery exhausted")
	m.logger.Warnw("stream fault", "viewer", key.Viewer, "display", key.Display)
}

// stopViewer handles the sharer-side half of an inbound screen-stop: the
// sending peer no longer wants our stream. Returns false if the peer was
// not a viewer of that display.
func (m *SessionManager) stopViewer(peer domain.PeerID, display domain.DisplayID) bool {
	m.mu.Lock()
	share, exists := m.shares[display]
	if !exists {
		m.mu.Unlock()
		return false
	}
	state, watching := share.session.Viewers[peer]
	if !watching || state != domain.ShareStreaming {
		m.mu.Unlock()
		return watching
	}
	share.session.Viewers[peer] = domain.ShareStopped
	m.mu.Unlock()

	m.scheduler.DetachViewer(domain.ViewerKey{
		Sharer:  m.local.ID,
		Viewer:  peer,
		Display: display,
	})
	m.publish(domain.EventShareStopped, peer, display, "viewer left")
	m.logger.Infow("viewer detached", "peer", peer, "display", display)
	return true
}

// broadcastOffer gossips the current list of shared displays to every
// connected peer.
func (m *SessionManager) broadcastOffer() {
	m.mu.Lock()
	displays := make([]domain.DisplayInfo, 0, len(m.shares))
	for _, share := range m.shares {
		displays = append(displays, share.session.Display)
	}
	m.mu.Unlock()

	for id, err := range m.registry.Broadcast(protocol.ScreenOffer{Displays: displays}) {
		if err != nil {
			m.logger.Debugw("offer gossip failed", "peer", id, "error", err)
		}
	}
}

func (m *SessionManager) displayInfo(display domain.DisplayID) (domain.DisplayInfo, bool) {
	for _, info := range m.capture.Displays() {
		if info.ID == display {
			return info, true
		}
	}
	return domain.DisplayInfo{}, false
}
