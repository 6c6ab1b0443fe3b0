package services

import (
	"time"

	"screenmesh/internal/core/domain"
	"screenmesh/internal/protocol"
)

// handleScreenOffer refreshes the gossip cache from one peer's advertised
// display list. Displays missing from the list are marked inactive rather
// than deleted so the UI can distinguish "stopped" from "never seen".
func (m *SessionManager) handleScreenOffer(from domain.PeerIdentity, offer protocol.ScreenOffer) {
	now := time.Now()

	m.mu.Lock()
	advertised := make(map[domain.DisplayID]bool, len(offer.Displays))
	for _, info := range offer.Displays {
		advertised[info.ID] = true
		key := domain.StreamKey{Sharer: from.ID, Display: info.ID}
		m.offers[key] = domain.RemoteOffer{
			Sharer:    from.ID,
			Display:   info,
			Active:    true,
			UpdatedAt: now,
		}
	}
	for key, cached := range m.offers {
		if key.Sharer != from.ID || advertised[key.Display] {
			continue
		}
		cached.Active = false
		cached.UpdatedAt = now
		m.offers[key] = cached
	}
	m.mu.Unlock()

	m.publish(domain.EventShareOffered, from.ID, 0, "")
	m.logger.Debugw("offer cached", "peer", from.ID, "displays", len(offer.Displays))
}

// Watch subscribes to a remote stream. It requires an active cached offer
// for the (sharer, display) tuple; the subscription sits in Requested until
// the sharer answers with screen-start.
func (m *SessionManager) Watch(sharer domain.PeerID, display domain.DisplayID, fps uint8) error {
	link, ok := m.registry.Lookup(sharer)
	if !ok {
		return domain.ErrPeerNotFound
	}
	key := domain.StreamKey{Sharer: sharer, Display: display}

	m.mu.Lock()
	offer, cached := m.offers[key]
	if !cached || !offer.Active {
		m.mu.Unlock()
		return domain.ErrNoSuchShare
	}
	if sub, exists := m.subs[key]; exists && sub.state != domain.ShareStopped {
		m.mu.Unlock()
		return domain.ErrSessionState
	}
	m.subs[key] = &subscription{
		key:          key,
		state:        domain.ShareRequested,
		requestedFPS: fps,
		started:      time.Now(),
	}
	m.mu.Unlock()

	req := protocol.ScreenRequest{
		DisplayID:    uint32(display),
		PreferredFPS: fps,
	}
	if err := link.SendReliable(req); err != nil {
		m.mu.Lock()
		delete(m.subs, key)
		m.mu.Unlock()
		return err
	}
	m.logger.Infow("watch requested", "sharer", sharer, "display", display, "fps", fps)
	return nil
}

// StopWatching unsubscribes from a remote stream and tells the sharer.
func (m *SessionManager) StopWatching(sharer domain.PeerID, display domain.DisplayID) error {
	key := domain.StreamKey{Sharer: sharer, Display: display}
	if !m.stopSubscription(key, true) {
		return domain.ErrNoSuchShare
	}
	return nil
}

// handleScreenStart completes a Requested subscription: a decoder and
// pipeline are created and the subscription moves to Streaming. A start for
// a tuple that was never requested is a state error and is dropped.
func (m *SessionManager) handleScreenStart(from domain.PeerIdentity, start protocol.ScreenStart) {
	key := domain.StreamKey{Sharer: from.ID, Display: domain.DisplayID(start.DisplayID)}
	params := domain.StreamParams{
		Width:  start.Width,
		Height: start.Height,
		FPS:    start.FPS,
		Codec:  start.Codec,
	}

	m.mu.Lock()
	sub, exists := m.subs[key]
	if !exists || sub.state != domain.ShareRequested {
		m.mu.Unlock()
		m.logger.Warnw("screen start without pending request",
			"peer", from.ID, "display", start.DisplayID)
		return
	}
	m.mu.Unlock()

	decoder, err := m.decoders.NewDecoder(params)
	if err != nil {
		m.mu.Lock()
		delete(m.subs, key)
		m.mu.Unlock()
		m.logger.Errorw("decoder init failed", "codec", params.Codec, "error", err)
		return
	}

	pipeline := NewStreamPipeline(
		key,
		decoder,
		m.renderer,
		m.metrics,
		m.keyframeRequester(key),
		m.cfg.KeyframeRequestMinInterval,
		m.logger,
	)

	m.mu.Lock()
	sub, exists = m.subs[key]
	if !exists || sub.state != domain.ShareRequested {
		m.mu.Unlock()
		return
	}
	sub.state = domain.ShareStreaming
	sub.params = params
	sub.pipeline = pipeline
	sub.started = time.Now()
	m.mu.Unlock()

	pipeline.Start()
	m.publish(domain.EventShareStarted, from.ID, key.Display, params.Codec)
	m.logger.Infow("stream started",
		"sharer", from.ID,
		"display", key.Display,
		"resolution", params.Width, "x", params.Height,
		"fps", params.FPS)
}

// handleScreenFrame feeds a streaming subscription's pipeline. Frames for a
// tuple that is not Streaming are dropped; they are expected around stop
// races, not worth tearing the connection down for.
func (m *SessionManager) handleScreenFrame(from domain.PeerIdentity, frame protocol.ScreenFrame) {
	key := domain.StreamKey{Sharer: from.ID, Display: domain.DisplayID(frame.DisplayID)}

	m.mu.Lock()
	sub, exists := m.subs[key]
	if !exists || sub.state != domain.ShareStreaming || sub.pipeline == nil {
		m.mu.Unlock()
		m.logger.Debugw("frame for inactive stream",
			"peer", from.ID, "display", frame.DisplayID, "sequence", frame.Sequence)
		return
	}
	pipeline := sub.pipeline
	m.mu.Unlock()

	pipeline.Submit(domain.EncodedFrame{
		IsKeyframe: frame.Kind == domain.KeyFrame,
		Sequence:   frame.Sequence,
		Timestamp:  frame.Timestamp,
		Data:       frame.Data,
	})
}

// handleScreenStop resolves an inbound stop against both roles: the sender
// may be a viewer leaving our share, or a sharer ending a stream we watch.
// A stop matching neither is a no-op, which makes repeated stops harmless.
func (m *SessionManager) handleScreenStop(from domain.PeerIdentity, stop protocol.ScreenStop) {
	display := domain.DisplayID(stop.DisplayID)

	if m.stopViewer(from.ID, display) {
		return
	}
	key := domain.StreamKey{Sharer: from.ID, Display: display}
	if m.stopSubscription(key, false) {
		m.publish(domain.EventShareStopped, from.ID, display, "sharer ended stream")
		return
	}
	m.logger.Debugw("stop for unknown tuple", "peer", from.ID, "display", display)
}

// stopSubscription moves a subscription to Stopped and tears its pipeline
// down. notifySharer sends screen-stop so the sharer detaches us; it is
// false when the stop originated remotely. Returns false if there was no
// live subscription.
func (m *SessionManager) stopSubscription(key domain.StreamKey, notifySharer bool) bool {
	m.mu.Lock()
	sub, exists := m.subs[key]
	if !exists || sub.state == domain.ShareStopped {
		m.mu.Unlock()
		return false
	}
	sub.state = domain.ShareStopped
	pipeline := sub.pipeline
	sub.pipeline = nil
	m.mu.Unlock()

	if pipeline != nil {
		pipeline.Stop()
	}
	if notifySharer {
		if link, ok := m.registry.Lookup(key.Sharer); ok {
			if err := link.SendReliable(protocol.ScreenStop{DisplayID: uint32(key.Display)}); err != nil {
				m.logger.Debugw("stop notice failed", "sharer", key.Sharer, "error", err)
			}
		}
	}
	m.logger.Infow("subscription stopped", "sharer", key.Sharer, "display", key.Display)
	return true
}

// keyframeRequester builds the pipeline's resync callback: a reliable
// request-keyframe to the sharer. Rate limiting and metrics live in the
// pipeline.
func (m *SessionManager) keyframeRequester(key domain.StreamKey) func(fromSequence uint32) {
	return func(fromSequence uint32) {
		link, ok := m.registry.Lookup(key.Sharer)
		if !ok {
			return
		}
		req := protocol.RequestKeyframe{
			DisplayID:    uint32(key.Display),
			FromSequence: fromSequence,
		}
		if err := link.SendReliable(req); err != nil {
			m.logger.Debugw("keyframe request failed", "sharer", key.Sharer, "error", err)
		}
	}
}
