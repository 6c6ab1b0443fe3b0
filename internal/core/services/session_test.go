package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenmesh/internal/core/domain"
	"screenmesh/internal/core/ports"
	"screenmesh/internal/protocol"
	"screenmesh/pkg/logger"
)

type fakeCapture struct {
	displays []domain.DisplayInfo
}

func (c *fakeCapture) Displays() []domain.DisplayInfo { return c.displays }

func (c *fakeCapture) NextFrame(ctx context.Context, display domain.DisplayID) (domain.RawFrame, error) {
	if err := ctx.Err(); err != nil {
		return domain.RawFrame{}, err
	}
	return domain.RawFrame{Width: 4, Height: 4, Pixels: make([]byte, 64), Timestamp: time.Now()}, nil
}

type fakeEncoder struct {
	sequence uint32
	forced   atomic.Int32
	started  atomic.Bool
}

func (e *fakeEncoder) Encode(frame domain.RawFrame) (domain.EncodedFrame, error) {
	key := !e.started.Load() || e.forced.Load() > 0
	if e.forced.Load() > 0 {
		e.forced.Add(-1)
	}
	e.started.Store(true)
	seq := atomic.AddUint32(&e.sequence, 1)
	return domain.EncodedFrame{
		IsKeyframe: key,
		Sequence:   seq,
		Timestamp:  uint64(frame.Timestamp.UnixMilli()),
		Data:       []byte{byte(seq)},
	}, nil
}

func (e *fakeEncoder) ForceKeyframe() { e.forced.Add(1) }

type fakeCodecFactory struct {
	mu       sync.Mutex
	encoders []*fakeEncoder
	decoders []*scriptedDecoder
}

func (f *fakeCodecFactory) NewEncoder(params domain.StreamParams) (ports.Encoder, error) {
	enc := &fakeEncoder{}
	f.mu.Lock()
	f.encoders = append(f.encoders, enc)
	f.mu.Unlock()
	return enc, nil
}

func (f *fakeCodecFactory) NewDecoder(params domain.StreamParams) (ports.Decoder, error) {
	dec := &scriptedDecoder{}
	f.mu.Lock()
	f.decoders = append(f.decoders, dec)
	f.mu.Unlock()
	return dec, nil
}

func (f *fakeCodecFactory) encoder(i int) *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.encoders) {
		return nil
	}
	return f.encoders[i]
}

type sessionFixture struct {
	manager   *SessionManager
	registry  *fakeRegistry
	scheduler *FrameScheduler
	codecs    *fakeCodecFactory
	renderer  *renderRecorder
	metrics   *recordingMetrics
	events    *recordingEvents
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	metrics := newRecordingMetrics()
	registry := newFakeRegistry()
	scheduler := NewFrameScheduler(testSchedulerConfig(), metrics, logger.Nop())
	t.Cleanup(scheduler.Stop)
	codecs := &fakeCodecFactory{}
	renderer := newRenderRecorder()
	events := &recordingEvents{}

	capture := &fakeCapture{displays: []domain.DisplayInfo{
		{ID: 0, Name: "Main", Width: 4, Height: 4, Primary: true},
	}}

	manager := NewSessionManager(SessionConfig{
		TargetFPS:                  30,
		Codec:                      "fake",
		KeyframeRequestMinInterval: 100 * time.Millisecond,
	}, domain.PeerIdentity{ID: "local", Name: "local"},
		registry, scheduler, capture, codecs, codecs, renderer, metrics, events, logger.Nop())
	t.Cleanup(manager.Stop)

	return &sessionFixture{
		manager:   manager,
		registry:  registry,
		scheduler: scheduler,
		codecs:    codecs,
		renderer:  renderer,
		metrics:   metrics,
		events:    events,
	}
}

func remoteIdentity(id domain.PeerID) domain.PeerIdentity {
	return domain.PeerIdentity{ID: id, Name: string(id)}
}

func offerFrom(peer domain.PeerID, displays ...domain.DisplayInfo) (domain.PeerIdentity, protocol.ScreenOffer) {
	return remoteIdentity(peer), protocol.ScreenOffer{Displays: displays}
}

func TestWatchRequiresActiveOffer(t *testing.T) {
	fx := newSessionFixture(t)
	link := newFakeLink("sharer-a")
	require.NoError(t, fx.registry.Register(link))

	// No offer cached yet.
	err := fx.manager.Watch("sharer-a", 0, 30)
	assert.ErrorIs(t, err, domain.ErrNoSuchShare)

	from, offer := offerFrom("sharer-a", domain.DisplayInfo{ID: 0, Name: "Main", Width: 4, Height: 4})
	fx.manager.HandleMessage(from, offer)

	require.NoError(t, fx.manager.Watch("sharer-a", 0, 30))

	msgs := link.sentReliable()
	require.Len(t, msgs, 1)
	req, ok := msgs[0].(protocol.ScreenRequest)
	require.True(t, ok)
	assert.Equal(t, uint32(0), req.DisplayID)
	assert.Equal(t, uint8(30), req.PreferredFPS)

	subs := fx.manager.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, domain.ShareRequested, subs[0].State)

	// A second watch on the same tuple is a state error.
	assert.ErrorIs(t, fx.manager.Watch("sharer-a", 0, 30), domain.ErrSessionState)
}

func TestOfferWithdrawalMarksInactive(t *testing.T) {
	fx := newSessionFixture(t)
	link := newFakeLink("sharer-a")
	require.NoError(t, fx.registry.Register(link))

	from, offer := offerFrom("sharer-a",
		domain.DisplayInfo{ID: 0, Name: "Main"},
		domain.DisplayInfo{ID: 1, Name: "Side"},
	)
	fx.manager.HandleMessage(from, offer)
	assert.Len(t, fx.manager.RemoteOffers(), 2)

	// Next gossip round only advertises display 1.
	from, offer = offerFrom("sharer-a", domain.DisplayInfo{ID: 1, Name: "Side"})
	fx.manager.HandleMessage(from, offer)

	active := 0
	for _, o := range fx.manager.RemoteOffers() {
		if o.Active {
			active++
			assert.Equal(t, domain.DisplayID(1), o.Display.ID)
		}
	}
	assert.Equal(t, 1, active)

	// Watching the withdrawn display fails.
	assert.ErrorIs(t, fx.manager.Watch("sharer-a", 0, 30), domain.ErrNoSuchShare)
}

func TestScreenStartStartsStreamingAndRenders(t *testing.T) {
	fx := newSessionFixture(t)
	link := newFakeLink("sharer-a")
	require.NoError(t, fx.registry.Register(link))

	from, offer := offerFrom("sharer-a", domain.DisplayInfo{ID: 0, Name: "Main", Width: 4, Height: 4})
	fx.manager.HandleMessage(from, offer)
	require.NoError(t, fx.manager.Watch("sharer-a", 0, 30))

	fx.manager.HandleMessage(from, protocol.ScreenStart{
		DisplayID: 0, Width: 4, Height: 4, FPS: 30, Codec: "fake",
	})

	subs := fx.manager.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, domain.ShareStreaming, subs[0].State)

	fx.manager.HandleMessage(from, protocol.ScreenFrame{
		DisplayID: 0, Kind: domain.KeyFrame, Sequence: 1, Data: []byte{0x01},
	})
	fx.manager.HandleMessage(from, protocol.ScreenFrame{
		DisplayID: 0, Kind: domain.DeltaFrame, Sequence: 2, Data: []byte{0x02},
	})

	stream := domain.StreamKey{Sharer: "sharer-a", Display: 0}
	waitFor(t, func() bool { return fx.renderer.count(stream) >= 1 }, "received frames never rendered")
}

func TestScreenStartWithoutRequestIgnored(t *testing.T) {
	fx := newSessionFixture(t)
	from := remoteIdentity("sharer-a")

	fx.manager.HandleMessage(from, protocol.ScreenStart{DisplayID: 0, Width: 4, Height: 4, FPS: 30, Codec: "fake"})
	assert.Empty(t, fx.manager.Subscriptions())
}

func TestSharerStopIsIdempotentForViewer(t *testing.T) {
	fx := newSessionFixture(t)
	link := newFakeLink("sharer-a")
	require.NoError(t, fx.registry.Register(link))
	from, offer := offerFrom("sharer-a", domain.DisplayInfo{ID: 0})
	fx.manager.HandleMessage(from, offer)
	require.NoError(t, fx.manager.Watch("sharer-a", 0, 30))
	fx.manager.HandleMessage(from, protocol.ScreenStart{DisplayID: 0, Width: 4, Height: 4, FPS: 30, Codec: "fake"})

	fx.manager.HandleMessage(from, protocol.ScreenStop{DisplayID: 0})
	subs := fx.manager.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, domain.ShareStopped, subs[0].State)
	stops := len(fx.events.byType(domain.EventShareStopped))

	// A duplicate stop must change nothing.
	fx.manager.HandleMessage(from, protocol.ScreenStop{DisplayID: 0})
	assert.Equal(t, stops, len(fx.events.byType(domain.EventShareStopped)))

	// Frames after stop are discarded, not rendered.
	fx.manager.HandleMessage(from, protocol.ScreenFrame{DisplayID: 0, Kind: domain.KeyFrame, Sequence: 1, Data: []byte{1}})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, fx.renderer.count(domain.StreamKey{Sharer: "sharer-a", Display: 0}))
}

func TestStartShareAdmitsViewerAndStreams(t *testing.T) {
	fx := newSessionFixture(t)
	viewer := newFakeLink("viewer-v")
	require.NoError(t, fx.registry.Register(viewer))

	require.NoError(t, fx.manager.StartShare(context.Background(), 0))

	// The share was gossiped.
	waitFor(t, func() bool {
		for _, msg := range viewer.sentReliable() {
			if offer, ok := msg.(protocol.ScreenOffer); ok && len(offer.Displays) == 1 {
				return true
			}
		}
		return false
	}, "offer not gossiped")

	// Starting the same display again is a state error.
	assert.ErrorIs(t, fx.manager.StartShare(context.Background(), 0), domain.ErrSessionState)

	// Viewer requests the stream and must get parameters plus a keyframe.
	fx.manager.HandleMessage(remoteIdentity("viewer-v"), protocol.ScreenRequest{DisplayID: 0, PreferredFPS: 30})

	waitFor(t, func() bool {
		for _, msg := range viewer.sentReliable() {
			if _, ok := msg.(protocol.ScreenStart); ok {
				return true
			}
		}
		return false
	}, "screen start not sent")
	waitFor(t, func() bool { return len(viewer.sentFrames()) >= 1 }, "no keyframe delivered to viewer")

	shares := fx.manager.LocalShares()
	require.Len(t, shares, 1)
	assert.Equal(t, domain.ShareStreaming, shares[0].Viewers["viewer-v"])

	// Stop: the viewer is told and detached.
	require.NoError(t, fx.manager.StopShare(0))
	waitFor(t, func() bool {
		for _, msg := range viewer.sentReliable() {
			if _, ok := msg.(protocol.ScreenStop); ok {
				return true
			}
		}
		return false
	}, "screen stop not sent")
	assert.Empty(t, fx.manager.LocalShares())
	assert.ErrorIs(t, fx.manager.StopShare(0), domain.ErrNoSuchShare)
}

func TestRequestKeyframeForcesEncoder(t *testing.T) {
	fx := newSessionFixture(t)
	viewer := newFakeLink("viewer-v")
	require.NoError(t, fx.registry.Register(viewer))

	require.NoError(t, fx.manager.StartShare(context.Background(), 0))
	fx.manager.HandleMessage(remoteIdentity("viewer-v"), protocol.ScreenRequest{DisplayID: 0})

	require.NotNil(t, fx.codecs.encoder(0))
	waitFor(t, func() bool { return len(viewer.sentFrames()) >= 1 }, "stream never started")
	before := len(viewer.sentFrames())

	fx.manager.HandleMessage(remoteIdentity("viewer-v"), protocol.RequestKeyframe{DisplayID: 0, FromSequence: 7})
	waitFor(t, func() bool {
		// The forced keyframe reaches the viewer's stream path.
		return len(viewer.sentFrames()) > before
	}, "no keyframe after request")

	// A request from a peer that is not a viewer is ignored.
	stranger := newFakeLink("stranger")
	require.NoError(t, fx.registry.Register(stranger))
	fx.manager.HandleMessage(remoteIdentity("stranger"), protocol.RequestKeyframe{DisplayID: 0})
	assert.Empty(t, stranger.sentFrames())
}

func TestPeerGoneCascades(t *testing.T) {
	fx := newSessionFixture(t)
	link := newFakeLink("sharer-a")
	require.NoError(t, fx.registry.Register(link))
	from, offer := offerFrom("sharer-a", domain.DisplayInfo{ID: 0})
	fx.manager.HandleMessage(from, offer)
	require.NoError(t, fx.manager.Watch("sharer-a", 0, 30))
	fx.manager.HandleMessage(from, protocol.ScreenStart{DisplayID: 0, Width: 4, Height: 4, FPS: 30, Codec: "fake"})

	fx.registry.Unregister("sharer-a")
	fx.manager.HandlePeerGone("sharer-a")

	subs := fx.manager.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, domain.ShareStopped, subs[0].State)
	assert.Empty(t, fx.manager.RemoteOffers())
	assert.Len(t, fx.events.byType(domain.EventPeerDisconnected), 1)
}

func TestInputRequiresRemoteControlCapability(t *testing.T) {
	fx := newSessionFixture(t)

	// The sender never advertised remote-control during handshake.
	fx.manager.HandleMessage(remoteIdentity("peer-b"), protocol.InputEvent{Kind: protocol.InputKeyDown, KeyCode: 0x41})
	assert.Empty(t, fx.events.byType(domain.EventInputReceived))

	controller := remoteIdentity("peer-c")
	controller.Capabilities = []string{domain.CapRemoteControl}
	fx.manager.HandleMessage(controller, protocol.InputEvent{Kind: protocol.InputKeyDown, KeyCode: 0x41})
	events := fx.events.byType(domain.EventInputReceived)
	require.Len(t, events, 1)
	assert.Equal(t, domain.PeerID("peer-c"), events[0].Peer)
}

func TestChatRoutedToEventsAndBroadcast(t *testing.T) {
	fx := newSessionFixture(t)
	peer := newFakeLink("peer-b")
	require.NoError(t, fx.registry.Register(peer))

	fx.manager.HandleMessage(remoteIdentity("peer-b"), protocol.ChatMessage{From: "peer-b", Content: "hello"})
	chats := fx.events.byType(domain.EventChatReceived)
	require.Len(t, chats, 1)
	assert.Equal(t, "hello", chats[0].Detail)
	assert.Equal(t, domain.PeerID("peer-b"), chats[0].Peer)

	result := fx.manager.SendChat("hi back")
	require.NoError(t, result["peer-b"])
	msgs := peer.sentReliable()
	require.Len(t, msgs, 1)
	chat, ok := msgs[0].(protocol.ChatMessage)
	require.True(t, ok)
	assert.Equal(t, "hi back", chat.Content)
}

func TestStreamFaultForcesKeyframeAndEvent(t *testing.T) {
	fx := newSessionFixture(t)
	viewer := newFakeLink("viewer-v")
	require.NoError(t, fx.registry.Register(viewer))
	require.NoError(t, fx.manager.StartShare(context.Background(), 0))
	fx.manager.HandleMessage(remoteIdentity("viewer-v"), protocol.ScreenRequest{DisplayID: 0})
	waitFor(t, func() bool { return len(viewer.sentFrames()) >= 1 }, "stream never started")

	// Keyframe delivery collapses; the next forced keyframe exhausts its
	// budget and the session layer surfaces a stream fault.
	viewer.setFrameErr(assert.AnError)
	fx.manager.HandleMessage(remoteIdentity("viewer-v"), protocol.RequestKeyframe{DisplayID: 0})
	waitFor(t, func() bool {
		return len(fx.events.byType(domain.EventStreamFault)) >= 1
	}, "stream fault never surfaced")
}
