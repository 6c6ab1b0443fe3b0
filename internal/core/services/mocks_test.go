package services

import (
	"context"
	"sync"
	"time"

	"screenmesh/internal/core/domain"
	"screenmesh/internal/core/ports"
	"screenmesh/internal/protocol"
)

// fakeLink is a thread-safe in-memory PeerLink that records every send and
// can be told to fail specific paths.
type fakeLink struct {
	identity domain.PeerIdentity

	mu        sync.Mutex
	reliable  []protocol.Message
	frames    []protocol.Message
	datagrams []protocol.Message
	closed    []domain.CloseReason

	reliableErr error
	frameErr    error
	datagramErr error
	frameDelay  time.Duration
}

func newFakeLink(id domain.PeerID) *fakeLink {
	return &fakeLink{identity: domain.PeerIdentity{ID: id, Name: string(id)}}
}

func (l *fakeLink) Identity() domain.PeerIdentity { return l.identity }

func (l *fakeLink) SendReliable(msg protocol.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reliableErr != nil {
		return l.reliableErr
	}
	l.reliable = append(l.reliable, msg)
	return nil
}

func (l *fakeLink) SendFrame(ctx context.Context, msg protocol.Message) error {
	l.mu.Lock()
	delay := l.frameDelay
	l.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frameErr != nil {
		return l.frameErr
	}
	l.frames = append(l.frames, msg)
	return nil
}

func (l *fakeLink) SendUnreliable(msg protocol.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.datagramErr != nil {
		return l.datagramErr
	}
	l.datagrams = append(l.datagrams, msg)
	return nil
}

func (l *fakeLink) Close(reason domain.CloseReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, reason)
}

func (l *fakeLink) Status() domain.PeerStatus {
	return domain.PeerStatus{Identity: l.identity}
}

func (l *fakeLink) setFrameErr(err error) {
	l.mu.Lock()
	l.frameErr = err
	l.mu.Unlock()
}

func (l *fakeLink) sentReliable() []protocol.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.Message, len(l.reliable))
	copy(out, l.reliable)
	return out
}

func (l *fakeLink) sentFrames() []protocol.ScreenFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.ScreenFrame, 0, len(l.frames))
	for _, msg := range l.frames {
		if f, ok := msg.(protocol.ScreenFrame); ok {
			out = append(out, f)
		}
	}
	return out
}

func (l *fakeLink) sentDatagrams() []protocol.ScreenFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.ScreenFrame, 0, len(l.datagrams))
	for _, msg := range l.datagrams {
		if f, ok := msg.(protocol.ScreenFrame); ok {
			out = append(out, f)
		}
	}
	return out
}

// recordingMetrics counts everything the scheduler and pipeline report.
type recordingMetrics struct {
	mu               sync.Mutex
	sent             map[domain.FrameKind]int
	dropped          map[string]int // "kind/reason"
	retries          int
	faults           int
	keyframeRequests int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		sent:    make(map[domain.FrameKind]int),
		dropped: make(map[string]int),
	}
}

func (m *recordingMetrics) RecordFrameSent(kind domain.FrameKind, bytes int) {
	m.mu.Lock()
	m.sent[kind]++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordFrameDropped(kind domain.FrameKind, reason string) {
	m.mu.Lock()
	m.dropped[kind.String()+"/"+reason]++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordKeyframeRetry() {
	m.mu.Lock()
	m.retries++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordStreamFault() {
	m.mu.Lock()
	m.faults++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordKeyframeRequest() {
	m.mu.Lock()
	m.keyframeRequests++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordHeartbeatRTT(domain.PeerID, time.Duration) {}
func (m *recordingMetrics) RecordPeerConnected()                            {}
func (m *recordingMetrics) RecordPeerDisconnected()                         {}
func (m *recordingMetrics) RecordSessionStarted()                           {}
func (m *recordingMetrics) RecordSessionEnded()                             {}

func (m *recordingMetrics) sentCount(kind domain.FrameKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[kind]
}

func (m *recordingMetrics) droppedCount(kind domain.FrameKind, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[kind.String()+"/"+reason]
}

func (m *recordingMetrics) faultCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.faults
}

func (m *recordingMetrics) keyframeRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyframeRequests
}

// recordingEvents collects published events.
type recordingEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (e *recordingEvents) Publish(evt domain.Event) {
	e.mu.Lock()
	e.events = append(e.events, evt)
	e.mu.Unlock()
}

func (e *recordingEvents) byType(t domain.EventType) []domain.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Event
	for _, evt := range e.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

// fakeRegistry is an in-memory ports.Registry.
type fakeRegistry struct {
	mu    sync.Mutex
	links map[domain.PeerID]ports.PeerLink
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{links: make(map[domain.PeerID]ports.PeerLink)}
}

func (r *fakeRegistry) Register(link ports.PeerLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.links[link.Identity().ID]; exists {
		return domain.ErrAlreadyRegistered
	}
	r.links[link.Identity().ID] = link
	return nil
}

func (r *fakeRegistry) Unregister(id domain.PeerID) {
	r.mu.Lock()
	delete(r.links, id)
	r.mu.Unlock()
}

func (r *fakeRegistry) Lookup(id domain.PeerID) (ports.PeerLink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	link, ok := r.links[id]
	return link, ok
}

func (r *fakeRegistry) List() []domain.PeerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PeerStatus, 0, len(r.links))
	for _, link := range r.links {
		out = append(out, link.Status())
	}
	return out
}

func (r *fakeRegistry) Broadcast(msg protocol.Message) map[domain.PeerID]error {
	r.mu.Lock()
	links := make(map[domain.PeerID]ports.PeerLink, len(r.links))
	for id, link := range r.links {
		links[id] = link
	}
	r.mu.Unlock()

	result := make(map[domain.PeerID]error, len(links))
	for id, link := range links {
		result[id] = link.SendReliable(msg)
	}
	return result
}

// scriptedDecoder decodes by echoing the frame; it fails on deltas until a
// keyframe has been seen, like a real decoder without its reference.
type scriptedDecoder struct {
	mu        sync.Mutex
	haveRef   bool
	decoded   []uint32
	decodeErr error
}

func (d *scriptedDecoder) Decode(frame domain.EncodedFrame) (domain.DecodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.decodeErr != nil {
		return domain.DecodedFrame{}, d.decodeErr
	}
	if !frame.IsKeyframe && !d.haveRef {
		return domain.DecodedFrame{}, domain.ErrCorruptFrame
	}
	if frame.IsKeyframe {
		d.haveRef = true
	}
	d.decoded = append(d.decoded, frame.Sequence)
	return domain.DecodedFrame{Format: "rgba", Pixels: frame.Data}, nil
}

func (d *scriptedDecoder) decodedSequences() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint32, len(d.decoded))
	copy(out, d.decoded)
	return out
}

// renderRecorder counts renders per stream.
type renderRecorder struct {
	mu       sync.Mutex
	rendered map[domain.StreamKey]int
}

func newRenderRecorder() *renderRecorder {
	return &renderRecorder{rendered: make(map[domain.StreamKey]int)}
}

func (r *renderRecorder) Render(stream domain.StreamKey, frame domain.DecodedFrame) {
	r.mu.Lock()
	r.rendered[stream]++
	r.mu.Unlock()
}

func (r *renderRecorder) count(stream domain.StreamKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rendered[stream]
}
