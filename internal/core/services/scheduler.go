package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"screenmesh/internal/core/domain"
	"screenmesh/internal/core/ports"
	"screenmesh/internal/protocol"
)

// Drop reasons reported to the metrics sink.
const (
	dropReasonDeadline   = "deadline"
	dropReasonSuperseded = "superseded"
	dropReasonBacklog    = "backlog"
	dropReasonSendFailed = "send_failed"
	dropReasonDetached   = "detached"
)

// SchedulerConfig carries the delivery-policy tuning. The defaults mirror
// design intent (3 retries, one 60fps frame interval) but are configuration,
// not invariants.
type SchedulerConfig struct {
	KeyframeRetryBudget int
	KeyframeSendTimeout time.Duration
	DeltaDeadline       time.Duration
}

type keySubmission struct {
	msg     protocol.ScreenFrame
	retries int
}

type deltaSubmission struct {
	msg       protocol.ScreenFrame
	size      int
	submitted time.Time
	deadline  time.Duration
}

// viewerWorker owns all sending to one viewer of one stream. Keyframes
// queue in a small buffered channel and are never skipped; deltas live in a
// single-slot mailbox where a newer frame evicts an unsent older one.
type viewerWorker struct {
	key    domain.ViewerKey
	link   ports.PeerLink
	keyCh  chan keySubmission
	delta  chan deltaSubmission
	cancel context.CancelFunc

	faulted atomic.Bool // one StreamFault per exhaustion episode
}

// FrameScheduler fans encoded frames out per viewer and enforces the
// latency budget: keyframes get a bounded retry budget, delta frames a
// transmission deadline past which they are dropped, never queued. One
// worker per viewer means a slow peer only ever stalls itself.
type FrameScheduler struct {
	cfg     SchedulerConfig
	metrics ports.MetricsSink
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	byStream map[domain.StreamKey]map[domain.PeerID]*viewerWorker
	faultFn  func(domain.ViewerKey)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewFrameScheduler(cfg SchedulerConfig, metrics ports.MetricsSink, logger *zap.SugaredLogger) *FrameScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &FrameScheduler{
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		byStream: make(map[domain.StreamKey]map[domain.PeerID]*viewerWorker),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnStreamFault registers the session-layer callback for exhausted keyframe
// deliveries. Must be set before frames are dispatched.
func (s *FrameScheduler) OnStreamFault(fn func(key domain.ViewerKey)) {
	s.mu.Lock()
	s.faultFn = fn
	s.mu.Unlock()
}

// AttachViewer starts a dedicated send worker for one viewer of a stream.
// Attaching an already-attached viewer replaces its worker.
func (s *FrameScheduler) AttachViewer(key domain.ViewerKey, link ports.PeerLink) {
	ctx, cancel := context.WithCancel(s.ctx)
	w := &viewerWorker{
		key:    key,
		link:   link,
		keyCh:  make(chan keySubmission, 4),
		delta:  make(chan deltaSubmission, 1),
		cancel: cancel,
	}

	s.mu.Lock()
	stream := key.Stream()
	viewers, ok := s.byStream[stream]
	if !ok {
		viewers = make(map[domain.PeerID]*viewerWorker)
		s.byStream[stream] = viewers
	}
	if old, exists := viewers[key.Viewer]; exists {
		old.cancel()
	}
	viewers[key.Viewer] = w
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runWorker(ctx, w)
	s.logger.Infow("viewer attached", "sharer", key.Sharer, "viewer", key.Viewer, "display", key.Display)
}

// DetachViewer stops the viewer's worker; in-flight work is abandoned.
func (s *FrameScheduler) DetachViewer(key domain.ViewerKey) {
	s.mu.Lock()
	stream := key.Stream()
	if viewers, ok := s.byStream[stream]; ok {
		if w, exists := viewers[key.Viewer]; exists {
			w.cancel()
			delete(viewers, key.Viewer)
			if len(viewers) == 0 {
				delete(s.byStream, stream)
			}
		}
	}
	s.mu.Unlock()
}

// Stop cancels every worker.
func (s *FrameScheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// priorityFor classifies a frame under the configured delivery policy:
// keyframes get the retry budget, deltas the transmission deadline.
func (s *FrameScheduler) priorityFor(frame domain.EncodedFrame) domain.FramePriority {
	if frame.IsKeyframe {
		return domain.KeyFramePriority(s.cfg.KeyframeRetryBudget)
	}
	return domain.DeltaFramePriority(s.cfg.DeltaDeadline)
}

// Dispatch hands one encoded frame to every viewer of the stream. Each
// viewer gets an independent send attempt and drop decision.
func (s *FrameScheduler) Dispatch(stream domain.StreamKey, frame domain.EncodedFrame) {
	msg := protocol.ScreenFrame{
		DisplayID: uint32(stream.Display),
		Timestamp: frame.Timestamp,
		Kind:      frame.Kind(),
		Sequence:  frame.Sequence,
		Data:      frame.Data,
	}
	prio := s.priorityFor(frame)

	s.mu.Lock()
	workers := make([]*viewerWorker, 0, len(s.byStream[stream]))
	for _, w := range s.byStream[stream] {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		if prio.Kind == domain.KeyFrame {
			s.submitKeyframe(w, msg, prio)
		} else {
			s.submitDelta(w, msg, prio)
		}
	}
}

func (s *FrameScheduler) submitKeyframe(w *viewerWorker, msg protocol.ScreenFrame, prio domain.FramePriority) {
	select {
	case w.keyCh <- keySubmission{msg: msg, retries: prio.Retries}:
	default:
		// Four undelivered keyframes queued: the viewer is effectively
		// unreachable. Escalate instead of queueing further.
		s.metrics.RecordFrameDropped(domain.KeyFrame, dropReasonBacklog)
		s.reportFault(w)
	}
}

func (s *FrameScheduler) submitDelta(w *viewerWorker, msg protocol.ScreenFrame, prio domain.FramePriority) {
	sub := deltaSubmission{
		msg:       msg,
		size:      len(msg.Data),
		submitted: time.Now(),
		deadline:  prio.Deadline,
	}
	for {
		select {
		case w.delta <- sub:
			return
		default:
		}
		// Mailbox full: evict the stale frame and retry.
		select {
		case <-w.delta:
			s.metrics.RecordFrameDropped(domain.DeltaFrame, dropReasonSuperseded)
		default:
		}
	}
}

func (s *FrameScheduler) runWorker(ctx context.Context, w *viewerWorker) {
	defer s.wg.Done()
	for {
		// Keyframes take priority over whatever delta is waiting.
		select {
		case <-ctx.Done():
			return
		case sub := <-w.keyCh:
			s.sendKeyframe(ctx, w, sub)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case sub := <-w.keyCh:
			s.sendKeyframe(ctx, w, sub)
		case sub := <-w.delta:
			s.sendDelta(w, sub)
		}
	}
}

// sendKeyframe tries the reliable-enough path up to the retry budget. A
// persistently undeliverable keyframe becomes a StreamFault for the session
// layer; it is never silently dropped.
func (s *FrameScheduler) sendKeyframe(ctx context.Context, w *viewerWorker, sub keySubmission) {
	for attempt := 0; attempt < sub.retries; attempt++ {
		if attempt > 0 {
			s.metrics.RecordKeyframeRetry()
		}
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.KeyframeSendTimeout)
		err := w.link.SendFrame(sendCtx, sub.msg)
		cancel()
		if err == nil {
			w.faulted.Store(false)
			s.metrics.RecordFrameSent(domain.KeyFrame, len(sub.msg.Data))
			return
		}
		if ctx.Err() != nil {
			s.metrics.RecordFrameDropped(domain.KeyFrame, dropReasonDetached)
			return
		}
		s.logger.Debugw("keyframe delivery attempt failed",
			"viewer", w.key.Viewer, "display", w.key.Display, "attempt", attempt+1, "error", err)
	}
	s.metrics.RecordFrameDropped(domain.KeyFrame, dropReasonSendFailed)
	s.reportFault(w)
}

// sendDelta transmits on the unreliable path unless the deadline already
// elapsed while the frame waited its turn.
func (s *FrameScheduler) sendDelta(w *viewerWorker, sub deltaSubmission) {
	if time.Since(sub.submitted) >= sub.deadline {
		s.metrics.RecordFrameDropped(domain.DeltaFrame, dropReasonDeadline)
		return
	}
	if err := w.link.SendUnreliable(sub.msg); err != nil {
		s.metrics.RecordFrameDropped(domain.DeltaFrame, dropReasonSendFailed)
		return
	}
	s.metrics.RecordFrameSent(domain.DeltaFrame, sub.size)
}

func (s *FrameScheduler) reportFault(w *viewerWorker) {
	if !w.faulted.CompareAndSwap(false, true) {
		return
	}
	s.metrics.RecordStreamFault()
	s.logger.Warnw("stream fault: keyframe delivery exhausted",
		"sharer", w.key.Sharer, "viewer", w.key.Viewer, "display", w.key.Display)

	s.mu.Lock()
	fn := s.faultFn
	s.mu.Unlock()
	if fn != nil {
		fn(w.key)
	}
}
