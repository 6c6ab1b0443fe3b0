package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"screenmesh/internal/core/domain"
	"screenmesh/internal/core/ports"
)

// StreamPipeline is the receive-side buffering discipline for one watched
// stream. It holds at most one pending delta frame plus a short queue of
// keyframes, which must all be decoded because each one redefines the
// reference for everything after it. The decode loop therefore never falls
// more than one frame behind; if it does, the stream resyncs from the next
// keyframe rather than decode against a reference it never built.
type StreamPipeline struct {
	key      domain.StreamKey
	decoder  ports.Decoder
	renderer ports.RenderSink
	metrics  ports.MetricsSink
	logger   *zap.SugaredLogger

	// requestKeyframe asks the sharer for a resync; rate-limited here.
	requestKeyframe   func(fromSequence uint32)
	keyReqMinInterval time.Duration

	mu          sync.Mutex
	keyQueue    []domain.EncodedFrame
	latest      *domain.EncodedFrame
	highestSeq  uint32
	haveSeq     bool
	awaitingKey bool // reference chain broken; deltas undecodable
	lastKeyReq  time.Time

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewStreamPipeline(
	key domain.StreamKey,
	decoder ports.Decoder,
	renderer ports.RenderSink,
	metrics ports.MetricsSink,
	requestKeyframe func(fromSequence uint32),
	keyReqMinInterval time.Duration,
	logger *zap.SugaredLogger,
) *StreamPipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamPipeline{
		key:               key,
		decoder:           decoder,
		renderer:          renderer,
		metrics:           metrics,
		requestKeyframe:   requestKeyframe,
		keyReqMinInterval: keyReqMinInterval,
		awaitingKey:       true, // nothing decodable until the first keyframe
		notify:            make(chan struct{}, 1),
		ctx:               ctx,
		cancel:            cancel,
		done:              make(chan struct{}),
		logger:            logger,
	}
}

// Start launches the decode/render loop.
func (p *StreamPipeline) Start() {
	go p.run()
}

// Stop cancels the decode loop; an in-progress decode's output is still
// rendered but nothing further is consumed.
func (p *StreamPipeline) Stop() {
	p.cancel()
	<-p.done
}

// Submit hands a received frame to the pipeline. A delta arriving while an
// earlier one still waits to decode forces a keyframe resync: the waiting
// frame's output would have been the new frame's reference. Keyframes are
// never discarded. Frames older than the newest seen are dropped outright
// (no reordering on the unreliable channel).
func (p *StreamPipeline) Submit(frame domain.EncodedFrame) {
	p.mu.Lock()

	gap := p.haveSeq && frame.Sequence > p.highestSeq+1
	stale := p.haveSeq && frame.Sequence <= p.highestSeq
	if !p.haveSeq || frame.Sequence > p.highestSeq {
		p.highestSeq = frame.Sequence
		p.haveSeq = true
	}

	if frame.IsKeyframe {
		// A keyframe restores decodability regardless of what was lost. Any
		// pending delta predates it and must not decode against the new
		// reference, so it goes.
		evicted := p.latest != nil
		p.latest = nil
		p.keyQueue = append(p.keyQueue, frame)
		p.awaitingKey = false
		p.mu.Unlock()
		if evicted {
			p.metrics.RecordFrameDropped(domain.DeltaFrame, "superseded")
		}
		p.wake()
		return
	}

	if stale {
		p.mu.Unlock()
		p.metrics.RecordFrameDropped(domain.DeltaFrame, "stale")
		return
	}
	if gap {
		// Missing reference: everything until the next keyframe is
		// undecodable.
		p.awaitingKey = true
	}
	if p.awaitingKey {
		needReq := p.shouldRequestKeyframeLocked()
		seq := frame.Sequence
		p.mu.Unlock()
		p.metrics.RecordFrameDropped(domain.DeltaFrame, "no_reference")
		if needReq {
			p.fireKeyframeRequest(seq)
		}
		return
	}

	if p.latest != nil {
		// The pending delta never decoded, so the picture it would have
		// produced is the reference this frame needs. Discarding them both
		// and resyncing is the only way back to a consistent chain.
		p.latest = nil
		p.awaitingKey = true
		needReq := p.shouldRequestKeyframeLocked()
		seq := frame.Sequence
		p.mu.Unlock()
		p.metrics.RecordFrameDropped(domain.DeltaFrame, "superseded")
		p.metrics.RecordFrameDropped(domain.DeltaFrame, "no_reference")
		if needReq {
			p.fireKeyframeRequest(seq)
		}
		return
	}
	f := frame
	p.latest = &f
	p.mu.Unlock()
	p.wake()
}

func (p *StreamPipeline) shouldRequestKeyframeLocked() bool {
	if time.Since(p.lastKeyReq) < p.keyReqMinInterval {
		return false
	}
	p.lastKeyReq = time.Now()
	return true
}

func (p *StreamPipeline) fireKeyframeRequest(fromSequence uint32) {
	p.metrics.RecordKeyframeRequest()
	p.logger.Debugw("requesting keyframe resync",
		"sharer", p.key.Sharer, "display", p.key.Display, "from_sequence", fromSequence)
	if p.requestKeyframe != nil {
		p.requestKeyframe(fromSequence)
	}
}

func (p *StreamPipeline) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// next pops the most urgent pending frame: queued keyframes first, then the
// latest delta.
func (p *StreamPipeline) next() (domain.EncodedFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keyQueue) > 0 {
		frame := p.keyQueue[0]
		p.keyQueue = p.keyQueue[1:]
		return frame, true
	}
	if p.latest != nil {
		frame := *p.latest
		p.latest = nil
		return frame, true
	}
	return domain.EncodedFrame{}, false
}

func (p *StreamPipeline) run() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.notify:
		}
		for {
			if p.ctx.Err() != nil {
				return
			}
			frame, ok := p.next()
			if !ok {
				break
			}
			p.decodeAndRender(frame)
		}
	}
}

func (p *StreamPipeline) decodeAndRender(frame domain.EncodedFrame) {
	decoded, err := p.decoder.Decode(frame)
	if err != nil {
		p.logger.Warnw("decode failed",
			"sharer", p.key.Sharer, "display", p.key.Display, "sequence", frame.Sequence, "error", err)
		p.mu.Lock()
		p.awaitingKey = true
		needReq := p.shouldRequestKeyframeLocked()
		p.mu.Unlock()
		if needReq {
			p.fireKeyframeRequest(frame.Sequence)
		}
		return
	}
	p.renderer.Render(p.key, decoded)
}
