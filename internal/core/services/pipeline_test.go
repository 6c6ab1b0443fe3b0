package services

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenmesh/internal/core/domain"
	"screenmesh/pkg/logger"
)

func newTestPipeline(t *testing.T, decoder *scriptedDecoder, renderer *renderRecorder, metrics *recordingMetrics) (*StreamPipeline, *[]uint32, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var requests []uint32
	p := NewStreamPipeline(
		domain.StreamKey{Sharer: "sharer-a", Display: 0},
		decoder,
		renderer,
		metrics,
		func(fromSequence uint32) {
			mu.Lock()
			requests = append(requests, fromSequence)
			mu.Unlock()
		},
		100*time.Millisecond,
		logger.Nop(),
	)
	p.Start()
	t.Cleanup(p.Stop)
	return p, &requests, &mu
}

func TestPipelineDecodesKeyframeThenDeltas(t *testing.T) {
	decoder := &scriptedDecoder{}
	renderer := newRenderRecorder()
	metrics := newRecordingMetrics()
	p, _, _ := newTestPipeline(t, decoder, renderer, metrics)

	stream := domain.StreamKey{Sharer: "sharer-a", Display: 0}
	p.Submit(keyFrame(1))
	p.Submit(deltaFrame(2))
	waitFor(t, func() bool { return renderer.count(stream) >= 2 }, "frames not rendered")

	p.Submit(deltaFrame(3))
	waitFor(t, func() bool { return renderer.count(stream) >= 3 }, "follow-up delta not rendered")
	assert.Contains(t, decoder.decodedSequences(), uint32(1))
}

func TestPipelineDropsDeltaBeforeFirstKeyframe(t *testing.T) {
	decoder := &scriptedDecoder{}
	renderer := newRenderRecorder()
	metrics := newRecordingMetrics()
	p, requests, mu := newTestPipeline(t, decoder, renderer, metrics)

	// No keyframe yet: the delta is undecodable and must trigger a resync
	// request instead of reaching the decoder.
	p.Submit(deltaFrame(1))

	waitFor(t, func() bool {
		return metrics.droppedCount(domain.DeltaFrame, "no_reference") == 1
	}, "reference-less delta not dropped")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*requests) == 1
	}, "keyframe request not fired")
	assert.Empty(t, decoder.decodedSequences())
	assert.Equal(t, 1, metrics.keyframeRequestCount())
}

func TestPipelineStaleDeltaDropped(t *testing.T) {
	decoder := &scriptedDecoder{}
	renderer := newRenderRecorder()
	metrics := newRecordingMetrics()
	p, _, _ := newTestPipeline(t, decoder, renderer, metrics)

	p.Submit(keyFrame(5))
	waitFor(t, func() bool { return len(decoder.decodedSequences()) == 1 }, "keyframe not decoded")

	// Reordered datagram from before the keyframe.
	p.Submit(deltaFrame(3))
	waitFor(t, func() bool {
		return metrics.droppedCount(domain.DeltaFrame, "stale") == 1
	}, "stale delta not dropped")
	assert.Equal(t, []uint32{5}, decoder.decodedSequences())
}

func TestPipelineSequenceGapForcesResync(t *testing.T) {
	decoder := &scriptedDecoder{}
	renderer := newRenderRecorder()
	metrics := newRecordingMetrics()
	p, requests, mu := newTestPipeline(t, decoder, renderer, metrics)

	p.Submit(keyFrame(1))
	p.Submit(deltaFrame(2))
	stream := domain.StreamKey{Sharer: "sharer-a", Display: 0}
	waitFor(t, func() bool { return renderer.count(stream) >= 2 }, "initial frames not rendered")

	// Sequence 3 was lost: deltas after the gap are dropped until the next
	// keyframe, and exactly one rate-limited resync request goes out.
	p.Submit(deltaFrame(4))
	p.Submit(deltaFrame(5))

	waitFor(t, func() bool {
		return metrics.droppedCount(domain.DeltaFrame, "no_reference") == 2
	}, "post-gap deltas not dropped")
	mu.Lock()
	require.Len(t, *requests, 1)
	assert.Equal(t, uint32(4), (*requests)[0])
	mu.Unlock()

	// The keyframe restores decodability.
	p.Submit(keyFrame(6))
	p.Submit(deltaFrame(7))
	waitFor(t, func() bool { return renderer.count(stream) >= 4 }, "stream did not recover after keyframe")
}

func TestPipelineKeyframesNeverSuperseded(t *testing.T) {
	decoder := &scriptedDecoder{}
	renderer := newRenderRecorder()
	metrics := newRecordingMetrics()
	p, _, _ := newTestPipeline(t, decoder, renderer, metrics)

	// Burst of keyframes: every one must be decoded, in order, because each
	// redefines the reference.
	for seq := uint32(1); seq <= 4; seq++ {
		p.Submit(keyFrame(seq))
	}
	waitFor(t, func() bool { return len(decoder.decodedSequences()) == 4 }, "keyframes skipped")
	assert.Equal(t, []uint32{1, 2, 3, 4}, decoder.decodedSequences())
}

func TestPipelineEvictedDeltaForcesResync(t *testing.T) {
	decoder := &scriptedDecoder{}
	renderer := newRenderRecorder()
	metrics := newRecordingMetrics()

	var requests []uint32
	// No decode loop: submit against a stopped pipeline to inspect the slot.
	p := NewStreamPipeline(
		domain.StreamKey{Sharer: "sharer-a", Display: 0},
		decoder, renderer, metrics,
		func(fromSequence uint32) { requests = append(requests, fromSequence) },
		time.Second, logger.Nop(),
	)

	p.Submit(keyFrame(1))
	p.Submit(deltaFrame(2))
	// Delta 2 never decoded, so its output cannot serve as delta 3's
	// reference. Both are dropped and a resync request goes out.
	p.Submit(deltaFrame(3))

	assert.Equal(t, 1, metrics.droppedCount(domain.DeltaFrame, "superseded"))
	assert.Equal(t, 1, metrics.droppedCount(domain.DeltaFrame, "no_reference"))
	assert.Equal(t, []uint32{3}, requests)

	// Only the keyframe survives to decode.
	frame, ok := p.next()
	require.True(t, ok)
	assert.True(t, frame.IsKeyframe)
	_, ok = p.next()
	assert.False(t, ok)

	// A later delta stays undecodable until the resync keyframe lands.
	p.Submit(deltaFrame(4))
	assert.Equal(t, 2, metrics.droppedCount(domain.DeltaFrame, "no_reference"))
	p.Submit(keyFrame(5))
	p.Submit(deltaFrame(6))
	frame, ok = p.next()
	require.True(t, ok)
	assert.Equal(t, uint32(5), frame.Sequence)
	frame, ok = p.next()
	require.True(t, ok)
	assert.Equal(t, uint32(6), frame.Sequence)
}

func TestPipelineKeyframeSupersedesPendingDelta(t *testing.T) {
	decoder := &scriptedDecoder{}
	renderer := newRenderRecorder()
	metrics := newRecordingMetrics()

	p := NewStreamPipeline(
		domain.StreamKey{Sharer: "sharer-a", Display: 0},
		decoder, renderer, metrics, nil, time.Second, logger.Nop(),
	)

	p.Submit(keyFrame(1))
	p.Submit(deltaFrame(2))
	// The keyframe redefines the reference; the older pending delta must not
	// decode against it.
	p.Submit(keyFrame(3))

	assert.Equal(t, 1, metrics.droppedCount(domain.DeltaFrame, "superseded"))

	frame, ok := p.next()
	require.True(t, ok)
	assert.Equal(t, uint32(1), frame.Sequence)
	frame, ok = p.next()
	require.True(t, ok)
	assert.Equal(t, uint32(3), frame.Sequence)
	_, ok = p.next()
	assert.False(t, ok)
}
