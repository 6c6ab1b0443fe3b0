package domain

import "time"

// FrameKind distinguishes self-contained keyframes from reference-dependent
// delta frames on the wire and in the scheduler.
type FrameKind uint8

const (
	KeyFrame FrameKind = iota
	DeltaFrame
)

func (k FrameKind) String() string {
	if k == KeyFrame {
		return "key"
	}
	return "delta"
}

// FramePriority tags an encoded frame with its delivery policy. Exactly one
// of the policy fields is meaningful, selected by Kind: keyframes carry a
// retry budget, delta frames a transmission deadline.
type FramePriority struct {
	Kind     FrameKind
	Retries  int           // KeyFrame: remaining delivery attempts
	Deadline time.Duration // DeltaFrame: time left to transmit before drop
}

func KeyFramePriority(retries int) FramePriority {
	return FramePriority{Kind: KeyFrame, Retries: retries}
}

func DeltaFramePriority(deadline time.Duration) FramePriority {
	return FramePriority{Kind: DeltaFrame, Deadline: deadline}
}

// RawFrame is a captured picture handed to the encoder. The pixel buffer
// layout is the capture backend's concern.
type RawFrame struct {
	Width     uint32
	Height    uint32
	Pixels    []byte
	Timestamp time.Time
}

// EncodedFrame is what the encoder produces and the transport carries.
// Sequence numbers increase strictly per (sharer, display) stream.
type EncodedFrame struct {
	IsKeyframe bool
	Sequence   uint32
	Timestamp  uint64 // unix milliseconds at encode time
	Data       []byte
}

func (f EncodedFrame) Kind() FrameKind {
	if f.IsKeyframe {
		return KeyFrame
	}
	return DeltaFrame
}

// DecodedFrame is the decoder output handed to the renderer sink.
type DecodedFrame struct {
	Width  uint32
	Height uint32
	Format string
	Pixels []byte
}
