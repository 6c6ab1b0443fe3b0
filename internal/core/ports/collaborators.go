package ports

import (
	"context"

	"screenmesh/internal/core/domain"
)

// Platform collaborators. The core drives these; their lifecycles and
// implementations (driver calls, hardware codecs, GPU presentation) live
// outside it.

// CaptureSource produces raw frames for local displays on demand. The core
// calls NextFrame on a cadence derived from the negotiated fps.
type CaptureSource interface {
	Displays() []domain.DisplayInfo
	NextFrame(ctx context.Context, display domain.DisplayID) (domain.RawFrame, error)
}

// Encoder turns raw frames into a key/delta encoded stream. ForceKeyframe
// makes the next Encode emit a keyframe; the core invokes it on viewer
// resync requests and on unrecoverable delta loss.
type Encoder interface {
	Encode(frame domain.RawFrame) (domain.EncodedFrame, error)
	ForceKeyframe()
}

// EncoderFactory creates one encoder per sharing session.
type EncoderFactory interface {
	NewEncoder(params domain.StreamParams) (Encoder, error)
}

// Decoder reconstructs pictures from encoded frames. Feeding it a delta
// frame without its reference chain yields undefined output; the pipeline
// guards against that.
type Decoder interface {
	Decode(frame domain.EncodedFrame) (domain.DecodedFrame, error)
}

// DecoderFactory creates one decoder per viewer subscription.
type DecoderFactory interface {
	NewDecoder(params domain.StreamParams) (Decoder, error)
}

// RenderSink receives the latest decoded frame for presentation. Timing of
// the actual present is the renderer's concern.
type RenderSink interface {
	Render(stream domain.StreamKey, frame domain.DecodedFrame)
}
