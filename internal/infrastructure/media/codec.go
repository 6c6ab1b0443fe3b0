package media

import (
	"fmt"
	"sync/atomic"

	"screenmesh/internal/core/domain"
	"screenmesh/internal/core/ports"
	"screenmesh/pkg/pool"
)

// CodecName identifies the built-in XOR diff codec on the wire.
const CodecName = "xor-diff"

// keyframeInterval is how many frames pass between unforced keyframes.
const keyframeInterval = 60

// DiffCodecFactory builds encoder/decoder pairs for the XOR diff codec:
// keyframes carry the full picture, delta frames carry the XOR against the
// previous frame. It is cheap, lossless, and has real reference-chain
// semantics, so losing a delta genuinely corrupts everything after it.
type DiffCodecFactory struct{}

func NewDiffCodecFactory() *DiffCodecFactory { return &DiffCodecFactory{} }

func (f *DiffCodecFactory) NewEncoder(params domain.StreamParams) (ports.Encoder, error) {
	if params.Codec != CodecName {
		return nil, fmt.Errorf("unsupported codec %q", params.Codec)
	}
	size := int(params.Width) * int(params.Height) * bytesPerPixel
	return &diffEncoder{
		frameSize: size,
		buffers:   pool.NewBufferPool(size),
	}, nil
}

func (f *DiffCodecFactory) NewDecoder(params domain.StreamParams) (ports.Decoder, error) {
	if params.Codec != CodecName {
		return nil, fmt.Errorf("unsupported codec %q", params.Codec)
	}
	return &diffDecoder{
		width:  params.Width,
		height: params.Height,
	}, nil
}

type diffEncoder struct {
	frameSize int
	buffers   *pool.BufferPool

	sequence  uint32
	sinceKey  uint32
	forceKey  atomic.Bool
	reference []byte
}

func (e *diffEncoder) Encode(frame domain.RawFrame) (domain.EncodedFrame, error) {
	if len(frame.Pixels) != e.frameSize {
		return domain.EncodedFrame{}, fmt.Errorf("frame size %d, want %d", len(frame.Pixels), e.frameSize)
	}

	key := e.reference == nil || e.sinceKey >= keyframeInterval || e.forceKey.Swap(false)

	data := make([]byte, e.frameSize)
	if key {
		copy(data, frame.Pixels)
		e.sinceKey = 0
	} else {
		for i, b := range frame.Pixels {
			data[i] = b ^ e.reference[i]
		}
		e.sinceKey++
	}

	// Swap the reference buffer through the pool.
	next := e.buffers.Get()
	copy(next, frame.Pixels)
	if e.reference != nil {
		e.buffers.Put(e.reference)
	}
	e.reference = next

	e.sequence++
	return domain.EncodedFrame{
		IsKeyframe: key,
		Sequence:   e.sequence,
		Timestamp:  uint64(frame.Timestamp.UnixMilli()),
		Data:       data,
	}, nil
}

func (e *diffEncoder) ForceKeyframe() {
	e.forceKey.Store(true)
}

type diffDecoder struct {
	width   uint32
	height  uint32
	picture []byte
}

func (d *diffDecoder) Decode(frame domain.EncodedFrame) (domain.DecodedFrame, error) {
	size := int(d.width) * int(d.height) * bytesPerPixel
	if len(frame.Data) != size {
		return domain.DecodedFrame{}, domain.ErrCorruptFrame
	}

	if frame.IsKeyframe {
		d.picture = make([]byte, size)
		copy(d.picture, frame.Data)
	} else {
		if d.picture == nil {
			return domain.DecodedFrame{}, fmt.Errorf("delta frame %d without reference", frame.Sequence)
		}
		for i, b := range frame.Data {
			d.picture[i] ^= b
		}
	}

	out := make([]byte, size)
	copy(out, d.picture)
	return domain.DecodedFrame{
		Width:  d.width,
		Height: d.height,
		Format: "rgba",
		Pixels: out,
	}, nil
}
