package media

import (
	"context"
	"time"

	"screenmesh/internal/core/domain"
)

const bytesPerPixel = 4 // RGBA

// SyntheticCapture is a capture backend producing a moving test pattern.
// It stands in for platform screen grabbers on headless nodes and in tests;
// the rest of the stack cannot tell the difference.
type SyntheticCapture struct {
	displays []domain.DisplayInfo
	tick     uint32
}

// NewSyntheticCapture creates a capture source exposing the given displays.
func NewSyntheticCapture(displays []domain.DisplayInfo) *SyntheticCapture {
	return &SyntheticCapture{displays: displays}
}

// DefaultDisplays is the display set used when no capture hardware exists.
func DefaultDisplays() []domain.DisplayInfo {
	return []domain.DisplayInfo{
		{ID: 0, Name: "Synthetic Display 0", Width: 1280, Height: 720, Primary: true},
		{ID: 1, Name: "Synthetic Display 1", Width: 1280, Height: 720},
	}
}

func (c *SyntheticCapture) Displays() []domain.DisplayInfo {
	out := make([]domain.DisplayInfo, len(c.displays))
	copy(out, c.displays)
	return out
}

// NextFrame renders one test-pattern frame: a diagonal gradient whose phase
// advances every call, so consecutive frames differ and delta encoding has
// something to encode.
func (c *SyntheticCapture) NextFrame(ctx context.Context, display domain.DisplayID) (domain.RawFrame, error) {
	if err := ctx.Err(); err != nil {
		return domain.RawFrame{}, err
	}
	info, ok := c.lookup(display)
	if !ok {
		return domain.RawFrame{}, domain.ErrNoSuchShare
	}

	c.tick++
	phase := c.tick

	pixels := make([]byte, int(info.Width)*int(info.Height)*bytesPerPixel)
	w, h := int(info.Width), int(info.Height)
	for y := 0; y < h; y++ {
		row := y * w * bytesPerPixel
		for x := 0; x < w; x++ {
			off := row + x*bytesPerPixel
			pixels[off] = byte(uint32(x) + phase)
			pixels[off+1] = byte(uint32(y) + phase)
			pixels[off+2] = byte(uint32(x+y) - phase)
			pixels[off+3] = 0xFF
		}
	}

	return domain.RawFrame{
		Width:     info.Width,
		Height:    info.Height,
		Pixels:    pixels,
		Timestamp: time.Now(),
	}, nil
}

func (c *SyntheticCapture) lookup(display domain.DisplayID) (domain.DisplayInfo, bool) {
	for _, info := range c.displays {
		if info.ID == display {
			return info, true
		}
	}
	return domain.DisplayInfo{}, false
}
