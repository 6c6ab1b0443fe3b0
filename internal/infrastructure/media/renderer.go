package media

import (
	"sync"
	"time"

	"screenmesh/internal/core/domain"
)

// RenderStats is the per-stream view of what reached the renderer.
type RenderStats struct {
	Stream     domain.StreamKey `json:"stream"`
	Frames     uint64           `json:"frames"`
	LastWidth  uint32           `json:"last_width"`
	LastHeight uint32           `json:"last_height"`
	LastRender time.Time        `json:"last_render"`
}

// StatsRenderer is a render sink for headless nodes: it keeps per-stream
// presentation counters instead of putting pixels on a screen. The status
// API reads it to show that streams are actually flowing.
type StatsRenderer struct {
	mu      sync.Mutex
	streams map[domain.StreamKey]*RenderStats
}

func NewStatsRenderer() *StatsRenderer {
	return &StatsRenderer{streams: make(map[domain.StreamKey]*RenderStats)}
}

func (r *StatsRenderer) Render(stream domain.StreamKey, frame domain.DecodedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.streams[stream]
	if !ok {
		stats = &RenderStats{Stream: stream}
		r.streams[stream] = stats
	}
	stats.Frames++
	stats.LastWidth = frame.Width
	stats.LastHeight = frame.Height
	stats.LastRender = time.Now()
}

// Snapshot returns a copy of all per-stream render counters.
func (r *StatsRenderer) Snapshot() []RenderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RenderStats, 0, len(r.streams))
	for _, stats := range r.streams {
		out = append(out, *stats)
	}
	return out
}
