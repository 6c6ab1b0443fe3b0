package monitoring

import (
	"time"

	"screenmesh/internal/core/domain"
)

// NopCollector discards every recording. Prometheus collectors register on
// the default registry, so tests and embedded setups use this instead.
type NopCollector struct{}

func NewNopCollector() *NopCollector { return &NopCollector{} }

func (NopCollector) RecordFrameSent(domain.FrameKind, int)           {}
func (NopCollector) RecordFrameDropped(domain.FrameKind, string)     {}
func (NopCollector) RecordKeyframeRetry()                            {}
func (NopCollector) RecordStreamFault()                              {}
func (NopCollector) RecordKeyframeRequest()                          {}
func (NopCollector) RecordHeartbeatRTT(domain.PeerID, time.Duration) {}
func (NopCollector) RecordPeerConnected()                            {}
func (NopCollector) RecordPeerDisconnected()                         {}
func (NopCollector) RecordSessionStarted()                           {}
func (NopCollector) RecordSessionEnded()                             {}
