package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"screenmesh/internal/core/domain"
)

// PrometheusCollector implements ports.MetricsSink on a process-wide
// prometheus registry. Frame drops carry kind and reason labels so the
// delivery policies stay observable per class.
type PrometheusCollector struct {
	peersConnected  prometheus.Gauge
	sessionsActive  prometheus.Gauge
	framesSentBytes *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec

	keyframeRetries  prometheus.Counter
	keyframeRequests prometheus.Counter
	streamFaults     prometheus.Counter

	heartbeatRTT *prometheus.HistogramVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		peersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "screenmesh_peers_connected",
			Help: "Number of currently connected peers",
		}),

		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "screenmesh_sessions_active",
			Help: "Number of active local sharing sessions",
		}),

		framesSentBytes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "screenmesh_frames_sent_bytes_total",
			Help: "Total encoded frame bytes handed to the transport",
		}, []string{"kind"}),

		framesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "screenmesh_frames_sent_total",
			Help: "Total frames handed to the transport",
		}, []string{"kind"}),

		framesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "screenmesh_frames_dropped_total",
			Help: "Total frames dropped by the delivery policy",
		}, []string{"kind", "reason"}),

		keyframeRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "screenmesh_keyframe_retries_total",
			Help: "Total keyframe delivery retry attempts",
		}),

		keyframeRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "screenmesh_keyframe_requests_total",
			Help: "Total keyframe resync requests sent to sharers",
		}),

		streamFaults: promauto.NewCounter(prometheus.CounterOpts{
			Name: "screenmesh_stream_faults_total",
			Help: "Total keyframe deliveries that exhausted their retry budget",
		}),

		heartbeatRTT: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "screenmesh_heartbeat_rtt_seconds",
			Help:    "Round-trip time measured by the heartbeat exchange",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"peer"}),
	}
}

func (p *PrometheusCollector) RecordFrameSent(kind domain.FrameKind, bytes int) {
	p.framesSent.WithLabelValues(kind.String()).Inc()
	p.framesSentBytes.WithLabelValues(kind.String()).Add(float64(bytes))
}

func (p *PrometheusCollector) RecordFrameDropped(kind domain.FrameKind, reason string) {
	p.framesDropped.WithLabelValues(kind.String(), reason).Inc()
}

func (p *PrometheusCollector) RecordKeyframeRetry() {
	p.keyframeRetries.Inc()
}

func (p *PrometheusCollector) RecordStreamFault() {
	p.streamFaults.Inc()
}

func (p *PrometheusCollector) RecordKeyframeRequest() {
	p.keyframeRequests.Inc()
}

func (p *PrometheusCollector) RecordHeartbeatRTT(peer domain.PeerID, rtt time.Duration) {
	p.heartbeatRTT.WithLabelValues(string(peer)).Observe(rtt.Seconds())
}

func (p *PrometheusCollector) RecordPeerConnected() {
	p.peersConnected.Inc()
}

func (p *PrometheusCollector) RecordPeerDisconnected() {
	p.peersConnected.Dec()
}

func (p *PrometheusCollector) RecordSessionStarted() {
	p.sessionsActive.Inc()
}

func (p *PrometheusCollector) RecordSessionEnded() {
	p.sessionsActive.Dec()
}
