package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the capture-plane metrics.
type Metrics struct {
	// Stream metrics
	StreamsActive    prometheus.Gauge
	ChunksSealed     *prometheus.CounterVec
	BytesCaptured    *prometheus.CounterVec
	SamplesCaptured  *prometheus.CounterVec
	SealDuration     prometheus.Histogram
	ChunkFullLatency prometheus.Histogram
	StreamErrors     *prometheus.CounterVec

	// RT event channel metrics
	EventsDrained *prometheus.CounterVec
	EventsDropped prometheus.Counter

	// Session metrics
	SessionsActive prometheus.Gauge
	SegmentsOpened prometheus.Counter

	// Slicing metrics
	SlicesResolved  *prometheus.CounterVec
	SliceTruncated  prometheus.Counter
	SliceBytesRead  prometheus.Counter
	MaterializeTime prometheus.Histogram

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all capture-plane metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		StreamsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "capturekit",
				Subsystem: "stream",
				Name:      "active",
				Help:      "Number of streams currently recording",
			},
		),

		ChunksSealed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capturekit",
				Subsystem: "stream",
				Name:      "chunks_sealed_total",
				Help:      "Total chunks sealed into content storage",
			},
			[]string{"stream_uri", "outcome"},
		),

		BytesCaptured: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capturekit",
				Subsystem: "stream",
				Name:      "bytes_total",
				Help:      "Total bytes sealed per stream",
			},
			[]string{"stream_uri"},
		),

		SamplesCaptured: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capturekit",
				Subsystem: "stream",
				Name:      "samples_total",
				Help:      "Total samples sealed per stream",
			},
			[]string{"stream_uri"},
		),

		SealDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "capturekit",
				Subsystem: "stream",
				Name:      "seal_duration_seconds",
				Help:      "Time to hash and publish one chunk",
				Buckets:   prometheus.DefBuckets,
			},
		),

		ChunkFullLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "capturekit",
				Subsystem: "stream",
				Name:      "rotation_latency_seconds",
				Help:      "Chunk-full to switch-command round-trip; bounded by RT headroom",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),

		StreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capturekit",
				Subsystem: "stream",
				Name:      "errors_total",
				Help:      "Stream errors by recoverability",
			},
			[]string{"stream_uri", "recoverable"},
		),

		EventsDrained: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capturekit",
				Subsystem: "events",
				Name:      "drained_total",
				Help:      "Events drained from the RT ring by type",
			},
			[]string{"type"},
		),

		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "capturekit",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events the RT side dropped against a full ring",
			},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "capturekit",
				Subsystem: "session",
				Name:      "active",
				Help:      "Number of sessions currently recording",
			},
		),

		SegmentsOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "capturekit",
				Subsystem: "session",
				Name:      "segments_total",
				Help:      "Total session segments opened",
			},
		),

		SlicesResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capturekit",
				Subsystem: "slice",
				Name:      "resolved_total",
				Help:      "Slice requests resolved by output mode",
			},
			[]string{"output"},
		),

		SliceTruncated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "capturekit",
				Subsystem: "slice",
				Name:      "truncated_total",
				Help:      "Slices returned partial because part of the range was trimmed",
			},
		),

		SliceBytesRead: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "capturekit",
				Subsystem: "slice",
				Name:      "bytes_read_total",
				Help:      "Bytes read out of content storage for slicing",
			},
		),

		MaterializeTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "capturekit",
				Subsystem: "slice",
				Name:      "materialize_duration_seconds",
				Help:      "Time to materialize a slice artifact",
				Buckets:   prometheus.DefBuckets,
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "capturekit",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "capturekit",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "capturekit",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "capturekit",
				Subsystem: "nats",
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),
	}
}

// collectors returns every core metric for bulk registration.
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.StreamsActive,
		m.ChunksSealed,
		m.BytesCaptured,
		m.SamplesCaptured,
		m.SealDuration,
		m.ChunkFullLatency,
		m.StreamErrors,
		m.EventsDrained,
		m.EventsDropped,
		m.SessionsActive,
		m.SegmentsOpened,
		m.SlicesResolved,
		m.SliceTruncated,
		m.SliceBytesRead,
		m.MaterializeTime,
		m.NATSConnected,
		m.NATSRTT,
		m.NATSReconnects,
		m.NATSCircuitBreaker,
	}
}
