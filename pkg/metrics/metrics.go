package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upstream metrics
	FramesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pareto_router_frames_received_total",
			Help: "Total number of raw frames received from the upstream feed",
		},
	)

	FramesDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pareto_router_frames_discarded_total",
			Help: "Total number of frames dropped during normalization",
		},
		[]string{"reason"},
	)

	UpstreamConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pareto_router_upstream_connected",
			Help: "1 while the upstream socket reports connected, 0 otherwise",
		},
	)

	UpstreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pareto_router_upstream_events_total",
			Help: "Upstream connection lifecycle events",
		},
		[]string{"event"},
	)

	// Broker metrics
	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pareto_router_events_published_total",
			Help: "Total number of normalized events published to the broker",
		},
	)

	BufferDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pareto_router_buffer_depth",
			Help: "Events waiting in each subscription buffer",
		},
		[]string{"subscription"},
	)

	BufferDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pareto_router_buffer_dropped_total",
			Help: "Events discarded because a capped subscription buffer was full",
		},
		[]string{"subscription"},
	)

	// Sink metrics
	SinkEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pareto_router_sink_events_total",
			Help: "Events handed to each sink, by outcome",
		},
		[]string{"sink", "status"},
	)

	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pareto_router_sink_errors_total",
			Help: "Batches that failed in each sink",
		},
		[]string{"sink"},
	)

	SinkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pareto_router_sink_batch_duration_seconds",
			Help:    "Duration of sink batch processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)
)

// Upstream lifecycle labels for UpstreamEvents.
const (
	UpstreamConnect         = "connect"
	UpstreamDisconnect      = "disconnect"
	UpstreamConnectFailure  = "connect_failure"
	UpstreamLivenessTimeout = "liveness_timeout"
)
