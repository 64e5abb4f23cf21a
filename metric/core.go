package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not instrument-specific)
type Metrics struct {
	// Stream metrics
	StreamStatus     *prometheus.GaugeVec
	BytesConsumed    *prometheus.CounterVec
	ParticlesEmitted *prometheus.CounterVec
	SampleErrors     *prometheus.CounterVec
	NonDataBytes     *prometheus.CounterVec
	ParseDuration    *prometheus.HistogramVec
	CheckpointsSaved *prometheus.CounterVec
	ResumesTotal     *prometheus.CounterVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		StreamStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "oceanstream",
				Subsystem: "stream",
				Name:      "status",
				Help:      "Stream status (0=stopped, 1=starting, 2=parsing, 3=stopping, 4=failed)",
			},
			[]string{"stream"},
		),

		BytesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "oceanstream",
				Subsystem: "stream",
				Name:      "bytes_consumed_total",
				Help:      "Total bytes fully parsed and advanced past",
			},
			[]string{"stream"},
		),

		ParticlesEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "oceanstream",
				Subsystem: "particles",
				Name:      "emitted_total",
				Help:      "Total particles emitted via the sample callback",
			},
			[]string{"stream", "type"},
		),

		SampleErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "oceanstream",
				Subsystem: "particles",
				Name:      "sample_errors_total",
				Help:      "Total recoverable per-record failures reported via the exception callback",
			},
			[]string{"stream", "kind"},
		),

		NonDataBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "oceanstream",
				Subsystem: "stream",
				Name:      "non_data_bytes_total",
				Help:      "Total bytes that matched no record predicate",
			},
			[]string{"stream"},
		),

		ParseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "oceanstream",
				Subsystem: "stream",
				Name:      "parse_duration_seconds",
				Help:      "Duration of one drain cycle (AddData to empty chunker)",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stream"},
		),

		CheckpointsSaved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "oceanstream",
				Subsystem: "state",
				Name:      "checkpoints_saved_total",
				Help:      "Total parse state snapshots persisted",
			},
			[]string{"stream"},
		),

		ResumesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "oceanstream",
				Subsystem: "state",
				Name:      "resumes_total",
				Help:      "Total stream resumes from a restored parse state",
			},
			[]string{"stream"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "oceanstream",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "oceanstream",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// RecordStreamStatus updates stream status metric
func (c *Metrics) RecordStreamStatus(stream string, status int) {
	c.StreamStatus.WithLabelValues(stream).Set(float64(status))
}

// RecordBytesConsumed adds to the consumed byte counter
func (c *Metrics) RecordBytesConsumed(stream string, n int) {
	c.BytesConsumed.WithLabelValues(stream).Add(float64(n))
}

// RecordParticleEmitted increments the emitted particle counter
func (c *Metrics) RecordParticleEmitted(stream, particleType string) {
	c.ParticlesEmitted.WithLabelValues(stream, particleType).Inc()
}

// RecordSampleError increments the recoverable error counter
func (c *Metrics) RecordSampleError(stream, kind string) {
	c.SampleErrors.WithLabelValues(stream, kind).Inc()
}

// RecordNonDataBytes adds to the unrecognized byte counter
func (c *Metrics) RecordNonDataBytes(stream string, n int) {
	c.NonDataBytes.WithLabelValues(stream).Add(float64(n))
}

// RecordParseDuration records one drain cycle duration
func (c *Metrics) RecordParseDuration(stream string, duration time.Duration) {
	c.ParseDuration.WithLabelValues(stream).Observe(duration.Seconds())
}

// RecordCheckpointSaved increments the checkpoint counter
func (c *Metrics) RecordCheckpointSaved(stream string) {
	c.CheckpointsSaved.WithLabelValues(stream).Inc()
}

// RecordResume increments the resume counter
func (c *Metrics) RecordResume(stream string) {
	c.ResumesTotal.WithLabelValues(stream).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}
