// Package metrics exposes delivery counters and latencies to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks shutterpost Prometheus metrics. All methods are safe on a
// nil *Metrics, so callers that do not export metrics can pass nil.
type Metrics struct {
	// OutcomesTotal counts terminal outcomes by status
	OutcomesTotal *prometheus.CounterVec

	// DeliveryDuration tracks time spent in webhook uploads
	DeliveryDuration prometheus.Histogram

	// DeliveryAttempts counts upload requests, including retries
	DeliveryAttempts prometheus.Counter

	// RateLimitedTotal counts 429 responses
	RateLimitedTotal prometheus.Counter

	// CompressedTotal counts files that were recompressed
	CompressedTotal prometheus.Counter

	// BytesSaved sums original minus compressed size
	BytesSaved prometheus.Counter

	// ThreadErrorsTotal counts thread resolutions that fell back to no thread
	ThreadErrorsTotal *prometheus.CounterVec

	// InFlight tracks deliveries currently running
	InFlight prometheus.Gauge
}

// NewMetrics creates and registers metrics with the shutterpost_ prefix.
// Panics if registration fails.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shutterpost_outcomes_total",
				Help: "Terminal pipeline outcomes by status",
			},
			[]string{"status"}, // "delivered", "duplicate", "failed"
		),
		DeliveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shutterpost_delivery_duration_seconds",
				Help:    "Webhook upload duration in seconds, including retries",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		DeliveryAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shutterpost_delivery_attempts_total",
				Help: "Webhook upload requests, including retries",
			},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shutterpost_rate_limited_total",
				Help: "Webhook responses with HTTP 429",
			},
		),
		CompressedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shutterpost_compressed_total",
				Help: "Screenshots recompressed before upload",
			},
		),
		BytesSaved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shutterpost_compression_saved_bytes_total",
				Help: "Bytes saved by compression",
			},
		),
		ThreadErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shutterpost_thread_errors_total",
				Help: "Thread resolutions that fell back to an unthreaded upload",
			},
			[]string{"reason"}, // "unsupported", "error"
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "shutterpost_deliveries_in_flight",
				Help: "Deliveries currently being processed",
			},
		),
	}

	reg.MustRegister(
		m.OutcomesTotal,
		m.DeliveryDuration,
		m.DeliveryAttempts,
		m.RateLimitedTotal,
		m.CompressedTotal,
		m.BytesSaved,
		m.ThreadErrorsTotal,
		m.InFlight,
	)

	return m
}

// RecordOutcome counts one terminal outcome.
func (m *Metrics) RecordOutcome(status string) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(status).Inc()
}

// RecordDelivery records one Send call.
func (m *Metrics) RecordDelivery(attempts, rateLimited int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.Add(float64(attempts))
	m.RateLimitedTotal.Add(float64(rateLimited))
	m.DeliveryDuration.Observe(durationSeconds)
}

// RecordCompression records a recompressed file.
func (m *Metrics) RecordCompression(originalSize, finalSize int64) {
	if m == nil {
		return
	}
	m.CompressedTotal.Inc()
	if saved := originalSize - finalSize; saved > 0 {
		m.BytesSaved.Add(float64(saved))
	}
}

// RecordThreadError counts a thread fallback.
func (m *Metrics) RecordThreadError(reason string) {
	if m == nil {
		return
	}
	m.ThreadErrorsTotal.WithLabelValues(reason).Inc()
}

// DeliveryStarted increments the in-flight gauge.
func (m *Metrics) DeliveryStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

// DeliveryFinished decrements the in-flight gauge.
func (m *Metrics) DeliveryFinished() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}
