// Package metrics provides Prometheus instrumentation for the streaming bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamsTotal counts finished streams by outcome.
	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streams_total",
			Help: "Total number of finished streams by outcome.",
		},
		[]string{"outcome"}, // "completed", "failed", "cancelled"
	)

	// ActiveStreams tracks the number of currently running streams.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_streams",
			Help: "Number of currently running streams.",
		},
	)

	// RetryAttemptsTotal counts producer retry attempts by model.
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of stream retry attempts.",
		},
		[]string{"model"},
	)

	// StopRequestsTotal counts stop requests received over the API.
	StopRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stop_requests_total",
			Help: "Total number of stop requests received.",
		},
	)

	// TokenUsageTotal tracks tokens consumed per model and direction.
	TokenUsageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_usage_total",
			Help: "Total number of tokens consumed.",
		},
		[]string{"model", "direction"}, // direction: "input" or "output"
	)

	// StreamDuration tracks end-to-end stream duration in seconds.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stream_duration_seconds",
			Help:    "End-to-end stream duration in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model", "outcome"},
	)
)

// RecordUsage records prompt and completion token counts for a model.
func RecordUsage(model string, promptTokens, completionTokens int64) {
	if promptTokens > 0 {
		TokenUsageTotal.WithLabelValues(model, "input").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		TokenUsageTotal.WithLabelValues(model, "output").Add(float64(completionTokens))
	}
}
