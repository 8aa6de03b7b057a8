// Package metrics exposes Prometheus instrumentation for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	RequestsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_api_requests_total",
			Help: "Total number of chat requests processed",
		},
		[]string{"provider", "outcome"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_api_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"provider"},
	)

	// Stream metrics
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_api_stream_events_total",
			Help: "Total number of stream events published",
		},
		[]string{"provider", "status"},
	)

	TokensUsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_api_tokens_used",
			Help:    "Number of tokens used per request",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000},
		},
		[]string{"provider"},
	)

	// Vendor metrics
	VendorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_api_vendor_errors_total",
			Help: "Total number of structured vendor failures",
		},
		[]string{"provider", "code"},
	)

	ImagesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_api_images_generated_total",
			Help: "Total number of completed image generations",
		},
		[]string{"provider"},
	)

	// Registry metrics
	ActiveInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_api_active_instances",
			Help: "Number of live provider instances",
		},
	)
)

// RecordRequest records one finished request with its outcome and duration.
func RecordRequest(provider, outcome string, durationSeconds float64, totalTokens int64) {
	RequestsProcessed.WithLabelValues(provider, outcome).Inc()
	RequestDuration.WithLabelValues(provider).Observe(durationSeconds)
	if totalTokens > 0 {
		TokensUsed.WithLabelValues(provider).Observe(float64(totalTokens))
	}
}

// RecordStreamEvent counts one published stream event.
func RecordStreamEvent(provider, status string) {
	StreamEvents.WithLabelValues(provider, status).Inc()
}

// RecordVendorError counts one structured vendor failure.
func RecordVendorError(provider, code string) {
	VendorErrors.WithLabelValues(provider, code).Inc()
}

// RecordImageGenerated counts one completed image generation.
func RecordImageGenerated(provider string) {
	ImagesGenerated.WithLabelValues(provider).Inc()
}
