package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes of one finalized upload handled by the ingestion worker.
const (
	OutcomeReady  = "ready"
	OutcomeFailed = "failed"
	// OutcomeRetry means the event was left for redelivery without a terminal state.
	OutcomeRetry = "retry"
)

type IngestionMetrics struct {
	registry *prometheus.Registry

	ingestions   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	inFlight     prometheus.Gauge
	finalizedLag prometheus.Histogram
}

func NewIngestionMetrics(service string) *IngestionMetrics {
	registry := prometheus.NewRegistry()
	service = nonEmpty(service, "worker")
	labels := prometheus.Labels{"service": service}

	ingestions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "ingestion",
			Name:        "uploads_total",
			Help:        "Finalized uploads taken off the queue, by content type and outcome (ready, failed, retry).",
			ConstLabels: labels,
		},
		[]string{"content_type", "outcome"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "ingestion",
			Name:        "inspect_duration_seconds",
			Help:        "Time spent fetching and inspecting a stored document, by content type and outcome.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			ConstLabels: labels,
		},
		[]string{"content_type", "outcome"},
	)
	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "ingestion",
			Name:        "uploads_in_flight",
			Help:        "Uploads currently in the processing state on this worker.",
			ConstLabels: labels,
		},
	)
	finalizedLag := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "ingestion",
			Name:        "finalize_lag_seconds",
			Help:        "Seconds from a client's FINALIZE call to the worker picking the upload up.",
			Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: labels,
		},
	)

	registry.MustRegister(ingestions, duration, inFlight, finalizedLag)

	return &IngestionMetrics{
		registry:     registry,
		ingestions:   ingestions,
		duration:     duration,
		inFlight:     inFlight,
		finalizedLag: finalizedLag,
	}
}

func (m *IngestionMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *IngestionMetrics) IngestionStarted() {
	m.inFlight.Inc()
}

func (m *IngestionMetrics) IngestionFinished(contentType, outcome string, duration time.Duration) {
	m.inFlight.Dec()
	contentType = nonEmpty(contentType, "unknown")
	m.ingestions.WithLabelValues(contentType, outcome).Inc()
	m.duration.WithLabelValues(contentType, outcome).Observe(duration.Seconds())
}

// ObserveFinalizeLag drops negative samples caused by clock skew between API and worker.
func (m *IngestionMetrics) ObserveFinalizeLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.finalizedLag.Observe(lag.Seconds())
}

func nonEmpty(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
