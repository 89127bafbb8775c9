package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

// ClientMetrics observes the upload coordinator of the CLI.
type ClientMetrics struct {
	registry *prometheus.Registry

	uploadsTotal        *prometheus.CounterVec
	uploadDuration      *prometheus.HistogramVec
	uploadsInFlight     prometheus.Gauge
	bytesSent           prometheus.Counter
	credentialRefreshes prometheus.Counter
	pollAttempts        prometheus.Counter
}

func NewClientMetrics(service string) *ClientMetrics {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": service}

	uploadsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "uploads_total",
			Help:        "Uploads that reached a terminal status.",
			ConstLabels: labels,
		},
		[]string{"status"},
	)
	uploadDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "upload_duration_seconds",
			Help:        "End-to-end upload duration by terminal status.",
			Buckets:     []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: labels,
		},
		[]string{"status"},
	)
	uploadsInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "client",
		Name:        "uploads_in_flight",
		Help:        "Uploads between start and a terminal status.",
		ConstLabels: labels,
	})
	bytesSent := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "client",
		Name:        "bytes_sent_total",
		Help:        "Bytes accepted by the transfer target.",
		ConstLabels: labels,
	})
	credentialRefreshes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "client",
		Name:        "credential_refreshes_total",
		Help:        "Credentials re-acquired after an authorization failure.",
		ConstLabels: labels,
	})
	pollAttempts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "client",
		Name:        "status_poll_attempts_total",
		Help:        "Status queries issued while waiting for ingestion.",
		ConstLabels: labels,
	})

	registry.MustRegister(uploadsTotal, uploadDuration, uploadsInFlight, bytesSent, credentialRefreshes, pollAttempts)

	return &ClientMetrics{
		registry:            registry,
		uploadsTotal:        uploadsTotal,
		uploadDuration:      uploadDuration,
		uploadsInFlight:     uploadsInFlight,
		bytesSent:           bytesSent,
		credentialRefreshes: credentialRefreshes,
		pollAttempts:        pollAttempts,
	}
}

func (m *ClientMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *ClientMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *ClientMetrics) UploadStarted() {
	m.uploadsInFlight.Inc()
}

func (m *ClientMetrics) UploadFinished(status domain.UploadStatus, elapsed time.Duration) {
	m.uploadsInFlight.Dec()
	m.uploadsTotal.WithLabelValues(string(status)).Inc()
	m.uploadDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

func (m *ClientMetrics) ChunkSent(bytes int) {
	if bytes > 0 {
		m.bytesSent.Add(float64(bytes))
	}
}

func (m *ClientMetrics) CredentialRefreshed() {
	m.credentialRefreshes.Inc()
}

func (m *ClientMetrics) PollAttempt() {
	m.pollAttempts.Inc()
}
