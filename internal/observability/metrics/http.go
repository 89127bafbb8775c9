package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docup"

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	initTotal         *prometheus.CounterVec
	finalizeTotal     *prometheus.CounterVec
	credentialsIssued *prometheus.CounterVec
	storageBytes      *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	initTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploads",
			Name:      "init_total",
			Help:      "INIT calls by result (created, collapsed).",
		},
		[]string{"service", "result"},
	)
	finalizeTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploads",
			Name:      "finalize_total",
			Help:      "FINALIZE calls by result (queued, rejected, error).",
		},
		[]string{"service", "result"},
	)
	credentialsIssued := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploads",
			Name:      "credentials_issued_total",
			Help:      "Total upload credentials minted.",
		},
		[]string{"service"},
	)
	storageBytes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "received_bytes_total",
			Help:      "Bytes accepted by resumable storage sessions.",
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		initTotal,
		finalizeTotal,
		credentialsIssued,
		storageBytes,
	)

	return &HTTPServerMetrics{
		registry:          registry,
		requestTotal:      requestTotal,
		requestDuration:   requestDuration,
		requestInFlight:   requestInFlight,
		initTotal:         initTotal,
		finalizeTotal:     finalizeTotal,
		credentialsIssued: credentialsIssued,
		storageBytes:      storageBytes,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath keeps ids out of metric labels.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/uploads/") && strings.HasSuffix(path, "/finalize"):
		return "/v1/uploads/{upload_id}/finalize"
	case strings.HasPrefix(path, "/v1/uploads/") && strings.HasSuffix(path, "/status"):
		return "/v1/uploads/{upload_id}/status"
	case path == "/v1/uploads/credentials":
		return path
	case strings.HasPrefix(path, "/v1/uploads/"):
		return "/v1/uploads/{upload_id}"
	case strings.HasPrefix(path, "/upload/storage/v1/sessions/"):
		return "/upload/storage/v1/sessions/{session_id}"
	case strings.HasPrefix(path, "/upload/storage/v1/b/"):
		return "/upload/storage/v1/b/{bucket}/o"
	default:
		return path
	}
}

func (m *HTTPServerMetrics) RecordInit(service string, created bool) {
	result := "collapsed"
	if created {
		result = "created"
	}
	m.initTotal.WithLabelValues(service, result).Inc()
}

func (m *HTTPServerMetrics) RecordFinalize(service, result string) {
	if result == "" {
		result = "unknown"
	}
	m.finalizeTotal.WithLabelValues(service, result).Inc()
}

func (m *HTTPServerMetrics) RecordCredentialIssued(service string) {
	m.credentialsIssued.WithLabelValues(service).Inc()
}

func (m *HTTPServerMetrics) RecordStorageBytes(service string, n int64) {
	if n <= 0 {
		return
	}
	m.storageBytes.WithLabelValues(service).Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
