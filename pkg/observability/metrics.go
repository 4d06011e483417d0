package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upload and sweep result labels
const (
	ResultSuccess     = "success"
	ResultRateLimited = "rate_limited"
	ResultInvalid     = "invalid"
	ResultStorage     = "storage_error"
	ResultMetadata    = "metadata_error"
	ResultError       = "error"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Upload pipeline
	UploadsTotal       *prometheus.CounterVec
	UploadDuration     prometheus.Histogram
	PurgedRecordsTotal prometheus.Counter
	PurgeFailuresTotal prometheus.Counter

	// Reconciliation
	OrphansDetected     prometheus.Gauge
	OrphanBytes         prometheus.Gauge
	SweepDeletionsTotal *prometheus.CounterVec
	SweepDuration       *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portrait_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portrait_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portrait_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),

		UploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portrait_uploads_total",
				Help: "Avatar uploads by result",
			},
			[]string{"result"},
		),
		UploadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "portrait_upload_duration_seconds",
				Help:    "End-to-end upload pipeline duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		PurgedRecordsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "portrait_purged_records_total",
				Help: "History records removed by retention",
			},
		),
		PurgeFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "portrait_purge_failures_total",
				Help: "Purged records whose object could not be deleted",
			},
		),

		OrphansDetected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "portrait_orphans_detected",
				Help: "Unreferenced objects found by the last analysis",
			},
		),
		OrphanBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "portrait_orphan_bytes",
				Help: "Reclaimable bytes found by the last analysis",
			},
		),
		SweepDeletionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portrait_sweep_deletions_total",
				Help: "Orphan deletions attempted by cleanup, by result",
			},
			[]string{"result"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portrait_sweep_duration_seconds",
				Help:    "Reconciliation run duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"mode"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.UploadsTotal,
		m.UploadDuration,
		m.PurgedRecordsTotal,
		m.PurgeFailuresTotal,
		m.OrphansDetected,
		m.OrphanBytes,
		m.SweepDeletionsTotal,
		m.SweepDuration,
	)

	return m
}

// RecordUpload counts an upload attempt and its duration
func (m *Metrics) RecordUpload(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(result).Inc()
	m.UploadDuration.Observe(d.Seconds())
}

// RecordPurge counts purged records and object deletes that failed
func (m *Metrics) RecordPurge(purged, failed int) {
	if m == nil {
		return
	}
	m.PurgedRecordsTotal.Add(float64(purged))
	m.PurgeFailuresTotal.Add(float64(failed))
}

// RecordAnalysis publishes the outcome of an orphan analysis
func (m *Metrics) RecordAnalysis(orphans int, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.OrphansDetected.Set(float64(orphans))
	m.OrphanBytes.Set(float64(bytes))
	m.SweepDuration.WithLabelValues("analyze").Observe(d.Seconds())
}

// RecordSweepDeletion counts one cleanup delete attempt
func (m *Metrics) RecordSweepDeletion(result string) {
	if m == nil {
		return
	}
	m.SweepDeletionsTotal.WithLabelValues(result).Inc()
}

// RecordCleanup observes a cleanup run's duration
func (m *Metrics) RecordCleanup(d time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.WithLabelValues("cleanup").Observe(d.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel returns the mux path template so user ids do not become labels
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// MetricsHandler serves the registry in the Prometheus text format
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
