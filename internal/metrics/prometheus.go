// Package metrics provides Prometheus metrics for the object store.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "objectstore"

// Metrics holds all Prometheus metrics.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge
	responseSize     *prometheus.HistogramVec

	tierOperations      *prometheus.CounterVec
	tierDuration        *prometheus.HistogramVec
	tierSizeBytes       *prometheus.GaugeVec
	tierEntries         *prometheus.GaugeVec
	tierEvictions       *prometheus.CounterVec
	promotionsTotal     *prometheus.CounterVec
	integrityViolations prometheus.Counter

	indexDuration   *prometheus.HistogramVec
	ledgerDecisions *prometheus.CounterVec
	uploadedBytes   prometheus.Counter

	workerQueueDepth *prometheus.GaugeVec
	diskUsagePercent *prometheus.GaugeVec

	healthStatus prometheus.Gauge
	healthChecks *prometheus.GaugeVec
}

// NewMetrics creates Prometheus metrics registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	latencyBuckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	return &Metrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   latencyBuckets,
			},
			[]string{"method", "route", "status"},
		),
		requestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),
		responseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   prometheus.ExponentialBuckets(128, 4, 10),
			},
			[]string{"method", "route"},
		),
		tierOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "tier_operations_total",
				Help:      "Tier operations by tier, operation and result",
			},
			[]string{"tier", "op", "result"},
		),
		tierDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "tier_operation_duration_seconds",
				Help:      "Tier operation latency in seconds",
				Buckets:   latencyBuckets,
			},
			[]string{"tier", "op"},
		),
		tierSizeBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "tier_size_bytes",
				Help:      "Bytes currently held by a cache tier",
			},
			[]string{"tier"},
		),
		tierEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "tier_entries",
				Help:      "Entries currently held by a cache tier",
			},
			[]string{"tier"},
		),
		tierEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "tier_evictions_total",
				Help:      "Entries evicted from a cache tier",
			},
			[]string{"tier"},
		),
		promotionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "promotions_total",
				Help:      "Asynchronous promotions by target tier and result",
			},
			[]string{"tier", "result"},
		),
		integrityViolations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "integrity_violations_total",
				Help:      "Checksum mismatches detected in the durable tier",
			},
		),
		indexDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "operation_duration_seconds",
				Help:      "Object index operation latency in seconds",
				Buckets:   latencyBuckets,
			},
			[]string{"op"},
		),
		ledgerDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "decisions_total",
				Help:      "Quota reservations by result",
			},
			[]string{"result"},
		),
		uploadedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploaded_bytes_total",
				Help:      "Bytes accepted by successful uploads",
			},
		),
		workerQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_depth",
				Help:      "Tasks waiting in a worker pool queue",
			},
			[]string{"pool"},
		),
		diskUsagePercent: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "disk_usage_percent",
				Help:      "Filesystem usage of a data directory",
			},
			[]string{"path"},
		),
		healthStatus: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_status",
				Help:      "Aggregated health (2 = healthy, 1 = degraded, 0 = unhealthy)",
			},
		),
		healthChecks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_check_passing",
				Help:      "Per-subsystem probe result (1 = passing)",
			},
			[]string{"check"},
		),
	}
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.requestsTotal.WithLabelValues(method, route, status).Inc()
	m.requestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// RecordResponseSize records the response size.
func (m *Metrics) RecordResponseSize(method, route string, size int) {
	m.responseSize.WithLabelValues(method, route).Observe(float64(size))
}

// RecordTierOperation records a tier operation and its latency.
func (m *Metrics) RecordTierOperation(tier, op, result string, duration time.Duration) {
	m.tierOperations.WithLabelValues(tier, op, result).Inc()
	m.tierDuration.WithLabelValues(tier, op).Observe(duration.Seconds())
}

// SetTierUsage publishes a cache tier's current footprint.
func (m *Metrics) SetTierUsage(tier string, sizeBytes int64, entries int) {
	m.tierSizeBytes.WithLabelValues(tier).Set(float64(sizeBytes))
	m.tierEntries.WithLabelValues(tier).Set(float64(entries))
}

// RecordEviction counts an LRU eviction.
func (m *Metrics) RecordEviction(tier string) {
	m.tierEvictions.WithLabelValues(tier).Inc()
}

// RecordPromotion counts a promotion attempt into tier.
func (m *Metrics) RecordPromotion(tier, result string) {
	m.promotionsTotal.WithLabelValues(tier, result).Inc()
}

// RecordIntegrityViolation counts a durable tier checksum mismatch.
func (m *Metrics) RecordIntegrityViolation() {
	m.integrityViolations.Inc()
}

// RecordIndexOperation records index latency.
func (m *Metrics) RecordIndexOperation(op string, duration time.Duration) {
	m.indexDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordLedgerDecision counts a reservation outcome.
func (m *Metrics) RecordLedgerDecision(result string) {
	m.ledgerDecisions.WithLabelValues(result).Inc()
}

// AddUploadedBytes accumulates accepted upload volume.
func (m *Metrics) AddUploadedBytes(n int64) {
	m.uploadedBytes.Add(float64(n))
}

// SetWorkerQueueDepth publishes a pool's backlog.
func (m *Metrics) SetWorkerQueueDepth(pool string, depth int) {
	m.workerQueueDepth.WithLabelValues(pool).Set(float64(depth))
}

// SetDiskUsage publishes the usage fraction of a data directory.
func (m *Metrics) SetDiskUsage(path string, percent float64) {
	m.diskUsagePercent.WithLabelValues(path).Set(percent)
}

// SetHealthStatus sets the aggregated health level.
func (m *Metrics) SetHealthStatus(level float64) {
	m.healthStatus.Set(level)
}

// SetHealthCheck records a single probe result.
func (m *Metrics) SetHealthCheck(check string, passing bool) {
	if passing {
		m.healthChecks.WithLabelValues(check).Set(1)
	} else {
		m.healthChecks.WithLabelValues(check).Set(0)
	}
}

// MetricsServer provides a separate HTTP server for Prometheus metrics.
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a new metrics server. gatherer may be nil to use the
// default registry.
func NewMetricsServer(port int, path string, gatherer prometheus.Gatherer, logger *zap.Logger) *MetricsServer {
	handler := promhttp.Handler()
	if gatherer != nil {
		handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	mux := http.NewServeMux()
	mux.Handle(path, handler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start starts the metrics server.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("starting metrics server", zap.String("addr", ms.server.Addr))
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// MetricsMiddleware creates middleware that records HTTP metrics. Routes are
// labelled by their mux path template to bound cardinality.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.requestsInFlight.Inc()
			defer m.requestsInFlight.Dec()

			start := time.Now()
			rw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if cr := mux.CurrentRoute(r); cr != nil {
				if tmpl, err := cr.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			m.RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
			m.RecordResponseSize(r.Method, route, rw.size)
		})
	}
}

// metricsResponseWriter wraps http.ResponseWriter to capture metrics.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

// WriteHeader captures the status code.
func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size.
func (rw *metricsResponseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}
