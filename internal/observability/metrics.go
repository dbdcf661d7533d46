package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for acadflow. A nil
// *Metrics is valid and records nothing, so library callers and tests can
// leave it unset.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Activity metrics
	ActivityCreatesTotal     *prometheus.CounterVec
	ActivityTransitionsTotal *prometheus.CounterVec
	ActivityCompletionsTotal *prometheus.CounterVec
	ActivityConflictsTotal   *prometheus.CounterVec
	IllegalTransitionsTotal  *prometheus.CounterVec
	StoreOperationDuration   *prometheus.HistogramVec

	// Deadline metrics
	DeadlineStatusTotal    *prometheus.CounterVec
	StatusCacheHitsTotal   prometheus.Counter
	StatusCacheMissesTotal prometheus.Counter

	// Approval token metrics
	ApprovalTokensIssuedTotal   *prometheus.CounterVec
	ApprovalTokensRedeemedTotal *prometheus.CounterVec

	// Catalog metrics
	CatalogReloadTotal *prometheus.CounterVec
	CatalogStepsLoaded *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acadflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "acadflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "acadflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "acadflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Activities
		ActivityCreatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acadflow_activity_creates_total",
			Help: "Total number of workflow activities created.",
		}, []string{"workflow_type"}),
		ActivityTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acadflow_activity_transitions_total",
			Help: "Total number of accepted activity transitions.",
		}, []string{"workflow_type", "kind", "to"}),
		ActivityCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acadflow_activity_completions_total",
			Help: "Total number of activities that reached the end of their catalog.",
		}, []string{"workflow_type"}),
		ActivityConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acadflow_activity_conflicts_total",
			Help: "Total number of transitions rejected by optimistic locking.",
		}, []string{"workflow_type"}),
		IllegalTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acadflow_illegal_transitions_total",
			Help: "Total number of rejected illegal transitions.",
		}, []string{"workflow_type"}),
		StoreOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "acadflow_store_operation_duration_seconds",
			Help:    "Activity store operation duration in seconds.",
			Buckets: storeDurationBuckets,
		}, []string{"operation"}),

		// Deadlines
		DeadlineStatusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acadflow_deadline_status_total",
			Help: "Total number of deadline status computations by result.",
		}, []string{"status"}),
		StatusCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acadflow_status_cache_hits_total",
			Help: "Total deadline status cache hits.",
		}),
		StatusCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acadflow_status_cache_misses_total",
			Help: "Total deadline status cache misses.",
		}),

		// Approval tokens
		ApprovalTokensIssuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acadflow_approval_tokens_issued_total",
			Help: "Total number of approval tokens issued.",
		}, []string{"kind"}),
		ApprovalTokensRedeemedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acadflow_approval_tokens_redeemed_total",
			Help: "Total number of approval token redemption attempts by outcome.",
		}, []string{"outcome"}),

		// Catalog
		CatalogReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acadflow_catalog_reload_total",
			Help: "Total step catalog loads.",
		}, []string{"status"}),
		CatalogStepsLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "acadflow_catalog_steps_loaded",
			Help: "Number of canonical steps loaded per workflow type.",
		}, []string{"workflow_type"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Activities
		m.ActivityCreatesTotal,
		m.ActivityTransitionsTotal,
		m.ActivityCompletionsTotal,
		m.ActivityConflictsTotal,
		m.IllegalTransitionsTotal,
		m.StoreOperationDuration,
		// Deadlines
		m.DeadlineStatusTotal,
		m.StatusCacheHitsTotal,
		m.StatusCacheMissesTotal,
		// Approval tokens
		m.ApprovalTokensIssuedTotal,
		m.ApprovalTokensRedeemedTotal,
		// Catalog
		m.CatalogReloadTotal,
		m.CatalogStepsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordActivityCreate records a new activity.
func (m *Metrics) RecordActivityCreate(workflowType string) {
	if m == nil {
		return
	}
	m.ActivityCreatesTotal.WithLabelValues(workflowType).Inc()
}

// RecordActivityTransition records an accepted transition. kind is "step",
// "overall" or "reopen"; to is the resulting status.
func (m *Metrics) RecordActivityTransition(workflowType, kind, to string) {
	if m == nil {
		return
	}
	m.ActivityTransitionsTotal.WithLabelValues(workflowType, kind, to).Inc()
}

// RecordActivityCompletion records an activity completing its catalog.
func (m *Metrics) RecordActivityCompletion(workflowType string) {
	if m == nil {
		return
	}
	m.ActivityCompletionsTotal.WithLabelValues(workflowType).Inc()
}

// RecordActivityConflict records a transition lost to a concurrent writer.
func (m *Metrics) RecordActivityConflict(workflowType string) {
	if m == nil {
		return
	}
	m.ActivityConflictsTotal.WithLabelValues(workflowType).Inc()
}

// RecordIllegalTransition records a rejected illegal transition.
func (m *Metrics) RecordIllegalTransition(workflowType string) {
	if m == nil {
		return
	}
	m.IllegalTransitionsTotal.WithLabelValues(workflowType).Inc()
}

// RecordStoreOperation records the duration of an activity store call.
func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDeadlineStatus records a computed deadline status.
func (m *Metrics) RecordDeadlineStatus(status string) {
	if m == nil {
		return
	}
	m.DeadlineStatusTotal.WithLabelValues(status).Inc()
}

// RecordStatusCacheHit records a deadline status cache hit.
func (m *Metrics) RecordStatusCacheHit() {
	if m == nil {
		return
	}
	m.StatusCacheHitsTotal.Inc()
}

// RecordStatusCacheMiss records a deadline status cache miss.
func (m *Metrics) RecordStatusCacheMiss() {
	if m == nil {
		return
	}
	m.StatusCacheMissesTotal.Inc()
}

// RecordApprovalTokenIssued records an issued approval token.
func (m *Metrics) RecordApprovalTokenIssued(kind string) {
	if m == nil {
		return
	}
	m.ApprovalTokensIssuedTotal.WithLabelValues(kind).Inc()
}

// RecordApprovalTokenRedeemed records a redemption attempt. outcome is the
// resulting token status or the error code that rejected it.
func (m *Metrics) RecordApprovalTokenRedeemed(outcome string) {
	if m == nil {
		return
	}
	m.ApprovalTokensRedeemedTotal.WithLabelValues(outcome).Inc()
}

// RecordCatalogReload records a catalog load attempt.
func (m *Metrics) RecordCatalogReload(status string) {
	if m == nil {
		return
	}
	m.CatalogReloadTotal.WithLabelValues(status).Inc()
}

// SetCatalogStepsLoaded sets the number of canonical steps for a workflow type.
func (m *Metrics) SetCatalogStepsLoaded(workflowType string, count int) {
	if m == nil {
		return
	}
	m.CatalogStepsLoaded.WithLabelValues(workflowType).Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
