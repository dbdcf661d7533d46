package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordActivityCreate("project1")
	m.RecordActivityTransition("project1", "step", "completed")
	m.RecordActivityCompletion("project1")
	m.RecordActivityConflict("project1")
	m.RecordIllegalTransition("project1")
	m.RecordStoreOperation("update", time.Millisecond)
	m.RecordDeadlineStatus("on_time")
	m.RecordStatusCacheHit()
	m.RecordStatusCacheMiss()
	m.RecordApprovalTokenIssued("weekly")
	m.RecordApprovalTokenRedeemed("approved")
	m.RecordCatalogReload("success")
	m.SetCatalogStepsLoaded("project1", 9)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"acadflow_http_requests_total",
		"acadflow_http_request_duration_seconds",
		"acadflow_http_request_size_bytes",
		"acadflow_http_response_size_bytes",
		"acadflow_activity_creates_total",
		"acadflow_activity_transitions_total",
		"acadflow_activity_completions_total",
		"acadflow_activity_conflicts_total",
		"acadflow_illegal_transitions_total",
		"acadflow_store_operation_duration_seconds",
		"acadflow_deadline_status_total",
		"acadflow_status_cache_hits_total",
		"acadflow_status_cache_misses_total",
		"acadflow_approval_tokens_issued_total",
		"acadflow_approval_tokens_redeemed_total",
		"acadflow_catalog_reload_total",
		"acadflow_catalog_steps_loaded",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestMetrics_nilIsNoop(t *testing.T) {
	var m *Metrics
	// None of these may panic.
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond, 0, 0)
	m.RecordActivityCreate("internship")
	m.RecordActivityTransition("internship", "overall", "blocked")
	m.RecordActivityCompletion("internship")
	m.RecordActivityConflict("internship")
	m.RecordIllegalTransition("internship")
	m.RecordStoreOperation("get", time.Millisecond)
	m.RecordDeadlineStatus("locked")
	m.RecordStatusCacheHit()
	m.RecordStatusCacheMiss()
	m.RecordApprovalTokenIssued("single")
	m.RecordApprovalTokenRedeemed("expired")
	m.RecordCatalogReload("failure")
	m.SetCatalogStepsLoaded("internship", 1)
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/activities/{activityId}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/activities/{activityId}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/activities/{activityId}/advance", 409, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/activities/{activityId}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/activities/{activityId}/advance", "409"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordActivityTransition(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordActivityTransition("project2", "step", "in_progress")
	m.RecordActivityTransition("project2", "step", "in_progress")
	m.RecordActivityTransition("project2", "reopen", "in_progress")

	step := testutil.ToFloat64(m.ActivityTransitionsTotal.WithLabelValues("project2", "step", "in_progress"))
	if step != 2 {
		t.Errorf("step transitions = %v, want 2", step)
	}
	reopen := testutil.ToFloat64(m.ActivityTransitionsTotal.WithLabelValues("project2", "reopen", "in_progress"))
	if reopen != 1 {
		t.Errorf("reopen transitions = %v, want 1", reopen)
	}
}

func TestRecordStoreOperation(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStoreOperation("update", 3*time.Millisecond)

	if count := testutil.CollectAndCount(m.StoreOperationDuration); count == 0 {
		t.Error("expected store operation histogram to have observations")
	}
}

func TestRecordStatusCache(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStatusCacheHit()
	m.RecordStatusCacheHit()
	m.RecordStatusCacheMiss()

	if hits := testutil.ToFloat64(m.StatusCacheHitsTotal); hits != 2 {
		t.Errorf("cache hits = %v, want 2", hits)
	}
	if misses := testutil.ToFloat64(m.StatusCacheMissesTotal); misses != 1 {
		t.Errorf("cache misses = %v, want 1", misses)
	}
}

func TestRecordApprovalTokens(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordApprovalTokenIssued("monthly")
	m.RecordApprovalTokenRedeemed("approved")
	m.RecordApprovalTokenRedeemed("already_used")
	m.RecordApprovalTokenRedeemed("already_used")

	if v := testutil.ToFloat64(m.ApprovalTokensIssuedTotal.WithLabelValues("monthly")); v != 1 {
		t.Errorf("issued = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ApprovalTokensRedeemedTotal.WithLabelValues("already_used")); v != 2 {
		t.Errorf("already_used = %v, want 2", v)
	}
}

func TestCatalogMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCatalogReload("success")
	m.SetCatalogStepsLoaded("internship", 6)
	m.SetCatalogStepsLoaded("internship", 7)

	if v := testutil.ToFloat64(m.CatalogReloadTotal.WithLabelValues("success")); v != 1 {
		t.Errorf("reloads = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.CatalogStepsLoaded.WithLabelValues("internship")); v != 7 {
		t.Errorf("steps loaded = %v, want 7", v)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/activities/{activityId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/activities/act-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/activities/{activityId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
	if count := testutil.CollectAndCount(m.HTTPResponseSizeBytes); count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/approvals/{token}/redeem", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	req := httptest.NewRequest(http.MethodPost, "/approvals/abc/redeem", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/approvals/{token}/redeem", "410"))
	if val != 1 {
		t.Errorf("410 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordActivityCreate("project1")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `acadflow_activity_creates_total{workflow_type="project1"} 1`) {
		t.Errorf("metrics response missing activity counter:\n%s", rec.Body.String())
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":  httpDurationBuckets,
		"store": storeDurationBuckets,
		"body":  bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
