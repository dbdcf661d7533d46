// Package integration provides a reusable test harness for end-to-end
// integration testing of the acadflow server. It starts a full HTTP server
// over in-memory stores, a Redis status cache backed by miniredis, an event
// recorder, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/acadflow/internal/approval"
	"github.com/pitabwire/acadflow/internal/capability"
	"github.com/pitabwire/acadflow/internal/catalog"
	"github.com/pitabwire/acadflow/internal/config"
	"github.com/pitabwire/acadflow/internal/deadline"
	"github.com/pitabwire/acadflow/internal/idempotency"
	"github.com/pitabwire/acadflow/internal/mapping"
	"github.com/pitabwire/acadflow/internal/notify"
	"github.com/pitabwire/acadflow/internal/observability"
	"github.com/pitabwire/acadflow/internal/transport"
	"github.com/pitabwire/acadflow/internal/workflow"
	"github.com/pitabwire/acadflow/model"
)

// Base is the harness clock's starting instant.
var Base = time.Date(2025, 8, 29, 8, 0, 0, 0, time.UTC)

// Clock is a settable time source shared by every component in the harness.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// Now returns the current harness time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// TestHarness encapsulates a fully wired acadflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Clock         *Clock
	Catalog       *catalog.Registry
	Activities    *workflow.MemoryActivityStore
	Engine        *workflow.Engine
	DeadlineStore *deadline.MemoryStore
	Deadlines     *deadline.Service
	Mappings      *mapping.MemoryStore
	Approvals     *approval.Service
	Events        *notify.Recorder
	Redis         *miniredis.Miniredis
	Registry      *prometheus.Registry
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	catalogDirs    []string
	policyFile     string
	handlerTimeout time.Duration
	deadlines      []model.Deadline
	mappings       []model.DeadlineWorkflowMapping
}

// WithCatalogDirs loads extra catalog directories on top of the builtin one.
func WithCatalogDirs(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.catalogDirs = dirs
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithDeadline seeds a deadline before the server starts.
func WithDeadline(d model.Deadline) HarnessOption {
	return func(c *harnessConfig) {
		c.deadlines = append(c.deadlines, d)
	}
}

// WithMapping seeds a deadline to step mapping before the server starts.
func WithMapping(m model.DeadlineWorkflowMapping) HarnessOption {
	return func(c *harnessConfig) {
		c.mappings = append(c.mappings, m)
	}
}

// NewTestHarness creates and starts a full acadflow test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()
	ctx := context.Background()

	hc := &harnessConfig{handlerTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:      t,
		issuer: newTokenIssuer(),
		Clock:  &Clock{t: Base},
		Events: &notify.Recorder{},
	}
	logger := zap.NewNop()

	// Step 1: Load and validate the catalog.
	loader := catalog.NewLoader()
	files, err := loader.LoadBuiltin()
	if err != nil {
		t.Fatalf("load builtin catalog: %v", err)
	}
	if len(hc.catalogDirs) > 0 {
		extra, err := loader.LoadAll(hc.catalogDirs)
		if err != nil {
			t.Fatalf("load catalog dirs: %v", err)
		}
		files = append(files, extra...)
	}
	if verrs := catalog.NewValidator().Validate(files); len(verrs) > 0 {
		t.Fatalf("catalog invalid: %v", verrs)
	}
	h.Catalog = catalog.NewRegistry(files)

	// Step 2: Build capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	capResolver := capability.NewResolver(evaluator, 0) // no caching in tests

	// Step 3: Build in-memory stores and seed them.
	h.Activities = workflow.NewMemoryActivityStore()
	h.DeadlineStore = deadline.NewMemoryStore()
	h.Mappings = mapping.NewMemoryStore()
	for _, d := range hc.deadlines {
		if _, err := h.DeadlineStore.Put(ctx, d); err != nil {
			t.Fatalf("seed deadline %s: %v", d.ID, err)
		}
	}
	for _, m := range hc.mappings {
		if _, err := h.Mappings.Put(ctx, m); err != nil {
			t.Fatalf("seed mapping %s: %v", m.DeadlineID, err)
		}
	}

	// Step 4: Status cache on a throwaway Redis.
	h.Redis = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { rdb.Close() })

	// Step 5: Metrics on a private registry.
	h.Registry = prometheus.NewRegistry()
	metrics := observability.InitMetrics(h.Registry)

	// Step 6: Services.
	h.Deadlines = deadline.NewService(h.DeadlineStore,
		deadline.WithCache(deadline.NewRedisStatusCache(rdb), time.Minute),
		deadline.WithMetrics(metrics),
		deadline.WithLogger(logger),
	)
	h.Engine = workflow.NewEngine(h.Catalog, h.Activities,
		workflow.WithDeadlines(mapping.NewResolver(h.Mappings, h.Deadlines), h.Deadlines),
		workflow.WithCapabilities(capResolver),
		workflow.WithPublisher(h.Events),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
		workflow.WithClock(h.Clock.Now),
	)
	h.Approvals = approval.NewService(approval.NewMemoryStore(),
		approval.WithTTL(model.TokenWeekly, 7*24*time.Hour),
		approval.WithFallbackTTL(72*time.Hour),
		approval.WithCapabilities(capResolver),
		approval.WithPublisher(h.Events),
		approval.WithMetrics(metrics),
		approval.WithLogger(logger),
		approval.WithClock(h.Clock.Now),
	)

	// Step 7: Build config.
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.issuer,
		Audience:   h.issuer.audience,
		SecretEnv:  "ACADFLOW_IDENTITY_SECRET",
		Algorithms: []string{"HS256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"email":      "email",
			"roles":      "roles",
		},
	}

	// Step 8: Build router with full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, h.issuer.secret),
		CapabilityResolver: capResolver,
		Engine:             h.Engine,
		Catalog:            h.Catalog,
		Deadlines:          h.Deadlines,
		Mappings:           h.Mappings,
		Approvals:          h.Approvals,
		Idempotency:        idempotency.NewRedisStore(rdb),
		ReadyHandler: observability.HandleReady(observability.ReadinessChecks{
			CatalogLoaded: h.Catalog.Loaded,
			StatusCache: observability.CheckFunc(func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}),
		}),
		MetricsHandler: observability.Handler(h.Registry),
		Now:            h.Clock.Now,
	})

	// Step 9: Start test server.
	h.server = httptest.NewServer(metrics.MetricsMiddleware(router))
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT signed with a secret the server does not
// trust.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the error envelope code.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Default test claims ---

// StudentClaims returns TestClaims for the given student.
func StudentClaims(studentID string) TestClaims {
	return TestClaims{
		SubjectID: studentID,
		Email:     studentID + "@students.example.edu",
		Roles:     []string{"student"},
	}
}

// AdvisorClaims returns TestClaims for an advisor.
func AdvisorClaims() TestClaims {
	return TestClaims{
		SubjectID: "adv-1",
		Email:     "advisor@example.edu",
		Roles:     []string{"advisor"},
	}
}

// StaffClaims returns TestClaims for a registry officer.
func StaffClaims() TestClaims {
	return TestClaims{
		SubjectID: "staff-1",
		Email:     "registry@example.edu",
		Roles:     []string{"staff"},
	}
}

// --- Fixtures ---

// SubmissionDeadline returns a hard submission deadline at Base+offset.
func SubmissionDeadline(id string, offset time.Duration, graceMinutes int, lock bool) model.Deadline {
	at := Base.Add(offset)
	return model.Deadline{
		ID:                 id,
		Title:              fmt.Sprintf("Deadline %s", id),
		Type:               model.DeadlineSubmission,
		DeadlineAt:         &at,
		GracePeriodMinutes: graceMinutes,
		LockAfterDeadline:  lock,
		Timezone:           "UTC",
	}
}

// OnSubmit maps a deadline to a step with the on_submit trigger.
func OnSubmit(deadlineID string, wt model.WorkflowType, stepKey string) model.DeadlineWorkflowMapping {
	return model.DeadlineWorkflowMapping{
		DeadlineID:   deadlineID,
		WorkflowType: wt,
		StepKey:      stepKey,
		AutoAssign:   model.TriggerOnSubmit,
		Active:       true,
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
