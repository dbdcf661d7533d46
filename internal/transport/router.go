package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/acadflow/internal/approval"
	"github.com/pitabwire/acadflow/internal/catalog"
	"github.com/pitabwire/acadflow/internal/config"
	"github.com/pitabwire/acadflow/internal/deadline"
	"github.com/pitabwire/acadflow/internal/idempotency"
	"github.com/pitabwire/acadflow/internal/mapping"
	"github.com/pitabwire/acadflow/internal/observability"
	"github.com/pitabwire/acadflow/internal/workflow"
	"github.com/pitabwire/acadflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver

	Engine    *workflow.Engine
	Catalog   *catalog.Registry
	Deadlines *deadline.Service
	Mappings  mapping.Store
	Approvals *approval.Service

	// Idempotency enables X-Idempotency-Key replay on authenticated writes.
	Idempotency idempotency.Store

	HealthHandler  http.Handler
	ReadyHandler   http.Handler
	MetricsHandler http.Handler

	// Now overrides the clock used for "at" defaults in read endpoints.
	Now func() time.Time
}

// api bundles the handler dependencies.
type api struct {
	deps   Dependencies
	logger *zap.Logger
	now    func() time.Time
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the external approval
// endpoints bypass the authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	a := &api{deps: deps, logger: logger, now: deps.Now}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}

	r := chi.NewRouter()

	// Global middleware, applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(MaxBodySize(cfg.Server.MaxBodyBytes))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})

	r.Method(http.MethodGet, "/health", orDefault(deps.HealthHandler, observability.HandleHealth()))
	if deps.ReadyHandler != nil {
		r.Method(http.MethodGet, "/ready", deps.ReadyHandler)
	}
	if deps.MetricsHandler != nil {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.MetricsHandler)
	}

	// External approvers hold a bearer link, not an account.
	r.Group(func(r chi.Router) {
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/approvals/{token}", a.handleInspectApproval)
		r.Post("/approvals/{token}", a.handleRedeemApproval)
	})

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(cfg.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(Idempotency(deps.Idempotency, cfg.Idempotency.TTL, logger))

		r.Get("/me", a.handleMe)

		r.Post("/activities", a.handleCreateActivity)
		r.Get("/activities", a.handleListActivities)
		r.Route("/activities/{studentId}/{workflowType}", func(r chi.Router) {
			r.Get("/", a.handleGetActivity)
			r.Post("/advance", a.handleAdvance)
			r.Post("/overall", a.handleSetOverall)
			r.Post("/reopen", a.handleReopen)
			r.Get("/history", a.handleHistory)
			r.Get("/progress", a.handleProgress)
		})

		r.Get("/workflows", a.handleListWorkflows)
		r.Get("/workflows/{workflowType}/steps", a.handleListSteps)
		r.Get("/workflows/{workflowType}/steps/{stepKey}/display", a.handleStepDisplay)

		r.Get("/deadlines", a.handleListDeadlines)
		r.Put("/deadlines/{deadlineId}", a.handlePutDeadline)
		r.Post("/deadlines/{deadlineId}/status", a.handleDeadlineStatus)
		r.Post("/deadline-mappings", a.handlePutMapping)

		r.Post("/approval-tokens", a.handleIssueApproval)
		r.Post("/approval-tokens/{token}/use", a.handleMarkApprovalUsed)
	})

	return r
}

func orDefault(h, def http.Handler) http.Handler {
	if h != nil {
		return h
	}
	return def
}

func (a *api) handleMe(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	caps := CapabilitiesFrom(r.Context())
	list := make([]string, 0, len(caps))
	for c, ok := range caps {
		if ok {
			list = append(list, c)
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"subject_id":   rctx.SubjectID,
		"email":        rctx.Email,
		"roles":        rctx.Roles,
		"capabilities": sortedStrings(list),
	})
}
