package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/acadflow/internal/capability"
	"github.com/pitabwire/acadflow/model"
)

func (a *api) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if err := capability.Authorize(a.deps.CapabilityResolver, model.RequestContextFrom(r.Context()), model.CapCatalogRead, ""); err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data":     a.deps.Catalog.WorkflowTypes(),
		"checksum": a.deps.Catalog.Checksum(),
	})
}

func (a *api) handleListSteps(w http.ResponseWriter, r *http.Request) {
	if err := capability.Authorize(a.deps.CapabilityResolver, model.RequestContextFrom(r.Context()), model.CapCatalogRead, ""); err != nil {
		writeRequestError(w, r, err)
		return
	}
	wt, err := model.ParseWorkflowType(chi.URLParam(r, "workflowType"))
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": a.deps.Catalog.ListSteps(wt)})
}

func (a *api) handleStepDisplay(w http.ResponseWriter, r *http.Request) {
	at, err := a.queryTime(r, "at")
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	display, err := a.deps.Engine.ResolveStepDisplay(r.Context(), model.RequestContextFrom(r.Context()),
		model.WorkflowType(chi.URLParam(r, "workflowType")), chi.URLParam(r, "stepKey"), at)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, display)
}
