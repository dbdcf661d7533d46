package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/acadflow/internal/capability"
	"github.com/pitabwire/acadflow/model"
)

// deadlineStatusRequest describes the submission to evaluate. An omitted
// "at" evaluates at the server clock.
type deadlineStatusRequest struct {
	Submitted   bool       `json:"submitted"`
	Late        bool       `json:"late"`
	SubmittedAt *time.Time `json:"submitted_at"`
	At          *time.Time `json:"at"`
}

func (a *api) handleListDeadlines(w http.ResponseWriter, r *http.Request) {
	if err := capability.Authorize(a.deps.CapabilityResolver, model.RequestContextFrom(r.Context()), model.CapDeadlineEvaluate, ""); err != nil {
		writeRequestError(w, r, err)
		return
	}
	deadlines, err := a.deps.Deadlines.List(r.Context())
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": deadlines})
}

func (a *api) handlePutDeadline(w http.ResponseWriter, r *http.Request) {
	if err := capability.Authorize(a.deps.CapabilityResolver, model.RequestContextFrom(r.Context()), model.CapDeadlineWrite, ""); err != nil {
		writeRequestError(w, r, err)
		return
	}

	var d model.Deadline
	if err := decodeJSON(r, &d); err != nil {
		writeRequestError(w, r, err)
		return
	}
	d.ID = chi.URLParam(r, "deadlineId")

	stored, err := a.deps.Deadlines.Put(r.Context(), d)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, stored)
}

func (a *api) handleDeadlineStatus(w http.ResponseWriter, r *http.Request) {
	if err := capability.Authorize(a.deps.CapabilityResolver, model.RequestContextFrom(r.Context()), model.CapDeadlineEvaluate, ""); err != nil {
		writeRequestError(w, r, err)
		return
	}

	var body deadlineStatusRequest
	if err := decodeJSON(r, &body); err != nil {
		writeRequestError(w, r, err)
		return
	}
	now := a.now()
	if body.At != nil {
		now = body.At.UTC()
	}
	fact := model.SubmissionFact{
		Submitted:   body.Submitted || body.SubmittedAt != nil,
		Late:        body.Late,
		SubmittedAt: body.SubmittedAt,
	}

	res, err := a.deps.Deadlines.ComputeDeadlineStatus(r.Context(), chi.URLParam(r, "deadlineId"), fact, now)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (a *api) handlePutMapping(w http.ResponseWriter, r *http.Request) {
	if err := capability.Authorize(a.deps.CapabilityResolver, model.RequestContextFrom(r.Context()), model.CapMappingWrite, ""); err != nil {
		writeRequestError(w, r, err)
		return
	}

	var m model.DeadlineWorkflowMapping
	if err := decodeJSON(r, &m); err != nil {
		writeRequestError(w, r, err)
		return
	}
	if m.DeadlineID != "" {
		// Mappings must point at a stored deadline.
		if _, err := a.deps.Deadlines.Get(r.Context(), m.DeadlineID); err != nil {
			writeRequestError(w, r, err)
			return
		}
	}

	stored, err := a.deps.Mappings.Put(r.Context(), m)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, stored)
}
