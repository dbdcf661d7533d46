package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/acadflow/internal/capability"
	"github.com/pitabwire/acadflow/model"
)

type issueApprovalRequest struct {
	SubjectRef  string `json:"subject_ref"`
	ApproverRef string `json:"approver_ref"`
	Kind        string `json:"kind"`
	TTLSeconds  int64  `json:"ttl_seconds"`
}

func (a *api) handleIssueApproval(w http.ResponseWriter, r *http.Request) {
	var body issueApprovalRequest
	if err := decodeJSON(r, &body); err != nil {
		writeRequestError(w, r, err)
		return
	}
	if body.TTLSeconds < 0 {
		writeRequestError(w, r, model.NewFieldValidationError("ttl_seconds", "RANGE", "ttl_seconds must be >= 0"))
		return
	}

	issued, err := a.deps.Approvals.Issue(r.Context(), model.RequestContextFrom(r.Context()),
		body.SubjectRef, body.ApproverRef, model.TokenKind(body.Kind), time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, issued)
}

func (a *api) handleMarkApprovalUsed(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if err := capability.Authorize(a.deps.CapabilityResolver, rctx, model.CapApprovalIssue, ""); err != nil {
		writeRequestError(w, r, err)
		return
	}
	rec, err := a.deps.Approvals.MarkUsed(r.Context(), chi.URLParam(r, "token"), rctx.SubjectID)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// handleInspectApproval lets the holder of a link see what it approves
// before deciding.
func (a *api) handleInspectApproval(w http.ResponseWriter, r *http.Request) {
	view, err := a.deps.Approvals.Inspect(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (a *api) handleRedeemApproval(w http.ResponseWriter, r *http.Request) {
	var d model.Decision
	if err := decodeJSON(r, &d); err != nil {
		writeRequestError(w, r, err)
		return
	}
	rec, err := a.deps.Approvals.Redeem(r.Context(), chi.URLParam(r, "token"), d)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}
