package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/acadflow/internal/observability"
	"github.com/pitabwire/acadflow/internal/workflow"
	"github.com/pitabwire/acadflow/model"
)

type createActivityRequest struct {
	StudentID    string         `json:"student_id"`
	WorkflowType string         `json:"workflow_type"`
	Payload      map[string]any `json:"data_payload"`
}

type advanceRequest struct {
	Status          string         `json:"status"`
	Note            string         `json:"note"`
	DocumentSubtype string         `json:"document_subtype"`
	Payload         map[string]any `json:"data_payload"`
}

type overallRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

type reopenRequest struct {
	StepKey string `json:"step_key"`
	Note    string `json:"note"`
}

func (a *api) handleCreateActivity(w http.ResponseWriter, r *http.Request) {
	var body createActivityRequest
	if err := decodeJSON(r, &body); err != nil {
		writeRequestError(w, r, err)
		return
	}

	view, err := a.deps.Engine.CreateActivity(r.Context(), model.RequestContextFrom(r.Context()),
		body.StudentID, model.WorkflowType(body.WorkflowType), body.Payload)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, view)
}

func (a *api) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	studentID, wt := activityKey(r)
	view, err := a.deps.Engine.GetActivity(r.Context(), model.RequestContextFrom(r.Context()), studentID, wt)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (a *api) handleAdvance(w http.ResponseWriter, r *http.Request) {
	studentID, wt := activityKey(r)

	var body advanceRequest
	if err := decodeJSON(r, &body); err != nil {
		writeRequestError(w, r, err)
		return
	}
	if body.Payload != nil {
		observability.RequestLogger(r.Context(), a.logger).Debug("advance payload",
			zap.String("student_id", studentID),
			zap.Any("data_payload", observability.RedactBody(body.Payload, nil)),
		)
	}

	var opts []workflow.AdvanceOption
	if body.DocumentSubtype != "" {
		opts = append(opts, workflow.WithDocumentSubtype(body.DocumentSubtype))
	}
	if body.Payload != nil {
		opts = append(opts, workflow.WithPayload(body.Payload))
	}

	view, err := a.deps.Engine.AdvanceStep(r.Context(), model.RequestContextFrom(r.Context()),
		studentID, wt, model.StepStatus(body.Status), body.Note, opts...)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (a *api) handleSetOverall(w http.ResponseWriter, r *http.Request) {
	studentID, wt := activityKey(r)

	var body overallRequest
	if err := decodeJSON(r, &body); err != nil {
		writeRequestError(w, r, err)
		return
	}

	view, err := a.deps.Engine.SetOverallStatus(r.Context(), model.RequestContextFrom(r.Context()),
		studentID, wt, model.OverallStatus(body.Status), body.Note)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (a *api) handleReopen(w http.ResponseWriter, r *http.Request) {
	studentID, wt := activityKey(r)

	var body reopenRequest
	if err := decodeJSON(r, &body); err != nil {
		writeRequestError(w, r, err)
		return
	}

	view, err := a.deps.Engine.Reopen(r.Context(), model.RequestContextFrom(r.Context()),
		studentID, wt, body.StepKey, body.Note)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	studentID, wt := activityKey(r)
	events, err := a.deps.Engine.History(r.Context(), model.RequestContextFrom(r.Context()), studentID, wt)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": events})
}

func (a *api) handleProgress(w http.ResponseWriter, r *http.Request) {
	studentID, wt := activityKey(r)
	at, err := a.queryTime(r, "at")
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	entries, err := a.deps.Engine.Describe(r.Context(), model.RequestContextFrom(r.Context()), studentID, wt, at)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": entries, "at": at})
}

func (a *api) handleListActivities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := workflow.ActivityFilters{
		WorkflowType:  model.WorkflowType(q.Get("workflow_type")),
		OverallStatus: model.OverallStatus(q.Get("overall_status")),
		StepKey:       q.Get("step_key"),
		Limit:         queryInt(r, "limit", 50),
		Offset:        queryInt(r, "offset", 0),
	}
	if filters.OverallStatus != "" {
		if _, err := model.ParseOverallStatus(string(filters.OverallStatus)); err != nil {
			writeRequestError(w, r, err)
			return
		}
	}

	activities, err := a.deps.Engine.ListActivities(r.Context(), model.RequestContextFrom(r.Context()), filters)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data":   activities,
		"limit":  filters.Limit,
		"offset": filters.Offset,
	})
}

// --- helpers ---

func activityKey(r *http.Request) (string, model.WorkflowType) {
	return chi.URLParam(r, "studentId"), model.WorkflowType(chi.URLParam(r, "workflowType"))
}

// decodeJSON decodes the request body into v. An empty body leaves v at its
// zero value.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case errors.As(err, &tooLarge):
		return model.NewBadRequestError("request body too large")
	default:
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
}

// queryTime parses an RFC 3339 query parameter, defaulting to now.
func (a *api) queryTime(r *http.Request, key string) (time.Time, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return a.now(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, model.NewFieldValidationError(key, "INVALID_FORMAT", key+" must be an RFC 3339 timestamp")
	}
	return t.UTC(), nil
}

// queryInt extracts an integer query param with a default.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func sortedStrings(in []string) []string {
	sort.Strings(in)
	return in
}
