// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the acadflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/acadflow/internal/observability"
	"github.com/pitabwire/acadflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrIllegalTransition:  http.StatusConflict,
	model.ErrTokenExpired:       http.StatusGone,
	model.ErrTokenAlreadyUsed:   http.StatusConflict,
	model.ErrDependency:         http.StatusServiceUnavailable,
	model.ErrInternalError:      http.StatusInternalServerError,
}

// StatusForError returns the HTTP status an error is rendered with.
func StatusForError(err error) int {
	if status, ok := statusForCode[model.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that are not (and do not wrap) an *ErrorEnvelope
// are rendered as a generic 500 so internals never leak.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// writeRequestError is WriteError with the request's trace ID attached.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		if traceID := observability.TraceIDFromContext(r.Context()); traceID != "" && ee.TraceID == "" {
			cp := *ee
			cp.TraceID = traceID
			err = &cp
		}
	}
	WriteError(w, err)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
