package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/pitabwire/acadflow/model"
)

func TestSecurity_TokenRejections(t *testing.T) {
	h := NewTestHarness(t)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", h.GenerateExpiredToken(StudentClaims(studentID))},
		{"foreign secret", h.GenerateForeignToken(StudentClaims(studentID))},
		{"wrong audience", h.GenerateToken(TestClaims{
			SubjectID: studentID,
			Roles:     []string{"student"},
			Extra:     map[string]any{"aud": "another-service"},
		})},
		{"wrong issuer", h.GenerateToken(TestClaims{
			SubjectID: studentID,
			Roles:     []string{"student"},
			Extra:     map[string]any{"iss": "https://evil.example.com"},
		})},
		{"malformed", "eyJhbGciOiJIUzI1NiJ9.garbage.sig"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h.AssertError(t, h.GET("/me", tc.token), http.StatusUnauthorized, model.ErrUnauthorized)
		})
	}
}

func TestSecurity_MissingSubjectRejected(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(TestClaims{Roles: []string{"student"}})
	h.AssertStatus(t, h.GET("/me", token), http.StatusUnauthorized)
}

func TestSecurity_StudentsSeeOnlyTheirOwnActivity(t *testing.T) {
	h := NewTestHarness(t)
	staff := h.GenerateToken(StaffClaims())
	createActivity(t, h, staff, model.WorkflowInternship)

	own := h.GenerateToken(StudentClaims(studentID))
	other := h.GenerateToken(StudentClaims("6409999"))

	h.AssertStatus(t, h.GET("/activities/"+studentID+"/internship", own), http.StatusOK)
	h.AssertError(t, h.GET("/activities/"+studentID+"/internship", other), http.StatusForbidden, model.ErrForbidden)
	h.AssertError(t, h.GET("/activities/"+studentID+"/internship/history", other), http.StatusForbidden, model.ErrForbidden)
	h.AssertError(t, h.POST("/activities/"+studentID+"/internship/advance",
		map[string]any{"status": "in_progress"}, other), http.StatusForbidden, model.ErrForbidden)

	// The rejected attempt must not have moved the activity.
	var view model.ActivityView
	h.AssertJSON(t, h.GET("/activities/"+studentID+"/internship", own), http.StatusOK, &view)
	if view.Activity.CurrentStepStatus != model.StepPending {
		t.Errorf("step status = %q, want pending", view.Activity.CurrentStepStatus)
	}
}

func TestSecurity_RoleCapabilities(t *testing.T) {
	h := NewTestHarness(t)
	stu := h.GenerateToken(StudentClaims(studentID))
	advisor := h.GenerateToken(AdvisorClaims())

	deadlineBody := map[string]any{"deadline_type": "ANNOUNCEMENT", "title": "Orientation"}
	mappingBody := map[string]any{
		"deadline_id": "dl-x", "workflow_type": "project1",
		"step_key": "topic_submission", "auto_assign": "on_submit",
	}

	tests := []struct {
		name  string
		token string
		do    func(token string) *http.Response
	}{
		{"student creates activity", stu, func(tok string) *http.Response {
			return h.POST("/activities", map[string]any{"student_id": studentID, "workflow_type": "project1"}, tok)
		}},
		{"student lists activities", stu, func(tok string) *http.Response { return h.GET("/activities", tok) }},
		{"student writes deadline", stu, func(tok string) *http.Response { return h.PUT("/deadlines/dl-x", deadlineBody, tok) }},
		{"advisor writes deadline", advisor, func(tok string) *http.Response { return h.PUT("/deadlines/dl-x", deadlineBody, tok) }},
		{"advisor writes mapping", advisor, func(tok string) *http.Response { return h.POST("/deadline-mappings", mappingBody, tok) }},
		{"student issues approval", stu, func(tok string) *http.Response {
			return h.POST("/approval-tokens", map[string]any{"subject_ref": "x", "approver_ref": "y", "kind": "single"}, tok)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h.AssertError(t, tc.do(tc.token), http.StatusForbidden, model.ErrForbidden)
		})
	}
}

func TestSecurity_ApprovalLinkDoesNotLeakToken(t *testing.T) {
	h := NewTestHarness(t)
	advisor := h.GenerateToken(AdvisorClaims())

	var issued model.IssuedToken
	h.AssertJSON(t, h.POST("/approval-tokens", map[string]any{
		"subject_ref": "evaluation:9", "approver_ref": "mentor@company.example", "kind": "supervisor_evaluation",
	}, advisor), http.StatusCreated, &issued)

	body := string(h.ReadBody(h.GET("/approvals/"+issued.Token, "")))
	if strings.Contains(body, issued.Token) {
		t.Error("inspect response must not echo the bearer token")
	}
	if strings.Contains(body, "approver_ref") {
		t.Error("inspect response must not expose the approver reference")
	}

	// A guessed token never resolves.
	h.AssertError(t, h.GET("/approvals/"+strings.Repeat("A", len(issued.Token)), ""), http.StatusNotFound, model.ErrNotFound)
}

func TestSecurity_ResponseHeaders(t *testing.T) {
	h := NewTestHarness(t)
	resp := h.GET("/health", "")
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if resp.Header.Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id should be set on every response")
	}
}

func TestSecurity_CorrelationIDPropagated(t *testing.T) {
	h := NewTestHarness(t)
	resp := h.GETWithHeaders("/health", "", map[string]string{"X-Correlation-Id": "trace-me-123"})
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-Id"); got != "trace-me-123" {
		t.Errorf("X-Correlation-Id = %q, want trace-me-123", got)
	}
}
