package model

import (
	"fmt"
	"time"
)

// WorkflowType identifies one of the independent academic processes.
type WorkflowType string

// Workflow types. The set is closed: adding one requires a step catalog.
const (
	WorkflowInternship WorkflowType = "internship"
	WorkflowProject1   WorkflowType = "project1"
	WorkflowProject2   WorkflowType = "project2"
)

// WorkflowTypes lists every workflow type in display order.
var WorkflowTypes = []WorkflowType{WorkflowInternship, WorkflowProject1, WorkflowProject2}

// Valid reports whether t is a known workflow type.
func (t WorkflowType) Valid() bool {
	switch t {
	case WorkflowInternship, WorkflowProject1, WorkflowProject2:
		return true
	}
	return false
}

// ParseWorkflowType converts a raw string into a WorkflowType.
func ParseWorkflowType(s string) (WorkflowType, error) {
	t := WorkflowType(s)
	if !t.Valid() {
		return "", NewFieldValidationError("workflow_type", "INVALID_ENUM",
			fmt.Sprintf("unknown workflow type %q", s))
	}
	return t, nil
}

// StepStatus is the status of the activity's current step.
type StepStatus string

// Step statuses.
const (
	StepPending               StepStatus = "pending"
	StepInProgress            StepStatus = "in_progress"
	StepAwaitingStudentAction StepStatus = "awaiting_student_action"
	StepAwaitingAdminAction   StepStatus = "awaiting_admin_action"
	StepCompleted             StepStatus = "completed"
	StepRejected              StepStatus = "rejected"
	StepSkipped               StepStatus = "skipped"
	StepBlocked               StepStatus = "blocked"
	StepCancelled             StepStatus = "cancelled"
)

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepInProgress, StepAwaitingStudentAction, StepAwaitingAdminAction,
		StepCompleted, StepRejected, StepSkipped, StepBlocked, StepCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepSkipped || s == StepCancelled
}

// ParseStepStatus converts a raw string into a StepStatus.
func ParseStepStatus(s string) (StepStatus, error) {
	st := StepStatus(s)
	if !st.Valid() {
		return "", NewFieldValidationError("status", "INVALID_ENUM",
			fmt.Sprintf("unknown step status %q", s))
	}
	return st, nil
}

// OverallStatus is the status of the workflow as a whole.
type OverallStatus string

// Overall workflow statuses.
const (
	OverallNotStarted OverallStatus = "not_started"
	OverallEligible   OverallStatus = "eligible"
	OverallEnrolled   OverallStatus = "enrolled"
	OverallInProgress OverallStatus = "in_progress"
	OverallCompleted  OverallStatus = "completed"
	OverallBlocked    OverallStatus = "blocked"
	OverallFailed     OverallStatus = "failed"
	OverallArchived   OverallStatus = "archived"
	OverallCancelled  OverallStatus = "cancelled"
)

// Valid reports whether s is a known overall status.
func (s OverallStatus) Valid() bool {
	switch s {
	case OverallNotStarted, OverallEligible, OverallEnrolled, OverallInProgress,
		OverallCompleted, OverallBlocked, OverallFailed, OverallArchived, OverallCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is never left without an explicit reopen.
func (s OverallStatus) Terminal() bool {
	switch s {
	case OverallCompleted, OverallArchived, OverallCancelled, OverallFailed:
		return true
	}
	return false
}

// RequiresCompletedAt reports whether an activity in status s must carry a
// completion timestamp.
func (s OverallStatus) RequiresCompletedAt() bool {
	return s == OverallCompleted || s == OverallArchived
}

// ParseOverallStatus converts a raw string into an OverallStatus.
func ParseOverallStatus(s string) (OverallStatus, error) {
	st := OverallStatus(s)
	if !st.Valid() {
		return "", NewFieldValidationError("status", "INVALID_ENUM",
			fmt.Sprintf("unknown overall workflow status %q", s))
	}
	return st, nil
}

// PhaseVariant is the temporal flavor of a step's display copy.
type PhaseVariant string

// Phase variants.
const (
	VariantDefault PhaseVariant = "default"
	VariantLate    PhaseVariant = "late"
	VariantOverdue PhaseVariant = "overdue"
)

// Valid reports whether v is a known phase variant.
func (v PhaseVariant) Valid() bool {
	return v == VariantDefault || v == VariantLate || v == VariantOverdue
}

// StepDefinition is one entry of a workflow type's step catalog.
type StepDefinition struct {
	WorkflowType        WorkflowType `json:"workflow_type" yaml:"-"`
	Key                 string       `json:"key" yaml:"key"`
	Order               int          `json:"order" yaml:"order"`
	Title               string       `json:"title" yaml:"title"`
	DescriptionTemplate string       `json:"description_template,omitempty" yaml:"description"`
	PhaseKey            string       `json:"phase_key,omitempty" yaml:"phase_key,omitempty"`
	PhaseVariant        PhaseVariant `json:"phase_variant" yaml:"phase_variant,omitempty"`
}

// Canonical reports whether the step is part of the ordered sequence rather
// than a variant copy override.
func (s StepDefinition) Canonical() bool {
	return s.PhaseVariant == "" || s.PhaseVariant == VariantDefault
}

// WorkflowActivity is the single tracked row per (student, workflow type).
type WorkflowActivity struct {
	ID                string         `json:"id"`
	StudentID         string         `json:"student_id"`
	WorkflowType      WorkflowType   `json:"workflow_type"`
	CurrentStepKey    string         `json:"current_step_key"`
	CurrentStepStatus StepStatus     `json:"current_step_status"`
	OverallStatus     OverallStatus  `json:"overall_workflow_status"`
	Payload           map[string]any `json:"data_payload,omitempty"`
	Cycle             int            `json:"cycle"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Version           int            `json:"version"`
}

// Activity event names recorded in the audit trail.
const (
	EventActivityCreated  = "activity_created"
	EventStepStatus       = "step_status_changed"
	EventStepEntered      = "step_entered"
	EventSubmission       = "submission_recorded"
	EventOverallStatus    = "overall_status_changed"
	EventWorkflowComplete = "workflow_completed"
	EventReopened         = "activity_reopened"
)

// ActivityEvent records an accepted change in an activity's audit trail.
type ActivityEvent struct {
	ID         string         `json:"id"`
	ActivityID string         `json:"activity_id"`
	StepKey    string         `json:"step_key"`
	Event      string         `json:"event"`
	From       string         `json:"from,omitempty"`
	To         string         `json:"to,omitempty"`
	ActorID    string         `json:"actor_id"`
	Note       string         `json:"note,omitempty"`
	Cycle      int            `json:"cycle"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// StepDisplay is the variant-appropriate copy for a step, computed on read.
type StepDisplay struct {
	WorkflowType WorkflowType      `json:"workflow_type"`
	StepKey      string            `json:"step_key"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Variant      PhaseVariant      `json:"variant"`
	Vars         map[string]string `json:"vars,omitempty"`
	Deadline     *StatusResult     `json:"deadline,omitempty"`
}

// ActivityView is an activity together with its read-time display state.
type ActivityView struct {
	Activity WorkflowActivity `json:"activity"`
	Display  StepDisplay      `json:"display"`
}

// Step progress markers used by ProgressEntry.
const (
	ProgressDone     = "done"
	ProgressCurrent  = "current"
	ProgressUpcoming = "upcoming"
)

// ProgressEntry describes one canonical step relative to an activity.
type ProgressEntry struct {
	StepKey  string       `json:"step_key"`
	Order    int          `json:"order"`
	Title    string       `json:"title"`
	Progress string       `json:"progress"`
	Status   StepStatus   `json:"status,omitempty"`
	Variant  PhaseVariant `json:"variant,omitempty"`
}
