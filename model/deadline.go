package model

import (
	"time"
)

// DeadlineType distinguishes informational deadlines from submission ones.
type DeadlineType string

// Deadline types.
const (
	DeadlineAnnouncement DeadlineType = "ANNOUNCEMENT"
	DeadlineSubmission   DeadlineType = "SUBMISSION"
)

// Deadline is a hard deadline or an open-submission window. All instants are
// UTC; Timezone is only used when formatting for display.
type Deadline struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title,omitempty"`
	Type               DeadlineType `json:"deadline_type"`
	DeadlineAt         *time.Time   `json:"deadline_at,omitempty"`
	WindowStartAt      *time.Time   `json:"window_start_at,omitempty"`
	WindowEndAt        *time.Time   `json:"window_end_at,omitempty"`
	AllowLate          bool         `json:"allow_late"`
	GracePeriodMinutes int          `json:"grace_period_minutes"`
	LockAfterDeadline  bool         `json:"lock_after_deadline"`
	Timezone           string       `json:"timezone,omitempty"`
	Version            int          `json:"version"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// HasWindow reports whether the deadline is an open-submission window.
func (d Deadline) HasWindow() bool {
	return d.WindowStartAt != nil && d.WindowEndAt != nil
}

// EffectiveAt returns the instant after which an unsubmitted item is late:
// the hard deadline, else the window end. ok is false when neither is set.
func (d Deadline) EffectiveAt() (eff time.Time, ok bool) {
	if d.DeadlineAt != nil {
		return d.DeadlineAt.UTC(), true
	}
	if d.HasWindow() {
		return d.WindowEndAt.UTC(), true
	}
	return time.Time{}, false
}

// Grace returns the configured grace period as a duration.
func (d Deadline) Grace() time.Duration {
	return time.Duration(d.GracePeriodMinutes) * time.Minute
}

// Validate enforces the hard-deadline-or-window invariant.
func (d Deadline) Validate() error {
	var details []FieldError

	switch d.Type {
	case DeadlineAnnouncement, DeadlineSubmission:
	default:
		details = append(details, FieldError{Field: "deadline_type", Code: "INVALID_ENUM",
			Message: "deadline_type must be ANNOUNCEMENT or SUBMISSION"})
	}

	partialWindow := (d.WindowStartAt == nil) != (d.WindowEndAt == nil)
	switch {
	case partialWindow:
		details = append(details, FieldError{Field: "window_end_at", Code: "REQUIRED",
			Message: "window_start_at and window_end_at must be set together"})
	case d.DeadlineAt != nil && d.HasWindow():
		details = append(details, FieldError{Field: "deadline_at", Code: "EXCLUSIVE",
			Message: "set either deadline_at or a submission window, not both"})
	case d.Type == DeadlineSubmission && d.DeadlineAt == nil && !d.HasWindow():
		details = append(details, FieldError{Field: "deadline_at", Code: "REQUIRED",
			Message: "a submission deadline needs deadline_at or a window"})
	case d.HasWindow() && d.WindowEndAt.Before(*d.WindowStartAt):
		details = append(details, FieldError{Field: "window_end_at", Code: "ORDER",
			Message: "window_end_at must not be before window_start_at"})
	}

	if d.GracePeriodMinutes < 0 {
		details = append(details, FieldError{Field: "grace_period_minutes", Code: "RANGE",
			Message: "grace_period_minutes must be >= 0"})
	}
	if d.Timezone != "" {
		if _, err := time.LoadLocation(d.Timezone); err != nil {
			details = append(details, FieldError{Field: "timezone", Code: "INVALID",
				Message: "unknown timezone " + d.Timezone})
		}
	}

	if len(details) > 0 {
		return NewValidationError(details)
	}
	return nil
}

// SubmissionFact is what is known about a submission against a deadline.
// Late is fixed when the submission is recorded and never recomputed.
type SubmissionFact struct {
	Submitted   bool       `json:"submitted"`
	Late        bool       `json:"late"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// DeadlineStatus is the temporal status tag computed for a deadline.
type DeadlineStatus string

// Deadline statuses.
const (
	StatusAnnouncement  DeadlineStatus = "announcement"
	StatusPending       DeadlineStatus = "pending"
	StatusInWindow      DeadlineStatus = "in_window"
	StatusSubmitted     DeadlineStatus = "submitted"
	StatusSubmittedLate DeadlineStatus = "submitted_late"
	StatusOverdue       DeadlineStatus = "overdue"
	StatusLocked        DeadlineStatus = "locked"
)

// StatusResult is the output of the deadline status calculator.
type StatusResult struct {
	DeadlineID  string         `json:"deadline_id,omitempty"`
	Status      DeadlineStatus `json:"status"`
	Locked      bool           `json:"locked"`
	DaysLeft    int            `json:"days_left"`
	EffectiveAt *time.Time     `json:"effective_at,omitempty"`
	Variant     PhaseVariant   `json:"variant"`
}

// AutoAssignTrigger is the document lifecycle event that binds a deadline.
type AutoAssignTrigger string

// Auto-assign triggers.
const (
	TriggerOnCreate   AutoAssignTrigger = "on_create"
	TriggerOnSubmit   AutoAssignTrigger = "on_submit"
	TriggerOnApprove  AutoAssignTrigger = "on_approve"
	TriggerOnGenerate AutoAssignTrigger = "on_generate"
)

// Valid reports whether t is a known trigger.
func (t AutoAssignTrigger) Valid() bool {
	switch t {
	case TriggerOnCreate, TriggerOnSubmit, TriggerOnApprove, TriggerOnGenerate:
		return true
	}
	return false
}

// DeadlineWorkflowMapping links a deadline to the step (and optional document
// subtype) it governs. An empty DocumentSubtype is the step's fallback.
type DeadlineWorkflowMapping struct {
	ID              string            `json:"id"`
	DeadlineID      string            `json:"deadline_id"`
	WorkflowType    WorkflowType      `json:"workflow_type"`
	StepKey         string            `json:"step_key"`
	DocumentSubtype string            `json:"document_subtype,omitempty"`
	AutoAssign      AutoAssignTrigger `json:"auto_assign"`
	Active          bool              `json:"active"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Validate checks enum values and required fields.
func (m DeadlineWorkflowMapping) Validate() error {
	var details []FieldError
	if m.DeadlineID == "" {
		details = append(details, FieldError{Field: "deadline_id", Code: "REQUIRED", Message: "deadline_id is required"})
	}
	if !m.WorkflowType.Valid() {
		details = append(details, FieldError{Field: "workflow_type", Code: "INVALID_ENUM", Message: "unknown workflow type"})
	}
	if m.StepKey == "" {
		details = append(details, FieldError{Field: "step_key", Code: "REQUIRED", Message: "step_key is required"})
	}
	if !m.AutoAssign.Valid() {
		details = append(details, FieldError{Field: "auto_assign", Code: "INVALID_ENUM", Message: "unknown auto_assign trigger"})
	}
	if len(details) > 0 {
		return NewValidationError(details)
	}
	return nil
}
