package model

import "fmt"

// StatusSchemaVersion is the revision of the step/overall status enums that
// this package's closed sets represent. Rows written under older revisions
// are translated through the tables below.
const StatusSchemaVersion = 3

// legacyStepStatus maps every value ever written by earlier revisions to the
// current StepStatus set. Current values pass through unchanged.
var legacyStepStatus = map[string]StepStatus{
	// revision 1
	"waiting":        StepAwaitingAdminAction,
	"submitted":      StepAwaitingAdminAction,
	"approved":       StepCompleted,
	"done":           StepCompleted,
	"returned":       StepAwaitingStudentAction,
	"canceled":       StepCancelled,
	"not_applicable": StepSkipped,
	// revision 2
	"waiting_student": StepAwaitingStudentAction,
	"waiting_admin":   StepAwaitingAdminAction,
	"on_hold":         StepBlocked,
}

// legacyOverallStatus is the equivalent table for OverallStatus.
var legacyOverallStatus = map[string]OverallStatus{
	// revision 1
	"new":      OverallNotStarted,
	"active":   OverallInProgress,
	"finished": OverallCompleted,
	"dropped":  OverallCancelled,
	"canceled": OverallCancelled,
	// revision 2
	"registered": OverallEnrolled,
	"suspended":  OverallBlocked,
	"not_passed": OverallFailed,
}

// MigrateStepStatus translates a stored step status from any schema revision
// into the current set.
func MigrateStepStatus(raw string) (StepStatus, error) {
	if st := StepStatus(raw); st.Valid() {
		return st, nil
	}
	if st, ok := legacyStepStatus[raw]; ok {
		return st, nil
	}
	return "", fmt.Errorf("no translation for step status %q", raw)
}

// MigrateOverallStatus translates a stored overall status from any schema
// revision into the current set.
func MigrateOverallStatus(raw string) (OverallStatus, error) {
	if st := OverallStatus(raw); st.Valid() {
		return st, nil
	}
	if st, ok := legacyOverallStatus[raw]; ok {
		return st, nil
	}
	return "", fmt.Errorf("no translation for overall status %q", raw)
}
