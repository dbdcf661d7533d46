package workflow

import "github.com/pitabwire/acadflow/model"

// exceptionBranches are reachable from any non-terminal step status.
var exceptionBranches = []model.StepStatus{
	model.StepRejected, model.StepSkipped, model.StepBlocked, model.StepCancelled,
}

// stepTransitions lists the forward moves of each non-terminal step status.
// Exception branches are added by CanTransitionStep.
var stepTransitions = map[model.StepStatus][]model.StepStatus{
	model.StepPending:               {model.StepInProgress},
	model.StepInProgress:            {model.StepAwaitingStudentAction, model.StepAwaitingAdminAction},
	model.StepAwaitingStudentAction: {model.StepAwaitingAdminAction, model.StepCompleted},
	model.StepAwaitingAdminAction:   {model.StepAwaitingStudentAction, model.StepCompleted},
	model.StepRejected:              {model.StepInProgress, model.StepAwaitingStudentAction},
	model.StepBlocked:               {model.StepPending, model.StepInProgress},
}

// CanTransitionStep reports whether the current step may move from one
// status to another. Terminal statuses never move and nothing self-transitions.
func CanTransitionStep(from, to model.StepStatus) bool {
	if from == to || from.Terminal() || !to.Valid() {
		return false
	}
	for _, s := range stepTransitions[from] {
		if s == to {
			return true
		}
	}
	for _, s := range exceptionBranches {
		if s == to {
			return true
		}
	}
	return false
}

// isSubmission reports whether a step move hands work from the student to
// the reviewing side.
func isSubmission(from, to model.StepStatus) bool {
	if to != model.StepAwaitingAdminAction {
		return false
	}
	return from == model.StepInProgress || from == model.StepAwaitingStudentAction
}

// overallTransitions lists the explicit overall status changes. completed is
// reached only by finishing the catalog, and failed/cancelled/archived leave
// only through Reopen.
var overallTransitions = map[model.OverallStatus][]model.OverallStatus{
	model.OverallNotStarted: {model.OverallEligible, model.OverallEnrolled, model.OverallInProgress,
		model.OverallBlocked, model.OverallFailed, model.OverallCancelled},
	model.OverallEligible: {model.OverallEnrolled, model.OverallInProgress,
		model.OverallBlocked, model.OverallFailed, model.OverallCancelled},
	model.OverallEnrolled: {model.OverallInProgress,
		model.OverallBlocked, model.OverallFailed, model.OverallCancelled},
	model.OverallInProgress: {model.OverallBlocked, model.OverallFailed, model.OverallCancelled},
	model.OverallBlocked: {model.OverallEligible, model.OverallEnrolled, model.OverallInProgress,
		model.OverallFailed, model.OverallCancelled},
	model.OverallCompleted: {model.OverallArchived},
}

// CanTransitionOverall reports whether an explicit overall status change is
// legal.
func CanTransitionOverall(from, to model.OverallStatus) bool {
	for _, s := range overallTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// reopenable reports whether Reopen may start a new cycle from s.
func reopenable(s model.OverallStatus) bool {
	return s == model.OverallFailed || s == model.OverallCancelled
}

// lifted reports whether the first movement of a step promotes the overall
// status to in_progress.
func lifted(s model.OverallStatus) bool {
	return s == model.OverallNotStarted || s == model.OverallEligible || s == model.OverallEnrolled
}
