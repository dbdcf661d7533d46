// Package deadline computes the temporal status of academic deadlines and
// serves it, optionally cached, to the workflow engine and the HTTP layer.
package deadline

import (
	"time"

	"github.com/pitabwire/acadflow/model"
)

const day = 24 * time.Hour

// ComputeStatus returns the status tag and lock flag for d given what is known
// about the submission at instant now. It has no side effects and depends on
// nothing but its arguments.
func ComputeStatus(d model.Deadline, fact model.SubmissionFact, now time.Time) (model.DeadlineStatus, bool) {
	if d.Type == model.DeadlineAnnouncement {
		return model.StatusAnnouncement, false
	}

	// Lateness of a recorded submission was fixed when it was recorded.
	if fact.Submitted {
		if fact.Late {
			return model.StatusSubmittedLate, false
		}
		return model.StatusSubmitted, false
	}

	now = now.UTC()
	if d.HasWindow() && !now.Before(d.WindowStartAt.UTC()) && !now.After(d.WindowEndAt.UTC()) {
		return model.StatusInWindow, false
	}

	eff, ok := d.EffectiveAt()
	if !ok || !now.After(eff) {
		return model.StatusPending, false
	}

	if !now.After(eff.Add(d.Grace())) {
		return model.StatusOverdue, false
	}
	if d.LockAfterDeadline {
		return model.StatusLocked, true
	}
	// allowLate without a lock policy, and the unconfirmed allowLate=false
	// case, both stay overdue and unlocked.
	return model.StatusOverdue, false
}

// ComputeDaysLeft returns the whole days remaining until the effective
// deadline, rounded up and never negative.
func ComputeDaysLeft(d model.Deadline, now time.Time) int {
	eff, ok := d.EffectiveAt()
	if !ok {
		return 0
	}
	remaining := eff.Sub(now.UTC())
	if remaining <= 0 {
		return 0
	}
	days := int(remaining / day)
	if remaining%day != 0 {
		days++
	}
	return days
}

// VariantFor maps a deadline status onto the step copy variant shown for it.
func VariantFor(status model.DeadlineStatus) model.PhaseVariant {
	switch status {
	case model.StatusOverdue, model.StatusSubmittedLate:
		return model.VariantLate
	case model.StatusLocked:
		return model.VariantOverdue
	default:
		return model.VariantDefault
	}
}

// Evaluate runs ComputeStatus and ComputeDaysLeft and bundles the result.
func Evaluate(d model.Deadline, fact model.SubmissionFact, now time.Time) model.StatusResult {
	status, locked := ComputeStatus(d, fact, now)
	res := model.StatusResult{
		DeadlineID: d.ID,
		Status:     status,
		Locked:     locked,
		DaysLeft:   ComputeDaysLeft(d, now),
		Variant:    VariantFor(status),
	}
	if eff, ok := d.EffectiveAt(); ok {
		res.EffectiveAt = &eff
	}
	return res
}

// RecordSubmission builds the fact for a submission made at instant at.
// A submission after the effective deadline is late, including one made
// during the grace period.
func RecordSubmission(d model.Deadline, at time.Time) model.SubmissionFact {
	at = at.UTC()
	fact := model.SubmissionFact{Submitted: true, SubmittedAt: &at}
	if d.Type == model.DeadlineAnnouncement {
		return fact
	}
	if eff, ok := d.EffectiveAt(); ok && at.After(eff) {
		fact.Late = true
	}
	return fact
}
