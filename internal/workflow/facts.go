package workflow

import (
	"time"

	"github.com/pitabwire/acadflow/model"
)

// submissionsKey is the reserved payload entry holding one submission fact
// per step for the current cycle.
const submissionsKey = "submissions"

// submissionFact reads the recorded fact for stepKey. Values round-trip
// through JSON storage, so only JSON-shaped types are accepted.
func submissionFact(payload map[string]any, stepKey string) (model.SubmissionFact, bool) {
	all, _ := payload[submissionsKey].(map[string]any)
	raw, ok := all[stepKey].(map[string]any)
	if !ok {
		return model.SubmissionFact{}, false
	}

	fact := model.SubmissionFact{}
	fact.Submitted, _ = raw["submitted"].(bool)
	fact.Late, _ = raw["late"].(bool)
	if s, ok := raw["submitted_at"].(string); ok {
		if at, err := time.Parse(time.RFC3339Nano, s); err == nil {
			fact.SubmittedAt = &at
		}
	}
	return fact, fact.Submitted
}

// putSubmission stores fact under stepKey and returns the payload.
func putSubmission(payload map[string]any, stepKey string, fact model.SubmissionFact, deadlineID string) map[string]any {
	if payload == nil {
		payload = make(map[string]any)
	}
	all, _ := payload[submissionsKey].(map[string]any)
	if all == nil {
		all = make(map[string]any)
	}

	entry := map[string]any{
		"submitted": fact.Submitted,
		"late":      fact.Late,
	}
	if fact.SubmittedAt != nil {
		entry["submitted_at"] = fact.SubmittedAt.UTC().Format(time.RFC3339Nano)
	}
	if deadlineID != "" {
		entry["deadline_id"] = deadlineID
	}
	all[stepKey] = entry
	payload[submissionsKey] = all
	return payload
}

// mergePayload copies caller data into payload. The reserved submissions
// entry is owned by the engine and never overwritten.
func mergePayload(payload, in map[string]any) map[string]any {
	if len(in) == 0 {
		return payload
	}
	if payload == nil {
		payload = make(map[string]any, len(in))
	}
	for k, v := range in {
		if k == submissionsKey {
			continue
		}
		payload[k] = cloneValue(v)
	}
	return payload
}
