package workflow

import (
	"context"

	"github.com/pitabwire/acadflow/model"
)

// ActivityStore persists workflow activities and their audit events.
type ActivityStore interface {
	// Create persists a new activity. Returns CONFLICT if an activity already
	// exists for the same (student, workflow type).
	Create(ctx context.Context, activity model.WorkflowActivity) error

	// Get retrieves the activity for a student and workflow type.
	Get(ctx context.Context, studentID string, wt model.WorkflowType) (model.WorkflowActivity, error)

	// Update persists a changed activity with optimistic locking. The
	// activity's Version must match the stored version; the stored record,
	// with its incremented version, is returned. Returns CONFLICT when the
	// version has moved on.
	Update(ctx context.Context, activity model.WorkflowActivity) (model.WorkflowActivity, error)

	// AppendEvent adds an event to the activity's audit trail.
	AppendEvent(ctx context.Context, event model.ActivityEvent) error

	// GetEvents retrieves all events for an activity in time order.
	GetEvents(ctx context.Context, activityID string) ([]model.ActivityEvent, error)

	// List returns activities matching the filters, most recently updated
	// first.
	List(ctx context.Context, filters ActivityFilters) ([]model.WorkflowActivity, error)
}

// ActivityFilters are optional filters for listing activities.
type ActivityFilters struct {
	WorkflowType  model.WorkflowType
	OverallStatus model.OverallStatus
	StepKey       string
	Limit         int
	Offset        int
}

func (f ActivityFilters) match(a model.WorkflowActivity) bool {
	if f.WorkflowType != "" && a.WorkflowType != f.WorkflowType {
		return false
	}
	if f.OverallStatus != "" && a.OverallStatus != f.OverallStatus {
		return false
	}
	if f.StepKey != "" && a.CurrentStepKey != f.StepKey {
		return false
	}
	return true
}

// clonePayload deep-copies the JSON-shaped payload so stored rows never
// share maps with callers.
func clonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func cloneActivity(a model.WorkflowActivity) model.WorkflowActivity {
	a.Payload = clonePayload(a.Payload)
	if a.CompletedAt != nil {
		c := *a.CompletedAt
		a.CompletedAt = &c
	}
	return a
}
