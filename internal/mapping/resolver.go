package mapping

import (
	"context"

	"github.com/pitabwire/acadflow/model"
)

// DeadlineSource loads deadlines by ID.
type DeadlineSource interface {
	Get(ctx context.Context, id string) (model.Deadline, error)
}

// Governing is a resolved mapping together with the deadline it points at.
type Governing struct {
	Mapping  model.DeadlineWorkflowMapping
	Deadline model.Deadline
}

// Resolver selects the deadline that governs a workflow step.
type Resolver struct {
	store     Store
	deadlines DeadlineSource
}

// NewResolver creates a Resolver.
func NewResolver(store Store, deadlines DeadlineSource) *Resolver {
	return &Resolver{store: store, deadlines: deadlines}
}

// Store returns the underlying mapping store.
func (r *Resolver) Store() Store {
	return r.store
}

// ResolveGoverningDeadline returns the active mapping for (wt, stepKey,
// subtype) and its deadline, or nil when none applies. An exact subtype match
// wins over the step's empty-subtype fallback.
func (r *Resolver) ResolveGoverningDeadline(ctx context.Context, wt model.WorkflowType, stepKey, subtype string) (*Governing, error) {
	return r.resolve(ctx, wt, stepKey, subtype, "")
}

// ResolveForTrigger is ResolveGoverningDeadline restricted to mappings that
// auto-assign on the given lifecycle trigger.
func (r *Resolver) ResolveForTrigger(ctx context.Context, wt model.WorkflowType, stepKey, subtype string, trigger model.AutoAssignTrigger) (*Governing, error) {
	return r.resolve(ctx, wt, stepKey, subtype, trigger)
}

func (r *Resolver) resolve(ctx context.Context, wt model.WorkflowType, stepKey, subtype string, trigger model.AutoAssignTrigger) (*Governing, error) {
	rows, err := r.store.ForStep(ctx, wt, stepKey)
	if err != nil {
		return nil, err
	}

	m, ok := selectMapping(rows, subtype, trigger)
	if !ok {
		return nil, nil
	}

	d, err := r.deadlines.Get(ctx, m.DeadlineID)
	if err != nil {
		return nil, err
	}
	return &Governing{Mapping: m, Deadline: d}, nil
}

func selectMapping(rows []model.DeadlineWorkflowMapping, subtype string, trigger model.AutoAssignTrigger) (model.DeadlineWorkflowMapping, bool) {
	var fallback *model.DeadlineWorkflowMapping
	for i := range rows {
		m := rows[i]
		if !m.Active {
			continue
		}
		if trigger != "" && m.AutoAssign != trigger {
			continue
		}
		if subtype != "" && m.DocumentSubtype == subtype {
			return m, true
		}
		if m.DocumentSubtype == "" && fallback == nil {
			fallback = &rows[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return model.DeadlineWorkflowMapping{}, false
}
