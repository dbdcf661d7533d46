package mapping

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/acadflow/internal/deadline"
	"github.com/pitabwire/acadflow/model"
)

var base = time.Date(2025, 8, 29, 8, 0, 0, 0, time.UTC)

func newDeadline(t *testing.T, store *deadline.MemoryStore, id string, offset time.Duration) model.Deadline {
	t.Helper()
	due := base.Add(offset)
	d, err := store.Put(context.Background(), model.Deadline{ID: id, Type: model.DeadlineSubmission, DeadlineAt: &due})
	require.NoError(t, err)
	return d
}

func fixture(t *testing.T) (*Resolver, *MemoryStore) {
	t.Helper()
	ctx := context.Background()
	deadlines := deadline.NewMemoryStore()
	newDeadline(t, deadlines, "dl-topic", time.Hour)
	newDeadline(t, deadlines, "dl-topic-revised", 2*time.Hour)
	newDeadline(t, deadlines, "dl-defense", 24*time.Hour)

	store := NewMemoryStore()
	for _, m := range []model.DeadlineWorkflowMapping{
		{DeadlineID: "dl-topic", WorkflowType: model.WorkflowProject1, StepKey: "topic_submission", AutoAssign: model.TriggerOnSubmit, Active: true},
		{DeadlineID: "dl-topic-revised", WorkflowType: model.WorkflowProject1, StepKey: "topic_submission", DocumentSubtype: "revision", AutoAssign: model.TriggerOnSubmit, Active: true},
		{DeadlineID: "dl-defense", WorkflowType: model.WorkflowProject1, StepKey: "topic_submission", DocumentSubtype: "defense_form", AutoAssign: model.TriggerOnCreate, Active: false},
		{DeadlineID: "dl-defense", WorkflowType: model.WorkflowProject1, StepKey: "proposal_defense_request", AutoAssign: model.TriggerOnCreate, Active: true},
	} {
		_, err := store.Put(ctx, m)
		require.NoError(t, err)
	}
	return NewResolver(store, deadlines), store
}

// --- Store ---

func TestMemoryStore_Put_unique_identity(t *testing.T) {
	_, store := fixture(t)
	ctx := context.Background()

	_, err := store.Put(ctx, model.DeadlineWorkflowMapping{
		DeadlineID: "dl-other", WorkflowType: model.WorkflowProject1, StepKey: "topic_submission",
		AutoAssign: model.TriggerOnApprove, Active: true,
	})
	assert.True(t, model.IsCode(err, model.ErrConflict), "got %v", err)
}

func TestMemoryStore_Put_updates_in_place(t *testing.T) {
	_, store := fixture(t)
	ctx := context.Background()

	rows, err := store.ForStep(ctx, model.WorkflowProject1, "topic_submission")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	fallback := rows[0]
	require.Equal(t, "", fallback.DocumentSubtype)
	fallback.Active = false
	updated, err := store.Put(ctx, fallback)
	require.NoError(t, err)
	assert.Equal(t, fallback.ID, updated.ID)
	assert.Equal(t, fallback.CreatedAt, updated.CreatedAt)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMemoryStore_Put_validates(t *testing.T) {
	_, err := NewMemoryStore().Put(context.Background(), model.DeadlineWorkflowMapping{WorkflowType: model.WorkflowProject1})
	assert.True(t, model.IsCode(err, model.ErrValidationError))
}

// --- Resolver ---

func TestResolveGoverningDeadline(t *testing.T) {
	r, _ := fixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		step     string
		subtype  string
		wantID   string
		wantNone bool
	}{
		{name: "fallback for empty subtype", step: "topic_submission", wantID: "dl-topic"},
		{name: "exact subtype wins", step: "topic_submission", subtype: "revision", wantID: "dl-topic-revised"},
		{name: "unknown subtype uses fallback", step: "topic_submission", subtype: "poster", wantID: "dl-topic"},
		{name: "inactive exact match falls back", step: "topic_submission", subtype: "defense_form", wantID: "dl-topic"},
		{name: "other step", step: "proposal_defense_request", wantID: "dl-defense"},
		{name: "unmapped step", step: "advisor_selection", wantNone: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := r.ResolveGoverningDeadline(ctx, model.WorkflowProject1, tt.step, tt.subtype)
			require.NoError(t, err)
			if tt.wantNone {
				assert.Nil(t, g)
				return
			}
			require.NotNil(t, g)
			assert.Equal(t, tt.wantID, g.Deadline.ID)
			assert.Equal(t, tt.wantID, g.Mapping.DeadlineID)
		})
	}
}

func TestResolveForTrigger(t *testing.T) {
	r, _ := fixture(t)
	ctx := context.Background()

	g, err := r.ResolveForTrigger(ctx, model.WorkflowProject1, "topic_submission", "revision", model.TriggerOnSubmit)
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, "dl-topic-revised", g.Deadline.ID)

	g, err = r.ResolveForTrigger(ctx, model.WorkflowProject1, "topic_submission", "", model.TriggerOnApprove)
	require.NoError(t, err)
	assert.Nil(t, g)

	g, err = r.ResolveForTrigger(ctx, model.WorkflowProject1, "proposal_defense_request", "", model.TriggerOnCreate)
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, model.TriggerOnCreate, g.Mapping.AutoAssign)
}

func TestResolve_all_inactive(t *testing.T) {
	r, store := fixture(t)
	ctx := context.Background()

	rows, err := store.ForStep(ctx, model.WorkflowProject1, "proposal_defense_request")
	require.NoError(t, err)
	for _, m := range rows {
		m.Active = false
		_, err := store.Put(ctx, m)
		require.NoError(t, err)
	}

	g, err := r.ResolveGoverningDeadline(ctx, model.WorkflowProject1, "proposal_defense_request", "")
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestResolve_missing_deadline(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Put(context.Background(), model.DeadlineWorkflowMapping{
		DeadlineID: "gone", WorkflowType: model.WorkflowInternship, StepKey: "final_report",
		AutoAssign: model.TriggerOnSubmit, Active: true,
	})
	require.NoError(t, err)

	r := NewResolver(store, deadline.NewMemoryStore())
	_, err = r.ResolveGoverningDeadline(context.Background(), model.WorkflowInternship, "final_report", "")
	assert.True(t, model.IsCode(err, model.ErrNotFound), "got %v", err)
}
