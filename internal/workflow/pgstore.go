package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/acadflow/model"
)

const activityColumns = `id, student_id, workflow_type, current_step_key, current_step_status,
	overall_status, payload, cycle, started_at, completed_at, created_at, updated_at, version`

// PgActivityStore is a PostgreSQL-backed ActivityStore using pgx/v5.
type PgActivityStore struct {
	pool *pgxpool.Pool
}

// NewPgActivityStore creates a new PostgreSQL activity store.
func NewPgActivityStore(pool *pgxpool.Pool) *PgActivityStore {
	return &PgActivityStore{pool: pool}
}

// Create inserts a new activity. The unique index on (student_id,
// workflow_type) turns a duplicate into CONFLICT.
func (s *PgActivityStore) Create(ctx context.Context, a model.WorkflowActivity) error {
	payloadJSON, err := json.Marshal(a.Payload)
	if err != nil {
		return model.NewBadRequestError(fmt.Sprintf("payload is not JSON encodable: %v", err))
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_activities (`+activityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.StudentID, a.WorkflowType, a.CurrentStepKey, a.CurrentStepStatus,
		a.OverallStatus, payloadJSON, a.Cycle, a.StartedAt, a.CompletedAt,
		a.CreatedAt, a.UpdatedAt, a.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.NewConflictError(
				fmt.Sprintf("student %q already has a %s activity", a.StudentID, a.WorkflowType),
			)
		}
		return model.NewDependencyError("insert workflow activity", err)
	}
	return nil
}

// Get retrieves the activity for a student and workflow type.
func (s *PgActivityStore) Get(ctx context.Context, studentID string, wt model.WorkflowType) (model.WorkflowActivity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+activityColumns+`
		FROM workflow_activities
		WHERE student_id = $1 AND workflow_type = $2`,
		studentID, wt,
	)
	a, err := scanActivity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowActivity{}, model.NewNotFoundError(
			fmt.Sprintf("no %s activity for student %q", wt, studentID),
		)
	}
	if err != nil {
		return model.WorkflowActivity{}, model.NewDependencyError("query workflow activity", err)
	}
	return a, nil
}

// Update persists a changed activity with optimistic locking.
func (s *PgActivityStore) Update(ctx context.Context, a model.WorkflowActivity) (model.WorkflowActivity, error) {
	payloadJSON, err := json.Marshal(a.Payload)
	if err != nil {
		return model.WorkflowActivity{}, model.NewBadRequestError(fmt.Sprintf("payload is not JSON encodable: %v", err))
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_activities SET
			current_step_key = $1,
			current_step_status = $2,
			overall_status = $3,
			payload = $4,
			cycle = $5,
			completed_at = $6,
			version = $7,
			updated_at = $8
		WHERE id = $9 AND version = $10`,
		a.CurrentStepKey, a.CurrentStepStatus, a.OverallStatus, payloadJSON, a.Cycle,
		a.CompletedAt, a.Version+1, now,
		a.ID, a.Version,
	)
	if err != nil {
		return model.WorkflowActivity{}, model.NewDependencyError("update workflow activity", err)
	}
	if tag.RowsAffected() == 0 {
		return model.WorkflowActivity{}, model.NewConflictError(
			fmt.Sprintf("activity %q version conflict (expected %d)", a.ID, a.Version),
		)
	}

	a.Version++
	a.UpdatedAt = now
	return a, nil
}

// AppendEvent adds an event to the activity audit trail.
func (s *PgActivityStore) AppendEvent(ctx context.Context, event model.ActivityEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO activity_events (
			id, activity_id, step_key, event, from_status, to_status,
			actor_id, note, cycle, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.ID, event.ActivityID, event.StepKey, event.Event, event.From, event.To,
		event.ActorID, event.Note, event.Cycle, dataJSON, event.Timestamp,
	)
	if err != nil {
		return model.NewDependencyError("insert activity event", err)
	}
	return nil
}

// GetEvents retrieves all events for an activity. The serial column breaks
// timestamp ties in append order.
func (s *PgActivityStore) GetEvents(ctx context.Context, activityID string) ([]model.ActivityEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, activity_id, step_key, event, from_status, to_status,
		       actor_id, note, cycle, data, created_at
		FROM activity_events
		WHERE activity_id = $1
		ORDER BY created_at ASC, seq ASC`,
		activityID,
	)
	if err != nil {
		return nil, model.NewDependencyError("query activity events", err)
	}
	defer rows.Close()

	var events []model.ActivityEvent
	for rows.Next() {
		var evt model.ActivityEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.ActivityID, &evt.StepKey, &evt.Event, &evt.From, &evt.To,
			&evt.ActorID, &evt.Note, &evt.Cycle, &dataJSON, &evt.Timestamp,
		); err != nil {
			return nil, model.NewDependencyError("scan activity event", err)
		}
		if dataJSON != nil {
			if err := json.Unmarshal(dataJSON, &evt.Data); err != nil {
				return nil, model.NewDependencyError("decode activity event data", err)
			}
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewDependencyError("iterate activity events", err)
	}
	return events, nil
}

// List returns activities matching the filters.
func (s *PgActivityStore) List(ctx context.Context, filters ActivityFilters) ([]model.WorkflowActivity, error) {
	query := `SELECT ` + activityColumns + ` FROM workflow_activities WHERE TRUE`
	var args []any
	argIdx := 1

	if filters.WorkflowType != "" {
		query += fmt.Sprintf(" AND workflow_type = $%d", argIdx)
		args = append(args, filters.WorkflowType)
		argIdx++
	}
	if filters.OverallStatus != "" {
		query += fmt.Sprintf(" AND overall_status = $%d", argIdx)
		args = append(args, filters.OverallStatus)
		argIdx++
	}
	if filters.StepKey != "" {
		query += fmt.Sprintf(" AND current_step_key = $%d", argIdx)
		args = append(args, filters.StepKey)
		argIdx++
	}

	query += " ORDER BY updated_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, model.NewDependencyError("query workflow activities", err)
	}
	defer rows.Close()

	var out []model.WorkflowActivity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, model.NewDependencyError("scan workflow activity", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewDependencyError("iterate workflow activities", err)
	}
	return out, nil
}

func scanActivity(row pgx.Row) (model.WorkflowActivity, error) {
	var a model.WorkflowActivity
	var payloadJSON []byte
	err := row.Scan(
		&a.ID, &a.StudentID, &a.WorkflowType, &a.CurrentStepKey, &a.CurrentStepStatus,
		&a.OverallStatus, &payloadJSON, &a.Cycle, &a.StartedAt, &a.CompletedAt,
		&a.CreatedAt, &a.UpdatedAt, &a.Version,
	)
	if err != nil {
		return model.WorkflowActivity{}, err
	}
	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &a.Payload); err != nil {
			return model.WorkflowActivity{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return a, nil
}
