package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/acadflow/model"
)

const mappingColumns = `id, deadline_id, workflow_type, step_key, document_subtype, auto_assign, active, created_at`

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store. The empty document subtype is
// stored as '' so the unique index covers the fallback row too.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL mapping store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Put upserts a mapping by ID.
func (s *PgStore) Put(ctx context.Context, m model.DeadlineWorkflowMapping) (model.DeadlineWorkflowMapping, error) {
	if err := m.Validate(); err != nil {
		return model.DeadlineWorkflowMapping{}, err
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO deadline_workflow_mappings (`+mappingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			deadline_id = EXCLUDED.deadline_id,
			workflow_type = EXCLUDED.workflow_type,
			step_key = EXCLUDED.step_key,
			document_subtype = EXCLUDED.document_subtype,
			auto_assign = EXCLUDED.auto_assign,
			active = EXCLUDED.active
		RETURNING created_at`,
		m.ID, m.DeadlineID, m.WorkflowType, m.StepKey, m.DocumentSubtype, m.AutoAssign, m.Active, m.CreatedAt,
	).Scan(&m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.DeadlineWorkflowMapping{}, model.NewConflictError(
				fmt.Sprintf("a mapping for %s/%s subtype %q already exists", m.WorkflowType, m.StepKey, m.DocumentSubtype),
			)
		}
		return model.DeadlineWorkflowMapping{}, model.NewDependencyError("upsert deadline mapping", err)
	}
	return m, nil
}

// ForStep returns mappings for a workflow step.
func (s *PgStore) ForStep(ctx context.Context, wt model.WorkflowType, stepKey string) ([]model.DeadlineWorkflowMapping, error) {
	return s.query(ctx, `SELECT `+mappingColumns+` FROM deadline_workflow_mappings
		WHERE workflow_type = $1 AND step_key = $2
		ORDER BY document_subtype`, wt, stepKey)
}

// List returns all mappings.
func (s *PgStore) List(ctx context.Context) ([]model.DeadlineWorkflowMapping, error) {
	return s.query(ctx, `SELECT `+mappingColumns+` FROM deadline_workflow_mappings
		ORDER BY workflow_type, step_key, document_subtype`)
}

func (s *PgStore) query(ctx context.Context, sql string, args ...any) ([]model.DeadlineWorkflowMapping, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, model.NewDependencyError("query deadline mappings", err)
	}
	defer rows.Close()

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.DeadlineWorkflowMapping, error) {
		var m model.DeadlineWorkflowMapping
		err := row.Scan(&m.ID, &m.DeadlineID, &m.WorkflowType, &m.StepKey, &m.DocumentSubtype,
			&m.AutoAssign, &m.Active, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, model.NewDependencyError("scan deadline mappings", err)
	}
	return out, nil
}
