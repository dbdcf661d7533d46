package deadline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/acadflow/model"
)

const deadlineColumns = `id, title, deadline_type, deadline_at, window_start_at, window_end_at,
	allow_late, grace_period_minutes, lock_after_deadline, timezone, version, updated_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL deadline store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Get retrieves a deadline by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.Deadline, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deadlineColumns+` FROM deadlines WHERE id = $1`, id)
	d, err := scanDeadline(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Deadline{}, model.NewNotFoundError(fmt.Sprintf("deadline %q not found", id))
	}
	if err != nil {
		return model.Deadline{}, model.NewDependencyError("query deadline", err)
	}
	return d, nil
}

// Put inserts or updates a deadline with optimistic locking. An unknown ID
// is inserted at version 1; an existing row is only updated when d.Version
// matches the stored version.
func (s *PgStore) Put(ctx context.Context, d model.Deadline) (model.Deadline, error) {
	if err := d.Validate(); err != nil {
		return model.Deadline{}, err
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	err := s.pool.QueryRow(ctx, `
		INSERT INTO deadlines (`+deadlineColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, deadline_type = EXCLUDED.deadline_type,
			deadline_at = EXCLUDED.deadline_at,
			window_start_at = EXCLUDED.window_start_at, window_end_at = EXCLUDED.window_end_at,
			allow_late = EXCLUDED.allow_late, grace_period_minutes = EXCLUDED.grace_period_minutes,
			lock_after_deadline = EXCLUDED.lock_after_deadline, timezone = EXCLUDED.timezone,
			version = deadlines.version + 1, updated_at = EXCLUDED.updated_at
		WHERE deadlines.version = $12
		RETURNING version, updated_at`,
		d.ID, d.Title, d.Type, d.DeadlineAt, d.WindowStartAt, d.WindowEndAt,
		d.AllowLate, d.GracePeriodMinutes, d.LockAfterDeadline, d.Timezone, now,
		d.Version,
	).Scan(&d.Version, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// The row exists but the WHERE clause rejected the update.
		return model.Deadline{}, model.NewConflictError(
			fmt.Sprintf("deadline %q version conflict (expected %d)", d.ID, d.Version),
		)
	}
	if err != nil {
		return model.Deadline{}, model.NewDependencyError("upsert deadline", err)
	}
	return d, nil
}

// List returns all deadlines ordered by effective instant.
func (s *PgStore) List(ctx context.Context) ([]model.Deadline, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+deadlineColumns+` FROM deadlines
		ORDER BY COALESCE(deadline_at, window_end_at) ASC NULLS LAST, id ASC`)
	if err != nil {
		return nil, model.NewDependencyError("query deadlines", err)
	}
	defer rows.Close()

	var out []model.Deadline
	for rows.Next() {
		d, err := scanDeadline(rows)
		if err != nil {
			return nil, model.NewDependencyError("scan deadline", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewDependencyError("iterate deadlines", err)
	}
	return out, nil
}

func scanDeadline(row pgx.Row) (model.Deadline, error) {
	var d model.Deadline
	err := row.Scan(
		&d.ID, &d.Title, &d.Type, &d.DeadlineAt, &d.WindowStartAt, &d.WindowEndAt,
		&d.AllowLate, &d.GracePeriodMinutes, &d.LockAfterDeadline, &d.Timezone, &d.Version, &d.UpdatedAt,
	)
	return d, err
}
