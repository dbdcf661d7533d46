package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/acadflow/model"
)

const tokenColumns = `id, token_hash, subject_ref, approver_ref, kind, status,
	expires_at, created_at, decided_at, decided_by, comment`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL token store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new token.
func (s *PgStore) Create(ctx context.Context, t model.ApprovalToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approval_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.TokenHash, t.SubjectRef, t.ApproverRef, t.Kind, t.Status,
		t.ExpiresAt, t.CreatedAt, t.DecidedAt, t.DecidedBy, t.Comment,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.NewConflictError("approval token already exists")
		}
		return model.NewDependencyError("insert approval token", err)
	}
	return nil
}

// GetByHash retrieves a token by the hash of its bearer value.
func (s *PgStore) GetByHash(ctx context.Context, hash string) (model.ApprovalToken, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM approval_tokens WHERE token_hash = $1`, hash)
	t, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalToken{}, model.NewNotFoundError("approval token not found")
	}
	if err != nil {
		return model.ApprovalToken{}, model.NewDependencyError("query approval token", err)
	}
	return t, nil
}

// Transition applies the pending -> tr.To change in a single conditional
// UPDATE. When no row matches, the current row is read back to report why.
func (s *PgStore) Transition(ctx context.Context, id string, tr Transition) (model.ApprovalToken, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE approval_tokens SET
			status = $2,
			decided_at = $3,
			decided_by = $4,
			comment = $5
		WHERE id = $1 AND status = 'pending' AND expires_at >= $3
		RETURNING `+tokenColumns,
		id, tr.To, tr.At, tr.DecidedBy, tr.Comment,
	)
	t, err := scanToken(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalToken{}, model.NewDependencyError("update approval token", err)
	}

	current, err := scanToken(s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM approval_tokens WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalToken{}, model.NewNotFoundError(fmt.Sprintf("approval token %q not found", id))
	}
	if err != nil {
		return model.ApprovalToken{}, model.NewDependencyError("query approval token", err)
	}
	if current.Status.Terminal() {
		return model.ApprovalToken{}, model.NewTokenAlreadyUsedError()
	}
	return model.ApprovalToken{}, model.NewTokenExpiredError()
}

func scanToken(row pgx.Row) (model.ApprovalToken, error) {
	var t model.ApprovalToken
	err := row.Scan(
		&t.ID, &t.TokenHash, &t.SubjectRef, &t.ApproverRef, &t.Kind, &t.Status,
		&t.ExpiresAt, &t.CreatedAt, &t.DecidedAt, &t.DecidedBy, &t.Comment,
	)
	return t, err
}
