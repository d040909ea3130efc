package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelierai/backend/internal/models"
)

const generationColumns = `id, correlation_id, user_id, workspace_id, model_id, type, prompt,
	options, quantity, status, failure_reason, result, credits, credit_source,
	job_handle, reservation_id, deadline, started_at, completed_at`

// Repository is the postgres Store. Terminal transitions are guarded UPDATEs:
// rows-affected zero means another delivery already resolved the unit.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, g *models.Generation) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO generations (id, correlation_id, user_id, workspace_id, model_id, type,
			prompt, options, quantity, status, credit_source, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, g.ID, g.CorrelationID, g.UserID, g.WorkspaceID, g.ModelID, g.Type,
		g.Prompt, g.Options, g.Quantity, g.Status, g.CreditSource, g.StartedAt)
	return err
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1`, id)
	return scanGeneration(row)
}

func (r *Repository) GetByHandle(ctx context.Context, handle string) (*models.Generation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE job_handle = $1`, handle)
	return scanGeneration(row)
}

func (r *Repository) ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]*models.Generation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+generationColumns+` FROM generations
		WHERE correlation_id = $1 ORDER BY started_at, id
	`, correlationID)
	if err != nil {
		return nil, err
	}
	return scanGenerations(rows)
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+generationColumns+` FROM generations
		WHERE user_id = $1 ORDER BY started_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanGenerations(rows)
}

// SetStatus moves the unit from any of the listed statuses to the next one.
// Returns false when the unit is not in an allowed prior status, which callers
// treat as a stale or duplicate transition.
func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE generations SET status = $1 WHERE id = $2 AND status = ANY($3)
	`, to, id, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) SetReservation(ctx context.Context, id, reservationID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generations SET reservation_id = $1 WHERE id = $2
	`, reservationID, id)
	return err
}

// MarkDispatched records the provider handle and deadline for an async unit
// inside the transaction that also enqueues its poll job.
func (r *Repository) MarkDispatched(ctx context.Context, tx pgx.Tx, id uuid.UUID, handle *string, deadline *time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE generations SET status = $1, job_handle = $2, deadline = $3
		WHERE id = $4 AND status = $5
	`, models.GenerationDispatched, handle, deadline, id, models.GenerationReserving)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage, credits float64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE generations SET status = $1, result = $2, credits = $3, completed_at = now()
		WHERE id = $4 AND status NOT IN ($5, $6)
	`, models.GenerationCompleted, result, credits, id, models.GenerationCompleted, models.GenerationFailed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string, result json.RawMessage, credits *float64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE generations SET status = $1, failure_reason = $2, result = $3, credits = $4, completed_at = now()
		WHERE id = $5 AND status NOT IN ($6, $7)
	`, models.GenerationFailed, reason, result, credits, id, models.GenerationCompleted, models.GenerationFailed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanGeneration(row pgx.Row) (*models.Generation, error) {
	var g models.Generation
	err := row.Scan(&g.ID, &g.CorrelationID, &g.UserID, &g.WorkspaceID, &g.ModelID, &g.Type,
		&g.Prompt, &g.Options, &g.Quantity, &g.Status, &g.FailureReason, &g.Result,
		&g.Credits, &g.CreditSource, &g.JobHandle, &g.ReservationID, &g.Deadline,
		&g.StartedAt, &g.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func scanGenerations(rows pgx.Rows) ([]*models.Generation, error) {
	defer rows.Close()
	var out []*models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
