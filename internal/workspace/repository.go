package workspace

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelierai/backend/internal/models"
)

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

const workspaceColumns = `id, owner_id, name, is_default, credit_mode, pool_balance, created_at, updated_at`

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, ws *models.Workspace) error {
	return tx.QueryRow(ctx, `
		INSERT INTO workspaces (id, owner_id, name, is_default, credit_mode, pool_balance)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, ws.ID, ws.OwnerID, ws.Name, ws.IsDefault, ws.CreditMode, ws.PoolBalance).Scan(&ws.CreatedAt, &ws.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Workspace, error) {
	var ws models.Workspace
	err := r.pool.QueryRow(ctx, `
		SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1
	`, id).Scan(&ws.ID, &ws.OwnerID, &ws.Name, &ws.IsDefault, &ws.CreditMode, &ws.PoolBalance, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Workspace, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT w.id, w.owner_id, w.name, w.is_default, w.credit_mode, w.pool_balance, w.created_at, w.updated_at
		FROM workspaces w
		JOIN workspace_members m ON m.workspace_id = w.id
		WHERE m.user_id = $1
		ORDER BY w.is_default DESC, w.created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Workspace
	for rows.Next() {
		var ws models.Workspace
		if err := rows.Scan(&ws.ID, &ws.OwnerID, &ws.Name, &ws.IsDefault, &ws.CreditMode, &ws.PoolBalance, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &ws)
	}
	return list, rows.Err()
}

func (r *Repository) SetCreditMode(ctx context.Context, id uuid.UUID, mode string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE workspaces SET credit_mode = $2, updated_at = now() WHERE id = $1
	`, id, mode)
	return err
}

func (r *Repository) AddMember(ctx context.Context, tx pgx.Tx, m *models.WorkspaceMember) error {
	return tx.QueryRow(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role, allocated_credits)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, m.WorkspaceID, m.UserID, m.Role, m.AllocatedCredits).Scan(&m.CreatedAt)
}

func (r *Repository) GetMember(ctx context.Context, workspaceID, userID uuid.UUID) (*models.WorkspaceMember, error) {
	var m models.WorkspaceMember
	err := r.pool.QueryRow(ctx, `
		SELECT workspace_id, user_id, role, allocated_credits, created_at
		FROM workspace_members WHERE workspace_id = $1 AND user_id = $2
	`, workspaceID, userID).Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.AllocatedCredits, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repository) ListMembers(ctx context.Context, workspaceID uuid.UUID) ([]*models.WorkspaceMember, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT workspace_id, user_id, role, allocated_credits, created_at
		FROM workspace_members WHERE workspace_id = $1 ORDER BY created_at
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.WorkspaceMember
	for rows.Next() {
		var m models.WorkspaceMember
		if err := rows.Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.AllocatedCredits, &m.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &m)
	}
	return list, rows.Err()
}

// DebitPool conditionally moves amount out of the workspace pool. Returns
// ErrInsufficientPool when the pool cannot cover it; this is what keeps the
// sum of member allocations within what the pool has actually paid out.
func (r *Repository) DebitPool(ctx context.Context, tx pgx.Tx, workspaceID uuid.UUID, amount float64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE workspaces SET pool_balance = pool_balance - $1, updated_at = now()
		WHERE id = $2 AND pool_balance >= $1
	`, amount, workspaceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientPool
	}
	return nil
}

func (r *Repository) CreditPool(ctx context.Context, tx pgx.Tx, workspaceID uuid.UUID, amount float64) error {
	_, err := tx.Exec(ctx, `
		UPDATE workspaces SET pool_balance = pool_balance + $1, updated_at = now() WHERE id = $2
	`, amount, workspaceID)
	return err
}

func (r *Repository) SetMemberAllocation(ctx context.Context, tx pgx.Tx, workspaceID, userID uuid.UUID, amount float64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE workspace_members SET allocated_credits = $3
		WHERE workspace_id = $1 AND user_id = $2
	`, workspaceID, userID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}
	return nil
}
