package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelierai/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateWithDefaultWorkspace inserts the user, their default workspace, and
// the owner membership atomically.
func (r *Repository) CreateWithDefaultWorkspace(ctx context.Context, u *models.User) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO users (id, email, name, password_hash, credit_balance)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, u.ID, u.Email, u.Name, u.PasswordHash, u.CreditBalance).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return err
	}

	wsID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO workspaces (id, owner_id, name, is_default, credit_mode, pool_balance)
		VALUES ($1, $2, 'Personal', true, 'shared', 0)
	`, wsID, u.ID)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role, allocated_credits)
		VALUES ($1, $2, 'owner', 0)
	`, wsID, u.ID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, name, password_hash, credit_balance, created_at, updated_at
		FROM users WHERE email = $1
	`, email).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreditBalance, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, name, password_hash, credit_balance, created_at, updated_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreditBalance, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
