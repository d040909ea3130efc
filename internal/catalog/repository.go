package catalog

import (
	"context"

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

const modelColumns = `id, name, type, provider, base_cost, max_output_tokens, enabled, options, input_schema, created_at, updated_at`

func (r *Repository) ListEnabled(ctx context.Context) ([]*models.Model, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+modelColumns+` FROM models WHERE enabled ORDER BY type, id
	`)
	if err != nil {
		return nil, err
	}
	return scanModels(rows)
}

func (r *Repository) GetByID(ctx context.Context, id string) (*models.Model, error) {
	var m models.Model
	err := r.pool.QueryRow(ctx, `
		SELECT `+modelColumns+` FROM models WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.Type, &m.Provider, &m.BaseCost, &m.MaxOutputTokens,
		&m.Enabled, &m.Options, &m.InputSchema, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanModels(rows pgx.Rows) ([]*models.Model, error) {
	defer rows.Close()
	var list []*models.Model
	for rows.Next() {
		var m models.Model
		if err := rows.Scan(&m.ID, &m.Name, &m.Type, &m.Provider, &m.BaseCost, &m.MaxOutputTokens,
			&m.Enabled, &m.Options, &m.InputSchema, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &m)
	}
	return list, rows.Err()
}
