package settings

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelierai/backend/internal/models"
)

// Repository reads and writes the singleton pricing_settings row.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Get(ctx context.Context) (models.PricingSettings, error) {
	var s models.PricingSettings
	err := r.pool.QueryRow(ctx, `
		SELECT profit_margin, profit_margin_image, profit_margin_video, profit_margin_chat,
			credit_price, free_credit_grant, updated_at
		FROM pricing_settings WHERE id = 1
	`).Scan(&s.ProfitMargin, &s.ProfitMarginImage, &s.ProfitMarginVideo, &s.ProfitMarginChat,
		&s.CreditPrice, &s.FreeCreditGrant, &s.UpdatedAt)
	return s, err
}

func (r *Repository) Update(ctx context.Context, s models.PricingSettings) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE pricing_settings
		SET profit_margin = $1, profit_margin_image = $2, profit_margin_video = $3,
			profit_margin_chat = $4, credit_price = $5, free_credit_grant = $6, updated_at = now()
		WHERE id = 1
	`, s.ProfitMargin, s.ProfitMarginImage, s.ProfitMarginVideo, s.ProfitMarginChat,
		s.CreditPrice, s.FreeCreditGrant)
	return err
}
