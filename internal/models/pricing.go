package models

import "time"

// PricingSettings is process-wide billing configuration. Margins are
// percentages; a per-type margin of zero falls back to ProfitMargin.
// CreditPrice is USD per credit and must be positive. Read-only to the
// generation core, mutated only through the admin endpoint.
type PricingSettings struct {
	ProfitMargin      float64   `json:"profit_margin"`
	ProfitMarginImage float64   `json:"profit_margin_image"`
	ProfitMarginVideo float64   `json:"profit_margin_video"`
	ProfitMarginChat  float64   `json:"profit_margin_chat"`
	CreditPrice       float64   `json:"credit_price"`
	FreeCreditGrant   float64   `json:"free_credit_grant"`
	UpdatedAt         time.Time `json:"updated_at"`
}
