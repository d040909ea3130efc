// Package pricing converts provider base costs into user-facing credit
// amounts. Everything here is pure: callers pass the current settings
// snapshot in, nothing is cached or mutated.
package pricing

import (
	"errors"
	"fmt"

	"github.com/atelierai/backend/internal/models"
)

// ErrConfiguration is returned when pricing settings are unusable, e.g. a
// non-positive credit price. It is never clamped away silently.
var ErrConfiguration = errors.New("pricing configuration error")

// approxBytesPerToken is used only for pessimistic chat estimates before a
// provider reports real usage.
const approxBytesPerToken = 4

// Credits converts a total provider cost in USD into credits:
//
//	credits = cost * (1 + margin/100) / creditPrice
//
// where margin is the per-type override when non-zero, else the universal
// margin.
func Credits(s models.PricingSettings, modelType string, costUSD float64) (float64, error) {
	if s.CreditPrice <= 0 {
		return 0, fmt.Errorf("%w: credit price %v must be positive", ErrConfiguration, s.CreditPrice)
	}
	if costUSD < 0 {
		return 0, fmt.Errorf("%w: negative cost %v", ErrConfiguration, costUSD)
	}
	margin := effectiveMargin(s, modelType)
	return costUSD * (1 + margin/100) / s.CreditPrice, nil
}

// Estimate computes the credit charge for a unit-priced generation (image or
// video): base cost times the product of selected option multipliers times
// the requested quantity, marked up and converted to credits.
func Estimate(s models.PricingSettings, m *models.Model, selected map[string]string, quantity int) (float64, error) {
	if quantity <= 0 {
		quantity = 1
	}
	mult, err := OptionMultiplier(m, selected)
	if err != nil {
		return 0, err
	}
	return Credits(s, m.Type, m.BaseCost*mult*float64(quantity))
}

// EstimateChat is the pessimistic pre-reservation bound for a chat unit: the
// model's max output tokens plus an approximate prompt token count, priced at
// the per-1K-token base cost. Settlement later uses ActualChat with the
// provider-reported counts.
func EstimateChat(s models.PricingSettings, m *models.Model, prompt string) (float64, error) {
	maxOut := m.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = 4096
	}
	promptTokens := len(prompt)/approxBytesPerToken + 1
	return tokenCredits(s, m, promptTokens+maxOut)
}

// ActualChat computes the settled charge from reported input and output
// token counts.
func ActualChat(s models.PricingSettings, m *models.Model, inputTokens, outputTokens int) (float64, error) {
	return tokenCredits(s, m, inputTokens+outputTokens)
}

func tokenCredits(s models.PricingSettings, m *models.Model, tokens int) (float64, error) {
	if tokens < 0 {
		tokens = 0
	}
	return Credits(s, m.Type, m.BaseCost*float64(tokens)/1000)
}

// OptionMultiplier returns the product of the price multipliers of every
// selected option value. Options absent from the model schema default to
// 1.0; a value the schema does not list is an error so callers reject it
// before any credits move.
func OptionMultiplier(m *models.Model, selected map[string]string) (float64, error) {
	schema, err := m.OptionValues()
	if err != nil {
		return 0, fmt.Errorf("model %s options: %w", m.ID, err)
	}
	mult := 1.0
	for name, value := range selected {
		values, ok := schema[name]
		if !ok {
			return 0, fmt.Errorf("model %s has no option %q", m.ID, name)
		}
		factor, ok := values[value]
		if !ok {
			return 0, fmt.Errorf("model %s option %q has no value %q", m.ID, name, value)
		}
		if factor > 0 {
			mult *= factor
		}
	}
	return mult, nil
}

func effectiveMargin(s models.PricingSettings, modelType string) float64 {
	var override float64
	switch modelType {
	case models.ModelTypeImage:
		override = s.ProfitMarginImage
	case models.ModelTypeVideo:
		override = s.ProfitMarginVideo
	case models.ModelTypeChat:
		override = s.ProfitMarginChat
	}
	if override != 0 {
		return override
	}
	return s.ProfitMargin
}
