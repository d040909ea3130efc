package models

import (
	"encoding/json"
	"time"
)

// Model types.
const (
	ModelTypeImage = "image"
	ModelTypeVideo = "video"
	ModelTypeChat  = "chat"
)

// Model is one generation model offered by an external provider. BaseCost is
// the provider's actual USD cost per output unit (per image, per video, or
// per 1K tokens for chat). Options maps option name -> allowed value ->
// price multiplier; InputSchema is an optional JSON Schema for the prompt
// payload, compiled by the catalog at load time.
type Model struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Type            string          `json:"type"`
	Provider        string          `json:"provider"`
	BaseCost        float64         `json:"base_cost"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Enabled         bool            `json:"enabled"`
	Options         json.RawMessage `json:"options,omitempty"`
	InputSchema     json.RawMessage `json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// OptionValues decodes the Options column. A nil map means the model takes
// no options.
func (m *Model) OptionValues() (map[string]map[string]float64, error) {
	if len(m.Options) == 0 {
		return nil, nil
	}
	var out map[string]map[string]float64
	if err := json.Unmarshal(m.Options, &out); err != nil {
		return nil, err
	}
	return out, nil
}
