package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Generation unit statuses. Queued and Running are the dispatched sub-states
// surfaced for asynchronous units. Completed and Failed are terminal.
const (
	GenerationPending    = "pending"
	GenerationReserving  = "reserving"
	GenerationDispatched = "dispatched"
	GenerationQueued     = "queued"
	GenerationRunning    = "running"
	GenerationCompleted  = "completed"
	GenerationFailed     = "failed"
)

// Failure reason categories shown to users. Raw provider errors never leak.
const (
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonProviderRejected    = "provider_rejected"
	ReasonTimeout             = "timeout"
	ReasonCancelled           = "cancelled"
	ReasonInternal            = "internal_error"
)

// Credit sources.
const (
	SourcePersonal  = "personal"
	SourceWorkspace = "workspace"
	SourceAllocated = "allocated"
)

// Generation is one unit: a single model's execution within a (possibly
// multi-model) request. Units of the same request share CorrelationID.
type Generation struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	UserID        uuid.UUID       `json:"user_id"`
	WorkspaceID   uuid.UUID       `json:"workspace_id"`
	ModelID       string          `json:"model_id"`
	Type          string          `json:"type"`
	Prompt        string          `json:"prompt"`
	Options       json.RawMessage `json:"options,omitempty"`
	Quantity      int             `json:"quantity"`
	Status        string          `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Credits       *float64        `json:"credits,omitempty"`
	CreditSource  string          `json:"credit_source"`
	JobHandle     *string         `json:"-"`
	ReservationID *uuid.UUID      `json:"-"`
	Deadline      *time.Time      `json:"-"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the unit has reached a final state.
func (g *Generation) Terminal() bool {
	return g.Status == GenerationCompleted || g.Status == GenerationFailed
}

// GenerationResult is the persisted result payload.
type GenerationResult struct {
	URLs         []string `json:"urls,omitempty"`
	Text         string   `json:"text,omitempty"`
	InputTokens  int      `json:"input_tokens,omitempty"`
	OutputTokens int      `json:"output_tokens,omitempty"`
	Partial      bool     `json:"partial,omitempty"`
}
