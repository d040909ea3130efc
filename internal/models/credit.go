package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger operations. The ledger is append-only; balances cached on users,
// workspaces, and memberships must always be derivable by replay.
const (
	LedgerOpReserve = "reserve"
	LedgerOpSettle  = "settle"
	LedgerOpRefund  = "refund"
)

// Reservation statuses. Every HELD reservation is closed by exactly one
// settle or refund.
const (
	ReservationHeld     = "HELD"
	ReservationSettled  = "SETTLED"
	ReservationRefunded = "REFUNDED"
)

// Reservation is a provisional credit hold placed before dispatch.
type Reservation struct {
	ID            uuid.UUID  `json:"id"`
	GenerationID  uuid.UUID  `json:"generation_id"`
	SourceType    string     `json:"source_type"`
	UserID        uuid.UUID  `json:"user_id"`
	WorkspaceID   *uuid.UUID `json:"workspace_id,omitempty"`
	Amount        float64    `json:"amount"`
	Status        string     `json:"status"`
	SettledAmount *float64   `json:"settled_amount,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type LedgerEntry struct {
	ID            uuid.UUID  `json:"id"`
	ReservationID uuid.UUID  `json:"reservation_id"`
	GenerationID  uuid.UUID  `json:"generation_id"`
	Op            string     `json:"op"`
	SourceType    string     `json:"source_type"`
	UserID        uuid.UUID  `json:"user_id"`
	WorkspaceID   *uuid.UUID `json:"workspace_id,omitempty"`
	Amount        float64    `json:"amount"`
	BalanceAfter  *float64   `json:"balance_after,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
