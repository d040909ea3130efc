package models

import (
	"time"

	"github.com/google/uuid"
)

// Workspace credit modes. A default (personal) workspace ignores the mode
// and always bills the owner's personal balance.
const (
	CreditModeShared     = "shared"
	CreditModeIndividual = "individual"
)

// Membership roles.
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

type Workspace struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	Name        string    `json:"name"`
	IsDefault   bool      `json:"is_default"`
	CreditMode  string    `json:"credit_mode"`
	PoolBalance float64   `json:"pool_balance"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type WorkspaceMember struct {
	WorkspaceID      uuid.UUID `json:"workspace_id"`
	UserID           uuid.UUID `json:"user_id"`
	Role             string    `json:"role"`
	AllocatedCredits float64   `json:"allocated_credits"`
	CreatedAt        time.Time `json:"created_at"`
}
