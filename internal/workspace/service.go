// Package workspace manages workspaces, memberships, credit modes, and
// member allocations. The credit ledger debits and credits the balances this
// package sets up; only allocation moves between the pool and members happen
// here.
package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/atelierai/backend/internal/ledger"
	"github.com/atelierai/backend/internal/models"
)

var (
	// ErrNotMember is returned when a user has no membership in the workspace.
	ErrNotMember = errors.New("not a workspace member")
	// ErrInsufficientPool is returned when the shared pool cannot cover an
	// allocation increase.
	ErrInsufficientPool = errors.New("insufficient workspace pool")
	// ErrDefaultWorkspace is returned for operations a default (personal)
	// workspace does not support.
	ErrDefaultWorkspace = errors.New("operation not allowed on default workspace")
)

// Store is the persistence contract for the service.
type Store interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	Create(ctx context.Context, tx pgx.Tx, ws *models.Workspace) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Workspace, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Workspace, error)
	SetCreditMode(ctx context.Context, id uuid.UUID, mode string) error
	AddMember(ctx context.Context, tx pgx.Tx, m *models.WorkspaceMember) error
	GetMember(ctx context.Context, workspaceID, userID uuid.UUID) (*models.WorkspaceMember, error)
	ListMembers(ctx context.Context, workspaceID uuid.UUID) ([]*models.WorkspaceMember, error)
	DebitPool(ctx context.Context, tx pgx.Tx, workspaceID uuid.UUID, amount float64) error
	CreditPool(ctx context.Context, tx pgx.Tx, workspaceID uuid.UUID, amount float64) error
	SetMemberAllocation(ctx context.Context, tx pgx.Tx, workspaceID, userID uuid.UUID, amount float64) error
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create makes a non-default workspace with the creator as owner member.
func (s *Service) Create(ctx context.Context, ownerID uuid.UUID, name, creditMode string) (*models.Workspace, error) {
	if creditMode != models.CreditModeShared && creditMode != models.CreditModeIndividual {
		return nil, fmt.Errorf("invalid credit mode %q", creditMode)
	}
	ws := &models.Workspace{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		Name:       name,
		CreditMode: creditMode,
	}
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.store.Create(ctx, tx, ws); err != nil {
			return err
		}
		return s.store.AddMember(ctx, tx, &models.WorkspaceMember{
			WorkspaceID: ws.ID,
			UserID:      ownerID,
			Role:        models.RoleOwner,
		})
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Workspace, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Workspace, error) {
	return s.store.ListForUser(ctx, userID)
}

func (s *Service) Members(ctx context.Context, workspaceID uuid.UUID) ([]*models.WorkspaceMember, error) {
	return s.store.ListMembers(ctx, workspaceID)
}

// SetCreditMode switches between shared and individual billing. Default
// workspaces always bill the personal balance and cannot change mode.
func (s *Service) SetCreditMode(ctx context.Context, workspaceID uuid.UUID, mode string) error {
	if mode != models.CreditModeShared && mode != models.CreditModeIndividual {
		return fmt.Errorf("invalid credit mode %q", mode)
	}
	ws, err := s.store.GetByID(ctx, workspaceID)
	if err != nil {
		return err
	}
	if ws.IsDefault {
		return ErrDefaultWorkspace
	}
	return s.store.SetCreditMode(ctx, workspaceID, mode)
}

// AddMember adds a user to a non-default workspace.
func (s *Service) AddMember(ctx context.Context, workspaceID, userID uuid.UUID, role string) (*models.WorkspaceMember, error) {
	if role != models.RoleOwner && role != models.RoleMember {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	ws, err := s.store.GetByID(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ws.IsDefault {
		return nil, ErrDefaultWorkspace
	}
	m := &models.WorkspaceMember{WorkspaceID: workspaceID, UserID: userID, Role: role}
	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		return s.store.AddMember(ctx, tx, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SetAllocation sets a member's individual allocation, moving the difference
// between the shared pool and the allocation in one transaction. An increase
// that the pool cannot cover fails with ErrInsufficientPool.
func (s *Service) SetAllocation(ctx context.Context, workspaceID, userID uuid.UUID, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("allocation must be non-negative")
	}
	member, err := s.store.GetMember(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	delta := amount - member.AllocatedCredits
	return s.store.WithTx(ctx, func(tx pgx.Tx) error {
		switch {
		case delta > 0:
			if err := s.store.DebitPool(ctx, tx, workspaceID, delta); err != nil {
				return err
			}
		case delta < 0:
			if err := s.store.CreditPool(ctx, tx, workspaceID, -delta); err != nil {
				return err
			}
		}
		return s.store.SetMemberAllocation(ctx, tx, workspaceID, userID, amount)
	})
}

// ResolveSource maps a (workspace, user) pair to the credit source a
// generation bills: personal for default workspaces, the shared pool or the
// member's allocation otherwise. The caller must already be authorized for
// the workspace; membership is still checked because the source depends on
// it.
func (s *Service) ResolveSource(ctx context.Context, workspaceID, userID uuid.UUID) (ledger.Source, error) {
	ws, err := s.store.GetByID(ctx, workspaceID)
	if err != nil {
		return ledger.Source{}, err
	}
	if ws.IsDefault {
		return ledger.Source{Type: models.SourcePersonal, UserID: userID}, nil
	}
	if _, err := s.store.GetMember(ctx, workspaceID, userID); err != nil {
		return ledger.Source{}, err
	}
	wsID := ws.ID
	switch ws.CreditMode {
	case models.CreditModeIndividual:
		return ledger.Source{Type: models.SourceAllocated, UserID: userID, WorkspaceID: &wsID}, nil
	default:
		return ledger.Source{Type: models.SourceWorkspace, UserID: userID, WorkspaceID: &wsID}, nil
	}
}
