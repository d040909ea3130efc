// Package ledger owns every credit balance mutation. Reservations are placed
// before dispatch and closed by exactly one settle or refund; all other
// components only read balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/atelierai/backend/internal/models"
)

// ErrInsufficientCredits is returned when the source balance cannot cover
// the requested reservation.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrReservationClosed is returned by Settle and Refund when the reservation
// was already settled or refunded. Callers treat it as a duplicate-delivery
// no-op.
var ErrReservationClosed = errors.New("reservation already closed")

// ErrInvariant marks an internal accounting violation, e.g. a settle amount
// above the reserved hold. It is logged operationally and never surfaced to
// end users.
var ErrInvariant = errors.New("ledger invariant violation")

// Source identifies exactly one credit balance: a user's personal balance, a
// workspace's shared pool, or a member's allocation inside a workspace.
type Source struct {
	Type        string
	UserID      uuid.UUID
	WorkspaceID *uuid.UUID
}

func (s Source) validate() error {
	switch s.Type {
	case models.SourcePersonal:
		return nil
	case models.SourceWorkspace, models.SourceAllocated:
		if s.WorkspaceID == nil {
			return fmt.Errorf("%s source requires a workspace id", s.Type)
		}
		return nil
	default:
		return fmt.Errorf("unknown credit source %q", s.Type)
	}
}

// Store is the persistence contract for the ledger. The postgres
// implementation serializes DebitSource per source identity with a
// conditional UPDATE; tests substitute an in-memory store and ignore tx.
type Store interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	DebitSource(ctx context.Context, tx pgx.Tx, src Source, amount float64) (balanceAfter float64, err error)
	CreditSource(ctx context.Context, tx pgx.Tx, src Source, amount float64) (balanceAfter float64, err error)
	SourceBalance(ctx context.Context, src Source) (float64, error)
	InsertReservation(ctx context.Context, tx pgx.Tx, res *models.Reservation) error
	LockHeldReservation(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Reservation, error)
	CloseReservation(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, settledAmount *float64) error
	GetReservation(ctx context.Context, id uuid.UUID) (*models.Reservation, error)
	AppendEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	ListEntriesByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	ListEntriesByWorkspace(ctx context.Context, workspaceID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

type Service interface {
	Reserve(ctx context.Context, generationID uuid.UUID, src Source, amount float64) (uuid.UUID, error)
	Settle(ctx context.Context, reservationID uuid.UUID, actualAmount float64) (charged float64, balanceAfter float64, err error)
	Refund(ctx context.Context, reservationID uuid.UUID) error
	Reservation(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, error)
	Balance(ctx context.Context, src Source) (float64, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

type service struct {
	store Store
	log   *slog.Logger
}

func NewService(store Store, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, log: log}
}

var _ Service = (*service)(nil)

// Reserve atomically checks and decrements the source's available balance
// and records the hold. Two concurrent reservations over the same source can
// never both observe sufficient balance: the debit is a single conditional
// UPDATE on the source row.
func (s *service) Reserve(ctx context.Context, generationID uuid.UUID, src Source, amount float64) (uuid.UUID, error) {
	if err := src.validate(); err != nil {
		return uuid.Nil, err
	}
	if amount < 0 {
		return uuid.Nil, fmt.Errorf("%w: negative reservation %v", ErrInvariant, amount)
	}
	resID := uuid.New()
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		balanceAfter, err := s.store.DebitSource(ctx, tx, src, amount)
		if err != nil {
			return err
		}
		res := &models.Reservation{
			ID:           resID,
			GenerationID: generationID,
			SourceType:   src.Type,
			UserID:       src.UserID,
			WorkspaceID:  src.WorkspaceID,
			Amount:       amount,
			Status:       models.ReservationHeld,
		}
		if err := s.store.InsertReservation(ctx, tx, res); err != nil {
			return err
		}
		return s.store.AppendEntry(ctx, tx, s.entry(res, models.LedgerOpReserve, amount, balanceAfter))
	})
	if err != nil {
		return uuid.Nil, err
	}
	return resID, nil
}

// Settle converts a reservation into a final debit of actualAmount and
// returns the unspent remainder to the source. An actual amount above the
// hold is an invariant violation: it is logged and capped at the reserved
// amount so no balance can go negative.
func (s *service) Settle(ctx context.Context, reservationID uuid.UUID, actualAmount float64) (float64, float64, error) {
	var charged, balanceAfter float64
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		res, err := s.store.LockHeldReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		charged = actualAmount
		if charged < 0 {
			charged = 0
		}
		if charged > res.Amount {
			s.log.Error("settle amount exceeds reservation, capping",
				"reservation_id", reservationID, "reserved", res.Amount, "actual", actualAmount)
			charged = res.Amount
		}
		src := Source{Type: res.SourceType, UserID: res.UserID, WorkspaceID: res.WorkspaceID}
		remainder := res.Amount - charged
		if remainder > 0 {
			balanceAfter, err = s.store.CreditSource(ctx, tx, src, remainder)
			if err != nil {
				return err
			}
		} else if balanceAfter, err = s.store.SourceBalance(ctx, src); err != nil {
			return err
		}
		if err := s.store.CloseReservation(ctx, tx, reservationID, models.ReservationSettled, &charged); err != nil {
			return err
		}
		return s.store.AppendEntry(ctx, tx, s.entry(res, models.LedgerOpSettle, charged, balanceAfter))
	})
	if err != nil {
		return 0, 0, err
	}
	return charged, balanceAfter, nil
}

// Refund fully reverses a reservation, restoring the source to its
// pre-reservation balance.
func (s *service) Refund(ctx context.Context, reservationID uuid.UUID) error {
	return s.store.WithTx(ctx, func(tx pgx.Tx) error {
		res, err := s.store.LockHeldReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		src := Source{Type: res.SourceType, UserID: res.UserID, WorkspaceID: res.WorkspaceID}
		balanceAfter, err := s.store.CreditSource(ctx, tx, src, res.Amount)
		if err != nil {
			return err
		}
		if err := s.store.CloseReservation(ctx, tx, reservationID, models.ReservationRefunded, nil); err != nil {
			return err
		}
		return s.store.AppendEntry(ctx, tx, s.entry(res, models.LedgerOpRefund, res.Amount, balanceAfter))
	})
}

func (s *service) Reservation(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, error) {
	return s.store.GetReservation(ctx, reservationID)
}

func (s *service) Balance(ctx context.Context, src Source) (float64, error) {
	if err := src.validate(); err != nil {
		return 0, err
	}
	return s.store.SourceBalance(ctx, src)
}

func (s *service) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	return s.store.ListEntriesByUser(ctx, userID, limit)
}

func (s *service) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	return s.store.ListEntriesByWorkspace(ctx, workspaceID, limit)
}

func (s *service) entry(res *models.Reservation, op string, amount, balanceAfter float64) *models.LedgerEntry {
	return &models.LedgerEntry{
		ID:            uuid.New(),
		ReservationID: res.ID,
		GenerationID:  res.GenerationID,
		Op:            op,
		SourceType:    res.SourceType,
		UserID:        res.UserID,
		WorkspaceID:   res.WorkspaceID,
		Amount:        amount,
		BalanceAfter:  &balanceAfter,
	}
}
