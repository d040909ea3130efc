package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelierai/backend/internal/models"
)

// PostgresStore implements Store over pgx. Reserve atomicity per source
// relies on the conditional UPDATE in DebitSource: the row update both
// checks and decrements the balance, so concurrent reservations serialize on
// the source row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DebitSource(ctx context.Context, tx pgx.Tx, src Source, amount float64) (float64, error) {
	var balance float64
	var err error
	switch src.Type {
	case models.SourcePersonal:
		err = tx.QueryRow(ctx, `
			UPDATE users SET credit_balance = credit_balance - $1, updated_at = now()
			WHERE id = $2 AND credit_balance >= $1
			RETURNING credit_balance
		`, amount, src.UserID).Scan(&balance)
	case models.SourceWorkspace:
		err = tx.QueryRow(ctx, `
			UPDATE workspaces SET pool_balance = pool_balance - $1, updated_at = now()
			WHERE id = $2 AND pool_balance >= $1
			RETURNING pool_balance
		`, amount, *src.WorkspaceID).Scan(&balance)
	case models.SourceAllocated:
		err = tx.QueryRow(ctx, `
			UPDATE workspace_members SET allocated_credits = allocated_credits - $1
			WHERE workspace_id = $2 AND user_id = $3 AND allocated_credits >= $1
			RETURNING allocated_credits
		`, amount, *src.WorkspaceID, src.UserID).Scan(&balance)
	default:
		return 0, fmt.Errorf("unknown credit source %q", src.Type)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientCredits
	}
	return balance, err
}

func (s *PostgresStore) CreditSource(ctx context.Context, tx pgx.Tx, src Source, amount float64) (float64, error) {
	var balance float64
	var err error
	switch src.Type {
	case models.SourcePersonal:
		err = tx.QueryRow(ctx, `
			UPDATE users SET credit_balance = credit_balance + $1, updated_at = now()
			WHERE id = $2
			RETURNING credit_balance
		`, amount, src.UserID).Scan(&balance)
	case models.SourceWorkspace:
		err = tx.QueryRow(ctx, `
			UPDATE workspaces SET pool_balance = pool_balance + $1, updated_at = now()
			WHERE id = $2
			RETURNING pool_balance
		`, amount, *src.WorkspaceID).Scan(&balance)
	case models.SourceAllocated:
		err = tx.QueryRow(ctx, `
			UPDATE workspace_members SET allocated_credits = allocated_credits + $1
			WHERE workspace_id = $2 AND user_id = $3
			RETURNING allocated_credits
		`, amount, *src.WorkspaceID, src.UserID).Scan(&balance)
	default:
		return 0, fmt.Errorf("unknown credit source %q", src.Type)
	}
	return balance, err
}

func (s *PostgresStore) SourceBalance(ctx context.Context, src Source) (float64, error) {
	var balance float64
	var err error
	switch src.Type {
	case models.SourcePersonal:
		err = s.pool.QueryRow(ctx, `SELECT credit_balance FROM users WHERE id = $1`, src.UserID).Scan(&balance)
	case models.SourceWorkspace:
		err = s.pool.QueryRow(ctx, `SELECT pool_balance FROM workspaces WHERE id = $1`, *src.WorkspaceID).Scan(&balance)
	case models.SourceAllocated:
		err = s.pool.QueryRow(ctx, `
			SELECT allocated_credits FROM workspace_members WHERE workspace_id = $1 AND user_id = $2
		`, *src.WorkspaceID, src.UserID).Scan(&balance)
	default:
		return 0, fmt.Errorf("unknown credit source %q", src.Type)
	}
	return balance, err
}

func (s *PostgresStore) InsertReservation(ctx context.Context, tx pgx.Tx, res *models.Reservation) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_reservations (id, generation_id, source_type, user_id, workspace_id, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, res.ID, res.GenerationID, res.SourceType, res.UserID, res.WorkspaceID, res.Amount, res.Status).Scan(&res.CreatedAt)
}

// LockHeldReservation reads the reservation FOR UPDATE so concurrent settle
// and refund attempts serialize; a reservation no longer HELD reports
// ErrReservationClosed.
func (s *PostgresStore) LockHeldReservation(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Reservation, error) {
	var res models.Reservation
	err := tx.QueryRow(ctx, `
		SELECT id, generation_id, source_type, user_id, workspace_id, amount, status, settled_amount, created_at
		FROM credit_reservations WHERE id = $1 AND status = 'HELD'
		FOR UPDATE
	`, id).Scan(&res.ID, &res.GenerationID, &res.SourceType, &res.UserID, &res.WorkspaceID,
		&res.Amount, &res.Status, &res.SettledAmount, &res.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReservationClosed
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *PostgresStore) GetReservation(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	var res models.Reservation
	err := s.pool.QueryRow(ctx, `
		SELECT id, generation_id, source_type, user_id, workspace_id, amount, status, settled_amount, created_at
		FROM credit_reservations WHERE id = $1
	`, id).Scan(&res.ID, &res.GenerationID, &res.SourceType, &res.UserID, &res.WorkspaceID,
		&res.Amount, &res.Status, &res.SettledAmount, &res.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *PostgresStore) CloseReservation(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, settledAmount *float64) error {
	_, err := tx.Exec(ctx, `
		UPDATE credit_reservations SET status = $2, settled_amount = $3 WHERE id = $1
	`, id, status, settledAmount)
	return err
}

func (s *PostgresStore) AppendEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (id, reservation_id, generation_id, op, source_type, user_id, workspace_id, amount, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, e.ID, e.ReservationID, e.GenerationID, e.Op, e.SourceType, e.UserID, e.WorkspaceID, e.Amount, e.BalanceAfter).Scan(&e.CreatedAt)
}

func (s *PostgresStore) ListEntriesByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, reservation_id, generation_id, op, source_type, user_id, workspace_id, amount, balance_after, created_at
		FROM credit_ledger WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *PostgresStore) ListEntriesByWorkspace(ctx context.Context, workspaceID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, reservation_id, generation_id, op, source_type, user_id, workspace_id, amount, balance_after, created_at
		FROM credit_ledger WHERE workspace_id = $1 ORDER BY created_at DESC LIMIT $2
	`, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]*models.LedgerEntry, error) {
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.ReservationID, &e.GenerationID, &e.Op, &e.SourceType,
			&e.UserID, &e.WorkspaceID, &e.Amount, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
