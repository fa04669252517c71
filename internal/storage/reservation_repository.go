package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/sale-settlement/internal/ledger"
	"github.com/sale-settlement/internal/models"
)

// ReservationRepository holds phase supply for website orders until they
// are paid, released or expire
type ReservationRepository struct {
	db  *PostgresDB
	now func() time.Time
}

// NewReservationRepository creates a new reservation repository
func NewReservationRepository(db *PostgresDB) *ReservationRepository {
	return &ReservationRepository{db: db, now: time.Now}
}

// Reserve holds amount of the phase's supply for txHash until now+ttl.
// The phase row is locked so concurrent reservations see each other.
func (r *ReservationRepository) Reserve(ctx context.Context, saleName, txHash string, amount decimal.Decimal, ttl time.Duration) (*models.Reservation, error) {
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}

	now := r.now().UTC()
	res := &models.Reservation{
		ID:              uuid.New().String(),
		SaleName:        saleName,
		TransactionHash: txHash,
		Amount:          amount,
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
	}

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var remaining decimal.Decimal
		err := tx.QueryRow(ctx, `SELECT remaining_token FROM sale_phases WHERE name = $1 FOR UPDATE`, saleName).Scan(&remaining)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ledger.ErrPhaseNotFound, saleName)
			}
			return fmt.Errorf("failed to lock sale phase: %w", err)
		}

		var held decimal.Decimal
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(amount), 0) FROM supply_reservations
			WHERE sale_name = $1 AND expires_at > $2`,
			saleName, now,
		).Scan(&held)
		if err != nil {
			return fmt.Errorf("failed to sum reservations: %w", err)
		}

		if remaining.Sub(held).Sub(amount).IsNegative() {
			return fmt.Errorf("%w: %s has %s free, %s requested", ledger.ErrInsufficientSupply, saleName, remaining.Sub(held), amount)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO supply_reservations (id, sale_name, transaction_hash, amount, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			res.ID, res.SaleName, res.TransactionHash, res.Amount, res.ExpiresAt, res.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: reservation for %s", ErrDuplicate, txHash)
			}
			return fmt.Errorf("failed to insert reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Release drops the reservation of txHash, if any
func (r *ReservationRepository) Release(ctx context.Context, txHash string) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM supply_reservations WHERE transaction_hash = $1`, txHash); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// SweepExpired deletes reservations that expired before now and returns
// how many were removed
func (r *ReservationRepository) SweepExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx, `DELETE FROM supply_reservations WHERE expires_at <= $1`, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep reservations: %w", err)
	}
	return tag.RowsAffected(), nil
}
