package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/sale-settlement/internal/ledger"
	"github.com/sale-settlement/internal/models"
	"github.com/sale-settlement/internal/types"
)

const phaseColumns = `id, name, start_sale, end_sale, amount, total_token, remaining_token, user_purchase_token`

// creditPhaseSQL moves $2 tokens from remaining to sold only if the result,
// less every other live reservation, stays non-negative.
const creditPhaseSQL = `
	UPDATE sale_phases
	SET user_purchase_token = user_purchase_token + $2,
	    remaining_token = remaining_token - $2,
	    updated_at = NOW()
	WHERE sale_phases.name = $1
	  AND sale_phases.remaining_token - $2 - COALESCE((
	        SELECT SUM(r.amount) FROM supply_reservations r
	        WHERE r.sale_name = sale_phases.name
	          AND r.expires_at > NOW()
	          AND r.transaction_hash <> $3
	      ), 0) >= 0
	RETURNING ` + phaseColumns

const debitPhaseSQL = `
	UPDATE sale_phases
	SET user_purchase_token = user_purchase_token - $2,
	    remaining_token = remaining_token + $2,
	    updated_at = NOW()
	WHERE name = $1 AND user_purchase_token - $2 >= 0
	RETURNING ` + phaseColumns

// SaleRepository persists sale phases and implements ledger.Store
type SaleRepository struct {
	db *PostgresDB
}

// NewSaleRepository creates a new sale repository
func NewSaleRepository(db *PostgresDB) *SaleRepository {
	return &SaleRepository{db: db}
}

var _ ledger.Store = (*SaleRepository)(nil)

// Create inserts a phase with nothing sold yet
func (r *SaleRepository) Create(ctx context.Context, phase *models.SalePhase) error {
	query := `
		INSERT INTO sale_phases (name, start_sale, end_sale, amount, total_token, remaining_token, user_purchase_token)
		VALUES ($1, $2, $3, $4, $5, $5, 0)
		RETURNING ` + phaseColumns

	created, err := scanPhase(r.db.Pool().QueryRow(ctx, query,
		phase.Name,
		phase.StartSale.UTC(),
		phase.EndSale.UTC(),
		phase.Amount,
		phase.TotalToken,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: sale phase %s", ErrDuplicate, phase.Name)
		}
		return fmt.Errorf("failed to create sale phase: %w", err)
	}

	*phase = *created
	return nil
}

// ListPhases returns every phase ordered by start_sale
func (r *SaleRepository) ListPhases(ctx context.Context) ([]*models.SalePhase, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT `+phaseColumns+` FROM sale_phases ORDER BY start_sale`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sale phases: %w", err)
	}
	defer rows.Close()

	var phases []*models.SalePhase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sale phase: %w", err)
		}
		phases = append(phases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sale phases: %w", err)
	}
	return phases, nil
}

// GetPhaseByName retrieves a phase by its unique name
func (r *SaleRepository) GetPhaseByName(ctx context.Context, name string) (*models.SalePhase, error) {
	p, err := scanPhase(r.db.Pool().QueryRow(ctx, `SELECT `+phaseColumns+` FROM sale_phases WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrPhaseNotFound, name)
		}
		return nil, fmt.Errorf("failed to get sale phase: %w", err)
	}
	return p, nil
}

// ApplyPurchase credits delta to the phase without touching any order
func (r *SaleRepository) ApplyPurchase(ctx context.Context, name string, delta decimal.Decimal) (*models.SalePhase, error) {
	var phase *models.SalePhase
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := creditPhase(ctx, tx, name, "", delta)
		phase = p
		return err
	})
	if err != nil {
		return nil, err
	}
	return phase, nil
}

// SettleOrder flips the order's settlement flags, credits the phase and
// consumes the order's reservation in one transaction.
func (r *SaleRepository) SettleOrder(ctx context.Context, txHash, phaseName string, amount decimal.Decimal) (*models.SalePhase, error) {
	var phase *models.SalePhase
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET is_sale = TRUE, is_process = TRUE
			WHERE transaction_hash = $1 AND is_process = FALSE AND status = $2`,
			txHash, string(types.StatusPaid),
		)
		if err != nil {
			return fmt.Errorf("failed to mark order settled: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return orderSettleRejection(ctx, tx, txHash)
		}

		p, err := creditPhase(ctx, tx, phaseName, txHash, amount)
		if err != nil {
			return err
		}
		phase = p

		if _, err := tx.Exec(ctx, `DELETE FROM supply_reservations WHERE transaction_hash = $1`, txHash); err != nil {
			return fmt.Errorf("failed to consume reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return phase, nil
}

// UnsettleOrder reverses SettleOrder
func (r *SaleRepository) UnsettleOrder(ctx context.Context, txHash, phaseName string, amount decimal.Decimal) (*models.SalePhase, error) {
	var phase *models.SalePhase
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET is_sale = FALSE, is_process = FALSE
			WHERE transaction_hash = $1 AND is_process = TRUE`,
			txHash,
		)
		if err != nil {
			return fmt.Errorf("failed to clear order settlement: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ledger.ErrNotSettled
		}

		p, err := scanPhase(tx.QueryRow(ctx, debitPhaseSQL, phaseName, amount))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if exists, _ := phaseExists(ctx, tx, phaseName); !exists {
					return fmt.Errorf("%w: %s", ledger.ErrPhaseNotFound, phaseName)
				}
				return fmt.Errorf("%w: sold counter of %s is below %s", ledger.ErrInvalidAmount, phaseName, amount)
			}
			return fmt.Errorf("failed to refund sale phase: %w", err)
		}
		phase = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return phase, nil
}

func creditPhase(ctx context.Context, tx pgx.Tx, name, txHash string, amount decimal.Decimal) (*models.SalePhase, error) {
	p, err := scanPhase(tx.QueryRow(ctx, creditPhaseSQL, name, amount, txHash))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to credit sale phase: %w", err)
	}

	exists, err := phaseExists(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ledger.ErrPhaseNotFound, name)
	}
	return nil, fmt.Errorf("%w: %s cannot take %s", ledger.ErrInsufficientSupply, name, amount)
}

func phaseExists(ctx context.Context, tx pgx.Tx, name string) (bool, error) {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sale_phases WHERE name = $1)`, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check sale phase: %w", err)
	}
	return exists, nil
}

func orderSettleRejection(ctx context.Context, tx pgx.Tx, txHash string) error {
	var (
		status    string
		isProcess bool
	)
	err := tx.QueryRow(ctx, `SELECT status, is_process FROM orders WHERE transaction_hash = $1`, txHash).Scan(&status, &isProcess)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: order %s", ErrNotFound, txHash)
		}
		return fmt.Errorf("failed to check order: %w", err)
	}
	if isProcess {
		return ledger.ErrAlreadySettled
	}
	return fmt.Errorf("%w: order %s is %s", ErrStatusConflict, txHash, status)
}

func scanPhase(row pgx.Row) (*models.SalePhase, error) {
	var p models.SalePhase
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.StartSale,
		&p.EndSale,
		&p.Amount,
		&p.TotalToken,
		&p.RemainingToken,
		&p.UserPurchaseToken,
	)
	if err != nil {
		return nil, err
	}
	p.StartSale = p.StartSale.UTC()
	p.EndSale = p.EndSale.UTC()
	return &p, nil
}
