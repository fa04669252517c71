package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/sale-settlement/internal/models"
	"github.com/sale-settlement/internal/types"
)

const orderColumns = `id, transaction_hash, status, user_wallet_address, receiver_wallet_address, network,
	price_currency, price_amount, token_crypto_amount, is_sale, is_process, sale_name, sale_type, source,
	referred_user_wallet_address, block_number, block_hash, gas_used, effective_gas_price, created_at, paid_at`

// Payment is the on-chain evidence recorded when an order becomes paid
type Payment struct {
	BlockNumber       uint64
	BlockHash         string
	GasUsed           string
	EffectiveGasPrice string
	PaidAt            time.Time
}

// OrderRepository handles order persistence
type OrderRepository struct {
	db *PostgresDB
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *PostgresDB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts an order unless one with the same transaction hash (or,
// for referral credits, the same referred user) already exists. Reports
// whether a row was written.
func (r *OrderRepository) Create(ctx context.Context, order *models.Order) (bool, error) {
	query := `
		INSERT INTO orders (
			transaction_hash, status, user_wallet_address, receiver_wallet_address, network,
			price_currency, price_amount, token_crypto_amount, is_sale, is_process, sale_name,
			sale_type, source, referred_user_wallet_address, block_number, block_hash, gas_used,
			effective_gas_price, paid_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT DO NOTHING
		RETURNING id, created_at
	`

	var blockNumber *int64
	if order.BlockNumber != nil {
		n := int64(*order.BlockNumber) // #nosec G115 - block heights fit in int64
		blockNumber = &n
	}

	err := r.db.Pool().QueryRow(ctx, query,
		order.TransactionHash,
		string(order.Status),
		order.UserWalletAddress,
		order.ReceiverWalletAddress,
		string(order.Network),
		order.PriceCurrency,
		order.PriceAmount,
		order.TokenCryptoAmount,
		order.IsSale,
		order.SaleName,
		string(order.SaleType),
		string(order.Source),
		order.ReferredUserWalletAddress,
		blockNumber,
		order.BlockHash,
		order.GasUsed,
		order.EffectiveGasPrice,
		order.PaidAt,
	).Scan(&order.ID, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create order: %w", err)
	}

	order.IsProcess = false
	return true, nil
}

// GetByTxHash retrieves an order by its transaction hash
func (r *OrderRepository) GetByTxHash(ctx context.Context, txHash string) (*models.Order, error) {
	o, err := scanOrder(r.db.Pool().QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE transaction_hash = $1`, txHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, txHash)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// GetByID retrieves an order by its numeric id
func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	o, err := scanOrder(r.db.Pool().QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// UpdateStatus moves the order to status `to` only if it is currently in
// one of `from`. Returns ErrStatusConflict when it is not.
func (r *OrderRepository) UpdateStatus(ctx context.Context, txHash string, from []types.OrderStatus, to types.OrderStatus) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE orders SET status = $2
		WHERE transaction_hash = $1 AND status = ANY($3)`,
		txHash, string(to), statusStrings(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.statusConflict(ctx, txHash, to)
	}
	return nil
}

// MarkPaid moves the order to paid from one of `from` and records the
// on-chain evidence.
func (r *OrderRepository) MarkPaid(ctx context.Context, txHash string, from []types.OrderStatus, p Payment) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE orders
		SET status = $2,
		    paid_at = $3,
		    block_number = COALESCE($4, block_number),
		    block_hash = COALESCE(NULLIF($5, ''), block_hash),
		    gas_used = COALESCE(NULLIF($6, ''), gas_used),
		    effective_gas_price = COALESCE(NULLIF($7, ''), effective_gas_price)
		WHERE transaction_hash = $1 AND status = ANY($8)`,
		txHash,
		string(types.StatusPaid),
		p.PaidAt.UTC(),
		nullableBlock(p.BlockNumber),
		p.BlockHash,
		p.GasUsed,
		p.EffectiveGasPrice,
		statusStrings(from),
	)
	if err != nil {
		return fmt.Errorf("failed to mark order paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.statusConflict(ctx, txHash, types.StatusPaid)
	}
	return nil
}

// ListAwaitingPhase returns paid purchases of a phase not yet counted into it
func (r *OrderRepository) ListAwaitingPhase(ctx context.Context, saleName string) ([]*models.Order, error) {
	return r.list(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE sale_name = $1 AND is_sale = FALSE AND status = $2 AND source = $3
		ORDER BY created_at`,
		saleName, string(types.StatusPaid), string(types.SourcePurchase),
	)
}

// ListUnsettled returns paid orders marked for sale whose ledger write has
// not committed yet
func (r *OrderRepository) ListUnsettled(ctx context.Context, limit int) ([]*models.Order, error) {
	return r.list(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE is_sale = TRUE AND is_process = FALSE AND status = $1
		ORDER BY created_at
		LIMIT $2`,
		string(types.StatusPaid), limit,
	)
}

// CountPaidPurchases counts a wallet's paid purchase orders
func (r *OrderRepository) CountPaidPurchases(ctx context.Context, wallet string) (int64, error) {
	var count int64
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE LOWER(user_wallet_address) = LOWER($1) AND status = $2 AND source = $3`,
		wallet, string(types.StatusPaid), string(types.SourcePurchase),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count paid orders: %w", err)
	}
	return count, nil
}

// TotalSold sums the tokens of every settled order in a phase
func (r *OrderRepository) TotalSold(ctx context.Context, saleName string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COALESCE(SUM(token_crypto_amount), 0) FROM orders
		WHERE sale_name = $1 AND is_process = TRUE`,
		saleName,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum sold tokens: %w", err)
	}
	return total, nil
}

func (r *OrderRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Order, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

func (r *OrderRepository) statusConflict(ctx context.Context, txHash string, to types.OrderStatus) error {
	current, err := r.GetByTxHash(ctx, txHash)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: order %s is %s, cannot become %s", ErrStatusConflict, txHash, current.Status, to)
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		o           models.Order
		status      string
		network     string
		saleType    string
		source      string
		blockNumber *int64
	)
	err := row.Scan(
		&o.ID,
		&o.TransactionHash,
		&status,
		&o.UserWalletAddress,
		&o.ReceiverWalletAddress,
		&network,
		&o.PriceCurrency,
		&o.PriceAmount,
		&o.TokenCryptoAmount,
		&o.IsSale,
		&o.IsProcess,
		&o.SaleName,
		&saleType,
		&source,
		&o.ReferredUserWalletAddress,
		&blockNumber,
		&o.BlockHash,
		&o.GasUsed,
		&o.EffectiveGasPrice,
		&o.CreatedAt,
		&o.PaidAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = types.OrderStatus(status)
	o.Network = types.Network(network)
	o.SaleType = types.SaleType(saleType)
	o.Source = types.OrderSource(source)
	if blockNumber != nil {
		n := uint64(*blockNumber) // #nosec G115 - stored from a uint64
		o.BlockNumber = &n
	}
	return &o, nil
}

func statusStrings(statuses []types.OrderStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullableBlock(n uint64) *int64 {
	if n == 0 {
		return nil
	}
	v := int64(n) // #nosec G115 - block heights fit in int64
	return &v
}
