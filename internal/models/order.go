package models

import (
	"time"

	"github.com/sale-settlement/internal/types"
	"github.com/shopspring/decimal"
)

// Order is one purchase attempt, on-chain or gateway originated.
// IsProcess guards against counting the order into a phase more than once.
type Order struct {
	ID                        int64             `json:"id" db:"id"`
	TransactionHash           string            `json:"transactionHash" db:"transaction_hash"`
	Status                    types.OrderStatus `json:"status" db:"status"`
	UserWalletAddress         string            `json:"user_wallet_address" db:"user_wallet_address"`
	ReceiverWalletAddress     string            `json:"receiver_wallet_address" db:"receiver_wallet_address"`
	Network                   types.Network     `json:"network" db:"network"`
	PriceCurrency             string            `json:"price_currency" db:"price_currency"`
	PriceAmount               decimal.Decimal   `json:"price_amount" db:"price_amount"`
	TokenCryptoAmount         decimal.Decimal   `json:"token_cryptoAmount" db:"token_crypto_amount"`
	IsSale                    bool              `json:"is_sale" db:"is_sale"`
	IsProcess                 bool              `json:"is_process" db:"is_process"`
	SaleName                  string            `json:"sale_name" db:"sale_name"`
	SaleType                  types.SaleType    `json:"sale_type" db:"sale_type"`
	Source                    types.OrderSource `json:"source" db:"source"`
	ReferredUserWalletAddress *string           `json:"referred_user_wallet_address,omitempty" db:"referred_user_wallet_address"`
	BlockNumber               *uint64           `json:"blockNumber,omitempty" db:"block_number"`
	BlockHash                 *string           `json:"blockHash,omitempty" db:"block_hash"`
	GasUsed                   *string           `json:"gasUsed,omitempty" db:"gas_used"`
	EffectiveGasPrice         *string           `json:"effectiveGasPrice,omitempty" db:"effective_gas_price"`
	CreatedAt                 time.Time         `json:"created_at" db:"created_at"`
	PaidAt                    *time.Time        `json:"paid_at,omitempty" db:"paid_at"`
}

// Settled reports whether the order has been counted into its phase
func (o *Order) Settled() bool {
	return o.Status == types.StatusPaid && o.IsSale && o.IsProcess
}
