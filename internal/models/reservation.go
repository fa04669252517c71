package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reservation holds phase supply for a website order until it is paid,
// released, or expires.
type Reservation struct {
	ID              string          `json:"id" db:"id"`
	SaleName        string          `json:"sale_name" db:"sale_name"`
	TransactionHash string          `json:"transactionHash" db:"transaction_hash"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	ExpiresAt       time.Time       `json:"expires_at" db:"expires_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Expired reports whether the reservation no longer holds supply at now
func (r *Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
