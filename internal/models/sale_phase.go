// Package models provides persisted records for the token sale backend.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SalePhase is a time-boxed, fixed-price, fixed-supply sale window.
// RemainingToken always equals TotalToken minus UserPurchaseToken.
type SalePhase struct {
	ID                int64           `json:"id" db:"id"`
	Name              string          `json:"name" db:"name"`
	StartSale         time.Time       `json:"start_sale" db:"start_sale"`
	EndSale           time.Time       `json:"end_sale" db:"end_sale"`
	Amount            decimal.Decimal `json:"amount" db:"amount"` // fiat per token
	TotalToken        decimal.Decimal `json:"total_token" db:"total_token"`
	RemainingToken    decimal.Decimal `json:"remaining_token" db:"remaining_token"`
	UserPurchaseToken decimal.Decimal `json:"user_purchase_token" db:"user_purchase_token"`
}

// IsActive reports whether t falls within [StartSale, EndSale]
func (p *SalePhase) IsActive(t time.Time) bool {
	return !t.Before(p.StartSale) && !t.After(p.EndSale)
}

// Exhausted reports whether the phase has no supply left
func (p *SalePhase) Exhausted() bool {
	return !p.RemainingToken.IsPositive()
}

// CanCredit reports whether amount fits in the remaining supply
func (p *SalePhase) CanCredit(amount decimal.Decimal) bool {
	if p.Exhausted() {
		return false
	}
	return !p.RemainingToken.Sub(amount).IsNegative()
}
