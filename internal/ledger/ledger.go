// Package ledger owns the per-phase sold/remaining token counters.
//
// Counters only move through the Store's conditional updates; nothing in
// this package reads a phase, computes a new value and writes it back.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sale-settlement/internal/models"
)

var (
	// ErrInsufficientSupply is returned when a credit would drive remaining_token negative
	ErrInsufficientSupply = errors.New("insufficient phase supply")
	// ErrAlreadySettled is returned when an order has already been counted
	ErrAlreadySettled = errors.New("order already settled")
	// ErrNotSettled is returned when refunding an order that was never counted
	ErrNotSettled = errors.New("order not settled")
	// ErrPhaseNotFound is returned for an unknown phase name
	ErrPhaseNotFound = errors.New("sale phase not found")
	// ErrInvalidAmount is returned for a non-positive token delta
	ErrInvalidAmount = errors.New("token amount must be positive")
)

// PhaseStore reads phases and applies conditional counter updates
type PhaseStore interface {
	ListPhases(ctx context.Context) ([]*models.SalePhase, error)
	GetPhaseByName(ctx context.Context, name string) (*models.SalePhase, error)
	// ApplyPurchase adds delta to user_purchase_token and subtracts it from
	// remaining_token only if remaining_token stays >= 0.
	ApplyPurchase(ctx context.Context, name string, delta decimal.Decimal) (*models.SalePhase, error)
}

// SettlementStore commits counter updates together with the order flags
type SettlementStore interface {
	// SettleOrder credits amount to the phase, flips the order's is_sale and
	// is_process to true and drops its supply reservation in one commit.
	// Returns ErrAlreadySettled if is_process was already true.
	SettleOrder(ctx context.Context, txHash, phaseName string, amount decimal.Decimal) (*models.SalePhase, error)
	// UnsettleOrder reverses SettleOrder. Returns ErrNotSettled if the order
	// was not settled.
	UnsettleOrder(ctx context.Context, txHash, phaseName string, amount decimal.Decimal) (*models.SalePhase, error)
}

// Store is everything the ledger needs from persistence
type Store interface {
	PhaseStore
	SettlementStore
}

// Ledger is the authoritative view of phase supply
type Ledger struct {
	store Store
}

// New creates a ledger over store
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// ListPhases returns every phase ordered by start_sale
func (l *Ledger) ListPhases(ctx context.Context) ([]*models.SalePhase, error) {
	phases, err := l.store.ListPhases(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list phases: %w", err)
	}
	sort.SliceStable(phases, func(i, j int) bool {
		return phases[i].StartSale.Before(phases[j].StartSale)
	})
	return phases, nil
}

// GetPhaseByName returns the named phase or ErrPhaseNotFound
func (l *Ledger) GetPhaseByName(ctx context.Context, name string) (*models.SalePhase, error) {
	return l.store.GetPhaseByName(ctx, name)
}

// GetActivePhase returns the phase running at t, or nil if none is
func (l *Ledger) GetActivePhase(ctx context.Context, t time.Time) (*models.SalePhase, error) {
	phases, err := l.ListPhases(ctx)
	if err != nil {
		return nil, err
	}
	return ActivePhase(phases, t), nil
}

// GetNearestPhase returns the phase closest in time to t, or nil if there are no phases
func (l *Ledger) GetNearestPhase(ctx context.Context, t time.Time) (*models.SalePhase, error) {
	phases, err := l.ListPhases(ctx)
	if err != nil {
		return nil, err
	}
	return NearestPhase(phases, t), nil
}

// ApplyPurchase credits delta tokens to the phase, rounded to 2 decimals
func (l *Ledger) ApplyPurchase(ctx context.Context, phaseName string, delta decimal.Decimal) (*models.SalePhase, error) {
	delta = Round2(delta)
	if !delta.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return l.store.ApplyPurchase(ctx, phaseName, delta)
}

// Settle counts order into its phase exactly once
func (l *Ledger) Settle(ctx context.Context, order *models.Order) (*models.SalePhase, error) {
	if order.IsProcess {
		return nil, ErrAlreadySettled
	}
	if order.SaleName == "" {
		return nil, ErrPhaseNotFound
	}
	amount := Round2(order.TokenCryptoAmount)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return l.store.SettleOrder(ctx, order.TransactionHash, order.SaleName, amount)
}

// Refund returns a settled order's tokens to its phase
func (l *Ledger) Refund(ctx context.Context, order *models.Order) (*models.SalePhase, error) {
	if !order.IsProcess {
		return nil, ErrNotSettled
	}
	return l.store.UnsettleOrder(ctx, order.TransactionHash, order.SaleName, Round2(order.TokenCryptoAmount))
}

// ActivePhase returns the phase with start_sale <= t <= end_sale.
// Should phases overlap, the one that started first wins.
func ActivePhase(phases []*models.SalePhase, t time.Time) *models.SalePhase {
	var active *models.SalePhase
	for _, p := range phases {
		if !p.IsActive(t) {
			continue
		}
		if active == nil || p.StartSale.Before(active.StartSale) {
			active = p
		}
	}
	return active
}

// NearestPhase returns, among phases not yet ended at t, the one whose start
// or end is closest to t. If every phase has ended, the most recently ended
// one is returned.
func NearestPhase(phases []*models.SalePhase, t time.Time) *models.SalePhase {
	var (
		nearest  *models.SalePhase
		bestDist time.Duration
	)
	for _, p := range phases {
		if !p.EndSale.After(t) {
			continue
		}
		d := minDuration(absDuration(t.Sub(p.StartSale)), absDuration(t.Sub(p.EndSale)))
		if nearest == nil || d < bestDist {
			nearest, bestDist = p, d
		}
	}
	if nearest != nil {
		return nearest
	}

	for _, p := range phases {
		if nearest == nil || p.EndSale.After(nearest.EndSale) {
			nearest = p
		}
	}
	return nearest
}

// Round2 rounds to two decimal places, half away from zero
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// TokensForFiat converts a fiat amount into tokens at the phase price
func TokensForFiat(fiat decimal.Decimal, phase *models.SalePhase) (decimal.Decimal, error) {
	if !phase.Amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("phase %s has no price", phase.Name)
	}
	return Round2(fiat.Div(phase.Amount)), nil
}

// FromBaseUnits converts a raw on-chain integer into a decimal amount
func FromBaseUnits(value *big.Int, decimals int) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, int32(-decimals))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
