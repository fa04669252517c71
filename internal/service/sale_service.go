package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/sale-settlement/internal/errors"
	"github.com/sale-settlement/internal/ledger"
	"github.com/sale-settlement/internal/logging"
	"github.com/sale-settlement/internal/models"
	"github.com/sale-settlement/internal/storage"
)

// SaleQueryService serves the read-only sale endpoints
type SaleQueryService struct {
	ledger *ledger.Ledger
	orders OrderRepository
	cache  PhaseCache
	now    func() time.Time
}

// NewSaleQueryService creates a query service. cache may be nil.
func NewSaleQueryService(l *ledger.Ledger, orders OrderRepository, cache PhaseCache) *SaleQueryService {
	return &SaleQueryService{ledger: l, orders: orders, cache: cache, now: time.Now}
}

// AllSales returns every phase ordered by start_sale
func (s *SaleQueryService) AllSales(ctx context.Context) ([]*models.SalePhase, error) {
	if s.cache != nil {
		phases, ok, err := s.cache.GetPhases(ctx)
		if err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Sales cache read failed")
		}
		if ok {
			return phases, nil
		}
	}

	phases, err := s.ledger.ListPhases(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list sale phases", err)
	}

	if s.cache != nil {
		if err := s.cache.SetPhases(ctx, phases); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Sales cache write failed")
		}
	}
	return phases, nil
}

// CurrentSale returns the running phase, or nil when none is
func (s *SaleQueryService) CurrentSale(ctx context.Context) (*models.SalePhase, error) {
	phases, err := s.AllSales(ctx)
	if err != nil {
		return nil, err
	}
	return ledger.ActivePhase(phases, s.now()), nil
}

// TotalSold sums the tokens of settled orders in the named phase
func (s *SaleQueryService) TotalSold(ctx context.Context, name string) (decimal.Decimal, error) {
	if _, err := s.ledger.GetPhaseByName(ctx, name); err != nil {
		if errors.Is(err, ledger.ErrPhaseNotFound) {
			return decimal.Zero, apperrors.NewNotFoundError("sale", name)
		}
		return decimal.Zero, apperrors.NewDatabaseError("get sale phase", err)
	}

	total, err := s.orders.TotalSold(ctx, name)
	if err != nil {
		return decimal.Zero, apperrors.NewDatabaseError("sum sold tokens", err)
	}
	return total, nil
}

// GetOrder returns an order by id
func (s *SaleQueryService) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("order", strconv.FormatInt(id, 10))
		}
		return nil, apperrors.NewDatabaseError("get order", err)
	}
	return order, nil
}
