package service

import (
	"context"
	"errors"

	"github.com/sale-settlement/internal/ledger"
	"github.com/sale-settlement/internal/logging"
	"github.com/sale-settlement/internal/metrics"
	"github.com/sale-settlement/internal/models"
)

// Settlement triggers, used as metric labels
const (
	TriggerPoller  = "poller"
	TriggerRetry   = "retry"
	TriggerPhase   = "phase_start"
	TriggerGateway = "gateway"
)

// Settler counts paid orders into their phase through the ledger
type Settler struct {
	ledger *ledger.Ledger
}

// NewSettler creates a settler over l
func NewSettler(l *ledger.Ledger) *Settler {
	return &Settler{ledger: l}
}

// Settle commits order into its phase. On success the order's flags are
// updated in place. ledger.ErrAlreadySettled means another caller won the
// race and is not logged as a failure.
func (s *Settler) Settle(ctx context.Context, order *models.Order, trigger string) (*models.SalePhase, error) {
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"tx_hash": order.TransactionHash,
		"phase":   order.SaleName,
		"trigger": trigger,
	})

	phase, err := s.ledger.Settle(ctx, order)
	switch {
	case err == nil:
		order.IsSale = true
		order.IsProcess = true
		metrics.OrdersSettled.WithLabelValues(trigger).Inc()
		log.WithFields(map[string]interface{}{
			"tokens":    order.TokenCryptoAmount.String(),
			"remaining": phase.RemainingToken.String(),
		}).Info("Order settled")
		return phase, nil
	case errors.Is(err, ledger.ErrAlreadySettled):
		log.Debug("Order already settled")
	case errors.Is(err, ledger.ErrInsufficientSupply):
		metrics.LedgerConflicts.WithLabelValues("insufficient_supply").Inc()
		log.WithError(err).Warn("Settlement refused, order left unsettled")
	case errors.Is(err, ledger.ErrPhaseNotFound):
		metrics.LedgerConflicts.WithLabelValues("phase_not_found").Inc()
		log.WithError(err).Warn("Settlement refused, order left unsettled")
	default:
		log.WithError(err).Error("Settlement failed, order left unsettled")
	}
	return nil, err
}
