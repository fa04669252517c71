package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/sale-settlement/internal/errors"
	"github.com/sale-settlement/internal/ledger"
	"github.com/sale-settlement/internal/logging"
	"github.com/sale-settlement/internal/metrics"
	"github.com/sale-settlement/internal/models"
	"github.com/sale-settlement/internal/storage"
	"github.com/sale-settlement/internal/types"
)

// OrderIntakeConfig configures website order admission
type OrderIntakeConfig struct {
	ReceiverAddress string
	ReservationTTL  time.Duration
}

// VerifyInput is a client-priced purchase request
type VerifyInput struct {
	WalletAddress string          `json:"wallet_address"`
	CryptoAmount  decimal.Decimal `json:"cryptoAmount"`
	Amount        decimal.Decimal `json:"amount"`
}

// CreateOrderInput is a website order submission
type CreateOrderInput struct {
	UserWalletAddress string          `json:"user_wallet_address"`
	TransactionHash   string          `json:"transactionHash"`
	Network           string          `json:"network"`
	CryptoAmount      decimal.Decimal `json:"cryptoAmount"`
	Amount            decimal.Decimal `json:"amount"`
}

// Quote is the phase and token amount a verified request buys
type Quote struct {
	Phase  *models.SalePhase
	Tokens decimal.Decimal
}

// OrderService admits website orders and applies gateway status callbacks
type OrderService struct {
	cfg          OrderIntakeConfig
	ledger       *ledger.Ledger
	settler      *Settler
	orders       OrderRepository
	users        UserRepository
	reservations ReservationRepository
	followUp     *PaymentFollowUp
	now          func() time.Time
}

// NewOrderService creates an order service. followUp may be nil.
func NewOrderService(
	cfg OrderIntakeConfig,
	l *ledger.Ledger,
	orders OrderRepository,
	users UserRepository,
	reservations ReservationRepository,
	followUp *PaymentFollowUp,
) *OrderService {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 30 * time.Minute
	}
	return &OrderService{
		cfg:          cfg,
		ledger:       l,
		settler:      NewSettler(l),
		orders:       orders,
		users:        users,
		reservations: reservations,
		followUp:     followUp,
		now:          time.Now,
	}
}

// VerifyToken checks that the caller may buy and that the submitted
// pricing matches the active phase
func (s *OrderService) VerifyToken(ctx context.Context, verifiedAddress string, in VerifyInput) (*Quote, error) {
	if !strings.EqualFold(strings.TrimSpace(in.WalletAddress), verifiedAddress) {
		return nil, apperrors.NewUnauthorizedError("wallet address does not match the authenticated wallet")
	}
	if !in.Amount.IsPositive() {
		return nil, apperrors.NewInvalidParameterError("amount", "must be positive")
	}
	if !in.CryptoAmount.IsPositive() {
		return nil, apperrors.NewInvalidParameterError("cryptoAmount", "must be positive")
	}

	user, err := s.users.FindByAddress(ctx, verifiedAddress)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewUserNotFoundError(verifiedAddress)
		}
		return nil, apperrors.NewDatabaseError("find user", err)
	}
	switch {
	case user.Suspended():
		return nil, apperrors.NewAccountSuspendedError()
	case !user.KYCCompleted:
		return nil, apperrors.NewKYCIncompleteError()
	case !user.Verified():
		return nil, apperrors.NewAccountUnverifiedError()
	}

	phase, err := s.ledger.GetActivePhase(ctx, s.now())
	if err != nil {
		return nil, apperrors.NewDatabaseError("load sale phases", err)
	}
	if phase == nil {
		return nil, apperrors.NewNoActiveSaleError()
	}

	expected, err := ledger.TokensForFiat(in.Amount, phase)
	if err != nil {
		return nil, apperrors.NewInternalError("phase price unavailable", err)
	}
	if got := ledger.Round2(in.CryptoAmount); !expected.Equal(got) {
		return nil, apperrors.NewPriceMismatchError(expected.StringFixed(2), got.StringFixed(2))
	}
	if !phase.CanCredit(expected) {
		return nil, apperrors.NewPhaseExhaustedError(phase.Name)
	}

	return &Quote{Phase: phase, Tokens: expected}, nil
}

// CreateOrder verifies the request, reserves supply and records a pending
// website order. The reservation is released if the order cannot be stored.
func (s *OrderService) CreateOrder(ctx context.Context, verifiedAddress string, in CreateOrderInput) (*models.Order, error) {
	txHash := strings.ToLower(strings.TrimSpace(in.TransactionHash))
	if txHash == "" {
		return nil, apperrors.NewInvalidParameterError("transactionHash", "is required")
	}
	network, err := types.ParseNetwork(in.Network)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("network", err.Error())
	}

	quote, err := s.VerifyToken(ctx, verifiedAddress, VerifyInput{
		WalletAddress: in.UserWalletAddress,
		CryptoAmount:  in.CryptoAmount,
		Amount:        in.Amount,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.orders.GetByTxHash(ctx, txHash); err == nil {
		return nil, apperrors.NewDuplicateOrderError(txHash)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NewDatabaseError("find order", err)
	}

	if _, err := s.reservations.Reserve(ctx, quote.Phase.Name, txHash, quote.Tokens, s.cfg.ReservationTTL); err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientSupply):
			return nil, apperrors.NewPhaseExhaustedError(quote.Phase.Name)
		case errors.Is(err, storage.ErrDuplicate):
			return nil, apperrors.NewDuplicateOrderError(txHash)
		default:
			return nil, apperrors.NewDatabaseError("reserve supply", err)
		}
	}

	order := &models.Order{
		TransactionHash:       txHash,
		Status:                types.StatusPending,
		UserWalletAddress:     strings.ToLower(verifiedAddress),
		ReceiverWalletAddress: strings.ToLower(s.cfg.ReceiverAddress),
		Network:               network,
		PriceCurrency:         "USDT",
		PriceAmount:           ledger.Round2(in.Amount),
		TokenCryptoAmount:     quote.Tokens,
		IsSale:                true,
		SaleName:              quote.Phase.Name,
		SaleType:              types.SaleTypeWebsite,
		Source:                types.SourcePurchase,
	}

	created, err := s.orders.Create(ctx, order)
	if err != nil || !created {
		s.release(ctx, txHash)
		if err != nil {
			return nil, apperrors.NewDatabaseError("create order", err)
		}
		return nil, apperrors.NewDuplicateOrderError(txHash)
	}

	metrics.OrdersCreated.WithLabelValues(string(order.SaleType)).Inc()
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"tx_hash": txHash,
		"wallet":  order.UserWalletAddress,
		"phase":   order.SaleName,
		"tokens":  order.TokenCryptoAmount.String(),
	}).Info("Website order created")
	return order, nil
}

// UpdateOrder applies a payment gateway status callback. Callers must be
// authenticated as the gateway.
func (s *OrderService) UpdateOrder(ctx context.Context, txHash, status string) (*models.Order, error) {
	to, err := types.ParseOrderStatus(status)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("status", err.Error())
	}
	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if txHash == "" {
		return nil, apperrors.NewInvalidParameterError("transactionHash", "is required")
	}

	order, err := s.orders.GetByTxHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewOrderNotFoundError(txHash)
		}
		return nil, apperrors.NewDatabaseError("find order", err)
	}

	if order.Status == to {
		// a repeated failure callback finishes a refund that did not commit
		if to.IsFailure() {
			return order, s.refund(ctx, order)
		}
		return order, nil
	}

	switch {
	case to == types.StatusPaid:
		return s.markPaid(ctx, order)
	case to.IsFailure():
		return s.markFailed(ctx, order, append([]types.OrderStatus{types.StatusPaid}, awaitingPayment...), to)
	default:
		if err := s.orders.UpdateStatus(ctx, txHash, awaitingPayment, to); err != nil {
			return nil, s.transitionError(err, order.Status, to)
		}
		order.Status = to
		return order, nil
	}
}

func (s *OrderService) markPaid(ctx context.Context, order *models.Order) (*models.Order, error) {
	paidAt := s.now().UTC()
	if err := s.orders.MarkPaid(ctx, order.TransactionHash, awaitingPayment, storage.Payment{PaidAt: paidAt}); err != nil {
		return nil, s.transitionError(err, order.Status, types.StatusPaid)
	}
	order.Status = types.StatusPaid
	order.PaidAt = &paidAt

	if order.IsSale && order.SaleName != "" {
		// a refused settlement stays unsettled for the poller's retry
		_, _ = s.settler.Settle(ctx, order, TriggerGateway)
	}
	s.followUp.OrderPaid(ctx, order)
	return order, nil
}

// CancelOrder lets a buyer abandon their own order while it still awaits
// payment. Only failure statuses are accepted; payment is confirmed by the
// gateway or the poller.
func (s *OrderService) CancelOrder(ctx context.Context, verifiedAddress, txHash, status string) (*models.Order, error) {
	to, err := types.ParseOrderStatus(status)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("status", err.Error())
	}
	if !to.IsFailure() {
		return nil, apperrors.NewForbiddenError(fmt.Sprintf("buyers cannot set order status to %s", to))
	}
	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if txHash == "" {
		return nil, apperrors.NewInvalidParameterError("transactionHash", "is required")
	}

	order, err := s.orders.GetByTxHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewOrderNotFoundError(txHash)
		}
		return nil, apperrors.NewDatabaseError("find order", err)
	}
	if !strings.EqualFold(order.UserWalletAddress, verifiedAddress) {
		return nil, apperrors.NewForbiddenError("order belongs to another wallet")
	}
	if order.Status == to {
		return order, nil
	}
	return s.markFailed(ctx, order, awaitingPayment, to)
}

func (s *OrderService) markFailed(ctx context.Context, order *models.Order, from []types.OrderStatus, to types.OrderStatus) (*models.Order, error) {
	if err := s.orders.UpdateStatus(ctx, order.TransactionHash, from, to); err != nil {
		return nil, s.transitionError(err, order.Status, to)
	}
	order.Status = to

	s.release(ctx, order.TransactionHash)
	if err := s.refund(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// refund returns a settled order's tokens to its phase
func (s *OrderService) refund(ctx context.Context, order *models.Order) error {
	if !order.IsProcess {
		return nil
	}
	phase, err := s.ledger.Refund(ctx, order)
	if err != nil {
		if errors.Is(err, ledger.ErrNotSettled) {
			order.IsProcess = false
			return nil
		}
		logging.FromContext(ctx).WithField("tx_hash", order.TransactionHash).WithError(err).Error("Refund failed")
		return apperrors.NewLedgerConflictError("refund did not commit", err)
	}
	order.IsSale = false
	order.IsProcess = false

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"tx_hash":   order.TransactionHash,
		"phase":     phase.Name,
		"tokens":    order.TokenCryptoAmount.String(),
		"remaining": phase.RemainingToken.String(),
	}).Info("Order refunded")
	return nil
}

func (s *OrderService) release(ctx context.Context, txHash string) {
	if err := s.reservations.Release(ctx, txHash); err != nil {
		logging.FromContext(ctx).WithField("tx_hash", txHash).WithError(err).Warn("Failed to release reservation")
	}
}

func (s *OrderService) transitionError(err error, from, to types.OrderStatus) error {
	if errors.Is(err, storage.ErrStatusConflict) {
		return apperrors.NewInvalidStatusTransitionError(from, to)
	}
	return apperrors.NewDatabaseError("update order status", err)
}

// SweepExpiredReservations frees supply held by abandoned website orders
func (s *OrderService) SweepExpiredReservations(ctx context.Context) (int64, error) {
	n, err := s.reservations.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.ReservationsSwept.Add(float64(n))
		logging.FromContext(ctx).WithField("count", n).Info("Expired reservations released")
	}
	return n, nil
}
