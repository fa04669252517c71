package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sale-settlement/internal/ledger"
	"github.com/sale-settlement/internal/logging"
	"github.com/sale-settlement/internal/metrics"
	"github.com/sale-settlement/internal/models"
	"github.com/sale-settlement/internal/storage"
	"github.com/sale-settlement/internal/types"
)

// ReferralTxPrefix prefixes the transaction key of referral credit orders
const ReferralTxPrefix = "referral:"

// ReferralService credits referrers when a referred user's first purchase is paid
type ReferralService struct {
	users   UserRepository
	orders  OrderRepository
	percent decimal.Decimal
	now     func() time.Time
}

// NewReferralService creates a referral service paying percent of each first purchase
func NewReferralService(users UserRepository, orders OrderRepository, percent int) *ReferralService {
	return &ReferralService{
		users:   users,
		orders:  orders,
		percent: decimal.NewFromInt(int64(percent)),
		now:     time.Now,
	}
}

// CreditReferrer creates the referral order for a paid purchase if it is
// the buyer's first and the buyer was referred. Returns nil when no credit
// is due or it already exists.
func (s *ReferralService) CreditReferrer(ctx context.Context, order *models.Order) (*models.Order, error) {
	if order.Source != types.SourcePurchase || order.Status != types.StatusPaid || !s.percent.IsPositive() {
		return nil, nil
	}

	buyer, err := s.users.FindByAddress(ctx, order.UserWalletAddress)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load buyer: %w", err)
	}
	if buyer.ReferredBy == nil || strings.TrimSpace(*buyer.ReferredBy) == "" {
		return nil, nil
	}

	paid, err := s.orders.CountPaidPurchases(ctx, buyer.WalletAddress)
	if err != nil {
		return nil, err
	}
	if paid != 1 {
		return nil, nil
	}

	share := s.percent.Div(decimal.NewFromInt(100))
	referred := strings.ToLower(buyer.WalletAddress)
	paidAt := s.now().UTC()
	credit := &models.Order{
		TransactionHash:           ReferralTxPrefix + order.TransactionHash,
		Status:                    types.StatusPaid,
		UserWalletAddress:         strings.ToLower(*buyer.ReferredBy),
		ReceiverWalletAddress:     order.ReceiverWalletAddress,
		Network:                   order.Network,
		PriceCurrency:             order.PriceCurrency,
		PriceAmount:               ledger.Round2(order.PriceAmount.Mul(share)),
		TokenCryptoAmount:         ledger.Round2(order.TokenCryptoAmount.Mul(share)),
		SaleName:                  order.SaleName,
		SaleType:                  order.SaleType,
		Source:                    types.SourceReferral,
		ReferredUserWalletAddress: &referred,
		PaidAt:                    &paidAt,
	}

	created, err := s.orders.Create(ctx, credit)
	if err != nil {
		return nil, fmt.Errorf("failed to create referral order: %w", err)
	}
	if !created {
		return nil, nil
	}

	metrics.ReferralsCreated.Inc()
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"referrer": credit.UserWalletAddress,
		"referred": referred,
		"tokens":   credit.TokenCryptoAmount.String(),
	}).Info("Referral credited")
	return credit, nil
}
