package service

import (
	"context"
	"errors"

	"github.com/sale-settlement/internal/logging"
	"github.com/sale-settlement/internal/models"
	"github.com/sale-settlement/internal/storage"
)

// PaymentFollowUp runs the side effects of an order becoming paid. It is
// called exactly once per order by whichever path won the transition.
type PaymentFollowUp struct {
	referrals *ReferralService
	users     UserRepository
	notifier  Notifier
}

// NewPaymentFollowUp creates the paid-order hook. notifier may be nil.
func NewPaymentFollowUp(referrals *ReferralService, users UserRepository, notifier Notifier) *PaymentFollowUp {
	return &PaymentFollowUp{referrals: referrals, users: users, notifier: notifier}
}

// OrderPaid credits the referrer and notifies the buyer. Failures are
// logged; the payment itself stands.
func (p *PaymentFollowUp) OrderPaid(ctx context.Context, order *models.Order) {
	if p == nil {
		return
	}
	log := logging.FromContext(ctx).WithField("tx_hash", order.TransactionHash)

	var credit *models.Order
	if p.referrals != nil {
		var err error
		if credit, err = p.referrals.CreditReferrer(ctx, order); err != nil {
			log.WithError(err).Error("Referral credit failed")
		}
	}

	if p.notifier == nil {
		return
	}
	p.notify(ctx, order.UserWalletAddress, TemplatePaymentConfirmed, "Your token purchase is confirmed")
	if credit != nil {
		p.notify(ctx, credit.UserWalletAddress, TemplateReferralCredited, "You earned a referral bonus")
	}
}

func (p *PaymentFollowUp) notify(ctx context.Context, wallet, template, subject string) {
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{"wallet": wallet, "template": template})

	user, err := p.users.FindByAddress(ctx, wallet)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.WithError(err).Warn("Could not load user for notification")
		}
		return
	}
	if _, err := p.notifier.SendNotification(ctx, user, template, subject); err != nil {
		log.WithError(err).Warn("Notification failed")
	}
}
