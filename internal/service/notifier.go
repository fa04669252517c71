package service

import (
	"context"

	"github.com/sale-settlement/internal/logging"
	"github.com/sale-settlement/internal/models"
)

// Notification templates
const (
	TemplatePaymentConfirmed = "payment-confirmed"
	TemplateReferralCredited = "referral-credited"
)

// Notifier delivers templated messages to users. Rendering and delivery
// belong to the email service.
type Notifier interface {
	SendNotification(ctx context.Context, user *models.User, template, subject string) (bool, error)
}

// LogNotifier records notifications in the log instead of sending them
type LogNotifier struct{}

// SendNotification logs the notification
func (LogNotifier) SendNotification(ctx context.Context, user *models.User, template, subject string) (bool, error) {
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"wallet":   user.WalletAddress,
		"email":    user.Email,
		"template": template,
		"subject":  subject,
	}).Info("Notification queued")
	return true, nil
}
