package notificator

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/pkg/logger"
)

const sendTimeout = 15 * time.Second

// Notificator fans operator alerts out to the configured channels. Either channel may be nil.
type Notificator struct {
	logger *logger.Logger

	TelegramNotificator *TelegramNotificator
	EmailNotificator    *EmailNotificator

	wg sync.WaitGroup
}

var _ models.NotificationService = (*Notificator)(nil)

func NewNotificator(logger *logger.Logger, telNotif *TelegramNotificator, emailNotif *EmailNotificator) *Notificator {
	return &Notificator{logger: logger, TelegramNotificator: telNotif, EmailNotificator: emailNotif}
}

// safeCall runs a function with panic recovery (synchronous, no goroutine spawning)
func (n *Notificator) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// NotifyOperators sends the alert in the background so that a slow channel never holds up a payout.
func (n *Notificator) NotifyOperators(ctx context.Context, alert *models.OperatorAlert) {
	n.logger.Warn("Operator alert", "payoutId", alert.PayoutID, "code", alert.Code, "reason", alert.Reason, "permanent", alert.Permanent)
	if n.TelegramNotificator == nil && n.EmailNotificator == nil {
		return
	}

	message := alert.String()
	subject := "Payout failed: " + alert.PayoutID
	if alert.Permanent {
		subject = "Payout permanently failed: " + alert.PayoutID
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()

		if n.TelegramNotificator != nil {
			n.safeCall(func() {
				if err := n.TelegramNotificator.SendNotification(sendCtx, message); err != nil {
					n.logger.Error("Failed to send Telegram alert", "payoutId", alert.PayoutID, "error", err)
				}
			}, "telegramAlert")
		}
		if n.EmailNotificator != nil {
			n.safeCall(func() {
				if err := n.EmailNotificator.SendNotification(subject, message); err != nil {
					n.logger.Error("Failed to send e-mail alert", "payoutId", alert.PayoutID, "error", err)
				}
			}, "emailAlert")
		}
	}()
}

// Wait blocks until alerts in flight have been handed to their channels.
func (n *Notificator) Wait() {
	n.wg.Wait()
}
