package checkin

import (
	"context"
	"errors"
	"time"

	"github.com/dedata/checkpay/internal/metrics"
	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/pkg/logger"
)

const dayFormat = "2006-01-02"

// Options are the business parameters of the orchestrator.
type Options struct {
	// DailyReward is the payout amount in token base units.
	DailyReward   string
	MaxRetryCount int
	// Location defines where a calendar day starts.
	Location *time.Location
}

// Service creates daily check-ins with their payouts and serves their status.
type Service struct {
	logger  *logger.Logger
	repo    models.Repository
	queue   models.PayoutQueue
	limiter models.RateLimiter
	// gateway is nil when check-ins are not payment gated.
	gateway models.PaymentGateway
	opts    Options
	now     func() time.Time
}

var _ models.CheckInService = (*Service)(nil)

func NewService(
	repo models.Repository,
	queue models.PayoutQueue,
	limiter models.RateLimiter,
	gateway models.PaymentGateway,
	opts Options,
	logger *logger.Logger,
) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxRetryCount < 1 {
		opts.MaxRetryCount = 3
	}
	return &Service{
		logger:  logger,
		repo:    repo,
		queue:   queue,
		limiter: limiter,
		gateway: gateway,
		opts:    opts,
		now:     time.Now,
	}
}

func (s *Service) CheckIn(ctx context.Context, userID string) (*models.CheckInOutcome, error) {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	day := models.DayOf(s.now(), s.opts.Location)

	existing, err := s.repo.FindCheckIn(ctx, user.ID, day)
	if err == nil {
		return &models.CheckInOutcome{AlreadyCheckedIn: true, CheckIn: existing}, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	if s.gateway != nil {
		res, err := s.gateway.CreateChallenge(ctx, user, day)
		if err != nil {
			return nil, err
		}
		if res.AlreadyCheckedIn {
			return &models.CheckInOutcome{AlreadyCheckedIn: true}, nil
		}
		return &models.CheckInOutcome{Challenge: res.Challenge}, nil
	}

	checkIn, payout, err := s.createCheckIn(ctx, user, day, "")
	if err != nil {
		return nil, err
	}
	return &models.CheckInOutcome{CheckIn: checkIn, Payout: payout}, nil
}

func (s *Service) VerifyPayment(ctx context.Context, userID, orderID string) (*models.VerifyOutcome, error) {
	if s.gateway == nil {
		return nil, models.ErrPaymentUnavailable.WithDetail("check-ins are not payment gated")
	}
	pending, err := s.gateway.Challenge(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if pending.UserID != userID {
		return nil, models.ErrUnauthorized.WithDetail("order %s belongs to another user", orderID)
	}

	existing, err := s.repo.FindCheckIn(ctx, userID, pending.Day)
	if err == nil {
		return &models.VerifyOutcome{Success: true, AlreadyCheckedIn: true, CheckIn: existing}, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	res, err := s.gateway.Verify(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		s.logger.Info("Payment not verified yet", "orderId", orderID, "reason", res.Reason)
		return &models.VerifyOutcome{Reason: res.Reason}, nil
	}

	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.appendActivity(ctx, &models.ActivityLog{
		UserID:  user.ID,
		Type:    models.ActivityPayment,
		Status:  "VERIFIED",
		Message: "check-in payment verified",
		Metadata: map[string]interface{}{
			"orderId": orderID,
			"amount":  pending.PriceAmount,
			"token":   pending.TokenSymbol,
			"date":    pending.Day.Format(dayFormat),
		},
	})

	checkIn, payout, err := s.createCheckIn(ctx, user, pending.Day, orderID)
	if errors.Is(err, models.ErrAlreadyCheckedIn) {
		return &models.VerifyOutcome{Success: true, AlreadyCheckedIn: true}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.gateway.Settle(ctx, orderID); err != nil {
		s.logger.Warn("Failed to settle payment", "orderId", orderID, "error", err)
	}
	return &models.VerifyOutcome{Success: true, CheckIn: checkIn, Payout: payout}, nil
}

// createCheckIn persists the check-in and its payout, then enqueues the payout. The store is
// authoritative: a failed enqueue is picked up later by reconciliation.
func (s *Service) createCheckIn(ctx context.Context, user *models.User, day time.Time, orderID string) (*models.CheckIn, *models.TokenPayout, error) {
	dayKey := day.Format(dayFormat)
	if err := s.limiter.Consume(ctx, user.DID, dayKey); err != nil {
		return nil, nil, err
	}

	checkIn := &models.CheckIn{
		UserID: user.ID,
		DID:    user.DID,
		Date:   day,
		Status: models.CheckInStatusPending,
	}
	if orderID != "" {
		checkIn.PaymentOrderID = &orderID
	}
	payout := &models.TokenPayout{
		UserID: user.ID,
		DID:    user.DID,
		Amount: s.opts.DailyReward,
		Status: models.PayoutStatusQueued,
	}

	if err := s.repo.CreateCheckInWithPayout(ctx, checkIn, payout); err != nil {
		if !errors.Is(err, models.ErrAlreadyCheckedIn) {
			if rerr := s.limiter.Release(ctx, user.DID, dayKey); rerr != nil {
				s.logger.Warn("Failed to release rate limit", "did", user.DID, "error", rerr)
			}
		}
		return nil, nil, err
	}

	if err := s.queue.Enqueue(ctx, models.NewPayoutJob(payout, s.now().UnixMilli())); err != nil {
		s.logger.Warn("Failed to enqueue payout, left for reconciliation", "payoutId", payout.ID, "error", err)
	}
	metrics.RecordCheckIn(orderID != "")
	s.logger.Info("Check-in created", "checkInId", checkIn.ID, "payoutId", payout.ID, "userId", user.ID, "date", dayKey)
	return checkIn, payout, nil
}

func (s *Service) RetryPayout(ctx context.Context, payoutID, userID string) (*models.TokenPayout, error) {
	return s.retry(ctx, payoutID, userID, true)
}

func (s *Service) RetryCheckIn(ctx context.Context, checkInID, userID string) (*models.TokenPayout, error) {
	checkIn, err := s.repo.GetCheckIn(ctx, checkInID)
	if err != nil {
		return nil, err
	}
	if checkIn.UserID != userID {
		return nil, models.ErrUnauthorized
	}
	if checkIn.PayoutID == nil {
		return nil, models.ErrNotFound.WithDetail("check-in %s has no payout", checkInID)
	}
	return s.retry(ctx, *checkIn.PayoutID, userID, true)
}

func (s *Service) AdminRetryPayout(ctx context.Context, payoutID string) (*models.TokenPayout, error) {
	return s.retry(ctx, payoutID, "", false)
}

// retry re-queues a payout. The retry cap is checked before the status so that it holds for
// every status.
func (s *Service) retry(ctx context.Context, payoutID, userID string, checkOwner bool) (*models.TokenPayout, error) {
	payout, err := s.repo.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if checkOwner && payout.UserID != userID {
		return nil, models.ErrUnauthorized
	}
	if payout.RetryCount >= s.opts.MaxRetryCount {
		return nil, models.ErrRetryLimitExceeded.WithDetail("payout %s was retried %d times", payoutID, payout.RetryCount)
	}
	switch payout.Status {
	case models.PayoutStatusSuccess:
		return nil, models.ErrAlreadyCompleted
	case models.PayoutStatusProcessing:
		return nil, models.ErrPayoutInFlight
	}

	updated, err := s.repo.RequeuePayout(ctx, payoutID, payout.RetryCount,
		[]models.PayoutStatus{models.PayoutStatusFailed, models.PayoutStatusQueued})
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, models.NewPayoutJob(updated, s.now().UnixMilli())); err != nil {
		s.logger.Warn("Failed to enqueue retried payout, left for reconciliation", "payoutId", payoutID, "error", err)
	}
	s.logger.Info("Payout re-queued", "payoutId", payoutID, "retryCount", updated.RetryCount, "admin", !checkOwner)
	return updated, nil
}

func (s *Service) activeUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if !user.CanCheckIn() {
		return nil, models.ErrUserInactive
	}
	return user, nil
}

func (s *Service) appendActivity(ctx context.Context, entry *models.ActivityLog) {
	if err := s.repo.AppendActivity(ctx, entry); err != nil {
		s.logger.Error("Failed to append activity", "type", entry.Type, "error", err)
	}
}
