package checkin

import (
	"context"
	"errors"

	"github.com/dedata/checkpay/internal/models"
)

// Poll intervals suggested to clients while a payout is in progress.
const (
	pollQueuedSeconds     = 5
	pollProcessingSeconds = 10

	defaultPageSize = 20
	maxPageSize     = 100
)

func (s *Service) GetCheckIn(ctx context.Context, userID, checkInID string) (*models.CheckInView, error) {
	checkIn, err := s.repo.GetCheckIn(ctx, checkInID)
	if err != nil {
		return nil, err
	}
	if checkIn.UserID != userID {
		return nil, models.ErrUnauthorized
	}
	return s.checkInView(ctx, checkIn)
}

func (s *Service) TodayCheckIn(ctx context.Context, userID string) (*models.CheckInView, error) {
	checkIn, err := s.repo.FindCheckIn(ctx, userID, models.DayOf(s.now(), s.opts.Location))
	if err != nil {
		return nil, err
	}
	return s.checkInView(ctx, checkIn)
}

func (s *Service) ListCheckIns(ctx context.Context, userID string, page, pageSize int) (*models.CheckInPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	checkIns, total, err := s.repo.ListCheckIns(ctx, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	items := make([]*models.CheckInView, 0, len(checkIns))
	for _, checkIn := range checkIns {
		view, err := s.checkInView(ctx, checkIn)
		if err != nil {
			return nil, err
		}
		items = append(items, view)
	}
	return &models.CheckInPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *Service) GetPayout(ctx context.Context, userID, payoutID string) (*models.PayoutView, error) {
	payout, err := s.repo.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if payout.UserID != userID {
		return nil, models.ErrUnauthorized
	}
	return s.payoutView(payout), nil
}

func (s *Service) checkInView(ctx context.Context, checkIn *models.CheckIn) (*models.CheckInView, error) {
	view := &models.CheckInView{
		ID:        checkIn.ID,
		Date:      checkIn.Date.Format(dayFormat),
		Status:    checkIn.Status,
		CreatedAt: checkIn.CreatedAt.Unix(),
	}
	if checkIn.PayoutID == nil {
		return view, nil
	}
	payout, err := s.repo.GetPayout(ctx, *checkIn.PayoutID)
	if errors.Is(err, models.ErrNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, err
	}
	view.Payout = s.payoutView(payout)
	return view, nil
}

func (s *Service) payoutView(p *models.TokenPayout) *models.PayoutView {
	view := &models.PayoutView{
		ID:          p.ID,
		Status:      p.Status,
		Amount:      p.Amount,
		TxHash:      p.TxHash,
		ErrorReason: p.ErrorReason,
		RetryCount:  p.RetryCount,
		CanRetry:    p.Status == models.PayoutStatusFailed && p.RetryCount < s.opts.MaxRetryCount,
	}
	switch p.Status {
	case models.PayoutStatusQueued:
		view.NextPollSeconds = pollQueuedSeconds
	case models.PayoutStatusProcessing:
		view.NextPollSeconds = pollProcessingSeconds
	}
	if p.ProcessedAt != nil {
		ts := p.ProcessedAt.Unix()
		view.ProcessedAt = &ts
	}
	return view
}
