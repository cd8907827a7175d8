package models

import "context"

// VerifyPolicy is the polling contract offered to clients paying a challenge.
type VerifyPolicy struct {
	Attempts        int `json:"attempts"`
	IntervalSeconds int `json:"interval_seconds"`
}

// DefaultVerifyPolicy is three attempts, thirty seconds apart.
var DefaultVerifyPolicy = VerifyPolicy{Attempts: 3, IntervalSeconds: 30}

// CheckInOutcome is the result of a check-in request. Exactly one of the fields is meaningful:
// AlreadyCheckedIn, Challenge (payment required) or CheckIn with its Payout.
type CheckInOutcome struct {
	AlreadyCheckedIn bool
	Challenge        *X402Challenge
	CheckIn          *CheckIn
	Payout           *TokenPayout
}

type VerifyOutcome struct {
	Success          bool
	Reason           string
	AlreadyCheckedIn bool
	CheckIn          *CheckIn
	Payout           *TokenPayout
}

// PayoutView is the polling representation of a payout.
type PayoutView struct {
	ID              string       `json:"id"`
	Status          PayoutStatus `json:"status"`
	Amount          string       `json:"amount"`
	TxHash          *string      `json:"tx_hash,omitempty"`
	ErrorReason     *string      `json:"error_reason,omitempty"`
	RetryCount      int          `json:"retry_count"`
	CanRetry        bool         `json:"can_retry"`
	NextPollSeconds int          `json:"next_poll_seconds,omitempty"`
	ProcessedAt     *int64       `json:"processed_at,omitempty"`
}

// CheckInView joins a check-in with its payout.
type CheckInView struct {
	ID        string        `json:"id"`
	Date      string        `json:"date"`
	Status    CheckInStatus `json:"status"`
	CreatedAt int64         `json:"created_at"`
	Payout    *PayoutView   `json:"payout,omitempty"`
}

type CheckInPage struct {
	Items    []*CheckInView `json:"items"`
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// CheckInService is the check-in orchestrator and status façade consumed by the HTTP API.
type CheckInService interface {
	CheckIn(ctx context.Context, userID string) (*CheckInOutcome, error)
	VerifyPayment(ctx context.Context, userID, orderID string) (*VerifyOutcome, error)

	RetryPayout(ctx context.Context, payoutID, userID string) (*TokenPayout, error)
	RetryCheckIn(ctx context.Context, checkInID, userID string) (*TokenPayout, error)
	AdminRetryPayout(ctx context.Context, payoutID string) (*TokenPayout, error)

	GetCheckIn(ctx context.Context, userID, checkInID string) (*CheckInView, error)
	TodayCheckIn(ctx context.Context, userID string) (*CheckInView, error)
	ListCheckIns(ctx context.Context, userID string, page, pageSize int) (*CheckInPage, error)
	GetPayout(ctx context.Context, userID, payoutID string) (*PayoutView, error)
}
