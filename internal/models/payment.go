package models

import (
	"context"
	"time"
)

// X402Challenge is the payment requirement returned in place of a check-in.
type X402Challenge struct {
	OrderID        string `json:"order_id"`
	PaymentAddress string `json:"payment_address"`
	PriceAmount    string `json:"price_amount"`
	BlockchainName string `json:"blockchain_name"`
	TokenSymbol    string `json:"token_symbol"`
	ExpiresAt      string `json:"expires_at"`
}

// PendingChallenge is a challenge issued to a user and not yet consumed by a check-in.
type PendingChallenge struct {
	X402Challenge
	UserID   string    `json:"user_id"`
	DID      string    `json:"did"`
	Day      time.Time `json:"day"`
	Paid     bool      `json:"paid"`
	IssuedAt time.Time `json:"issued_at"`
}

// ChallengeResult is either AlreadyCheckedIn or a Challenge to pay.
type ChallengeResult struct {
	AlreadyCheckedIn bool
	Challenge        *X402Challenge
}

// Verify reasons reported by the payment service.
const (
	ReasonPendingConfirmation = "PENDING_CONFIRMATION"
	ReasonNoTransaction       = "NO_TRANSACTION"
	ReasonInsufficientAmount  = "INSUFFICIENT_AMOUNT"
	ReasonRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
)

type VerifyResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// PaymentGateway issues, verifies and settles X402 payment challenges.
type PaymentGateway interface {
	CreateChallenge(ctx context.Context, user *User, day time.Time) (*ChallengeResult, error)
	// Challenge returns a previously issued challenge or ErrChallengeNotFound.
	Challenge(ctx context.Context, orderID string) (*PendingChallenge, error)
	// Verify asks the payment service whether the order is paid. Once an order verified
	// successfully, later calls report success without asking again.
	Verify(ctx context.Context, orderID string) (*VerifyResult, error)
	Settle(ctx context.Context, orderID string) error
}
