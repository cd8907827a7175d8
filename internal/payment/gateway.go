package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/internal/x402"
	"github.com/dedata/checkpay/pkg/logger"
)

const (
	challengePrefix = "x402:challenge:"
	// challengeGrace keeps a challenge verifiable for a day after it expired at the payment service.
	challengeGrace = 24 * time.Hour
	// fallbackTTL applies when the service returns an unparsable expiry.
	fallbackTTL = 48 * time.Hour
)

// Client is the part of the X402 client the gateway needs.
type Client interface {
	DailyCheckin(ctx context.Context, merchantUserID string, day time.Time) (*x402.CheckinResult, error)
	CreatePaymentChallenge(ctx context.Context, merchantUserID, priceAmount string, blockchainType int, tokenSymbol string) (*models.X402Challenge, error)
	VerifyPayment(ctx context.Context, orderID, merchantUserID string) (*models.VerifyResult, error)
	SettlePayment(ctx context.Context, orderID string) error
}

// Pricing selects the challenge endpoint. With an empty PriceAmount the merchant's fixed daily
// check-in product is used.
type Pricing struct {
	PriceAmount    string
	BlockchainType int
	TokenSymbol    string
}

// Gateway issues X402 challenges and remembers them in Redis until they are consumed.
type Gateway struct {
	logger  *logger.Logger
	client  Client
	store   redis.Cmdable
	pricing Pricing
	now     func() time.Time
}

var _ models.PaymentGateway = (*Gateway)(nil)

func NewGateway(client Client, store redis.Cmdable, pricing Pricing, logger *logger.Logger) *Gateway {
	return &Gateway{
		logger:  logger,
		client:  client,
		store:   store,
		pricing: pricing,
		now:     time.Now,
	}
}

func (g *Gateway) CreateChallenge(ctx context.Context, user *models.User, day time.Time) (*models.ChallengeResult, error) {
	var challenge *models.X402Challenge
	if g.pricing.PriceAmount != "" {
		c, err := g.client.CreatePaymentChallenge(ctx, user.DID, g.pricing.PriceAmount, g.pricing.BlockchainType, g.pricing.TokenSymbol)
		if err != nil {
			return nil, models.ErrPaymentUnavailable.Wrap(err)
		}
		challenge = c
	} else {
		res, err := g.client.DailyCheckin(ctx, user.DID, day)
		if err != nil {
			return nil, models.ErrPaymentUnavailable.Wrap(err)
		}
		if res.AlreadyCheckedIn {
			return &models.ChallengeResult{AlreadyCheckedIn: true}, nil
		}
		challenge = res.Challenge
	}

	pending := &models.PendingChallenge{
		X402Challenge: *challenge,
		UserID:        user.ID,
		DID:           user.DID,
		Day:           day,
		IssuedAt:      g.now().UTC(),
	}
	if err := g.save(ctx, pending, g.ttl(challenge.ExpiresAt)); err != nil {
		return nil, err
	}
	g.logger.Info("Payment challenge issued", "orderId", challenge.OrderID, "userId", user.ID, "day", day.Format("2006-01-02"))
	return &models.ChallengeResult{Challenge: challenge}, nil
}

func (g *Gateway) Challenge(ctx context.Context, orderID string) (*models.PendingChallenge, error) {
	raw, err := g.store.Get(ctx, challengePrefix+orderID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge %s: %w", orderID, err)
	}
	var pending models.PendingChallenge
	if err := json.Unmarshal(raw, &pending); err != nil {
		return nil, fmt.Errorf("failed to decode challenge %s: %w", orderID, err)
	}
	return &pending, nil
}

func (g *Gateway) Verify(ctx context.Context, orderID string) (*models.VerifyResult, error) {
	pending, err := g.Challenge(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if pending.Paid {
		return &models.VerifyResult{Success: true}, nil
	}

	res, err := g.client.VerifyPayment(ctx, orderID, pending.DID)
	if err != nil {
		return nil, models.ErrPaymentUnavailable.Wrap(err)
	}
	if res.Success {
		pending.Paid = true
		if err := g.save(ctx, pending, redis.KeepTTL); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (g *Gateway) Settle(ctx context.Context, orderID string) error {
	if err := g.client.SettlePayment(ctx, orderID); err != nil {
		return models.ErrPaymentUnavailable.Wrap(err)
	}
	return nil
}

func (g *Gateway) save(ctx context.Context, pending *models.PendingChallenge, ttl time.Duration) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to encode challenge: %w", err)
	}
	if err := g.store.Set(ctx, challengePrefix+pending.OrderID, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store challenge %s: %w", pending.OrderID, err)
	}
	return nil
}

func (g *Gateway) ttl(expiresAt string) time.Duration {
	exp, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return fallbackTTL
	}
	ttl := exp.Add(challengeGrace).Sub(g.now())
	if ttl < time.Minute {
		return time.Minute
	}
	return ttl
}
