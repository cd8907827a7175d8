package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/internal/x402"
	"github.com/dedata/checkpay/pkg/logger"
)

type fakeClient struct {
	checkin     *x402.CheckinResult
	verify      *models.VerifyResult
	err         error
	verifyCalls int
	priced      int
	settled     []string
}

func (f *fakeClient) DailyCheckin(context.Context, string, time.Time) (*x402.CheckinResult, error) {
	return f.checkin, f.err
}

func (f *fakeClient) CreatePaymentChallenge(context.Context, string, string, int, string) (*models.X402Challenge, error) {
	f.priced++
	return &models.X402Challenge{OrderID: "priced-1", ExpiresAt: "bad"}, f.err
}

func (f *fakeClient) VerifyPayment(context.Context, string, string) (*models.VerifyResult, error) {
	f.verifyCalls++
	return f.verify, f.err
}

func (f *fakeClient) SettlePayment(_ context.Context, orderID string) error {
	f.settled = append(f.settled, orderID)
	return f.err
}

var (
	user = &models.User{ID: "user-1", DID: "did:pkh:eip155:137:0xabc"}
	day  = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
)

func newGateway(t *testing.T, client Client, pricing Pricing) (*Gateway, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	g := NewGateway(client, rdb, pricing, logger.NewNop())
	g.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return g, mr
}

func TestCreateChallengeStoresPendingChallenge(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{checkin: &x402.CheckinResult{Challenge: &models.X402Challenge{
		OrderID: "ord-1", ExpiresAt: "2026-03-01T10:00:00Z",
	}}}
	g, mr := newGateway(t, client, Pricing{})

	res, err := g.CreateChallenge(ctx, user, day)
	require.NoError(t, err)
	require.NotNil(t, res.Challenge)
	assert.Equal(t, "ord-1", res.Challenge.OrderID)

	pending, err := g.Challenge(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", pending.UserID)
	assert.True(t, pending.Day.Equal(day))
	assert.False(t, pending.Paid)
	assert.Equal(t, 25*time.Hour, mr.TTL(challengePrefix+"ord-1"))
}

func TestCreateChallengeAlreadyCheckedIn(t *testing.T) {
	g, mr := newGateway(t, &fakeClient{checkin: &x402.CheckinResult{AlreadyCheckedIn: true}}, Pricing{})
	res, err := g.CreateChallenge(context.Background(), user, day)
	require.NoError(t, err)
	assert.True(t, res.AlreadyCheckedIn)
	assert.Empty(t, mr.Keys())
}

func TestCreateChallengeWithPricing(t *testing.T) {
	client := &fakeClient{}
	g, mr := newGateway(t, client, Pricing{PriceAmount: "1", BlockchainType: 1, TokenSymbol: "USDT"})
	res, err := g.CreateChallenge(context.Background(), user, day)
	require.NoError(t, err)
	assert.Equal(t, "priced-1", res.Challenge.OrderID)
	assert.Equal(t, 1, client.priced)
	assert.Equal(t, fallbackTTL, mr.TTL(challengePrefix+"priced-1"))
}

func TestCreateChallengeUnavailable(t *testing.T) {
	g, _ := newGateway(t, &fakeClient{err: errors.New("dial tcp: refused")}, Pricing{})
	_, err := g.CreateChallenge(context.Background(), user, day)
	assert.True(t, errors.Is(err, models.ErrPaymentUnavailable))
}

func TestChallengeNotFound(t *testing.T) {
	g, _ := newGateway(t, &fakeClient{}, Pricing{})
	_, err := g.Challenge(context.Background(), "nope")
	assert.True(t, errors.Is(err, models.ErrChallengeNotFound))
}

func TestVerifyRemembersSuccess(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		checkin: &x402.CheckinResult{Challenge: &models.X402Challenge{OrderID: "ord-1"}},
		verify:  &models.VerifyResult{Reason: models.ReasonPendingConfirmation},
	}
	g, _ := newGateway(t, client, Pricing{})
	_, err := g.CreateChallenge(ctx, user, day)
	require.NoError(t, err)

	res, err := g.Verify(ctx, "ord-1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, models.ReasonPendingConfirmation, res.Reason)

	client.verify = &models.VerifyResult{Success: true}
	res, err = g.Verify(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, res.Success)

	client.verify = &models.VerifyResult{Reason: models.ReasonNoTransaction}
	res, err = g.Verify(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, res.Success, "a paid order stays paid")
	assert.Equal(t, 2, client.verifyCalls)
}

func TestSettle(t *testing.T) {
	client := &fakeClient{}
	g, _ := newGateway(t, client, Pricing{})
	require.NoError(t, g.Settle(context.Background(), "ord-1"))
	assert.Equal(t, []string{"ord-1"}, client.settled)
}
