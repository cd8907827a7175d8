package checkin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/internal/repository/repotest"
)

type fakeGateway struct {
	already    bool
	challenges map[string]*models.PendingChallenge
	verify     models.VerifyResult
	settled    []string
	settleErr  error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{challenges: map[string]*models.PendingChallenge{}}
}

func (g *fakeGateway) CreateChallenge(_ context.Context, user *models.User, day time.Time) (*models.ChallengeResult, error) {
	if g.already {
		return &models.ChallengeResult{AlreadyCheckedIn: true}, nil
	}
	ch := models.X402Challenge{OrderID: "ord-" + day.Format(dayFormat), PriceAmount: "1", TokenSymbol: "USDT"}
	g.challenges[ch.OrderID] = &models.PendingChallenge{X402Challenge: ch, UserID: user.ID, DID: user.DID, Day: day}
	return &models.ChallengeResult{Challenge: &ch}, nil
}

func (g *fakeGateway) Challenge(_ context.Context, orderID string) (*models.PendingChallenge, error) {
	ch, ok := g.challenges[orderID]
	if !ok {
		return nil, models.ErrChallengeNotFound
	}
	return ch, nil
}

func (g *fakeGateway) Verify(context.Context, string) (*models.VerifyResult, error) {
	res := g.verify
	return &res, nil
}

func (g *fakeGateway) Settle(_ context.Context, orderID string) error {
	g.settled = append(g.settled, orderID)
	return g.settleErr
}

func TestGatedCheckInReturnsChallengeWithoutPersisting(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	e := newEnv(t, gw)

	out, err := e.svc.CheckIn(ctx, e.user.ID)
	require.NoError(t, err)
	require.NotNil(t, out.Challenge)
	assert.Equal(t, "ord-2026-03-01", out.Challenge.OrderID)
	assert.Nil(t, out.CheckIn)

	var n int64
	require.NoError(t, e.db.Conn.Model(&models.CheckIn{}).Count(&n).Error)
	assert.Zero(t, n)
	assert.Empty(t, e.queued(t))
}

func TestGatedCheckInAlreadyRegistered(t *testing.T) {
	gw := newFakeGateway()
	gw.already = true
	e := newEnv(t, gw)

	out, err := e.svc.CheckIn(context.Background(), e.user.ID)
	require.NoError(t, err)
	assert.True(t, out.AlreadyCheckedIn)
}

func TestVerifyPaymentPending(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.verify = models.VerifyResult{Reason: models.ReasonPendingConfirmation}
	e := newEnv(t, gw)

	out, err := e.svc.CheckIn(ctx, e.user.ID)
	require.NoError(t, err)

	res, err := e.svc.VerifyPayment(ctx, e.user.ID, out.Challenge.OrderID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, models.ReasonPendingConfirmation, res.Reason)
	assert.Empty(t, e.queued(t))
}

func TestVerifyPaymentCreatesCheckInOnce(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.verify = models.VerifyResult{Success: true}
	gw.settleErr = errors.New("settle timeout")
	e := newEnv(t, gw)

	out, err := e.svc.CheckIn(ctx, e.user.ID)
	require.NoError(t, err)
	orderID := out.Challenge.OrderID

	// the payment may be confirmed after midnight; the check-in keeps the challenge's day
	e.svc.now = func() time.Time { return now.Add(20 * time.Hour) }

	res, err := e.svc.VerifyPayment(ctx, e.user.ID, orderID)
	require.NoError(t, err, "settle errors are not surfaced")
	assert.True(t, res.Success)
	assert.False(t, res.AlreadyCheckedIn)
	require.NotNil(t, res.CheckIn)
	assert.Equal(t, "2026-03-01", res.CheckIn.Date.Format(dayFormat))
	require.NotNil(t, res.CheckIn.PaymentOrderID)
	assert.Equal(t, orderID, *res.CheckIn.PaymentOrderID)
	assert.Equal(t, []string{orderID}, gw.settled)
	assert.Len(t, e.queued(t), 1)

	again, err := e.svc.VerifyPayment(ctx, e.user.ID, orderID)
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.True(t, again.AlreadyCheckedIn)
	assert.Len(t, e.queued(t), 1)

	var payments []models.ActivityLog
	require.NoError(t, e.db.Conn.Where("type = ?", models.ActivityPayment).Find(&payments).Error)
	assert.Len(t, payments, 1)
}

func TestVerifyPaymentRejections(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.verify = models.VerifyResult{Success: true}
	e := newEnv(t, gw)
	other := repotest.NewUser(t, e.db, "0x00000000000000000000000000000000000000B2")

	out, err := e.svc.CheckIn(ctx, e.user.ID)
	require.NoError(t, err)

	_, err = e.svc.VerifyPayment(ctx, other.ID, out.Challenge.OrderID)
	assert.True(t, errors.Is(err, models.ErrUnauthorized))

	_, err = e.svc.VerifyPayment(ctx, e.user.ID, "unknown")
	assert.True(t, errors.Is(err, models.ErrChallengeNotFound))
}

func TestVerifyPaymentWithoutGating(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.svc.VerifyPayment(context.Background(), e.user.ID, "ord")
	assert.True(t, errors.Is(err, models.ErrPaymentUnavailable))
}
