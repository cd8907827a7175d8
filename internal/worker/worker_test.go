package worker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/internal/queue"
	"github.com/dedata/checkpay/internal/repository"
	"github.com/dedata/checkpay/internal/repository/repotest"
	"github.com/dedata/checkpay/pkg/logger"
)

const (
	wallet = "0x52908400098527886E0F7030069857D2E4169EE7"
	reward = "10000000000000000000"
)

type transfer struct {
	to     string
	amount *big.Int
}

type fakeChain struct {
	mu        sync.Mutex
	balance   *big.Int
	transfers []transfer
	statuses  map[string]models.TxStatus
	waitErr   error
	closed    bool

	rebroadcasts   []string
	rebroadcastErr error
	onRebroadcast  func()

	onTransfer func()
	onWait     func(ctx context.Context) error
}

func newFakeChain() *fakeChain {
	balance, _ := new(big.Int).SetString("1000000000000000000000", 10)
	return &fakeChain{balance: balance, statuses: map[string]models.TxStatus{}}
}

func (c *fakeChain) Connect(context.Context) error { return nil }

func (c *fakeChain) SenderBalance(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance), nil
}

func (c *fakeChain) Transfer(_ context.Context, to string, amount *big.Int) (*models.Broadcast, error) {
	if c.onTransfer != nil {
		c.onTransfer()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers = append(c.transfers, transfer{to: to, amount: amount})
	c.balance.Sub(c.balance, amount)
	n := len(c.transfers)
	return &models.Broadcast{TxHash: fmt.Sprintf("0x%064x", n), RawTx: fmt.Sprintf("0x02f8%04x", n)}, nil
}

func (c *fakeChain) Rebroadcast(_ context.Context, rawTx string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebroadcasts = append(c.rebroadcasts, rawTx)
	if c.onRebroadcast != nil {
		c.onRebroadcast()
	}
	return c.rebroadcastErr
}

func (c *fakeChain) WaitConfirmed(ctx context.Context, _ string) error {
	if c.onWait != nil {
		return c.onWait(ctx)
	}
	return c.waitErr
}

func (c *fakeChain) TransactionStatus(_ context.Context, txHash string) (models.TxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[txHash], nil
}

func (c *fakeChain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChain) sent() []transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transfer(nil), c.transfers...)
}

type fakeNotificator struct {
	mu     sync.Mutex
	alerts []*models.OperatorAlert
}

func (n *fakeNotificator) NotifyOperators(_ context.Context, alert *models.OperatorAlert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func (n *fakeNotificator) received() []*models.OperatorAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*models.OperatorAlert(nil), n.alerts...)
}

type env struct {
	w     *Worker
	db    *repository.PostgresDB
	queue *queue.RedisQueue
	mr    *miniredis.Miniredis
	chain *fakeChain
	alert *fakeNotificator
	user  *models.User
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	db := repotest.Open(t)
	mr := miniredis.RunT(t)
	client := queue.NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })

	q := queue.NewRedisQueue(client, "", 100*time.Millisecond, logger.NewNop())
	chain := newFakeChain()
	alert := &fakeNotificator{}

	if opts.RecoveryWindow == 0 {
		opts.RecoveryWindow = 24 * time.Hour
	}
	if opts.CheckInTimeout == 0 {
		opts.CheckInTimeout = 24 * time.Hour
	}
	if opts.ReconcileAfter == 0 {
		opts.ReconcileAfter = 10 * time.Minute
	}
	if opts.IdleBackoff == 0 {
		opts.IdleBackoff = 10 * time.Millisecond
	}

	return &env{
		w:     NewWorker(db, q, chain, alert, opts, logger.NewNop()),
		db:    db,
		queue: q,
		mr:    mr,
		chain: chain,
		alert: alert,
		user:  repotest.NewUser(t, db, wallet),
	}
}

// checkIn stores a check-in for day with its queued payout and enqueues the job.
func (e *env) checkIn(t *testing.T, day time.Time) *models.TokenPayout {
	t.Helper()
	ctx := context.Background()
	c := &models.CheckIn{UserID: e.user.ID, DID: e.user.DID, Date: day, Status: models.CheckInStatusPending}
	p := &models.TokenPayout{UserID: e.user.ID, DID: e.user.DID, Amount: reward, Status: models.PayoutStatusQueued}
	require.NoError(t, e.db.CreateCheckInWithPayout(ctx, c, p))
	require.NoError(t, e.queue.Enqueue(ctx, models.NewPayoutJob(p, 1)))
	return p
}

func (e *env) payout(t *testing.T, id string) *models.TokenPayout {
	t.Helper()
	p, err := e.db.GetPayout(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (e *env) stats(t *testing.T) models.QueueStats {
	t.Helper()
	s, err := e.queue.Stats(context.Background())
	require.NoError(t, err)
	return *s
}

func (e *env) runOnce(t *testing.T) {
	t.Helper()
	processed, err := e.w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
}

func today() time.Time {
	return models.DayOf(time.Now(), time.UTC)
}

func TestPayoutIsSettled(t *testing.T) {
	e := newEnv(t, Options{})
	p := e.checkIn(t, today())

	e.runOnce(t)

	stored := e.payout(t, p.ID)
	assert.Equal(t, models.PayoutStatusSuccess, stored.Status)
	require.NotNil(t, stored.TxHash)
	assert.NotNil(t, stored.ProcessedAt)

	c, err := e.db.GetCheckIn(context.Background(), *stored.CheckInID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckInStatusSuccess, c.Status)

	sent := e.chain.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, strings.ToLower(wallet), sent[0].to)
	assert.Equal(t, reward, sent[0].amount.String())

	assert.Equal(t, 1, repotest.ActivityCount(t, e.db, models.ActivityPayout, p.ID))
	assert.Equal(t, models.QueueStats{}, e.stats(t))
	assert.Empty(t, e.alert.received())
}

func TestDuplicateDeliveryTransfersOnce(t *testing.T) {
	e := newEnv(t, Options{})
	p := e.checkIn(t, today())
	require.NoError(t, e.queue.Enqueue(context.Background(), models.NewPayoutJob(p, 2)))

	e.runOnce(t)
	e.runOnce(t)

	assert.Len(t, e.chain.sent(), 1)
	assert.Equal(t, models.PayoutStatusSuccess, e.payout(t, p.ID).Status)
	assert.Equal(t, 1, repotest.ActivityCount(t, e.db, models.ActivityPayout, p.ID))
	assert.Equal(t, models.QueueStats{}, e.stats(t))
}

func TestNothingToDo(t *testing.T) {
	e := newEnv(t, Options{})
	processed, err := e.w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestMalformedJobIsDropped(t *testing.T) {
	e := newEnv(t, Options{})
	_, err := e.mr.RPush("payout:queue", `{"payoutId":"x","amount":"-1"}`)
	require.NoError(t, err)

	e.runOnce(t)
	assert.Equal(t, models.QueueStats{}, e.stats(t))
	assert.Empty(t, e.chain.sent())
}

func TestUnknownPayoutIsDropped(t *testing.T) {
	e := newEnv(t, Options{})
	require.NoError(t, e.queue.Enqueue(context.Background(), models.PayoutJob{
		PayoutID: uuid.NewString(), DID: e.user.DID, Amount: reward, Timestamp: 1,
	}))

	e.runOnce(t)
	assert.Equal(t, models.QueueStats{}, e.stats(t))
	assert.Empty(t, e.chain.sent())
}

func TestInsufficientFundsFailsAndCanBeRetried(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{MaxRetryCount: 3})
	e.chain.balance = big.NewInt(1)
	p := e.checkIn(t, today())

	e.runOnce(t)

	stored := e.payout(t, p.ID)
	assert.Equal(t, models.PayoutStatusFailed, stored.Status)
	assert.Nil(t, stored.TxHash, "nothing was broadcast")
	require.NotNil(t, stored.ErrorReason)
	assert.Contains(t, *stored.ErrorReason, "insufficient funds")
	assert.Empty(t, e.chain.sent())

	alerts := e.alert.received()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.CodeInsufficientFunds, alerts[0].Code)
	assert.False(t, alerts[0].Permanent)
	assert.Equal(t, models.QueueStats{Failed: 1}, e.stats(t))

	e.chain.balance = newFakeChain().balance
	requeued, err := e.db.RequeuePayout(ctx, p.ID, 0, []models.PayoutStatus{models.PayoutStatusFailed})
	require.NoError(t, err)
	require.NoError(t, e.queue.Enqueue(ctx, models.NewPayoutJob(requeued, 2)))

	e.runOnce(t)
	stored = e.payout(t, p.ID)
	assert.Equal(t, models.PayoutStatusSuccess, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Len(t, e.chain.sent(), 1)
}

func TestFailureAtRetryLimitIsPermanent(t *testing.T) {
	e := newEnv(t, Options{MaxRetryCount: 3})
	e.chain.waitErr = errors.New("confirmation timed out")
	p := e.checkIn(t, today())
	require.NoError(t, e.db.Conn.Model(&models.TokenPayout{}).Where("id = ?", p.ID).Update("retry_count", 3).Error)

	e.runOnce(t)

	stored := e.payout(t, p.ID)
	assert.Equal(t, models.PayoutStatusFailedPermanent, stored.Status)
	require.NotNil(t, stored.TxHash, "the broadcast hash is kept")

	alerts := e.alert.received()
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Permanent)
	assert.Equal(t, *stored.TxHash, alerts[0].TxHash)
}

func TestRevertedTransferAlertsOperators(t *testing.T) {
	e := newEnv(t, Options{})
	e.chain.waitErr = models.ErrTransactionReverted.WithDetail("transaction 0x1 reverted in block 7")
	p := e.checkIn(t, today())

	e.runOnce(t)

	stored := e.payout(t, p.ID)
	assert.Equal(t, models.PayoutStatusFailed, stored.Status)
	alerts := e.alert.received()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.CodeTransactionReverted, alerts[0].Code)
}

func TestTransientFailureDoesNotAlert(t *testing.T) {
	e := newEnv(t, Options{})
	e.chain.waitErr = errors.New("rpc unavailable")
	p := e.checkIn(t, today())

	e.runOnce(t)
	assert.Equal(t, models.PayoutStatusFailed, e.payout(t, p.ID).Status)
	assert.Empty(t, e.alert.received())
}

func TestMissingWalletFails(t *testing.T) {
	e := newEnv(t, Options{})
	p := e.checkIn(t, today())
	require.NoError(t, e.db.Conn.Model(&models.User{}).Where("id = ?", e.user.ID).Update("wallet_address", "").Error)

	e.runOnce(t)
	stored := e.payout(t, p.ID)
	assert.Equal(t, models.PayoutStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorReason)
	assert.Equal(t, models.ErrWalletMissing.Message, *stored.ErrorReason)
}

func TestRecoverRequeuesInterruptedPayout(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	p := e.checkIn(t, today())

	// a previous run claimed the job and crashed before sending
	_, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	claimed, err := e.db.ClaimPayout(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	report, err := e.w.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, int64(1), report.DiscardedEntries)
	assert.Equal(t, models.PayoutStatusQueued, e.payout(t, p.ID).Status)
	assert.Equal(t, models.QueueStats{Pending: 1}, e.stats(t))

	e.runOnce(t)
	assert.Equal(t, models.PayoutStatusSuccess, e.payout(t, p.ID).Status)
	assert.Len(t, e.chain.sent(), 1)
}

func TestRecoveredBroadcastIsNotSentAgain(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	p := e.checkIn(t, today())

	_, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	_, err = e.db.ClaimPayout(ctx, p.ID)
	require.NoError(t, err)
	const previous = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	require.NoError(t, e.db.RecordBroadcast(ctx, p.ID, &models.Broadcast{TxHash: previous, RawTx: "0x02f801"}))
	e.chain.statuses[previous] = models.TxSucceeded

	_, err = e.w.Recover(ctx)
	require.NoError(t, err)
	e.runOnce(t)

	stored := e.payout(t, p.ID)
	assert.Equal(t, models.PayoutStatusSuccess, stored.Status)
	require.NotNil(t, stored.TxHash)
	assert.Equal(t, previous, *stored.TxHash)
	assert.Empty(t, e.chain.sent())
}

// interrupted leaves p PROCESSING with a recorded broadcast, as a crash after sending would.
func (e *env) interrupted(t *testing.T, p *models.TokenPayout, broadcast *models.Broadcast) {
	t.Helper()
	ctx := context.Background()
	_, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	_, err = e.db.ClaimPayout(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, e.db.RecordBroadcast(ctx, p.ID, broadcast))
	_, err = e.w.Recover(ctx)
	require.NoError(t, err)
}

func TestUnknownBroadcastIsSentAgainUnchanged(t *testing.T) {
	e := newEnv(t, Options{})
	p := e.checkIn(t, today())
	e.interrupted(t, p, &models.Broadcast{TxHash: "0xbbbb", RawTx: "0x02f8bb"})

	e.runOnce(t)

	stored := e.payout(t, p.ID)
	assert.Equal(t, models.PayoutStatusSuccess, stored.Status)
	assert.Equal(t, "0xbbbb", *stored.TxHash)
	assert.Empty(t, e.chain.sent(), "no second transfer is signed")
	assert.Equal(t, []string{"0x02f8bb"}, e.chain.rebroadcasts)
}

func TestBroadcastWithTakenNonceIsReplaced(t *testing.T) {
	e := newEnv(t, Options{})
	e.chain.rebroadcastErr = models.ErrNonceTooLow
	p := e.checkIn(t, today())
	e.interrupted(t, p, &models.Broadcast{TxHash: "0xbbbb", RawTx: "0x02f8bb"})

	e.runOnce(t)

	stored := e.payout(t, p.ID)
	assert.Equal(t, models.PayoutStatusSuccess, stored.Status)
	assert.NotEqual(t, "0xbbbb", *stored.TxHash)
	assert.Len(t, e.chain.sent(), 1)
}

func TestTakenNonceOfLandedBroadcastIsNotReplaced(t *testing.T) {
	e := newEnv(t, Options{})
	p := e.checkIn(t, today())
	e.interrupted(t, p, &models.Broadcast{TxHash: "0xbbbb", RawTx: "0x02f8bb"})
	e.chain.rebroadcastErr = models.ErrNonceTooLow
	// the original transaction is mined while it is being resent
	e.chain.onRebroadcast = func() { e.chain.statuses["0xbbbb"] = models.TxSucceeded }

	e.runOnce(t)

	stored := e.payout(t, p.ID)
	assert.Equal(t, models.PayoutStatusSuccess, stored.Status)
	assert.Equal(t, "0xbbbb", *stored.TxHash)
	assert.Empty(t, e.chain.sent())
}

func TestRevertedBroadcastIsReplaced(t *testing.T) {
	e := newEnv(t, Options{})
	p := e.checkIn(t, today())
	e.interrupted(t, p, &models.Broadcast{TxHash: "0xbbbb", RawTx: "0x02f8bb"})
	e.chain.statuses["0xbbbb"] = models.TxReverted

	e.runOnce(t)

	stored := e.payout(t, p.ID)
	assert.Equal(t, models.PayoutStatusSuccess, stored.Status)
	assert.NotEqual(t, "0xbbbb", *stored.TxHash)
	assert.Len(t, e.chain.sent(), 1)
	assert.Empty(t, e.chain.rebroadcasts)
}

func TestUnknownBroadcastWithoutSignedBytesIsNotReplaced(t *testing.T) {
	e := newEnv(t, Options{})
	p := e.checkIn(t, today())
	e.interrupted(t, p, &models.Broadcast{TxHash: "0xbbbb"})

	e.runOnce(t)

	stored := e.payout(t, p.ID)
	assert.Equal(t, models.PayoutStatusFailed, stored.Status)
	assert.Equal(t, "0xbbbb", *stored.TxHash)
	require.NotNil(t, stored.ErrorReason)
	assert.Contains(t, *stored.ErrorReason, "cannot be sent again")
	assert.Empty(t, e.chain.sent())
}

func TestRecoverDuringPayoutIsRefused(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{LeaseTTL: time.Minute})
	p := e.checkIn(t, today())
	require.NoError(t, e.w.acquireLease(ctx))

	second := NewWorker(e.db, e.queue, newFakeChain(), &fakeNotificator{}, Options{
		RecoveryWindow: 24 * time.Hour,
		CheckInTimeout: 24 * time.Hour,
		LeaseTTL:       time.Minute,
	}, logger.NewNop())
	var recoverErr error
	e.chain.onTransfer = func() {
		_, recoverErr = second.RecoverExclusive(ctx)
	}

	e.runOnce(t)
	assert.True(t, errors.Is(recoverErr, ErrSignerBusy), "got %v", recoverErr)

	stored := e.payout(t, p.ID)
	assert.Equal(t, models.PayoutStatusSuccess, stored.Status)
	assert.Len(t, e.chain.sent(), 1)
	assert.Equal(t, models.QueueStats{}, e.stats(t))

	processed, err := e.w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "nothing was enqueued again")
	assert.Len(t, e.chain.sent(), 1)
}

func TestRecoverExclusiveReleasesLease(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{LeaseTTL: time.Minute})
	e.checkIn(t, today())

	report, err := e.w.RecoverExclusive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)

	ok, err := e.db.AcquireLock(ctx, models.SignerLockName, "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecoverFailsStaleCheckIns(t *testing.T) {
	e := newEnv(t, Options{})
	p := e.checkIn(t, today().AddDate(0, 0, -2))
	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, e.db.Conn.Model(&models.CheckIn{}).Where("payout_id = ?", p.ID).
		UpdateColumns(map[string]interface{}{"created_at": old, "updated_at": old}).Error)
	require.NoError(t, e.db.Conn.Model(&models.TokenPayout{}).Where("id = ?", p.ID).
		Update("created_at", time.Now().UTC().Add(-48*time.Hour)).Error)

	report, err := e.w.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Requeued, "outside the recovery window")
	assert.Equal(t, 1, report.StaleCheckIns)

	stored := e.payout(t, p.ID)
	assert.Equal(t, models.PayoutStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorReason)
	assert.Equal(t, staleCheckInReason, *stored.ErrorReason)
}

func TestSweepReenqueuesStalledPayouts(t *testing.T) {
	e := newEnv(t, Options{})
	p := e.checkIn(t, today())
	// the job was lost between commit and enqueue
	e.mr.Del("payout:queue")
	e.w.now = func() time.Time { return time.Now().Add(time.Hour) }

	report := e.w.Sweep(context.Background())
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, models.QueueStats{Pending: 1}, e.stats(t))

	e.runOnce(t)
	assert.Equal(t, models.PayoutStatusSuccess, e.payout(t, p.ID).Status)
}

func TestSweepIgnoresFreshPayouts(t *testing.T) {
	e := newEnv(t, Options{})
	e.checkIn(t, today())
	e.mr.Del("payout:queue")

	report := e.w.Sweep(context.Background())
	assert.Equal(t, 0, report.Requeued)
	assert.Equal(t, models.QueueStats{}, e.stats(t))
}

func TestInterruptedJobStaysProcessing(t *testing.T) {
	e := newEnv(t, Options{})
	p := e.checkIn(t, today())
	e.chain.onWait = func(ctx context.Context) error {
		e.w.cancelJobs()
		<-ctx.Done()
		return ctx.Err()
	}

	e.runOnce(t)

	stored := e.payout(t, p.ID)
	assert.Equal(t, models.PayoutStatusProcessing, stored.Status)
	assert.NotNil(t, stored.TxHash)
	assert.Equal(t, models.QueueStats{Processing: 1}, e.stats(t), "the job is not acknowledged")
}

func TestPanicIsFatal(t *testing.T) {
	e := newEnv(t, Options{LeaseTTL: time.Minute})
	e.chain.onTransfer = func() { panic("signer exploded") }
	e.checkIn(t, today())

	require.NoError(t, e.w.Start(context.Background()))
	select {
	case err := <-e.w.Fatal():
		assert.Contains(t, err.Error(), "signer exploded")
	case <-time.After(5 * time.Second):
		t.Fatal("worker panic was not reported")
	}
	e.w.Drain(time.Second)
	e.w.Stop()
}

func TestStartWaitsForLease(t *testing.T) {
	e := newEnv(t, Options{LeaseTTL: 300 * time.Millisecond})
	ok, err := e.db.AcquireLock(context.Background(), models.SignerLockName, "other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	err = e.w.Start(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Empty(t, e.chain.sent())
}

func TestLostLeaseIsFatal(t *testing.T) {
	e := newEnv(t, Options{LeaseTTL: 150 * time.Millisecond})
	require.NoError(t, e.w.Start(context.Background()))

	require.NoError(t, e.db.Conn.Model(&models.AppLock{}).Where("lock_name = ?", models.SignerLockName).
		Updates(map[string]interface{}{"instance_id": "other", "expires_at": time.Now().Add(time.Hour).Unix()}).Error)

	select {
	case err := <-e.w.Fatal():
		assert.Contains(t, err.Error(), "lease lost")
	case <-time.After(5 * time.Second):
		t.Fatal("lost lease was not reported")
	}
	e.w.Drain(time.Second)
	e.w.Stop()
}

func TestStartProcessesAndStops(t *testing.T) {
	e := newEnv(t, Options{LeaseTTL: time.Minute})
	p := e.checkIn(t, today())

	require.NoError(t, e.w.Start(context.Background()))
	require.Eventually(t, func() bool {
		return e.payout(t, p.ID).Status == models.PayoutStatusSuccess
	}, 5*time.Second, 20*time.Millisecond)

	e.w.Drain(time.Second)
	e.w.Stop()

	assert.True(t, e.chain.closed)
	ok, err := e.db.AcquireLock(context.Background(), models.SignerLockName, "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "the lease is released on stop")
}
