package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/dedata/checkpay/internal/metrics"
	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/pkg/logger"
	"github.com/dedata/checkpay/pkg/validation"
)

// Options tune the worker loop and its maintenance jobs.
type Options struct {
	MaxRetryCount  int
	IdleBackoff    time.Duration
	RecoveryWindow time.Duration
	CheckInTimeout time.Duration
	ReconcileAfter time.Duration
	SweepSchedule  string
	LeaseTTL       time.Duration
	// InstanceID identifies this process as lease holder. A random one is used when empty.
	InstanceID string
}

// Worker consumes payout jobs and settles them on chain. It is the only writer of payout
// state after creation.
type Worker struct {
	logger      *logger.Logger
	repo        models.Repository
	queue       models.PayoutQueue
	chain       models.TokenTransferer
	notificator models.NotificationService
	opts        Options
	now         func() time.Time

	// loopCtx stops claiming; jobCtx aborts in-flight jobs once the drain grace has passed.
	loopCtx    context.Context
	stopLoop   context.CancelFunc
	jobCtx     context.Context
	cancelJobs context.CancelFunc

	cron     *cron.Cron
	fatal    chan error
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool
}

func NewWorker(
	repo models.Repository,
	queue models.PayoutQueue,
	chain models.TokenTransferer,
	notificator models.NotificationService,
	opts Options,
	logger *logger.Logger,
) *Worker {
	if opts.MaxRetryCount < 1 {
		opts.MaxRetryCount = 3
	}
	if opts.IdleBackoff <= 0 {
		opts.IdleBackoff = 5 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.SweepSchedule == "" {
		opts.SweepSchedule = "@every 10m"
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	return &Worker{
		logger:      logger.With("component", "worker", "instance", opts.InstanceID),
		repo:        repo,
		queue:       queue,
		chain:       chain,
		notificator: notificator,
		opts:        opts,
		now:         time.Now,
		loopCtx:     loopCtx,
		stopLoop:    stopLoop,
		jobCtx:      jobCtx,
		cancelJobs:  cancelJobs,
		cron:        cron.New(),
		fatal:       make(chan error, 1),
		done:        make(chan struct{}),
	}
}

// Start takes the signer lease, recovers interrupted payouts and then starts consuming.
// It blocks only while waiting for the lease.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.acquireLease(ctx); err != nil {
		return err
	}
	if _, err := w.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	if _, err := w.cron.AddFunc(w.opts.SweepSchedule, func() { w.Sweep(w.jobCtx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", w.opts.SweepSchedule, err)
	}
	w.cron.Start()

	w.started = true
	w.wg.Add(1)
	go w.renewLease()
	go w.run()
	w.logger.Info("Payout worker started")
	return nil
}

// Fatal delivers an unrecoverable worker error. The owner is expected to shut down.
func (w *Worker) Fatal() <-chan error {
	return w.fatal
}

// Drain stops claiming new jobs and waits up to grace for the job in flight. When the grace
// period runs out the job is interrupted and left for recovery.
func (w *Worker) Drain(grace time.Duration) {
	w.stopOnce.Do(w.stopLoop)
	if !w.started {
		return
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-w.done:
		w.logger.Info("Payout worker drained")
	case <-timer.C:
		w.logger.Warn("Drain grace period exceeded, interrupting job in flight", "grace", grace)
		w.cancelJobs()
		<-w.done
	}
}

// Stop releases the resources held by the worker. Call it after Drain.
func (w *Worker) Stop() {
	w.stopOnce.Do(w.stopLoop)
	<-w.cron.Stop().Done()
	w.cancelJobs()
	w.wg.Wait()

	w.releaseLease()
	if err := w.chain.Close(); err != nil {
		w.logger.Warn("Failed to close chain client", "error", err)
	}
	w.logger.Info("Payout worker stopped")
}

func (w *Worker) run() {
	defer close(w.done)
	for w.loopCtx.Err() == nil {
		processed, err := w.RunOnce(w.loopCtx)
		if err != nil {
			var panicErr *panicError
			if errors.As(err, &panicErr) {
				w.raise(err)
				return
			}
			if w.loopCtx.Err() != nil {
				return
			}
			w.logger.Error("Failed to claim payout job", "error", err)
		}
		if !processed {
			w.sleep(w.opts.IdleBackoff)
		}
	}
}

type panicError struct {
	value interface{}
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("worker panic: %v", e.value)
}

// RunOnce claims and processes at most one job. It reports whether a job was handled.
func (w *Worker) RunOnce(ctx context.Context) (processed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			w.logger.Error("Payout worker panicked", "panic", r, "stack", string(stack))
			err = &panicError{value: r, stack: stack}
		}
	}()

	d, err := w.queue.Dequeue(ctx)
	if errors.Is(err, models.ErrInvalidJob) && d != nil {
		w.logger.Error("Dropping malformed payout job", "payload", d.Raw, "error", err)
		w.ack(d)
		metrics.RecordPayout("dropped", 0)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	w.process(w.jobCtx, d)
	return true, nil
}

func (w *Worker) process(ctx context.Context, d *models.Delivery) {
	start := w.now()
	log := w.logger.With("payoutId", d.Job.PayoutID, "retryCount", d.Job.RetryCount)

	payout, err := w.repo.GetPayout(ctx, d.Job.PayoutID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn("Dropping job of unknown payout")
		w.drop(d)
		return
	}
	if err != nil {
		log.Error("Failed to load payout, leaving it to reconciliation", "error", err)
		w.drop(d)
		return
	}
	if payout.Status == models.PayoutStatusSuccess {
		log.Info("Payout already completed, dropping duplicate delivery")
		w.drop(d)
		return
	}

	claimed, err := w.repo.ClaimPayout(ctx, payout.ID)
	if err != nil {
		log.Error("Failed to claim payout, leaving it to reconciliation", "error", err)
		w.drop(d)
		return
	}
	if !claimed {
		log.Info("Payout is not queued, dropping job", "status", payout.Status)
		w.drop(d)
		return
	}
	if err := w.queue.MarkAsProcessing(ctx, d); err != nil {
		log.Warn("Failed to mark job as processing", "error", err)
	}

	txHash, err := w.pay(ctx, log, payout)
	if err != nil && ctx.Err() != nil {
		log.Warn("Payout interrupted by shutdown, left for recovery", "txHash", txHash, "error", err)
		return
	}

	// the outcome is recorded on a context that survives shutdown
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err == nil {
		w.complete(finishCtx, log, d, payout, txHash, start)
		return
	}
	w.fail(finishCtx, log, d, payout, txHash, err, start)
}

// pay performs the transfer of payout and waits for its confirmation. It returns the hash of
// the transaction that settled, or failed, the payout.
func (w *Worker) pay(ctx context.Context, log *logger.Logger, payout *models.TokenPayout) (string, error) {
	user, err := w.repo.GetUser(ctx, payout.UserID)
	if errors.Is(err, models.ErrNotFound) {
		return "", models.ErrUserNotFound
	}
	if err != nil {
		return "", err
	}
	if user.WalletAddress == "" {
		return "", models.ErrWalletMissing
	}
	amount, err := validation.ParseAmount(payout.Amount)
	if err != nil {
		return "", fmt.Errorf("invalid payout amount %q: %w", payout.Amount, err)
	}

	if err := w.chain.Connect(ctx); err != nil {
		return "", err
	}

	if payout.TxHash != nil && *payout.TxHash != "" {
		previous := *payout.TxHash
		settles, err := w.resumable(ctx, log, payout)
		if err != nil {
			return previous, err
		}
		if settles {
			return previous, w.chain.WaitConfirmed(ctx, previous)
		}
	}

	balance, err := w.chain.SenderBalance(ctx)
	if err != nil {
		return "", err
	}
	if balance.Cmp(amount) < 0 {
		return "", models.ErrInsufficientFunds.WithDetail("insufficient funds in payout wallet: have %s, need %s", balance, amount)
	}

	broadcast, err := w.chain.Transfer(ctx, user.WalletAddress, amount)
	if err != nil {
		return "", err
	}
	if err := w.repo.RecordBroadcast(ctx, payout.ID, broadcast); err != nil {
		log.Error("Failed to record broadcast transaction", "txHash", broadcast.TxHash, "error", err)
	}
	return broadcast.TxHash, w.chain.WaitConfirmed(ctx, broadcast.TxHash)
}

// resumable reports whether the transfer recorded on payout can still settle it. A transaction
// the node does not know is sent again from its signed bytes. A new transfer is only allowed
// once the old one reverted or its nonce went to another transaction, since then it can never
// be mined.
func (w *Worker) resumable(ctx context.Context, log *logger.Logger, payout *models.TokenPayout) (bool, error) {
	previous := *payout.TxHash
	status, err := w.chain.TransactionStatus(ctx, previous)
	if err != nil {
		return false, fmt.Errorf("failed to check previous transaction %s: %w", previous, err)
	}
	switch status {
	case models.TxSucceeded, models.TxPending:
		log.Info("Resuming previously broadcast transfer", "txHash", previous)
		return true, nil
	case models.TxReverted:
		log.Warn("Previous transfer reverted, sending a new one", "txHash", previous)
		return false, nil
	}

	if payout.RawTx == nil || *payout.RawTx == "" {
		return false, fmt.Errorf("previous transaction %s is unknown to the node and cannot be sent again", previous)
	}
	err = w.chain.Rebroadcast(ctx, *payout.RawTx)
	if err == nil {
		log.Warn("Previous transfer was unknown to the node, sent it again", "txHash", previous)
		return true, nil
	}
	if !errors.Is(err, models.ErrNonceTooLow) {
		return false, err
	}

	// the nonce is used; unless that was our transaction landing meanwhile, it never will
	status, err = w.chain.TransactionStatus(ctx, previous)
	if err != nil {
		return false, fmt.Errorf("failed to check previous transaction %s: %w", previous, err)
	}
	if status == models.TxSucceeded || status == models.TxPending {
		log.Info("Previous transfer landed while resending", "txHash", previous)
		return true, nil
	}
	log.Warn("Nonce of previous transfer was taken by another transaction, sending a new one", "txHash", previous)
	return false, nil
}

func (w *Worker) complete(ctx context.Context, log *logger.Logger, d *models.Delivery, payout *models.TokenPayout, txHash string, start time.Time) {
	if err := w.repo.CompletePayout(ctx, payout.ID, txHash); err != nil {
		// the job stays in the processing list and the payout in PROCESSING; recovery resumes
		// from the recorded transaction without sending again
		log.Error("Failed to record completed payout", "txHash", txHash, "error", err)
		return
	}
	if err := w.queue.MarkAsCompleted(ctx, d, txHash); err != nil {
		log.Warn("Failed to acknowledge job", "error", err)
	}
	metrics.RecordPayout("success", w.now().Sub(start))
	log.Info("Payout confirmed", "txHash", txHash, "amount", payout.Amount)
}

func (w *Worker) fail(ctx context.Context, log *logger.Logger, d *models.Delivery, payout *models.TokenPayout, txHash string, cause error, start time.Time) {
	failure := models.PayoutFailure{
		Reason:    cause.Error(),
		Permanent: payout.RetryCount >= w.opts.MaxRetryCount,
		TxHash:    txHash,
	}
	if err := w.repo.FailPayout(ctx, payout.ID, failure); err != nil {
		log.Error("Failed to record failed payout", "reason", failure.Reason, "error", err)
		return
	}
	if err := w.queue.MarkAsFailed(ctx, d, failure.Reason); err != nil {
		log.Warn("Failed to acknowledge job", "error", err)
	}

	result := "failed"
	if failure.Permanent {
		result = "failed_permanent"
	}
	metrics.RecordPayout(result, w.now().Sub(start))
	log.Error("Payout failed", "reason", failure.Reason, "permanent", failure.Permanent, "txHash", txHash)

	if failure.Permanent || errors.Is(cause, models.ErrInsufficientFunds) || errors.Is(cause, models.ErrTransactionReverted) {
		w.notificator.NotifyOperators(ctx, &models.OperatorAlert{
			PayoutID:  payout.ID,
			UserID:    payout.UserID,
			Amount:    payout.Amount,
			Code:      models.CodeOf(cause),
			Reason:    failure.Reason,
			TxHash:    txHash,
			Permanent: failure.Permanent,
		})
	}
}

// drop acknowledges a job that needs no processing.
func (w *Worker) drop(d *models.Delivery) {
	w.ack(d)
	metrics.RecordPayout("dropped", 0)
}

func (w *Worker) ack(d *models.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.Ack(ctx, d); err != nil {
		w.logger.Warn("Failed to acknowledge job", "payoutId", d.Job.PayoutID, "error", err)
	}
}

func (w *Worker) raise(err error) {
	select {
	case w.fatal <- err:
	default:
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-w.loopCtx.Done():
	}
}
