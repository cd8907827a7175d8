package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dedata/checkpay/internal/models"
)

// ErrSignerBusy is returned by RecoverExclusive while another instance holds the signer lease.
var ErrSignerBusy = errors.New("signer lease is held by another instance")

// acquireLease waits until this instance holds the signer lease. Only the lease holder may
// broadcast from the custodial wallet.
func (w *Worker) acquireLease(ctx context.Context) error {
	retry := w.opts.LeaseTTL / 3
	for {
		ok, err := w.repo.AcquireLock(ctx, models.SignerLockName, w.opts.InstanceID, w.opts.LeaseTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire signer lease: %w", err)
		}
		if ok {
			w.logger.Info("Signer lease acquired", "ttl", w.opts.LeaseTTL)
			return nil
		}
		w.logger.Info("Signer lease held by another instance, waiting", "retryIn", retry)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

func (w *Worker) renewLease() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-w.jobCtx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(w.jobCtx, w.opts.LeaseTTL/3)
		ok, err := w.repo.AcquireLock(ctx, models.SignerLockName, w.opts.InstanceID, w.opts.LeaseTTL)
		cancel()
		if err != nil {
			if w.jobCtx.Err() != nil {
				return
			}
			// a transient store error is tolerated until the lease actually lapses
			w.logger.Warn("Failed to renew signer lease", "error", err)
			continue
		}
		if !ok {
			w.logger.Error("Signer lease lost to another instance")
			w.raise(fmt.Errorf("signer lease lost"))
			return
		}
	}
}

func (w *Worker) releaseLease() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.repo.ReleaseLock(ctx, models.SignerLockName, w.opts.InstanceID); err != nil {
		w.logger.Warn("Failed to release signer lease", "error", err)
	}
}

// RecoverExclusive runs Recover while holding the signer lease, so that it never rewrites a
// payout a running worker is settling. It fails with ErrSignerBusy instead of waiting when the
// lease is taken. The worker cannot be started afterwards.
func (w *Worker) RecoverExclusive(ctx context.Context) (*RecoveryReport, error) {
	ok, err := w.repo.AcquireLock(ctx, models.SignerLockName, w.opts.InstanceID, w.opts.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire signer lease: %w", err)
	}
	if !ok {
		return nil, ErrSignerBusy
	}
	defer w.releaseLease()

	w.wg.Add(1)
	go w.renewLease()
	defer func() {
		w.cancelJobs()
		w.wg.Wait()
	}()

	report, err := w.Recover(ctx)
	if err != nil {
		return nil, err
	}
	select {
	case err := <-w.fatal:
		return report, err
	default:
	}
	return report, nil
}
