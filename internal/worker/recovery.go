package worker

import (
	"context"
	"fmt"

	"github.com/dedata/checkpay/internal/metrics"
	"github.com/dedata/checkpay/internal/models"
)

const staleCheckInReason = "Check-in expired - timeout after 24 hours"

// RecoveryReport summarizes a recovery or sweep run.
type RecoveryReport struct {
	Requeued         int   `json:"requeued"`
	DiscardedEntries int64 `json:"discarded_entries"`
	StaleCheckIns    int   `json:"stale_check_ins"`
}

// Recover rebuilds the queue from the store after a restart. Every QUEUED or PROCESSING payout
// inside the recovery window is reset and enqueued again, then the processing list left by the
// previous run is discarded. Payouts with a broadcast transaction are resumed from that hash.
func (w *Worker) Recover(ctx context.Context) (*RecoveryReport, error) {
	now := w.now()
	report := &RecoveryReport{}

	payouts, err := w.repo.FindRecoverablePayouts(ctx, now.Add(-w.opts.RecoveryWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to find recoverable payouts: %w", err)
	}
	for _, p := range payouts {
		if err := w.requeue(ctx, p); err != nil {
			w.logger.Error("Failed to recover payout", "payoutId", p.ID, "status", p.Status, "error", err)
			continue
		}
		report.Requeued++
	}

	report.DiscardedEntries, err = w.queue.DiscardProcessing(ctx)
	if err != nil {
		return nil, err
	}
	metrics.RecordRecovered(report.Requeued)

	report.StaleCheckIns, err = w.repo.FailStaleCheckIns(ctx, now.Add(-w.opts.CheckInTimeout), staleCheckInReason)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep stale check-ins: %w", err)
	}

	w.logger.Info("Recovery completed",
		"requeued", report.Requeued,
		"discardedEntries", report.DiscardedEntries,
		"staleCheckIns", report.StaleCheckIns,
	)
	return report, nil
}

// Sweep is the periodic maintenance job. It fails check-ins that never completed, re-enqueues
// QUEUED payouts whose job went missing and refreshes the queue depth gauges.
func (w *Worker) Sweep(ctx context.Context) *RecoveryReport {
	now := w.now()
	report := &RecoveryReport{}

	stale, err := w.repo.FailStaleCheckIns(ctx, now.Add(-w.opts.CheckInTimeout), staleCheckInReason)
	if err != nil {
		w.logger.Error("Failed to sweep stale check-ins", "error", err)
	}
	report.StaleCheckIns = stale

	stalled, err := w.repo.FindStalledPayouts(ctx, now.Add(-w.opts.RecoveryWindow), now.Add(-w.opts.ReconcileAfter))
	if err != nil {
		w.logger.Error("Failed to find stalled payouts", "error", err)
	}
	for _, p := range stalled {
		if err := w.requeue(ctx, p); err != nil {
			w.logger.Error("Failed to re-enqueue stalled payout", "payoutId", p.ID, "error", err)
			continue
		}
		report.Requeued++
	}

	if stats, err := w.queue.Stats(ctx); err == nil {
		metrics.SetQueueDepth(stats.Pending, stats.Processing, stats.Failed)
	} else {
		w.logger.Warn("Failed to read queue stats", "error", err)
	}

	if report.Requeued > 0 || report.StaleCheckIns > 0 {
		w.logger.Info("Sweep completed", "requeued", report.Requeued, "staleCheckIns", report.StaleCheckIns)
	}
	return report
}

func (w *Worker) requeue(ctx context.Context, p *models.TokenPayout) error {
	if err := w.repo.ResetPayoutToQueued(ctx, p.ID); err != nil {
		return err
	}
	return w.queue.Enqueue(ctx, models.NewPayoutJob(p, w.now().UnixMilli()))
}
