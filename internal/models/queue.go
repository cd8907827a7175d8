package models

import "context"

// Delivery is a claimed queue entry. Raw is the exact payload held in the processing list
// and is what acknowledgment removes.
type Delivery struct {
	Raw string
	Job PayoutJob
}

// FailedJob is an entry of the queue's failed list, kept for operators.
type FailedJob struct {
	Job      PayoutJob `json:"job"`
	Error    string    `json:"error"`
	FailedAt int64     `json:"failedAt"`
}

// PayoutQueue is an at-least-once FIFO of payout jobs. Claiming moves an entry from the
// pending list to the processing list so that a crash never loses a claimed job.
type PayoutQueue interface {
	Enqueue(ctx context.Context, job PayoutJob) error
	// Dequeue blocks up to the configured timeout. It returns (nil, nil) when nothing arrived.
	// A payload that does not decode is returned together with ErrInvalidJob so it can be acked.
	Dequeue(ctx context.Context) (*Delivery, error)
	MarkAsProcessing(ctx context.Context, d *Delivery) error
	MarkAsCompleted(ctx context.Context, d *Delivery, txHash string) error
	MarkAsFailed(ctx context.Context, d *Delivery, reason string) error
	// Ack drops a delivery from the processing list without recording an outcome.
	Ack(ctx context.Context, d *Delivery) error
	// DiscardProcessing empties the processing list. Used at startup after the store rescan.
	DiscardProcessing(ctx context.Context) (int64, error)
	Length(ctx context.Context) (int64, error)
	FailedJobs(ctx context.Context, limit int64) ([]FailedJob, error)
	Stats(ctx context.Context) (*QueueStats, error)
}

// RateLimiter enforces the daily check-in allowance of a DID.
type RateLimiter interface {
	// Consume takes the allowance for day, failing with ErrRateLimited when already used.
	Consume(ctx context.Context, did, day string) error
	// Release gives the allowance back after a failed attempt.
	Release(ctx context.Context, did, day string) error
}
