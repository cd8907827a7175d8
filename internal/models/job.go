package models

import (
	"encoding/json"
	"fmt"

	"github.com/dedata/checkpay/pkg/validation"
)

// PayoutJob is the queue descriptor of a payout. It is derived from TokenPayout and never
// authoritative.
type PayoutJob struct {
	PayoutID   string `json:"payoutId"`
	DID        string `json:"did"`
	Amount     string `json:"amount"`
	RetryCount int    `json:"retryCount,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// NewPayoutJob builds the descriptor for a stored payout.
func NewPayoutJob(p *TokenPayout, timestamp int64) PayoutJob {
	return PayoutJob{
		PayoutID:   p.ID,
		DID:        p.DID,
		Amount:     p.Amount,
		RetryCount: p.RetryCount,
		Timestamp:  timestamp,
	}
}

func (j PayoutJob) Validate() error {
	if j.PayoutID == "" {
		return fmt.Errorf("payoutId is required")
	}
	if j.DID == "" {
		return fmt.Errorf("did is required")
	}
	if _, err := validation.ParseAmount(j.Amount); err != nil {
		return err
	}
	if j.RetryCount < 0 {
		return fmt.Errorf("retryCount cannot be negative")
	}
	return nil
}

// DecodePayoutJob parses and validates a queue payload. Any problem is reported as ErrInvalidJob.
func DecodePayoutJob(raw []byte) (PayoutJob, error) {
	var job PayoutJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return PayoutJob{}, ErrInvalidJob.Wrap(err)
	}
	if err := job.Validate(); err != nil {
		return PayoutJob{}, ErrInvalidJob.Wrap(err)
	}
	return job, nil
}
