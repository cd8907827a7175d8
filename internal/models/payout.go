package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PayoutStatus string

const (
	PayoutStatusQueued          PayoutStatus = "QUEUED"
	PayoutStatusProcessing      PayoutStatus = "PROCESSING"
	PayoutStatusSuccess         PayoutStatus = "SUCCESS"
	PayoutStatusFailed          PayoutStatus = "FAILED"
	PayoutStatusFailedPermanent PayoutStatus = "FAILED_PERMANENT"
)

// Terminal reports whether the worker is done with a payout in this status.
func (s PayoutStatus) Terminal() bool {
	switch s {
	case PayoutStatusSuccess, PayoutStatusFailed, PayoutStatusFailedPermanent:
		return true
	}
	return false
}

// TokenPayout is a unit of on-chain value owed to a user.
type TokenPayout struct {
	// ID is the unique identifier of the payout (UUID).
	ID string `json:"id" gorm:"column:id;primaryKey;type:uuid"`
	// UserID references the recipient.
	UserID string `json:"user_id" gorm:"column:user_id;type:uuid;not null;index"`
	// DID of the recipient.
	DID string `json:"did" gorm:"column:did;size:255;not null"`
	// Amount in token base units as a decimal string. Never changes after creation.
	Amount string `json:"amount" gorm:"column:amount;size:100;not null"`
	// Status is the payout state machine position.
	Status PayoutStatus `json:"status" gorm:"column:status;size:32;not null;index:idx_token_payouts_status_created,priority:1"`
	// TxHash is set as soon as a transfer has been broadcast.
	TxHash *string `json:"tx_hash,omitempty" gorm:"column:tx_hash;size:66"`
	// RawTx is the signed transaction behind TxHash, kept so that it can be sent again.
	RawTx *string `json:"-" gorm:"column:raw_tx;type:text"`
	// ErrorReason holds the last failure.
	ErrorReason *string `json:"error_reason,omitempty" gorm:"column:error_reason;type:text"`
	// RetryCount is the number of explicit retries so far.
	RetryCount int `json:"retry_count" gorm:"column:retry_count;not null"`
	// CheckInID references the check-in this payout rewards.
	CheckInID *string `json:"check_in_id,omitempty" gorm:"column:check_in_id;type:uuid;index"`

	CreatedAt   time.Time  `json:"created_at" gorm:"column:created_at;index:idx_token_payouts_status_created,priority:2"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"column:updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" gorm:"column:processed_at"`
}

func (p *TokenPayout) BeforeCreate(*gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// PayoutFailure describes a failed payout attempt.
type PayoutFailure struct {
	Reason    string
	Permanent bool
	// TxHash is recorded when the failure happened after broadcast.
	TxHash string
}
