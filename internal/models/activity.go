package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ActivityType string

const (
	ActivityCheckIn       ActivityType = "CHECK_IN"
	ActivityPayout        ActivityType = "PAYOUT"
	ActivityPayoutRetry   ActivityType = "PAYOUT_RETRY"
	ActivityPayment       ActivityType = "PAYMENT"
	ActivityAuthorization ActivityType = "AUTHORIZATION"
)

// ActivityLog is an append-only audit record.
type ActivityLog struct {
	ID       string            `json:"id" gorm:"column:id;primaryKey;type:uuid"`
	UserID   string            `json:"user_id" gorm:"column:user_id;type:uuid;index"`
	Type     ActivityType      `json:"type" gorm:"column:type;size:32;not null;index"`
	Status   string            `json:"status" gorm:"column:status;size:32"`
	Message  string            `json:"message" gorm:"column:message;type:text"`
	Metadata datatypes.JSONMap `json:"metadata" gorm:"column:metadata;type:jsonb"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;index"`
}

func (a *ActivityLog) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
