package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CheckInStatus string

const (
	CheckInStatusPending CheckInStatus = "PENDING"
	CheckInStatusSuccess CheckInStatus = "SUCCESS"
	CheckInStatusFailed  CheckInStatus = "FAILED"
)

// CheckIn is one user's claim to the reward of a calendar day.
// The (user_id, date) unique index guarantees at most one per user per day.
type CheckIn struct {
	// ID is the unique identifier of the check-in (UUID).
	ID string `json:"id" gorm:"column:id;primaryKey;type:uuid"`
	// UserID references the user who checked in.
	UserID string `json:"user_id" gorm:"column:user_id;type:uuid;not null;uniqueIndex:idx_check_ins_user_date,priority:1"`
	// DID of the user at check-in time.
	DID string `json:"did" gorm:"column:did;size:255;not null;index"`
	// Date is the calendar day, stored as midnight UTC of that day.
	Date time.Time `json:"date" gorm:"column:date;type:date;not null;uniqueIndex:idx_check_ins_user_date,priority:2"`
	// Status is PENDING until the payout reaches a terminal state.
	Status CheckInStatus `json:"status" gorm:"column:status;size:16;not null;index"`
	// PayoutID back-references the payout created with this check-in.
	PayoutID *string `json:"payout_id,omitempty" gorm:"column:payout_id;type:uuid"`
	// PaymentOrderID is the X402 order that paid for a gated check-in.
	PaymentOrderID *string `json:"payment_order_id,omitempty" gorm:"column:payment_order_id;size:128;uniqueIndex"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;index"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (c *CheckIn) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// DayOf normalizes t to the calendar day it falls on in loc, returned as midnight UTC.
func DayOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
