package models

import "context"

type NotificationService interface {
	NotifyOperators(ctx context.Context, alert *OperatorAlert)
}

// QueueStats is a snapshot of the payout queue lists.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
}
