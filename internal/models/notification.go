package models

import (
	"fmt"
	"strings"
)

// OperatorAlert is raised when a payout needs human attention.
type OperatorAlert struct {
	PayoutID string    `json:"payout_id"`
	UserID   string    `json:"user_id"`
	Amount   string    `json:"amount"`
	Code     ErrorCode `json:"code"`
	Reason   string    `json:"reason"`
	TxHash   string    `json:"tx_hash,omitempty"`
	// Permanent is set when the payout exhausted its retry budget.
	Permanent bool `json:"permanent"`
}

func (a *OperatorAlert) String() string {
	var b strings.Builder
	if a.Permanent {
		b.WriteString("Payout permanently failed\n")
	} else {
		b.WriteString("Payout failed\n")
	}
	fmt.Fprintf(&b, "payout: %s\nuser: %s\namount: %s\n", a.PayoutID, a.UserID, a.Amount)
	if a.Code != "" {
		fmt.Fprintf(&b, "code: %s\n", a.Code)
	}
	fmt.Fprintf(&b, "reason: %s", a.Reason)
	if a.TxHash != "" {
		fmt.Fprintf(&b, "\ntx: %s", a.TxHash)
	}
	return b.String()
}
