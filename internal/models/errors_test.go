package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesByCode(t *testing.T) {
	detailed := ErrInsufficientFunds.WithDetail("balance %s below %s", "1", "10")
	wrapped := fmt.Errorf("processing payout: %w", detailed)

	assert.True(t, errors.Is(wrapped, ErrInsufficientFunds))
	assert.False(t, errors.Is(wrapped, ErrWalletMissing))
	assert.Equal(t, CodeInsufficientFunds, CodeOf(wrapped))
	assert.Equal(t, "balance 1 below 10", detailed.Error())
}

func TestErrorWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := ErrPaymentUnavailable.Wrap(cause)

	assert.True(t, errors.Is(err, ErrPaymentUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, ErrorCode(""), CodeOf(cause))
}

func TestDayOf(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// 2026-03-01 20:00 UTC is already 2026-03-02 in Seoul.
	ts := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), DayOf(ts, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), DayOf(ts, seoul))
	assert.Equal(t, DayOf(ts, nil), DayOf(ts, time.UTC))
}

func TestPayoutStatusTerminal(t *testing.T) {
	assert.False(t, PayoutStatusQueued.Terminal())
	assert.False(t, PayoutStatusProcessing.Terminal())
	assert.True(t, PayoutStatusSuccess.Terminal())
	assert.True(t, PayoutStatusFailed.Terminal())
	assert.True(t, PayoutStatusFailedPermanent.Terminal())
}
