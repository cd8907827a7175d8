package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dedata/checkpay/internal/models"
)

// keyTTL outlives any calendar day in any time zone.
const keyTTL = 48 * time.Hour

// DailyLimiter allows one check-in per DID per calendar day.
type DailyLimiter struct {
	client redis.Cmdable
	prefix string
}

var _ models.RateLimiter = (*DailyLimiter)(nil)

func NewDailyLimiter(client redis.Cmdable) *DailyLimiter {
	return &DailyLimiter{client: client, prefix: "checkin:ratelimit"}
}

func (l *DailyLimiter) key(did, day string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, did, day)
}

func (l *DailyLimiter) Consume(ctx context.Context, did, day string) error {
	ok, err := l.client.SetNX(ctx, l.key(did, day), time.Now().Unix(), keyTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to check rate limit: %w", err)
	}
	if !ok {
		return models.ErrRateLimited
	}
	return nil
}

func (l *DailyLimiter) Release(ctx context.Context, did, day string) error {
	if err := l.client.Del(ctx, l.key(did, day)).Err(); err != nil {
		return fmt.Errorf("failed to release rate limit: %w", err)
	}
	return nil
}
