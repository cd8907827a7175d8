package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/pkg/logger"
)

const (
	DefaultPrefix = "payout"

	// maxFailedEntries bounds the operator-facing failed list.
	maxFailedEntries = 1000
)

// NewRedisClient builds the client shared by the queue, rate limiter and challenge store.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// RedisQueue is the payout queue on two Redis lists. Jobs are pushed to the tail of the
// pending list and claimed from its head with BLMOVE into the processing list, where they
// stay until acknowledged.
type RedisQueue struct {
	client  redis.Cmdable
	logger  *logger.Logger
	timeout time.Duration

	pendingKey    string
	processingKey string
	inflightKey   string
	failedKey     string
}

var _ models.PayoutQueue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue. dequeueTimeout bounds how long Dequeue blocks.
func NewRedisQueue(client redis.Cmdable, prefix string, dequeueTimeout time.Duration, logger *logger.Logger) *RedisQueue {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisQueue{
		client:        client,
		logger:        logger,
		timeout:       dequeueTimeout,
		pendingKey:    prefix + ":queue",
		processingKey: prefix + ":processing",
		inflightKey:   prefix + ":inflight",
		failedKey:     prefix + ":failed",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job models.PayoutJob) error {
	if err := job.Validate(); err != nil {
		return models.ErrInvalidJob.Wrap(err)
	}
	if job.Timestamp == 0 {
		job.Timestamp = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode payout job: %w", err)
	}
	if err := q.client.RPush(ctx, q.pendingKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue payout %s: %w", job.PayoutID, err)
	}
	q.logger.Debug("Payout job enqueued", "payoutId", job.PayoutID, "retryCount", job.RetryCount)
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*models.Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.pendingKey, q.processingKey, "LEFT", "RIGHT", q.timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim payout job: %w", err)
	}

	delivery := &models.Delivery{Raw: raw}
	job, err := models.DecodePayoutJob([]byte(raw))
	if err != nil {
		return delivery, err
	}
	delivery.Job = job
	return delivery, nil
}

func (q *RedisQueue) MarkAsProcessing(ctx context.Context, d *models.Delivery) error {
	if err := q.client.HSet(ctx, q.inflightKey, d.Job.PayoutID, time.Now().UnixMilli()).Err(); err != nil {
		return fmt.Errorf("failed to mark payout %s as processing: %w", d.Job.PayoutID, err)
	}
	return nil
}

func (q *RedisQueue) MarkAsCompleted(ctx context.Context, d *models.Delivery, txHash string) error {
	if err := q.ack(ctx, d, nil); err != nil {
		return err
	}
	q.logger.Debug("Payout job completed", "payoutId", d.Job.PayoutID, "txHash", txHash)
	return nil
}

func (q *RedisQueue) MarkAsFailed(ctx context.Context, d *models.Delivery, reason string) error {
	entry, err := json.Marshal(models.FailedJob{Job: d.Job, Error: reason, FailedAt: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("failed to encode failed job: %w", err)
	}
	return q.ack(ctx, d, entry)
}

func (q *RedisQueue) Ack(ctx context.Context, d *models.Delivery) error {
	return q.ack(ctx, d, nil)
}

// ack removes the delivery from the processing list and, when failedEntry is set, records it
// in the failed list, all in one MULTI.
func (q *RedisQueue) ack(ctx context.Context, d *models.Delivery, failedEntry []byte) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey, 1, d.Raw)
		if d.Job.PayoutID != "" {
			pipe.HDel(ctx, q.inflightKey, d.Job.PayoutID)
		}
		if failedEntry != nil {
			pipe.LPush(ctx, q.failedKey, failedEntry)
			pipe.LTrim(ctx, q.failedKey, 0, maxFailedEntries-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge payout job: %w", err)
	}
	return nil
}

func (q *RedisQueue) DiscardProcessing(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.processingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read processing list: %w", err)
	}
	if err := q.client.Del(ctx, q.processingKey, q.inflightKey).Err(); err != nil {
		return 0, fmt.Errorf("failed to clear processing list: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Length(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) FailedJobs(ctx context.Context, limit int64) ([]models.FailedJob, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := q.client.LRange(ctx, q.failedKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read failed jobs: %w", err)
	}
	jobs := make([]models.FailedJob, 0, len(raws))
	for _, raw := range raws {
		var job models.FailedJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Warn("Skipping unreadable failed job entry", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (*models.QueueStats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey)
	processing := pipe.LLen(ctx, q.processingKey)
	failed := pipe.LLen(ctx, q.failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return &models.QueueStats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Failed:     failed.Val(),
	}, nil
}
