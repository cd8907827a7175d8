package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/pkg/logger"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "", time.Second, logger.NewNop()), mr
}

func job(id string) models.PayoutJob {
	return models.PayoutJob{PayoutID: id, DID: "did:pkh:eip155:137:0xabc", Amount: "10000000000000000000", Timestamp: 1}
}

func TestQueueIsFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, job(id)))
	}
	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, want := range []string{"a", "b", "c"} {
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, want, d.Job.PayoutID)
	}
}

func TestClaimedJobStaysVisibleUntilAck(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, job("a")))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkAsProcessing(ctx, d))

	processing, err := mr.List(q.processingKey)
	require.NoError(t, err)
	assert.Equal(t, []string{d.Raw}, processing, "claimed job survives a crash here")
	assert.NotEmpty(t, mr.HGet(q.inflightKey, "a"))

	require.NoError(t, q.MarkAsCompleted(ctx, d, "0xabc"))
	assert.False(t, mr.Exists(q.processingKey))
	assert.Empty(t, mr.HGet(q.inflightKey, "a"))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{}, *stats)
}

func TestDequeueTimesOut(t *testing.T) {
	q, _ := newTestQueue(t)
	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestMalformedJobIsReportedWithDelivery(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	_, err := mr.RPush(q.pendingKey, `{"payoutId":`)
	require.NoError(t, err)

	d, err := q.Dequeue(ctx)
	assert.True(t, errors.Is(err, models.ErrInvalidJob))
	require.NotNil(t, d)
	assert.Equal(t, `{"payoutId":`, d.Raw)

	require.NoError(t, q.Ack(ctx, d))
	assert.False(t, mr.Exists(q.processingKey))
}

func TestEnqueueRejectsInvalidJob(t *testing.T) {
	q, _ := newTestQueue(t)
	bad := job("a")
	bad.Amount = "1.5"
	err := q.Enqueue(context.Background(), bad)
	assert.True(t, errors.Is(err, models.ErrInvalidJob))
}

func TestMarkAsFailedRecordsEntry(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, job("a")))
	require.NoError(t, q.Enqueue(ctx, job("b")))
	for i := 0; i < 2; i++ {
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.MarkAsFailed(ctx, d, "insufficient funds"))
	}

	failed, err := q.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "b", failed[0].Job.PayoutID, "newest first")
	assert.Equal(t, "insufficient funds", failed[0].Error)

	failed, err = q.FailedJobs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(0), stats.Processing)
}

func TestDiscardProcessing(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, job("a")))
	require.NoError(t, q.Enqueue(ctx, job("b")))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	n, err := q.DiscardProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(0), stats.Processing)
}

func TestDuplicatePayloadsAckOneAtATime(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, job("a")))
	require.NoError(t, q.Enqueue(ctx, job("a")))
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, first))
	processing, err := mr.List(q.processingKey)
	require.NoError(t, err)
	assert.Len(t, processing, 1)
	require.NoError(t, q.Ack(ctx, second))
	assert.False(t, mr.Exists(q.processingKey))
}
