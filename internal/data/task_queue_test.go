package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airhq/air-workers/internal/domain/model"
)

func newTestQueue(t *testing.T, now time.Time) *RedisTaskQueue {
	t.Helper()
	_, client := newTestRedis(t)
	return NewRedisTaskQueue(client, FixedTimeProvider{Time: now})
}

func newTestMessage(id string, taskType model.TaskType, scheduledAt time.Time) *model.TaskMessage {
	queue := taskType.Queue()
	return &model.TaskMessage{
		ID:          id,
		Type:        taskType,
		Queue:       queue,
		Priority:    queue.Priority(),
		MaxRetries:  3,
		ScheduledAt: scheduledAt,
		EnqueuedAt:  scheduledAt,
	}
}

func TestRedisTaskQueue_EnqueueReserveRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, now)
	ctx := context.Background()

	msg := newTestMessage("task-1", model.TaskTypeEmailSync, now.Add(-time.Second))
	require.NoError(t, q.Enqueue(ctx, msg))

	got, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task-1", got.ID)
	assert.Equal(t, model.TaskTypeEmailSync, got.Type)
	assert.Equal(t, model.QueueDefault, got.Queue)

	// Queue is drained.
	_, err = q.Reserve(ctx)
	assert.ErrorIs(t, err, model.ErrNoTasksAvailable)
}

func TestRedisTaskQueue_Enqueue_DuplicateID(t *testing.T) {
	now := time.Now()
	q := newTestQueue(t, now)
	ctx := context.Background()

	msg := newTestMessage("task-dup", model.TaskTypeAnalytics, now)
	require.NoError(t, q.Enqueue(ctx, msg))
	assert.ErrorIs(t, q.Enqueue(ctx, msg), ErrTaskAlreadyQueued)
}

func TestRedisTaskQueue_Reserve_DrainsHigherPriorityQueuesFirst(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, now)
	ctx := context.Background()

	// Enqueue lower tiers first; reservation order must still follow the
	// queue tiers, not insertion order.
	earlier := now.Add(-time.Minute)
	require.NoError(t, q.Enqueue(ctx, newTestMessage("low", model.TaskTypeAnalytics, earlier)))
	require.NoError(t, q.Enqueue(ctx, newTestMessage("pipeline", model.TaskTypeDataExport, earlier)))
	require.NoError(t, q.Enqueue(ctx, newTestMessage("default", model.TaskTypeEmailSync, earlier)))
	require.NoError(t, q.Enqueue(ctx, newTestMessage("ai", model.TaskTypeAIAnalysis, earlier)))
	require.NoError(t, q.Enqueue(ctx, newTestMessage("high", model.TaskTypeTokenRefresh, earlier)))

	var order []string
	for {
		msg, err := q.Reserve(ctx)
		if err != nil {
			assert.ErrorIs(t, err, model.ErrNoTasksAvailable)
			break
		}
		order = append(order, msg.ID)
	}
	assert.Equal(t, []string{"high", "ai", "default", "pipeline", "low"}, order)
}

func TestRedisTaskQueue_Reserve_SkipsFutureTasks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, client := newTestRedis(t)
	ctx := context.Background()

	q := NewRedisTaskQueue(client, FixedTimeProvider{Time: now})
	future := newTestMessage("future", model.TaskTypeEmailSync, now.Add(10*time.Minute))
	require.NoError(t, q.Enqueue(ctx, future))

	_, err := q.Reserve(ctx)
	assert.ErrorIs(t, err, model.ErrNoTasksAvailable)

	// Same queue state viewed from after the scheduled time.
	later := NewRedisTaskQueue(client, FixedTimeProvider{Time: now.Add(11 * time.Minute)})
	got, err := later.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "future", got.ID)
}

func TestRedisTaskQueue_Reserve_OrdersByScheduledTimeWithinQueue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, now)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newTestMessage("second", model.TaskTypeEmailSync, now.Add(-time.Minute))))
	require.NoError(t, q.Enqueue(ctx, newTestMessage("first", model.TaskTypeCalendarSync, now.Add(-2*time.Minute))))

	got, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", got.ID)

	got, err = q.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", got.ID)
}

func TestRedisTaskQueue_RequeueWithDelay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, client := newTestRedis(t)
	ctx := context.Background()

	q := NewRedisTaskQueue(client, FixedTimeProvider{Time: now})
	msg := newTestMessage("retry-me", model.TaskTypeCalendarSync, now.Add(-time.Second))
	require.NoError(t, q.Enqueue(ctx, msg))

	got, err := q.Reserve(ctx)
	require.NoError(t, err)

	got.RetryCount++
	require.NoError(t, q.RequeueWithDelay(ctx, got, 2*time.Minute))

	// Not ready yet.
	_, err = q.Reserve(ctx)
	assert.ErrorIs(t, err, model.ErrNoTasksAvailable)

	later := NewRedisTaskQueue(client, FixedTimeProvider{Time: now.Add(3 * time.Minute)})
	retried, err := later.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "retry-me", retried.ID)
	assert.Equal(t, 1, retried.RetryCount)
}

func TestRedisTaskQueue_Cancel(t *testing.T) {
	now := time.Now()
	q := newTestQueue(t, now)
	ctx := context.Background()

	msg := newTestMessage("cancel-me", model.TaskTypeDataExport, now.Add(time.Hour))
	require.NoError(t, q.Enqueue(ctx, msg))

	cancelled, err := q.Cancel(ctx, "cancel-me")
	require.NoError(t, err)
	assert.True(t, cancelled)

	// Idempotent: a second cancel and a cancel of an unknown ID are no-ops.
	cancelled, err = q.Cancel(ctx, "cancel-me")
	require.NoError(t, err)
	assert.False(t, cancelled)

	cancelled, err = q.Cancel(ctx, "never-existed")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestRedisTaskQueue_QueueLengths(t *testing.T) {
	now := time.Now()
	q := newTestQueue(t, now)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newTestMessage("a", model.TaskTypeTokenRefresh, now)))
	require.NoError(t, q.Enqueue(ctx, newTestMessage("b", model.TaskTypeUserNotification, now)))
	require.NoError(t, q.Enqueue(ctx, newTestMessage("c", model.TaskTypeAnalytics, now)))

	lengths, err := q.QueueLengths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lengths[model.QueueHighPriority])
	assert.Equal(t, int64(1), lengths[model.QueueLowPriority])
	assert.Equal(t, int64(0), lengths[model.QueueDefault])
}
