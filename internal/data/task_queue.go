package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/airhq/air-workers/internal/domain/model"
)

const (
	queueKeyspace   = "queue"
	messageKeyspace = "task"

	// maxPriority bounds the priority range encoded into queue scores.
	maxPriority = 100

	// Queued message bodies carry a generous TTL so an orphaned body (queue
	// entry lost to a partial failure) does not linger forever.
	messageBodyTTL = 14 * 24 * time.Hour
)

// RedisTaskQueue implements the core.TaskQueue interface using Redis.
//
// Each queue tier is a sorted set keyed by task ID. The score encodes both
// the ready time and the priority:
//
//	score = scheduledAt_unix_millis * 1000 + (maxPriority - priority)
//
// so entries are ordered by ready time first and by priority within the same
// millisecond. Message bodies live in separate keys so Cancel can find a
// task's queue without scanning every tier.
type RedisTaskQueue struct {
	client redis.UniversalClient
	clock  TimeProvider
}

// NewRedisTaskQueue creates a new RedisTaskQueue with the given Redis client.
// A nil clock defaults to the real time provider.
func NewRedisTaskQueue(client redis.UniversalClient, clock TimeProvider) *RedisTaskQueue {
	if clock == nil {
		clock = RealTimeProvider{}
	}
	return &RedisTaskQueue{client: client, clock: clock}
}

func queueKey(name model.QueueName) string {
	return fmt.Sprintf("%s:%s:%s", fastKeyPrefix, queueKeyspace, name)
}

func messageKey(taskID string) string {
	return fmt.Sprintf("%s:%s:%s", fastKeyPrefix, messageKeyspace, taskID)
}

func queueScore(scheduledAt time.Time, priority int) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > maxPriority {
		priority = maxPriority
	}
	return float64(scheduledAt.UnixMilli()*1000 + int64(maxPriority-priority))
}

// Enqueue adds a task to its queue tier. Enqueueing a task ID that is already
// queued returns ErrTaskAlreadyQueued.
func (q *RedisTaskQueue) Enqueue(ctx context.Context, msg *model.TaskMessage) error {
	if msg == nil || msg.ID == "" {
		return errors.New("message must have an id")
	}
	if !msg.Queue.Valid() {
		return fmt.Errorf("invalid queue: %q", msg.Queue)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ok, err := q.client.SetNX(ctx, messageKey(msg.ID), body, messageBodyTTL).Result()
	if err != nil {
		return fmt.Errorf("redis set message: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyQueued, msg.ID)
	}

	score := queueScore(msg.ScheduledAt, msg.Priority)
	if err := q.client.ZAdd(ctx, queueKey(msg.Queue), redis.Z{Score: score, Member: msg.ID}).Err(); err != nil {
		// Roll back the body so a later enqueue of the same ID can succeed.
		_ = q.client.Del(ctx, messageKey(msg.ID)).Err()
		return fmt.Errorf("redis zadd queue: %w", err)
	}
	return nil
}

// Reserve pops the next ready task, draining higher-priority queues first.
// Returns model.ErrNoTasksAvailable when every queue is empty or no task is due.
func (q *RedisTaskQueue) Reserve(ctx context.Context) (*model.TaskMessage, error) {
	now := q.clock.Now()
	// Everything scheduled up to and including this millisecond is ready,
	// whatever its priority component.
	maxScore := strconv.FormatInt(now.UnixMilli()*1000+maxPriority, 10)

	for _, queue := range model.AllQueues() {
		key := queueKey(queue)

		// Candidates are fetched then claimed with ZREM; a zero removal count
		// means another worker won the race and we move on.
		ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf", Max: maxScore, Count: 10,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("redis zrangebyscore %s: %w", queue, err)
		}

		for _, id := range ids {
			removed, err := q.client.ZRem(ctx, key, id).Result()
			if err != nil {
				return nil, fmt.Errorf("redis zrem %s: %w", queue, err)
			}
			if removed == 0 {
				continue
			}

			msg, err := q.takeMessage(ctx, id)
			if err != nil {
				return nil, err
			}
			if msg == nil {
				// Entry without a body, likely an expired orphan. Skip it.
				continue
			}
			return msg, nil
		}
	}

	return nil, model.ErrNoTasksAvailable
}

// takeMessage loads and deletes a claimed message body.
func (q *RedisTaskQueue) takeMessage(ctx context.Context, taskID string) (*model.TaskMessage, error) {
	raw, err := q.client.GetDel(ctx, messageKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis getdel message: %w", err)
	}

	var msg model.TaskMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message %s: %w", taskID, err)
	}
	return &msg, nil
}

// RequeueWithDelay re-enqueues a task for a future retry attempt. Unlike
// Enqueue it overwrites any stale message body for the same ID.
func (q *RedisTaskQueue) RequeueWithDelay(ctx context.Context, msg *model.TaskMessage, delay time.Duration) error {
	if msg == nil || msg.ID == "" {
		return errors.New("message must have an id")
	}
	if delay < 0 {
		delay = 0
	}

	msg.ScheduledAt = q.clock.Now().Add(delay)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, messageKey(msg.ID), body, messageBodyTTL)
	pipe.ZAdd(ctx, queueKey(msg.Queue), redis.Z{Score: queueScore(msg.ScheduledAt, msg.Priority), Member: msg.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis requeue: %w", err)
	}
	return nil
}

// Cancel removes a queued task. Cancelling an unknown or already-consumed task
// returns false with no error.
func (q *RedisTaskQueue) Cancel(ctx context.Context, taskID string) (bool, error) {
	if taskID == "" {
		return false, errors.New("task id cannot be empty")
	}

	msg, err := q.takeMessage(ctx, taskID)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	removed, err := q.client.ZRem(ctx, queueKey(msg.Queue), taskID).Result()
	if err != nil {
		return false, fmt.Errorf("redis zrem cancel: %w", err)
	}
	return removed > 0, nil
}

// QueueLengths returns the depth of every queue tier.
func (q *RedisTaskQueue) QueueLengths(ctx context.Context) (map[model.QueueName]int64, error) {
	lengths := make(map[model.QueueName]int64, len(model.AllQueues()))
	for _, queue := range model.AllQueues() {
		n, err := q.client.ZCard(ctx, queueKey(queue)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis zcard %s: %w", queue, err)
		}
		lengths[queue] = n
	}
	return lengths, nil
}

// Health checks the health of the Redis connection.
func (q *RedisTaskQueue) Health(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
