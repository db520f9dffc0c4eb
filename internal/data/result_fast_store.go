package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/airhq/air-workers/internal/core"
	"github.com/airhq/air-workers/internal/domain/model"
)

// Fast-tier key layout. Everything lives under one prefix so a misbehaving
// deploy can be cleaned up with a single SCAN.
const (
	fastKeyPrefix  = "airworkers"
	resultKeyspace = "result"
	activeKeyspace = "active"
	lockKeyspace   = "lock"
)

// RedisFastStore implements the core.FastResultStore interface using Redis.
// Results and in-flight snapshots are stored as JSON values with a TTL so the
// fast tier is self-pruning even if cleanup never runs.
type RedisFastStore struct {
	client redis.UniversalClient
}

// NewRedisFastStore creates a new RedisFastStore with the given Redis client.
func NewRedisFastStore(client redis.UniversalClient) *RedisFastStore {
	return &RedisFastStore{client: client}
}

func resultKey(taskID string) string {
	return fmt.Sprintf("%s:%s:%s", fastKeyPrefix, resultKeyspace, taskID)
}

func activeKey(taskID string) string {
	return fmt.Sprintf("%s:%s:%s", fastKeyPrefix, activeKeyspace, taskID)
}

func lockKey(name string) string {
	return fmt.Sprintf("%s:%s:%s", fastKeyPrefix, lockKeyspace, name)
}

// StoreResult writes a completed task result to the fast tier with a TTL.
func (r *RedisFastStore) StoreResult(ctx context.Context, result *model.JobResult, ttl time.Duration) error {
	if result == nil || result.TaskID == "" {
		return errors.New("result must have a task id")
	}
	if ttl <= 0 {
		ttl = time.Second
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	if err := r.client.Set(ctx, resultKey(result.TaskID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set result: %w", err)
	}
	return nil
}

// GetResult retrieves a completed task result from the fast tier.
// Returns core.ErrResultNotFound when no result exists for the task ID.
func (r *RedisFastStore) GetResult(ctx context.Context, taskID string) (*model.JobResult, error) {
	if taskID == "" {
		return nil, errors.New("task id cannot be empty")
	}

	raw, err := r.client.Get(ctx, resultKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrResultNotFound
		}
		return nil, fmt.Errorf("redis get result: %w", err)
	}

	var result model.JobResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &result, nil
}

// DeleteResult removes a result from the fast tier. Returns true if a key was removed.
func (r *RedisFastStore) DeleteResult(ctx context.Context, taskID string) (bool, error) {
	if taskID == "" {
		return false, errors.New("task id cannot be empty")
	}

	n, err := r.client.Del(ctx, resultKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del result: %w", err)
	}
	return n > 0, nil
}

// CountResults returns the number of results currently held in the fast tier.
// Uses SCAN rather than KEYS so it is safe against a large keyspace.
func (r *RedisFastStore) CountResults(ctx context.Context) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	pattern := resultKey("*")

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return 0, fmt.Errorf("redis scan results: %w", err)
		}
		total += int64(len(keys))
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// StoreActive writes an in-flight task snapshot with a TTL. The TTL guards
// against snapshots leaking when a worker dies without completing the task.
func (r *RedisFastStore) StoreActive(ctx context.Context, record *model.TaskExecutionRecord, ttl time.Duration) error {
	if record == nil || record.TaskID == "" {
		return errors.New("record must have a task id")
	}
	if ttl <= 0 {
		ttl = time.Second
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal active record: %w", err)
	}

	if err := r.client.Set(ctx, activeKey(record.TaskID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set active: %w", err)
	}
	return nil
}

// DeleteActive removes an in-flight snapshot. Returns true if a key was removed.
func (r *RedisFastStore) DeleteActive(ctx context.Context, taskID string) (bool, error) {
	if taskID == "" {
		return false, errors.New("task id cannot be empty")
	}

	n, err := r.client.Del(ctx, activeKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del active: %w", err)
	}
	return n > 0, nil
}

// AcquireLock atomically claims a named lock for ttl.
// SETNX with a separate EXPIRE is not atomic; SET with NX + TTL is.
func (r *RedisFastStore) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if name == "" {
		return false, errors.New("lock name cannot be empty")
	}
	if ttl <= 0 {
		ttl = time.Second
	}

	status, err := r.client.SetArgs(ctx, lockKey(name), "1", redis.SetArgs{Mode: "NX", TTL: ttl}).Result()
	if err != nil {
		// NX condition not met comes back as a nil reply, not an error.
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis SET NX lock: %w", err)
	}
	return status == "OK", nil
}

// ReleaseLock releases a named lock. Releasing a lock that is not held
// returns ErrLockNotHeld so callers can detect TTL expiry races.
func (r *RedisFastStore) ReleaseLock(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("lock name cannot be empty")
	}

	n, err := r.client.Del(ctx, lockKey(name)).Result()
	if err != nil {
		return fmt.Errorf("redis del lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Health checks the health of the Redis connection.
func (r *RedisFastStore) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
