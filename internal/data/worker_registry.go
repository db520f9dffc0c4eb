package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/airhq/air-workers/internal/domain/model"
)

const workerKeyspace = "worker"

// RedisWorkerRegistry implements the core.WorkerRegistry interface using Redis.
// Workers publish TTL'd heartbeat keys; a worker that stops heartbeating
// disappears from the registry when its key expires.
type RedisWorkerRegistry struct {
	client redis.UniversalClient
}

// NewRedisWorkerRegistry creates a new RedisWorkerRegistry with the given Redis client.
func NewRedisWorkerRegistry(client redis.UniversalClient) *RedisWorkerRegistry {
	return &RedisWorkerRegistry{client: client}
}

func workerKey(name string) string {
	return fmt.Sprintf("%s:%s:%s", fastKeyPrefix, workerKeyspace, name)
}

// Heartbeat publishes a worker's current load with a TTL.
func (r *RedisWorkerRegistry) Heartbeat(ctx context.Context, stats model.WorkerStats, ttl time.Duration) error {
	if stats.Name == "" {
		return errors.New("worker name cannot be empty")
	}
	if ttl <= 0 {
		ttl = time.Second
	}

	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal worker stats: %w", err)
	}

	if err := r.client.Set(ctx, workerKey(stats.Name), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set heartbeat: %w", err)
	}
	return nil
}

// ListWorkers returns every worker with a live heartbeat.
func (r *RedisWorkerRegistry) ListWorkers(ctx context.Context) ([]model.WorkerStats, error) {
	var (
		cursor  uint64
		workers []model.WorkerStats
	)
	pattern := workerKey("*")

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan workers: %w", err)
		}

		for _, key := range keys {
			raw, err := r.client.Get(ctx, key).Bytes()
			if err != nil {
				// Heartbeat expired between SCAN and GET.
				if errors.Is(err, redis.Nil) {
					continue
				}
				return nil, fmt.Errorf("redis get heartbeat: %w", err)
			}

			var stats model.WorkerStats
			if err := json.Unmarshal(raw, &stats); err != nil {
				return nil, fmt.Errorf("unmarshal worker stats: %w", err)
			}
			workers = append(workers, stats)
		}

		cursor = next
		if cursor == 0 {
			return workers, nil
		}
	}
}
