package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/airhq/air-workers/internal/core"
	"github.com/airhq/air-workers/internal/data"
	"github.com/airhq/air-workers/internal/domain/model"
)

// ResultStoreServiceOptions groups dependencies for ResultStoreService.
type ResultStoreServiceOptions struct {
	FastStore    core.FastResultStore    // Required: Redis tier
	DurableStore core.DurableResultStore // Required: Postgres tier
	Clock        data.TimeProvider       // Optional: defaults to real time
	Logger       *slog.Logger            // Optional: structured logger

	FastTTL          time.Duration // Optional: fast-tier retention, default 7 days
	DurableRetention time.Duration // Optional: durable-tier retention, default 30 days
	CleanupBatchSize int           // Optional: rows deleted per cleanup query, default 1000
}

// ResultStoreService persists task results across both storage tiers.
//
// Writes go to both tiers and tolerate a single-tier outage: a result lands
// wherever it can, and Store only fails when neither tier accepts it. Reads
// hit the fast tier first and fall back to the durable tier.
type ResultStoreService struct {
	fastStore    core.FastResultStore
	durableStore core.DurableResultStore
	clock        data.TimeProvider
	logger       *slog.Logger

	fastTTL          time.Duration
	durableRetention time.Duration
	cleanupBatchSize int
}

// NewResultStoreService constructs a new ResultStoreService.
func NewResultStoreService(opts ResultStoreServiceOptions) (*ResultStoreService, error) {
	if opts.FastStore == nil {
		return nil, errors.New("FastResultStore is required")
	}
	if opts.DurableStore == nil {
		return nil, errors.New("DurableResultStore is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	fastTTL := opts.FastTTL
	if fastTTL <= 0 {
		fastTTL = 7 * 24 * time.Hour
	}
	retention := opts.DurableRetention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	batchSize := opts.CleanupBatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "result_store_service")
	}

	return &ResultStoreService{
		fastStore:        opts.FastStore,
		durableStore:     opts.DurableStore,
		clock:            clock,
		logger:           logger,
		fastTTL:          fastTTL,
		durableRetention: retention,
		cleanupBatchSize: batchSize,
	}, nil
}

// MustNewResultStoreService constructs a new ResultStoreService and panics on error.
func MustNewResultStoreService(opts ResultStoreServiceOptions) *ResultStoreService {
	svc, err := NewResultStoreService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create ResultStoreService: %v", err))
	}
	return svc
}

// Store writes a result to both tiers. It fails only when both writes fail.
func (s *ResultStoreService) Store(ctx context.Context, result *model.JobResult) error {
	if result == nil || result.TaskID == "" {
		return errors.New("result must have a task id")
	}

	fastErr := s.fastStore.StoreResult(ctx, result, s.fastTTL)
	durableErr := s.durableStore.Upsert(ctx, result)

	if fastErr != nil && durableErr != nil {
		return fmt.Errorf("store result %s: fast tier: %w; durable tier: %v",
			result.TaskID, fastErr, durableErr)
	}
	if fastErr != nil || durableErr != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "result stored in one tier only",
				"task_id", result.TaskID,
				"fast_error", fastErr,
				"durable_error", durableErr,
			)
		}
	}
	return nil
}

// Get retrieves a result, fast tier first. Returns core.ErrResultNotFound
// when neither tier holds one.
func (s *ResultStoreService) Get(ctx context.Context, taskID string) (*model.JobResult, error) {
	if taskID == "" {
		return nil, errors.New("task id cannot be empty")
	}

	result, err := s.fastStore.GetResult(ctx, taskID)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, core.ErrResultNotFound) && s.logger != nil {
		s.logger.WarnContext(ctx, "fast tier read failed, falling back",
			"task_id", taskID, "error", err)
	}

	return s.durableStore.GetByTaskID(ctx, taskID)
}

// Delete removes a result from both tiers. Returns true if either tier held one.
func (s *ResultStoreService) Delete(ctx context.Context, taskID string) (bool, error) {
	if taskID == "" {
		return false, errors.New("task id cannot be empty")
	}

	deleted, err := s.fastStore.DeleteResult(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("delete fast result: %w", err)
	}
	return deleted, nil
}

// ListByStatus returns durable-tier results with the given status since a cutoff.
func (s *ResultStoreService) ListByStatus(ctx context.Context, params core.ListResultsParams) ([]*model.JobResult, error) {
	return s.durableStore.ListByStatus(ctx, params)
}

// CleanupOldResults removes durable rows past the retention horizon, in
// batches per terminal status, and reports what was deleted.
func (s *ResultStoreService) CleanupOldResults(ctx context.Context) (*model.CleanupStats, error) {
	start := s.clock.Now()
	stats := &model.CleanupStats{
		DeletedByStatus: make(map[string]int64),
	}

	statuses := []model.TaskStatus{
		model.TaskStatusSuccess,
		model.TaskStatusFailure,
		model.TaskStatusRevoked,
		model.TaskStatusTimeout,
	}

	for _, status := range statuses {
		for {
			if err := ctx.Err(); err != nil {
				return stats, err
			}

			deleted, err := s.durableStore.DeleteOld(ctx, core.DeleteOldResultsParams{
				Status:    status,
				MaxAge:    s.durableRetention,
				BatchSize: s.cleanupBatchSize,
			})
			if err != nil {
				return stats, fmt.Errorf("cleanup %s results: %w", status, err)
			}

			stats.DeletedByStatus[string(status)] += deleted
			stats.TotalDeleted += deleted
			if deleted < int64(s.cleanupBatchSize) {
				break
			}
		}
	}

	stats.Elapsed = s.clock.Now().Sub(start)
	if s.logger != nil && stats.TotalDeleted > 0 {
		s.logger.InfoContext(ctx, "retention cleanup finished",
			"deleted", stats.TotalDeleted, "elapsed", stats.Elapsed)
	}
	return stats, nil
}

// StorageStats summarises both storage tiers.
func (s *ResultStoreService) StorageStats(ctx context.Context) (*model.ResultStorageStats, error) {
	fastKeys, err := s.fastStore.CountResults(ctx)
	if err != nil {
		return nil, fmt.Errorf("count fast tier: %w", err)
	}

	byStatus, err := s.durableStore.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count durable tier: %w", err)
	}

	var durableRows int64
	for _, n := range byStatus {
		durableRows += n
	}

	return &model.ResultStorageStats{
		FastTierKeys:     fastKeys,
		DurableTierRows:  durableRows,
		RowsByStatus:     byStatus,
		RetentionHorizon: s.durableRetention,
	}, nil
}
