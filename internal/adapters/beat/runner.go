// Package beat runs the periodic background loops: proactive token refresh,
// result retention cleanup, and health reporting.
package beat

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/airhq/air-workers/internal/service"
)

// RunnerOptions groups dependencies for Runner.
type RunnerOptions struct {
	Refresher *service.TokenRefreshService // Required: proactive token refresh
	Results   *service.ResultStoreService  // Required: retention cleanup
	Monitor   *service.MonitorService      // Required: orphan sweep and health
	Logger    *slog.Logger                 // Optional: structured logger

	RefreshInterval time.Duration // Optional: token refresh cadence, default 5m
	CleanupInterval time.Duration // Optional: retention cleanup cadence, default 1h
	HealthInterval  time.Duration // Optional: health report cadence, default 30m
	OrphanMaxAge    time.Duration // Optional: age before an in-flight task is orphaned, default 4h
}

// Runner drives the three periodic loops until its context is cancelled.
// Each loop starts with a random jitter of up to 10% of its interval so
// multiple instances starting together do not fire in lockstep.
type Runner struct {
	refresher *service.TokenRefreshService
	results   *service.ResultStoreService
	monitor   *service.MonitorService
	logger    *slog.Logger

	refreshInterval time.Duration
	cleanupInterval time.Duration
	healthInterval  time.Duration
	orphanMaxAge    time.Duration
}

// NewRunner constructs a new Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Refresher == nil {
		return nil, errors.New("TokenRefreshService is required")
	}
	if opts.Results == nil {
		return nil, errors.New("ResultStoreService is required")
	}
	if opts.Monitor == nil {
		return nil, errors.New("MonitorService is required")
	}

	refreshInterval := opts.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Minute
	}
	cleanupInterval := opts.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}
	healthInterval := opts.HealthInterval
	if healthInterval <= 0 {
		healthInterval = 30 * time.Minute
	}
	orphanMaxAge := opts.OrphanMaxAge
	if orphanMaxAge <= 0 {
		orphanMaxAge = 4 * time.Hour
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "beat")
	}

	return &Runner{
		refresher:       opts.Refresher,
		results:         opts.Results,
		monitor:         opts.Monitor,
		logger:          logger,
		refreshInterval: refreshInterval,
		cleanupInterval: cleanupInterval,
		healthInterval:  healthInterval,
		orphanMaxAge:    orphanMaxAge,
	}, nil
}

// MustNewRunner constructs a new Runner and panics on error.
func MustNewRunner(opts RunnerOptions) *Runner {
	r, err := NewRunner(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create beat runner: %v", err))
	}
	return r
}

// Run starts the periodic loops and blocks until the context is cancelled.
// Returns nil on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	if r.logger != nil {
		r.logger.InfoContext(ctx, "starting beat runner",
			"refresh_interval", r.refreshInterval,
			"cleanup_interval", r.cleanupInterval,
			"health_interval", r.healthInterval,
		)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return r.runLoop(groupCtx, r.refreshInterval, "token_refresh", r.refreshPass)
	})
	group.Go(func() error {
		return r.runLoop(groupCtx, r.cleanupInterval, "cleanup", r.cleanupPass)
	})
	group.Go(func() error {
		return r.runLoop(groupCtx, r.healthInterval, "health", r.healthPass)
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runLoop runs one pass function at a fixed interval. Pass errors are logged
// and the loop keeps running.
func (r *Runner) runLoop(ctx context.Context, interval time.Duration, name string, pass func(context.Context) error) error {
	r.waitWithJitter(ctx, interval)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run once immediately after the jitter.
	if err := pass(ctx); err != nil {
		r.logPassError(ctx, name, err)
	}

	for {
		select {
		case <-ctx.Done():
			if r.logger != nil {
				r.logger.InfoContext(ctx, "beat loop stopping", "loop", name, "reason", ctx.Err())
			}
			return ctx.Err()
		case <-ticker.C:
			if err := pass(ctx); err != nil {
				r.logPassError(ctx, name, err)
			}
		}
	}
}

// waitWithJitter sleeps a random duration up to 10% of the interval.
func (r *Runner) waitWithJitter(ctx context.Context, interval time.Duration) {
	maxJitter := int64(interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if r.logger != nil {
			r.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (r *Runner) refreshPass(ctx context.Context) error {
	summary, err := r.refresher.RefreshExpiringTokens(ctx)
	if err != nil {
		return fmt.Errorf("refresh expiring tokens: %w", err)
	}
	if r.logger != nil && summary.Total > 0 {
		r.logger.InfoContext(ctx, "proactive refresh pass complete",
			"total", summary.Total,
			"success", summary.Success,
			"failed", summary.Failed,
			"rate_limited", summary.RateLimited,
			"revoked", summary.Revoked,
		)
	}
	return nil
}

func (r *Runner) cleanupPass(ctx context.Context) error {
	stats, err := r.results.CleanupOldResults(ctx)
	if err != nil {
		return fmt.Errorf("cleanup old results: %w", err)
	}

	orphaned, err := r.monitor.SweepOrphans(ctx, r.orphanMaxAge)
	if err != nil {
		return fmt.Errorf("sweep orphans: %w", err)
	}

	if r.logger != nil {
		r.logger.InfoContext(ctx, "cleanup pass complete",
			"deleted", stats.TotalDeleted,
			"orphaned", orphaned,
			"elapsed", stats.Elapsed,
		)
	}
	return nil
}

func (r *Runner) healthPass(ctx context.Context) error {
	status := r.monitor.HealthStatus(ctx)
	if r.logger != nil {
		r.logger.InfoContext(ctx, "health report",
			"status", status.Status,
			"queued_tasks", status.TotalQueuedTasks,
			"active_tasks", status.ActiveTaskCount,
			"failure_rate", status.OverallFailureRate,
			"open_breakers", status.OpenCircuitBreakers,
		)
	}

	// Emit queue depth gauges alongside the report.
	if _, err := r.monitor.QueueStats(ctx); err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	return nil
}

func (r *Runner) logPassError(ctx context.Context, name string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if r.logger != nil {
		r.logger.ErrorContext(ctx, "beat pass failed", "loop", name, "error", err)
	}
}
