package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/airhq/air-workers/config"
	"github.com/airhq/air-workers/internal/adapters/beat"
	"github.com/airhq/air-workers/internal/adapters/workerpool"
)

// WorkerPoolConfig contains configuration for the worker pool runner.
type WorkerPoolConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// RunWorkerPool starts the task worker pool.
func RunWorkerPool(ctx context.Context, cfg WorkerPoolConfig) error {
	workerCfg := config.WorkerConfig{}
	if cfg.Config != nil {
		workerCfg = cfg.Config.Worker
	}

	runner, err := workerpool.NewRunner(workerpool.RunnerOptions{
		Queue:             cfg.Services.Queue,
		Monitor:           cfg.Services.Monitor,
		Results:           cfg.Services.Results,
		Registry:          cfg.Services.Registry,
		Logger:            cfg.Logger,
		Concurrency:       workerCfg.Concurrency,
		WorkerName:        workerCfg.Name,
		PollInterval:      workerCfg.PollInterval,
		HeartbeatInterval: workerCfg.HeartbeatInterval,
		MaxRetries:        workerCfg.MaxRetries,
		RetryStrategy:     workerCfg.RetryStrategy,
	})
	if err != nil {
		return fmt.Errorf("create worker pool runner: %w", err)
	}

	if err := workerpool.RegisterBuiltinHandlers(runner, workerpool.HandlerDeps{
		TokenRefresh: cfg.Services.TokenRefresh,
		Results:      cfg.Services.Results,
	}); err != nil {
		return fmt.Errorf("register builtin handlers: %w", err)
	}

	return runner.Run(ctx)
}

// BeatRunnerConfig contains configuration for the periodic trigger runner.
type BeatRunnerConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// RunBeat starts the periodic trigger loops.
func RunBeat(ctx context.Context, cfg BeatRunnerConfig) error {
	beatCfg := config.BeatConfig{}
	orphanMaxAge := config.MonitorConfig{}.ActiveSnapshotTTL
	if cfg.Config != nil {
		beatCfg = cfg.Config.Beat
		orphanMaxAge = cfg.Config.Monitor.ActiveSnapshotTTL
	}

	runner, err := beat.NewRunner(beat.RunnerOptions{
		Refresher:       cfg.Services.TokenRefresh,
		Results:         cfg.Services.Results,
		Monitor:         cfg.Services.Monitor,
		Logger:          cfg.Logger,
		RefreshInterval: beatCfg.RefreshInterval,
		CleanupInterval: beatCfg.CleanupInterval,
		HealthInterval:  beatCfg.HealthInterval,
		OrphanMaxAge:    orphanMaxAge,
	})
	if err != nil {
		return fmt.Errorf("create beat runner: %w", err)
	}

	return runner.Run(ctx)
}
