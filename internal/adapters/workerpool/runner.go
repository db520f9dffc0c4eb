// Package workerpool runs the task execution loop: reserve, admit, execute,
// record, retry.
package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/airhq/air-workers/internal/core"
	"github.com/airhq/air-workers/internal/data"
	"github.com/airhq/air-workers/internal/domain/model"
	"github.com/airhq/air-workers/internal/domain/retry"
	"github.com/airhq/air-workers/internal/service"
)

// Handler executes one task and returns its serialisable result.
type Handler func(ctx context.Context, msg *model.TaskMessage) (json.RawMessage, error)

// breakerRequeueDelay is how long a task admitted against an open breaker
// waits before its next dispatch attempt.
const breakerRequeueDelay = time.Minute

// RunnerOptions groups dependencies for Runner.
type RunnerOptions struct {
	Queue    core.TaskQueue              // Required: task source
	Monitor  *service.MonitorService     // Required: admission, lifecycle tracking
	Results  *service.ResultStoreService // Required: result persistence
	Registry core.WorkerRegistry         // Optional: heartbeat publication
	Clock    data.TimeProvider           // Optional: defaults to real time
	Logger   *slog.Logger                // Optional: structured logger

	Concurrency       int            // Optional: worker goroutines, default 4
	WorkerName        string         // Optional: defaults to hostname
	PollInterval      time.Duration  // Optional: empty-queue backoff, default 1s
	HeartbeatInterval time.Duration  // Optional: registry refresh, default 15s
	MaxRetries        int            // Optional: retry budget for tasks that defer to the worker default
	RetryStrategy     retry.Strategy // Optional: default exponential backoff
}

// Runner owns a pool of worker goroutines draining the task queue.
//
// Each reserved task passes the monitor's admission check, runs under its
// queue tier's soft/hard time limits, and ends in exactly one completion:
// SUCCESS, RETRY (re-enqueued with a computed delay), FAILURE, or TIMEOUT.
type Runner struct {
	queue    core.TaskQueue
	monitor  *service.MonitorService
	results  *service.ResultStoreService
	registry core.WorkerRegistry
	clock    data.TimeProvider
	logger   *slog.Logger

	concurrency       int
	workerName        string
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	maxRetries        int
	retryStrategy     retry.Strategy

	handlersMu sync.RWMutex
	handlers   map[model.TaskType]Handler

	activeMu sync.Mutex
	active   map[string]struct{}
}

// NewRunner constructs a new Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Queue == nil {
		return nil, errors.New("TaskQueue is required")
	}
	if opts.Monitor == nil {
		return nil, errors.New("MonitorService is required")
	}
	if opts.Results == nil {
		return nil, errors.New("ResultStoreService is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	workerName := opts.WorkerName
	if workerName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		workerName = host
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	heartbeatInterval := opts.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	strategy := opts.RetryStrategy
	if !strategy.Valid() {
		strategy = retry.StrategyExponentialBackoff
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "worker_pool", "worker", workerName)
	}

	return &Runner{
		queue:             opts.Queue,
		monitor:           opts.Monitor,
		results:           opts.Results,
		registry:          opts.Registry,
		clock:             clock,
		logger:            logger,
		concurrency:       concurrency,
		workerName:        workerName,
		pollInterval:      pollInterval,
		heartbeatInterval: heartbeatInterval,
		maxRetries:        maxRetries,
		retryStrategy:     strategy,
		handlers:          make(map[model.TaskType]Handler),
		active:            make(map[string]struct{}),
	}, nil
}

// MustNewRunner constructs a new Runner and panics on error.
func MustNewRunner(opts RunnerOptions) *Runner {
	r, err := NewRunner(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create worker pool runner: %v", err))
	}
	return r
}

// Register binds a handler to a task type. Registering a task type twice
// replaces the previous handler.
func (r *Runner) Register(taskType model.TaskType, handler Handler) error {
	if !taskType.Valid() {
		return fmt.Errorf("%w: %q", model.ErrUnknownTaskType, taskType)
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	r.handlersMu.Lock()
	r.handlers[taskType] = handler
	r.handlersMu.Unlock()
	return nil
}

// Run starts the worker goroutines and the heartbeat loop and blocks until
// the context is cancelled. Returns nil on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	if r.logger != nil {
		r.logger.InfoContext(ctx, "starting worker pool",
			"concurrency", r.concurrency,
			"poll_interval", r.pollInterval,
		)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < r.concurrency; i++ {
		group.Go(func() error {
			return r.workerLoop(groupCtx)
		})
	}
	if r.registry != nil {
		group.Go(func() error {
			return r.heartbeatLoop(groupCtx)
		})
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) workerLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := r.queue.Reserve(ctx)
		if err != nil {
			if errors.Is(err, model.ErrNoTasksAvailable) {
				if waitErr := sleepCtx(ctx, r.pollInterval); waitErr != nil {
					return waitErr
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if r.logger != nil {
				r.logger.WarnContext(ctx, "queue reserve failed", "error", err)
			}
			if waitErr := sleepCtx(ctx, r.pollInterval); waitErr != nil {
				return waitErr
			}
			continue
		}

		r.execute(ctx, msg)
	}
}

func (r *Runner) execute(ctx context.Context, msg *model.TaskMessage) {
	handler := r.handlerFor(msg.Type)
	if handler == nil {
		r.failUnstarted(ctx, msg, fmt.Errorf("%w: %q", model.ErrUnknownTaskType, msg.Type))
		return
	}

	if allowed, reason := r.monitor.ShouldAllow(msg.Type); !allowed {
		// The breaker is open; park the task instead of burning an attempt.
		if err := r.queue.RequeueWithDelay(ctx, msg, breakerRequeueDelay); err != nil && r.logger != nil {
			r.logger.ErrorContext(ctx, "failed to park rejected task",
				"task_id", msg.ID, "reason", reason, "error", err)
		}
		return
	}

	startedAt := r.clock.Now()
	if err := r.monitor.StartTask(ctx, service.StartTaskParams{
		TaskID:     msg.ID,
		TaskName:   msg.Type,
		Payload:    msg.Payload,
		RetryCount: msg.RetryCount,
		Worker:     r.workerName,
	}); err != nil {
		if r.logger != nil {
			r.logger.ErrorContext(ctx, "failed to register task start", "task_id", msg.ID, "error", err)
		}
		return
	}

	r.trackActive(msg.ID, true)
	defer r.trackActive(msg.ID, false)

	output, timedOut, execErr := r.runHandler(ctx, handler, msg)

	switch {
	case timedOut:
		r.completeTask(ctx, msg, completion{
			status:    model.TaskStatusTimeout,
			err:       fmt.Errorf("exceeded hard time limit of %s", msg.Queue.Limits().Hard),
			startedAt: startedAt,
		})
	case execErr != nil:
		r.handleFailure(ctx, msg, execErr, startedAt)
	default:
		r.completeTask(ctx, msg, completion{
			status:    model.TaskStatusSuccess,
			output:    output,
			startedAt: startedAt,
		})
	}
}

// runHandler invokes the handler under the queue tier's time limits. The soft
// limit cancels the handler's context so it can clean up; if the hard limit
// passes and the handler still has not returned, the task is abandoned and
// reported as timed out.
func (r *Runner) runHandler(ctx context.Context, handler Handler, msg *model.TaskMessage) (json.RawMessage, bool, error) {
	limits := msg.Queue.Limits()

	hardCtx, cancelHard := context.WithTimeout(ctx, limits.Hard)
	defer cancelHard()
	softCtx, cancelSoft := context.WithTimeout(hardCtx, limits.Soft)
	defer cancelSoft()

	type handlerResult struct {
		output json.RawMessage
		err    error
	}
	done := make(chan handlerResult, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- handlerResult{err: fmt.Errorf("task handler panic: %v", rec)}
			}
		}()
		output, err := handler(softCtx, msg)
		done <- handlerResult{output: output, err: err}
	}()

	select {
	case res := <-done:
		return res.output, false, res.err
	case <-hardCtx.Done():
		if errors.Is(hardCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, true, nil
		}
		// Shutdown, not a time limit: wait briefly for the handler to notice.
		select {
		case res := <-done:
			return res.output, false, res.err
		case <-time.After(5 * time.Second):
			return nil, false, hardCtx.Err()
		}
	}
}

// handleFailure decides between a retry and a terminal failure.
func (r *Runner) handleFailure(ctx context.Context, msg *model.TaskMessage, execErr error, startedAt time.Time) {
	// Zero is an explicit "no retries"; only a negative budget defers to the
	// worker default.
	budget := msg.MaxRetries
	if budget < 0 {
		budget = r.maxRetries
	}

	if msg.RetryCount < budget {
		delay := retry.Delay(r.retryStrategy, msg.RetryCount)
		r.completeTask(ctx, msg, completion{
			status:    model.TaskStatusRetry,
			err:       execErr,
			startedAt: startedAt,
		})

		retryMsg := *msg
		retryMsg.RetryCount++
		if err := r.queue.RequeueWithDelay(ctx, &retryMsg, delay); err != nil && r.logger != nil {
			r.logger.ErrorContext(ctx, "failed to requeue task for retry",
				"task_id", msg.ID, "error", err)
		}
		if r.logger != nil {
			r.logger.InfoContext(ctx, "task scheduled for retry",
				"task_id", msg.ID,
				"retry", retryMsg.RetryCount,
				"of", budget,
				"delay", delay,
				"error", execErr,
			)
		}
		return
	}

	// Retry budget exhausted: this is the terminal failure that feeds the
	// circuit breaker.
	r.completeTask(ctx, msg, completion{
		status:    model.TaskStatusFailure,
		err:       execErr,
		startedAt: startedAt,
	})
}

type completion struct {
	status    model.TaskStatus
	output    json.RawMessage
	err       error
	startedAt time.Time
}

func (r *Runner) completeTask(ctx context.Context, msg *model.TaskMessage, c completion) {
	errMsg := ""
	if c.err != nil {
		errMsg = c.err.Error()
	}
	if err := r.monitor.CompleteTask(ctx, service.CompleteTaskParams{
		TaskID: msg.ID,
		Status: c.status,
		Error:  errMsg,
	}); err != nil && r.logger != nil {
		r.logger.ErrorContext(ctx, "failed to record completion",
			"task_id", msg.ID, "status", c.status, "error", err)
	}

	r.storeResult(ctx, msg, c)
}

func (r *Runner) storeResult(ctx context.Context, msg *model.TaskMessage, c completion) {
	now := r.clock.Now()
	worker := r.workerName
	result := &model.JobResult{
		TaskID:        msg.ID,
		TaskName:      msg.Type,
		Status:        c.status,
		Result:        c.output,
		StartedAt:     &c.startedAt,
		CompletedAt:   &now,
		ExecutionTime: now.Sub(c.startedAt).Milliseconds(),
		RetryCount:    msg.RetryCount,
		WorkerName:    &worker,
		Payload:       msg.Payload,
	}
	if c.err != nil {
		errMsg := c.err.Error()
		result.ErrorMessage = &errMsg
	}

	if err := r.results.Store(ctx, result); err != nil && r.logger != nil {
		r.logger.ErrorContext(ctx, "failed to store task result",
			"task_id", msg.ID, "error", err)
	}
}

// failUnstarted records a terminal failure for a task that never entered
// execution (e.g. no registered handler).
func (r *Runner) failUnstarted(ctx context.Context, msg *model.TaskMessage, cause error) {
	if r.logger != nil {
		r.logger.ErrorContext(ctx, "cannot execute task", "task_id", msg.ID, "error", cause)
	}
	now := r.clock.Now()
	r.storeResult(ctx, msg, completion{
		status:    model.TaskStatusFailure,
		err:       cause,
		startedAt: now,
	})
}

func (r *Runner) handlerFor(taskType model.TaskType) Handler {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()
	return r.handlers[taskType]
}

func (r *Runner) trackActive(taskID string, add bool) {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	if add {
		r.active[taskID] = struct{}{}
	} else {
		delete(r.active, taskID)
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	// The heartbeat TTL outlives two missed beats before the worker drops
	// out of the registry.
	ttl := 3 * r.heartbeatInterval

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.activeMu.Lock()
			ids := make([]string, 0, len(r.active))
			for id := range r.active {
				ids = append(ids, id)
			}
			r.activeMu.Unlock()

			err := r.registry.Heartbeat(ctx, model.WorkerStats{
				Name:        r.workerName,
				ActiveTasks: len(ids),
				TaskIDs:     ids,
			}, ttl)
			if err != nil && r.logger != nil {
				r.logger.WarnContext(ctx, "heartbeat failed", "error", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
