package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/airhq/air-workers/internal/core"
	"github.com/airhq/air-workers/internal/data"
	"github.com/airhq/air-workers/internal/domain/circuit"
	"github.com/airhq/air-workers/internal/domain/model"
	"github.com/airhq/air-workers/internal/observability/metrics"
	"github.com/airhq/air-workers/internal/observability/statsd"
)

// MonitorServiceOptions groups dependencies for MonitorService.
type MonitorServiceOptions struct {
	FastStore    core.FastResultStore    // Required: fast tier for in-flight snapshots
	DurableStore core.DurableResultStore // Required: durable tier health probe
	Queue        core.TaskQueue          // Required: queue depths and cancellation
	Registry     core.WorkerRegistry     // Optional: worker load reporting
	Metrics      statsd.Sink             // Optional: lifecycle metric emission
	Clock        data.TimeProvider       // Optional: defaults to real time
	Logger       *slog.Logger            // Optional: structured logger

	FailureThreshold    int           // Optional: consecutive failures opening a breaker
	RecoveryTimeout     time.Duration // Optional: open breaker probe delay
	HistoryMaxEntries   int           // Optional: per-task-type completion history cap
	DegradedFailureRate float64       // Optional: overall failure rate marking degraded
	CriticalFailureRate float64       // Optional: overall failure rate marking critical
	ActiveSnapshotTTL   time.Duration // Optional: fast-tier TTL for in-flight snapshots
}

// CompletionRecord is one entry of the per-task-type execution history.
type CompletionRecord struct {
	TaskID      string           `json:"task_id"`
	TaskName    model.TaskType   `json:"task_name"`
	Status      model.TaskStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
	Duration    time.Duration    `json:"duration"`
	CompletedAt time.Time        `json:"completed_at"`
}

// MonitorService tracks in-flight tasks, per-task-type metrics, and circuit
// breakers, and answers admission and health queries for the worker pool.
//
// All mutable state lives behind one mutex; operations against the storage
// tiers happen outside it.
type MonitorService struct {
	fastStore    core.FastResultStore
	durableStore core.DurableResultStore
	queue        core.TaskQueue
	registry     core.WorkerRegistry
	metrics      statsd.Sink
	clock        data.TimeProvider
	logger       *slog.Logger

	breakerConfig       circuit.Config
	historyMaxEntries   int
	degradedFailureRate float64
	criticalFailureRate float64
	activeSnapshotTTL   time.Duration

	mu          sync.Mutex
	breakers    map[model.TaskType]*circuit.Breaker
	taskMetrics map[model.TaskType]*model.TaskMetrics
	history     map[model.TaskType][]CompletionRecord
	active      map[string]*model.TaskExecutionRecord
}

// NewMonitorService constructs a new MonitorService.
func NewMonitorService(opts MonitorServiceOptions) (*MonitorService, error) {
	if opts.FastStore == nil {
		return nil, errors.New("FastResultStore is required")
	}
	if opts.DurableStore == nil {
		return nil, errors.New("DurableResultStore is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("TaskQueue is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = data.RealTimeProvider{}
	}

	historyMax := opts.HistoryMaxEntries
	if historyMax <= 0 {
		historyMax = 1000
	}
	degraded := opts.DegradedFailureRate
	if degraded <= 0 || degraded >= 1 {
		degraded = 0.1
	}
	critical := opts.CriticalFailureRate
	if critical <= 0 || critical >= 1 {
		critical = 0.5
	}
	if critical <= degraded {
		// An inverted pair would report critical where degraded is meant;
		// keep the critical threshold strictly above the degraded one.
		critical = (degraded + 1) / 2
	}
	snapshotTTL := opts.ActiveSnapshotTTL
	if snapshotTTL <= 0 {
		snapshotTTL = 4 * time.Hour
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "monitor_service")
	}

	return &MonitorService{
		fastStore:    opts.FastStore,
		durableStore: opts.DurableStore,
		queue:        opts.Queue,
		registry:     opts.Registry,
		metrics:      opts.Metrics,
		clock:        clock,
		logger:       logger,
		breakerConfig: circuit.Config{
			FailureThreshold: opts.FailureThreshold,
			RecoveryTimeout:  opts.RecoveryTimeout,
		},
		historyMaxEntries:   historyMax,
		degradedFailureRate: degraded,
		criticalFailureRate: critical,
		activeSnapshotTTL:   snapshotTTL,
		breakers:            make(map[model.TaskType]*circuit.Breaker),
		taskMetrics:         make(map[model.TaskType]*model.TaskMetrics),
		history:             make(map[model.TaskType][]CompletionRecord),
		active:              make(map[string]*model.TaskExecutionRecord),
	}, nil
}

// MustNewMonitorService constructs a new MonitorService and panics on error.
func MustNewMonitorService(opts MonitorServiceOptions) *MonitorService {
	svc, err := NewMonitorService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create MonitorService: %v", err))
	}
	return svc
}

// ShouldAllow reports whether a task of the given type may start. A false
// result carries the rejection reason.
func (s *MonitorService) ShouldAllow(taskType model.TaskType) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := s.breakerLocked(taskType).Allow(s.clock.Now())
	if !allowed {
		return false, circuit.OpenReason
	}
	return true, ""
}

// StartTaskParams describes a task entering execution.
type StartTaskParams struct {
	TaskID     string
	TaskName   model.TaskType
	Payload    []byte
	RetryCount int
	Worker     string
}

// StartTask registers a task as in-flight and snapshots it to the fast tier.
func (s *MonitorService) StartTask(ctx context.Context, params StartTaskParams) error {
	if params.TaskID == "" {
		return errors.New("task id is required")
	}

	record := &model.TaskExecutionRecord{
		TaskID:     params.TaskID,
		TaskName:   params.TaskName,
		Payload:    params.Payload,
		StartedAt:  s.clock.Now(),
		Status:     model.TaskStatusStarted,
		RetryCount: params.RetryCount,
		Worker:     params.Worker,
	}

	s.mu.Lock()
	s.active[params.TaskID] = record
	s.mu.Unlock()

	// The fast-tier snapshot is best effort; losing it only degrades
	// observability, not correctness.
	if err := s.fastStore.StoreActive(ctx, record, s.activeSnapshotTTL); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to snapshot active task",
				"task_id", params.TaskID, "error", err)
		}
	}

	metrics.EmitTaskLifecycle(s.metrics, metrics.TaskMetric{
		TaskType:   string(params.TaskName),
		Transition: "started",
		Result:     metrics.ResultSuccess,
	})
	return nil
}

// CompleteTaskParams describes a task leaving execution.
type CompleteTaskParams struct {
	TaskID string
	Status model.TaskStatus
	Error  string
}

// CompleteTask records a terminal or retry outcome for an in-flight task.
// Completing a task that is not in flight is a no-op, which makes duplicate
// completions from racing workers harmless.
func (s *MonitorService) CompleteTask(ctx context.Context, params CompleteTaskParams) error {
	if params.TaskID == "" {
		return errors.New("task id is required")
	}
	if !params.Status.Valid() || params.Status == model.TaskStatusPending || params.Status == model.TaskStatusStarted {
		return fmt.Errorf("invalid completion status: %q", params.Status)
	}

	now := s.clock.Now()

	s.mu.Lock()
	record, ok := s.active[params.TaskID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.active, params.TaskID)

	duration := now.Sub(record.StartedAt)
	s.recordOutcomeLocked(record, params, duration, now)
	s.mu.Unlock()

	if _, err := s.fastStore.DeleteActive(ctx, params.TaskID); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to drop active snapshot",
				"task_id", params.TaskID, "error", err)
		}
	}

	result := metrics.ResultSuccess
	if params.Status != model.TaskStatusSuccess {
		result = metrics.ResultError
	}
	metrics.EmitTaskLifecycle(s.metrics, metrics.TaskMetric{
		TaskType:   string(record.TaskName),
		Transition: "completed",
		Result:     result,
		Duration:   duration,
	})

	if s.logger != nil {
		s.logger.DebugContext(ctx, "task completed",
			"task_id", params.TaskID,
			"task_name", record.TaskName,
			"status", params.Status,
			"duration", duration,
		)
	}
	return nil
}

// recordOutcomeLocked updates metrics, breaker, and history. Caller holds mu.
func (s *MonitorService) recordOutcomeLocked(
	record *model.TaskExecutionRecord,
	params CompleteTaskParams,
	duration time.Duration,
	now time.Time,
) {
	m := s.metricsLocked(record.TaskName)
	breaker := s.breakerLocked(record.TaskName)

	// Only terminal outcomes count as executions, so success and failure
	// rates always sum to one once anything has completed. Retries move only
	// the retry counter and cancellations move nothing.
	switch params.Status {
	case model.TaskStatusSuccess:
		m.TotalExecutions++
		m.SuccessfulExecutions++
		t := now
		m.LastExecutionTime = &t
		m.LastSuccessTime = &t
		// Running mean over success samples: after the first, each new sample
		// folds in at half weight, favouring recent behaviour.
		if m.SuccessfulExecutions == 1 {
			m.AvgExecutionTime = duration
		} else {
			m.AvgExecutionTime = (m.AvgExecutionTime + duration) / 2
		}
		breaker.RecordSuccess()
	case model.TaskStatusRetry:
		// Not a terminal failure; the breaker only reacts once the retry
		// budget is exhausted.
		m.RetryExecutions++
	case model.TaskStatusFailure, model.TaskStatusTimeout:
		m.TotalExecutions++
		m.FailedExecutions++
		t := now
		m.LastExecutionTime = &t
		m.LastFailureTime = &t
		breaker.RecordFailure(now)
	case model.TaskStatusRevoked:
		// Cancellation says nothing about task health.
	}

	entry := CompletionRecord{
		TaskID:      record.TaskID,
		TaskName:    record.TaskName,
		Status:      params.Status,
		Error:       params.Error,
		Duration:    duration,
		CompletedAt: now,
	}
	h := append(s.history[record.TaskName], entry)
	if len(h) > s.historyMaxEntries {
		h = h[len(h)-s.historyMaxEntries:]
	}
	s.history[record.TaskName] = h
}

func (s *MonitorService) breakerLocked(taskType model.TaskType) *circuit.Breaker {
	b, ok := s.breakers[taskType]
	if !ok {
		b = circuit.New(taskType, s.breakerConfig)
		s.breakers[taskType] = b
	}
	return b
}

func (s *MonitorService) metricsLocked(taskType model.TaskType) *model.TaskMetrics {
	m, ok := s.taskMetrics[taskType]
	if !ok {
		m = &model.TaskMetrics{TaskName: taskType}
		s.taskMetrics[taskType] = m
	}
	return m
}

// TaskMetricsFor returns a copy of the metrics for one task type.
func (s *MonitorService) TaskMetricsFor(taskType model.TaskType) model.TaskMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.metricsLocked(taskType)
}

// AllTaskMetrics returns a copy of every task type's metrics.
func (s *MonitorService) AllTaskMetrics() map[model.TaskType]model.TaskMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[model.TaskType]model.TaskMetrics, len(s.taskMetrics))
	for taskType, m := range s.taskMetrics {
		out[taskType] = *m
	}
	return out
}

// BreakerSnapshots returns the observable state of every known breaker.
func (s *MonitorService) BreakerSnapshots() []circuit.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]circuit.Snapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// History returns the recent completion history for one task type, newest last.
func (s *MonitorService) History(taskType model.TaskType) []CompletionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.history[taskType]
	out := make([]CompletionRecord, len(h))
	copy(out, h)
	return out
}

// ActiveTasks returns copies of the in-flight execution records.
func (s *MonitorService) ActiveTasks() []model.TaskExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.TaskExecutionRecord, 0, len(s.active))
	for _, r := range s.active {
		out = append(out, *r)
	}
	return out
}

// Cancel removes a queued task and drops any in-flight snapshot for it.
// Returns true if a queue entry was removed; cancelling an unknown task is a
// no-op.
func (s *MonitorService) Cancel(ctx context.Context, taskID string) (bool, error) {
	cancelled, err := s.queue.Cancel(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", taskID, err)
	}

	if cancelled && s.logger != nil {
		s.logger.InfoContext(ctx, "task cancelled", "task_id", taskID)
	}
	return cancelled, nil
}

// SweepOrphans completes any in-flight task that outlived its queue tier's
// hard time limit as TIMEOUT. Workers that die without completing their task
// leave records behind; the sweep keeps breaker and metric state from wedging
// on them. A positive maxAge tightens the sweep where it is below a task's
// own limit.
func (s *MonitorService) SweepOrphans(ctx context.Context, maxAge time.Duration) (int, error) {
	now := s.clock.Now()

	s.mu.Lock()
	var orphans []string
	for id, record := range s.active {
		limit := record.TaskName.Queue().Limits().Hard
		if maxAge > 0 && maxAge < limit {
			limit = maxAge
		}
		if now.Sub(record.StartedAt) > limit {
			orphans = append(orphans, id)
		}
	}
	s.mu.Unlock()

	for _, id := range orphans {
		err := s.CompleteTask(ctx, CompleteTaskParams{
			TaskID: id,
			Status: model.TaskStatusTimeout,
			Error:  "orphaned: exceeded hard time limit",
		})
		if err != nil {
			return 0, err
		}
	}

	if len(orphans) > 0 && s.logger != nil {
		s.logger.WarnContext(ctx, "swept orphaned tasks", "count", len(orphans), "max_age", maxAge)
	}
	return len(orphans), nil
}

// QueueStats returns the depth of every dispatch queue.
func (s *MonitorService) QueueStats(ctx context.Context) ([]model.QueueStats, error) {
	lengths, err := s.queue.QueueLengths(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue lengths: %w", err)
	}

	stats := make([]model.QueueStats, 0, len(model.AllQueues()))
	for _, q := range model.AllQueues() {
		stats = append(stats, model.QueueStats{Name: q, Length: lengths[q]})
	}

	depths := make(map[string]int64, len(lengths))
	for q, n := range lengths {
		depths[string(q)] = n
	}
	metrics.EmitQueueDepths(s.metrics, depths)

	return stats, nil
}

// WorkerStats returns the live worker registry contents.
func (s *MonitorService) WorkerStats(ctx context.Context) ([]model.WorkerStats, error) {
	if s.registry == nil {
		return nil, nil
	}
	workers, err := s.registry.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return workers, nil
}

// HealthStatus aggregates storage health, queue depths, failure rates, and
// breaker state into one snapshot.
func (s *MonitorService) HealthStatus(ctx context.Context) *model.HealthStatus {
	status := &model.HealthStatus{
		Status:    model.HealthStateHealthy,
		Timestamp: s.clock.Now(),
	}

	status.FastStoreHealthy = s.fastStore.Health(ctx) == nil
	status.DurableStoreHealthy = s.durableStore.Health(ctx) == nil

	if lengths, err := s.queue.QueueLengths(ctx); err == nil {
		for _, n := range lengths {
			status.TotalQueuedTasks += n
		}
	}

	s.mu.Lock()
	status.ActiveTaskCount = len(s.active)

	var total, failed int64
	for _, m := range s.taskMetrics {
		total += m.TotalExecutions
		failed += m.FailedExecutions
	}
	if total > 0 {
		status.OverallFailureRate = float64(failed) / float64(total)
	}

	for _, b := range s.breakers {
		if b.State() == circuit.StateOpen {
			status.OpenCircuitBreakers++
		}
	}
	s.mu.Unlock()

	switch {
	case !status.FastStoreHealthy || !status.DurableStoreHealthy:
		status.Status = model.HealthStateCritical
	case status.OverallFailureRate > s.criticalFailureRate:
		status.Status = model.HealthStateCritical
	case status.OverallFailureRate > s.degradedFailureRate || status.OpenCircuitBreakers > 0:
		status.Status = model.HealthStateDegraded
	}
	return status
}
