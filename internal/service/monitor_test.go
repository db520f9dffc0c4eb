package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airhq/air-workers/internal/domain/circuit"
	"github.com/airhq/air-workers/internal/domain/model"
)

func newTestMonitor(t *testing.T, clock *fakeClock, opts ...func(*MonitorServiceOptions)) (*MonitorService, *memFastStore, *memDurableStore, *memQueue) {
	t.Helper()

	fast := newMemFastStore()
	durable := newMemDurableStore()
	queue := newMemQueue()

	options := MonitorServiceOptions{
		FastStore:        fast,
		DurableStore:     durable,
		Queue:            queue,
		Clock:            clock,
		FailureThreshold: 5,
		RecoveryTimeout:  5 * time.Minute,
	}
	for _, o := range opts {
		o(&options)
	}

	svc, err := NewMonitorService(options)
	require.NoError(t, err)
	return svc, fast, durable, queue
}

func startTask(t *testing.T, svc *MonitorService, id string, taskType model.TaskType) {
	t.Helper()
	require.NoError(t, svc.StartTask(context.Background(), StartTaskParams{
		TaskID:   id,
		TaskName: taskType,
		Worker:   "worker-test",
	}))
}

func completeTask(t *testing.T, svc *MonitorService, id string, status model.TaskStatus) {
	t.Helper()
	require.NoError(t, svc.CompleteTask(context.Background(), CompleteTaskParams{
		TaskID: id,
		Status: status,
	}))
}

func TestMonitorService_RequiresDependencies(t *testing.T) {
	_, err := NewMonitorService(MonitorServiceOptions{})
	assert.Error(t, err)
}

func TestMonitorService_TracksLifecycle(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, fast, _, _ := newTestMonitor(t, clock)

	startTask(t, svc, "t1", model.TaskTypeEmailSync)
	assert.Len(t, svc.ActiveTasks(), 1)
	assert.Len(t, fast.active, 1)

	clock.Advance(2 * time.Second)
	completeTask(t, svc, "t1", model.TaskStatusSuccess)

	assert.Empty(t, svc.ActiveTasks())
	assert.Empty(t, fast.active)

	m := svc.TaskMetricsFor(model.TaskTypeEmailSync)
	assert.Equal(t, int64(1), m.TotalExecutions)
	assert.Equal(t, int64(1), m.SuccessfulExecutions)
	assert.Equal(t, 2*time.Second, m.AvgExecutionTime)
	assert.InDelta(t, 1.0, m.SuccessRate(), 1e-9)
	require.NotNil(t, m.LastSuccessTime)
}

func TestMonitorService_DuplicateCompleteIsNoop(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, _, _, _ := newTestMonitor(t, clock)

	startTask(t, svc, "t1", model.TaskTypeEmailSync)
	completeTask(t, svc, "t1", model.TaskStatusSuccess)
	completeTask(t, svc, "t1", model.TaskStatusFailure)

	m := svc.TaskMetricsFor(model.TaskTypeEmailSync)
	assert.Equal(t, int64(1), m.TotalExecutions)
	assert.Equal(t, int64(0), m.FailedExecutions)
}

func TestMonitorService_RunningMeanFoldsSamples(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, _, _, _ := newTestMonitor(t, clock)

	startTask(t, svc, "t1", model.TaskTypeAIAnalysis)
	clock.Advance(4 * time.Second)
	completeTask(t, svc, "t1", model.TaskStatusSuccess)

	startTask(t, svc, "t2", model.TaskTypeAIAnalysis)
	clock.Advance(2 * time.Second)
	completeTask(t, svc, "t2", model.TaskStatusSuccess)

	// (4s + 2s) / 2
	m := svc.TaskMetricsFor(model.TaskTypeAIAnalysis)
	assert.Equal(t, 3*time.Second, m.AvgExecutionTime)
}

func TestMonitorService_BreakerOpensAtThreshold(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, _, _, _ := newTestMonitor(t, clock)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		startTask(t, svc, id, model.TaskTypeCalendarSync)

		allowed, _ := svc.ShouldAllow(model.TaskTypeCalendarSync)
		assert.True(t, allowed, "attempt %d should still be admitted", i)

		completeTask(t, svc, id, model.TaskStatusFailure)
	}

	allowed, reason := svc.ShouldAllow(model.TaskTypeCalendarSync)
	assert.False(t, allowed)
	assert.Equal(t, circuit.OpenReason, reason)

	// Other task types are unaffected.
	allowed, _ = svc.ShouldAllow(model.TaskTypeEmailSync)
	assert.True(t, allowed)
}

func TestMonitorService_BreakerRecoversThroughHalfOpen(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, _, _, _ := newTestMonitor(t, clock)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		startTask(t, svc, id, model.TaskTypeCalendarSync)
		completeTask(t, svc, id, model.TaskStatusFailure)
	}
	allowed, _ := svc.ShouldAllow(model.TaskTypeCalendarSync)
	require.False(t, allowed)

	// After the recovery timeout one trial execution is admitted.
	clock.Advance(6 * time.Minute)
	allowed, _ = svc.ShouldAllow(model.TaskTypeCalendarSync)
	require.True(t, allowed)

	startTask(t, svc, "trial", model.TaskTypeCalendarSync)
	completeTask(t, svc, "trial", model.TaskStatusSuccess)

	allowed, _ = svc.ShouldAllow(model.TaskTypeCalendarSync)
	assert.True(t, allowed)

	snaps := svc.BreakerSnapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, circuit.StateClosed, snaps[0].State)
	assert.Equal(t, 0, snaps[0].FailureCount)
}

func TestMonitorService_FailedTrialReopensBreaker(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, _, _, _ := newTestMonitor(t, clock)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		startTask(t, svc, id, model.TaskTypeCalendarSync)
		completeTask(t, svc, id, model.TaskStatusFailure)
	}

	clock.Advance(6 * time.Minute)
	allowed, _ := svc.ShouldAllow(model.TaskTypeCalendarSync)
	require.True(t, allowed)

	startTask(t, svc, "trial", model.TaskTypeCalendarSync)
	completeTask(t, svc, "trial", model.TaskStatusFailure)

	// Reopened with a fresh recovery clock.
	allowed, _ = svc.ShouldAllow(model.TaskTypeCalendarSync)
	assert.False(t, allowed)

	clock.Advance(4 * time.Minute)
	allowed, _ = svc.ShouldAllow(model.TaskTypeCalendarSync)
	assert.False(t, allowed)

	clock.Advance(2 * time.Minute)
	allowed, _ = svc.ShouldAllow(model.TaskTypeCalendarSync)
	assert.True(t, allowed)
}

func TestMonitorService_RetryDoesNotFeedBreaker(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, _, _, _ := newTestMonitor(t, clock)

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("t%d", i)
		startTask(t, svc, id, model.TaskTypeEmailSync)
		completeTask(t, svc, id, model.TaskStatusRetry)
	}

	allowed, _ := svc.ShouldAllow(model.TaskTypeEmailSync)
	assert.True(t, allowed)

	m := svc.TaskMetricsFor(model.TaskTypeEmailSync)
	assert.Equal(t, int64(10), m.RetryExecutions)
	assert.Equal(t, int64(0), m.FailedExecutions)
}

func TestMonitorService_RatesSumToOneAcrossOutcomes(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, _, _, _ := newTestMonitor(t, clock)

	startTask(t, svc, "ok", model.TaskTypeCalendarSync)
	completeTask(t, svc, "ok", model.TaskStatusSuccess)

	startTask(t, svc, "again", model.TaskTypeCalendarSync)
	completeTask(t, svc, "again", model.TaskStatusRetry)

	startTask(t, svc, "bad", model.TaskTypeCalendarSync)
	completeTask(t, svc, "bad", model.TaskStatusFailure)

	startTask(t, svc, "gone", model.TaskTypeCalendarSync)
	completeTask(t, svc, "gone", model.TaskStatusRevoked)

	m := svc.TaskMetricsFor(model.TaskTypeCalendarSync)
	assert.Equal(t, int64(2), m.TotalExecutions)
	assert.Equal(t, int64(1), m.SuccessfulExecutions)
	assert.Equal(t, int64(1), m.FailedExecutions)
	assert.Equal(t, int64(1), m.RetryExecutions)
	assert.InDelta(t, 1.0, m.SuccessRate()+m.FailureRate(), 1e-9)
}

func TestMonitorService_HistoryIsCapped(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, _, _, _ := newTestMonitor(t, clock, func(o *MonitorServiceOptions) {
		o.HistoryMaxEntries = 3
	})

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		startTask(t, svc, id, model.TaskTypeAnalytics)
		completeTask(t, svc, id, model.TaskStatusSuccess)
	}

	history := svc.History(model.TaskTypeAnalytics)
	require.Len(t, history, 3)
	assert.Equal(t, "t2", history[0].TaskID)
	assert.Equal(t, "t4", history[2].TaskID)
}

func TestMonitorService_SweepOrphans(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, _, _, _ := newTestMonitor(t, clock)
	ctx := context.Background()

	startTask(t, svc, "old", model.TaskTypeDataExport)
	clock.Advance(3 * time.Hour)
	startTask(t, svc, "fresh", model.TaskTypeDataExport)

	swept, err := svc.SweepOrphans(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	active := svc.ActiveTasks()
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].TaskID)

	m := svc.TaskMetricsFor(model.TaskTypeDataExport)
	assert.Equal(t, int64(1), m.FailedExecutions)

	history := svc.History(model.TaskTypeDataExport)
	require.Len(t, history, 1)
	assert.Equal(t, model.TaskStatusTimeout, history[0].Status)
}

func TestMonitorService_SweepOrphansUsesTaskTimeLimits(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, _, _, _ := newTestMonitor(t, clock)
	ctx := context.Background()

	// Both records are one hour old: past the 30m high-priority hard limit,
	// well inside the 2h data pipeline one.
	startTask(t, svc, "refresh", model.TaskTypeTokenRefresh)
	startTask(t, svc, "export", model.TaskTypeDataExport)
	clock.Advance(time.Hour)

	swept, err := svc.SweepOrphans(ctx, 4*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	active := svc.ActiveTasks()
	require.Len(t, active, 1)
	assert.Equal(t, "export", active[0].TaskID)

	m := svc.TaskMetricsFor(model.TaskTypeTokenRefresh)
	assert.Equal(t, int64(1), m.FailedExecutions)
}

func TestMonitorService_Cancel(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, _, _, queue := newTestMonitor(t, clock)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, &model.TaskMessage{
		ID: "queued", Type: model.TaskTypeDataExport, Queue: model.QueueDataPipeline,
	}))

	cancelled, err := svc.Cancel(ctx, "queued")
	require.NoError(t, err)
	assert.True(t, cancelled)

	cancelled, err = svc.Cancel(ctx, "queued")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestMonitorService_HealthStatus(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, fast, _, _ := newTestMonitor(t, clock)
	ctx := context.Background()

	status := svc.HealthStatus(ctx)
	assert.Equal(t, model.HealthStateHealthy, status.Status)
	assert.True(t, status.FastStoreHealthy)
	assert.True(t, status.DurableStoreHealthy)

	// One failure in ten pushes the failure rate past the degraded threshold.
	for i := 0; i < 9; i++ {
		id := fmt.Sprintf("ok%d", i)
		startTask(t, svc, id, model.TaskTypeEmailSync)
		completeTask(t, svc, id, model.TaskStatusSuccess)
	}
	startTask(t, svc, "bad", model.TaskTypeEmailSync)
	completeTask(t, svc, "bad", model.TaskStatusFailure)
	startTask(t, svc, "bad2", model.TaskTypeEmailSync)
	completeTask(t, svc, "bad2", model.TaskStatusFailure)

	status = svc.HealthStatus(ctx)
	assert.Equal(t, model.HealthStateDegraded, status.Status)
	assert.InDelta(t, 2.0/11.0, status.OverallFailureRate, 1e-9)

	// An unreachable tier is critical regardless of failure rates.
	fast.mu.Lock()
	fast.healthErr = assert.AnError
	fast.mu.Unlock()
	status = svc.HealthStatus(ctx)
	assert.Equal(t, model.HealthStateCritical, status.Status)
	assert.False(t, status.FastStoreHealthy)
}

func TestMonitorService_HealthCountsOpenBreakers(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, _, _, _ := newTestMonitor(t, clock)

	// Enough successes keep the overall failure rate below the degraded
	// threshold, so the open breaker is the only degradation trigger.
	for i := 0; i < 95; i++ {
		id := fmt.Sprintf("ok%d", i)
		startTask(t, svc, id, model.TaskTypeEmailSync)
		completeTask(t, svc, id, model.TaskStatusSuccess)
	}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("bad%d", i)
		startTask(t, svc, id, model.TaskTypeCalendarSync)
		completeTask(t, svc, id, model.TaskStatusFailure)
	}

	status := svc.HealthStatus(context.Background())
	assert.Equal(t, 1, status.OpenCircuitBreakers)
	assert.InDelta(t, 0.05, status.OverallFailureRate, 1e-9)
	assert.Equal(t, model.HealthStateDegraded, status.Status)
}

func TestMonitorService_CriticalThresholdStaysAboveDegraded(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, _, _, _ := newTestMonitor(t, clock, func(o *MonitorServiceOptions) {
		// Degraded above the 0.5 critical fallback: the critical threshold
		// must be re-derived, not left below degraded.
		o.DegradedFailureRate = 0.6
	})

	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("bad%d", i)
		startTask(t, svc, id, model.TaskTypeEmailSync)
		completeTask(t, svc, id, model.TaskStatusFailure)
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("ok%d", i)
		startTask(t, svc, id, model.TaskTypeEmailSync)
		completeTask(t, svc, id, model.TaskStatusSuccess)
	}

	// A 0.7 failure rate is past degraded but must not read as critical.
	status := svc.HealthStatus(context.Background())
	assert.InDelta(t, 0.7, status.OverallFailureRate, 1e-9)
	assert.Equal(t, model.HealthStateDegraded, status.Status)
}

func TestMonitorService_QueueStats(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, _, _, queue := newTestMonitor(t, clock)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, &model.TaskMessage{ID: "a", Queue: model.QueueHighPriority}))
	require.NoError(t, queue.Enqueue(ctx, &model.TaskMessage{ID: "b", Queue: model.QueueHighPriority}))

	stats, err := svc.QueueStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 5)
	assert.Equal(t, model.QueueHighPriority, stats[0].Name)
	assert.Equal(t, int64(2), stats[0].Length)
}
