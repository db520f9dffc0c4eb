package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airhq/air-workers/internal/core"
	"github.com/airhq/air-workers/internal/data"
	"github.com/airhq/air-workers/internal/domain/model"
	"github.com/airhq/air-workers/internal/service"
)

type fakeFastStore struct {
	mu      sync.Mutex
	results map[string]*model.JobResult
	active  map[string]*model.TaskExecutionRecord
	locks   map[string]struct{}
}

func newFakeFastStore() *fakeFastStore {
	return &fakeFastStore{
		results: make(map[string]*model.JobResult),
		active:  make(map[string]*model.TaskExecutionRecord),
		locks:   make(map[string]struct{}),
	}
}

func (s *fakeFastStore) StoreResult(_ context.Context, result *model.JobResult, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *result
	s.results[result.TaskID] = &copied
	return nil
}

func (s *fakeFastStore) GetResult(_ context.Context, taskID string) (*model.JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[taskID]
	if !ok {
		return nil, core.ErrResultNotFound
	}
	copied := *result
	return &copied, nil
}

func (s *fakeFastStore) DeleteResult(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.results[taskID]
	delete(s.results, taskID)
	return ok, nil
}

func (s *fakeFastStore) CountResults(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.results)), nil
}

func (s *fakeFastStore) StoreActive(_ context.Context, record *model.TaskExecutionRecord, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[record.TaskID] = record
	return nil
}

func (s *fakeFastStore) DeleteActive(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[taskID]
	delete(s.active, taskID)
	return ok, nil
}

func (s *fakeFastStore) AcquireLock(_ context.Context, name string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[name]; held {
		return false, nil
	}
	s.locks[name] = struct{}{}
	return true, nil
}

func (s *fakeFastStore) ReleaseLock(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, name)
	return nil
}

func (s *fakeFastStore) Health(context.Context) error { return nil }

type fakeDurableStore struct {
	mu      sync.Mutex
	results map[string]*model.JobResult
}

func newFakeDurableStore() *fakeDurableStore {
	return &fakeDurableStore{results: make(map[string]*model.JobResult)}
}

func (s *fakeDurableStore) Upsert(_ context.Context, result *model.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *result
	s.results[result.TaskID] = &copied
	return nil
}

func (s *fakeDurableStore) GetByTaskID(_ context.Context, taskID string) (*model.JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[taskID]
	if !ok {
		return nil, core.ErrResultNotFound
	}
	copied := *result
	return &copied, nil
}

func (s *fakeDurableStore) ListByStatus(context.Context, core.ListResultsParams) ([]*model.JobResult, error) {
	return nil, nil
}

func (s *fakeDurableStore) DeleteOld(context.Context, core.DeleteOldResultsParams) (int64, error) {
	return 0, nil
}

func (s *fakeDurableStore) CountByStatus(context.Context) (map[string]int64, error) {
	return map[string]int64{}, nil
}

func (s *fakeDurableStore) Health(context.Context) error { return nil }

type requeuedTask struct {
	msg   *model.TaskMessage
	delay time.Duration
}

// fakeQueue serves a preloaded batch of messages and records requeues.
type fakeQueue struct {
	mu       sync.Mutex
	pending  []*model.TaskMessage
	requeued []requeuedTask
}

func (q *fakeQueue) Enqueue(_ context.Context, msg *model.TaskMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msg)
	return nil
}

func (q *fakeQueue) Reserve(context.Context) (*model.TaskMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, model.ErrNoTasksAvailable
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	return msg, nil
}

func (q *fakeQueue) RequeueWithDelay(_ context.Context, msg *model.TaskMessage, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	copied := *msg
	q.requeued = append(q.requeued, requeuedTask{msg: &copied, delay: delay})
	return nil
}

func (q *fakeQueue) Cancel(context.Context, string) (bool, error) { return false, nil }

func (q *fakeQueue) QueueLengths(context.Context) (map[model.QueueName]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[model.QueueName]int64{model.QueueDefault: int64(len(q.pending))}, nil
}

func (q *fakeQueue) Health(context.Context) error { return nil }

func (q *fakeQueue) requeues() []requeuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]requeuedTask, len(q.requeued))
	copy(out, q.requeued)
	return out
}

type runnerHarness struct {
	runner  *Runner
	queue   *fakeQueue
	fast    *fakeFastStore
	durable *fakeDurableStore
	monitor *service.MonitorService
	results *service.ResultStoreService
}

func newRunnerHarness(t *testing.T, opts RunnerOptions) *runnerHarness {
	t.Helper()

	queue := &fakeQueue{}
	fast := newFakeFastStore()
	durable := newFakeDurableStore()

	monitor, err := service.NewMonitorService(service.MonitorServiceOptions{
		FastStore:    fast,
		DurableStore: durable,
		Queue:        queue,
	})
	require.NoError(t, err)

	results, err := service.NewResultStoreService(service.ResultStoreServiceOptions{
		FastStore:    fast,
		DurableStore: durable,
	})
	require.NoError(t, err)

	opts.Queue = queue
	opts.Monitor = monitor
	opts.Results = results
	if opts.Clock == nil {
		opts.Clock = data.RealTimeProvider{}
	}
	if opts.WorkerName == "" {
		opts.WorkerName = "test-worker"
	}

	runner, err := NewRunner(opts)
	require.NoError(t, err)

	return &runnerHarness{
		runner:  runner,
		queue:   queue,
		fast:    fast,
		durable: durable,
		monitor: monitor,
		results: results,
	}
}

func testMessage(taskType model.TaskType) *model.TaskMessage {
	return &model.TaskMessage{
		ID:         "task-1",
		Type:       taskType,
		Queue:      model.QueueDefault,
		Payload:    json.RawMessage(`{"key":"value"}`),
		MaxRetries: 2,
	}
}

func TestRunner_RegisterValidation(t *testing.T) {
	h := newRunnerHarness(t, RunnerOptions{})

	err := h.runner.Register("not_a_task", func(context.Context, *model.TaskMessage) (json.RawMessage, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, model.ErrUnknownTaskType)

	err = h.runner.Register(model.TaskTypeEmailSync, nil)
	assert.Error(t, err)
}

func TestRunner_ExecuteSuccess(t *testing.T) {
	h := newRunnerHarness(t, RunnerOptions{})
	ctx := context.Background()

	require.NoError(t, h.runner.Register(model.TaskTypeEmailSync, func(_ context.Context, msg *model.TaskMessage) (json.RawMessage, error) {
		assert.Equal(t, json.RawMessage(`{"key":"value"}`), msg.Payload)
		return json.RawMessage(`{"synced":12}`), nil
	}))

	h.runner.execute(ctx, testMessage(model.TaskTypeEmailSync))

	result, err := h.results.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSuccess, result.Status)
	assert.Equal(t, json.RawMessage(`{"synced":12}`), result.Result)
	require.NotNil(t, result.WorkerName)
	assert.Equal(t, "test-worker", *result.WorkerName)

	// Both tiers hold the result.
	_, err = h.durable.GetByTaskID(ctx, "task-1")
	require.NoError(t, err)

	metrics := h.monitor.TaskMetricsFor(model.TaskTypeEmailSync)
	assert.Equal(t, int64(1), metrics.SuccessfulExecutions)
	assert.Empty(t, h.monitor.ActiveTasks())
}

func TestRunner_ExecuteRetriesThenFails(t *testing.T) {
	h := newRunnerHarness(t, RunnerOptions{})
	ctx := context.Background()

	require.NoError(t, h.runner.Register(model.TaskTypeEmailSync, func(context.Context, *model.TaskMessage) (json.RawMessage, error) {
		return nil, errors.New("upstream unavailable")
	}))

	msg := testMessage(model.TaskTypeEmailSync)
	h.runner.execute(ctx, msg)

	// First failure with budget left: recorded as RETRY and requeued with an
	// incremented count.
	result, err := h.results.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRetry, result.Status)

	requeues := h.queue.requeues()
	require.Len(t, requeues, 1)
	assert.Equal(t, 1, requeues[0].msg.RetryCount)
	assert.Positive(t, requeues[0].delay)

	// Exhaust the budget: terminal FAILURE, nothing requeued.
	exhausted := testMessage(model.TaskTypeEmailSync)
	exhausted.ID = "task-2"
	exhausted.RetryCount = 2
	h.runner.execute(ctx, exhausted)

	result, err = h.results.Get(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailure, result.Status)
	require.NotNil(t, result.ErrorMessage)
	assert.Contains(t, *result.ErrorMessage, "upstream unavailable")
	assert.Len(t, h.queue.requeues(), 1)

	metrics := h.monitor.TaskMetricsFor(model.TaskTypeEmailSync)
	assert.Equal(t, int64(1), metrics.RetryExecutions)
	assert.Equal(t, int64(1), metrics.FailedExecutions)
}

func TestRunner_RetryBudgetResolution(t *testing.T) {
	h := newRunnerHarness(t, RunnerOptions{MaxRetries: 1})
	ctx := context.Background()

	require.NoError(t, h.runner.Register(model.TaskTypeEmailSync, func(context.Context, *model.TaskMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}))

	// An explicit zero budget fails terminally on the first error.
	zero := testMessage(model.TaskTypeEmailSync)
	zero.ID = "no-retries"
	zero.MaxRetries = 0
	h.runner.execute(ctx, zero)

	result, err := h.results.Get(ctx, "no-retries")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailure, result.Status)
	assert.Empty(t, h.queue.requeues())

	// A message that defers to the worker default still gets its retry.
	deferred := testMessage(model.TaskTypeEmailSync)
	deferred.ID = "worker-default"
	deferred.MaxRetries = model.UseWorkerRetryDefault
	h.runner.execute(ctx, deferred)

	result, err = h.results.Get(ctx, "worker-default")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRetry, result.Status)
	assert.Len(t, h.queue.requeues(), 1)
}

func TestRunner_OpenBreakerParksTask(t *testing.T) {
	h := newRunnerHarness(t, RunnerOptions{})
	ctx := context.Background()

	require.NoError(t, h.runner.Register(model.TaskTypeEmailSync, func(context.Context, *model.TaskMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}))

	// Five terminal failures open the breaker.
	for i := 0; i < 5; i++ {
		msg := testMessage(model.TaskTypeEmailSync)
		msg.ID = fmt.Sprintf("fail-%d", i)
		msg.RetryCount = msg.MaxRetries
		h.runner.execute(ctx, msg)
	}
	allowed, _ := h.monitor.ShouldAllow(model.TaskTypeEmailSync)
	require.False(t, allowed)

	before := len(h.queue.requeues())
	parked := testMessage(model.TaskTypeEmailSync)
	parked.ID = "parked-1"
	h.runner.execute(ctx, parked)

	requeues := h.queue.requeues()
	require.Len(t, requeues, before+1)
	last := requeues[len(requeues)-1]
	assert.Equal(t, "parked-1", last.msg.ID)
	assert.Equal(t, breakerRequeueDelay, last.delay)
	// Parking does not burn a retry attempt or record a result.
	assert.Equal(t, 0, last.msg.RetryCount)
	_, err := h.results.Get(ctx, "parked-1")
	assert.ErrorIs(t, err, core.ErrResultNotFound)
}

func TestRunner_UnknownTaskTypeFailsWithoutStarting(t *testing.T) {
	h := newRunnerHarness(t, RunnerOptions{})
	ctx := context.Background()

	msg := testMessage(model.TaskTypeEmailSync)
	h.runner.execute(ctx, msg)

	result, err := h.results.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailure, result.Status)
	require.NotNil(t, result.ErrorMessage)
	assert.Contains(t, *result.ErrorMessage, "unknown task type")

	// The task never started, so it never reached the metrics.
	metrics := h.monitor.TaskMetricsFor(model.TaskTypeEmailSync)
	assert.Zero(t, metrics.TotalExecutions)
}

func TestRunner_PanickingHandlerIsRetried(t *testing.T) {
	h := newRunnerHarness(t, RunnerOptions{})
	ctx := context.Background()

	require.NoError(t, h.runner.Register(model.TaskTypeEmailSync, func(context.Context, *model.TaskMessage) (json.RawMessage, error) {
		panic("nil map write")
	}))

	msg := testMessage(model.TaskTypeEmailSync)
	h.runner.execute(ctx, msg)

	result, err := h.results.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRetry, result.Status)
	require.NotNil(t, result.ErrorMessage)
	assert.Contains(t, *result.ErrorMessage, "task handler panic")
	assert.Len(t, h.queue.requeues(), 1)
}

func TestRunner_RunDrainsQueueAndStopsOnCancel(t *testing.T) {
	h := newRunnerHarness(t, RunnerOptions{
		Concurrency:  2,
		PollInterval: 5 * time.Millisecond,
	})

	var handled sync.WaitGroup
	handled.Add(3)
	require.NoError(t, h.runner.Register(model.TaskTypeEmailSync, func(context.Context, *model.TaskMessage) (json.RawMessage, error) {
		handled.Done()
		return json.RawMessage(`{}`), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		require.NoError(t, h.queue.Enqueue(ctx, &model.TaskMessage{
			ID:    fmt.Sprintf("task-%d", i),
			Type:  model.TaskTypeEmailSync,
			Queue: model.QueueDefault,
		}))
	}

	done := make(chan error, 1)
	go func() { done <- h.runner.Run(ctx) }()

	handled.Wait()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}

	for i := 0; i < 3; i++ {
		result, err := h.results.Get(context.Background(), fmt.Sprintf("task-%d", i))
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusSuccess, result.Status)
	}
}

func TestRegisterBuiltinHandlers_RequiresServices(t *testing.T) {
	h := newRunnerHarness(t, RunnerOptions{})

	err := RegisterBuiltinHandlers(h.runner, HandlerDeps{})
	assert.Error(t, err)

	err = RegisterBuiltinHandlers(h.runner, HandlerDeps{Results: h.results})
	assert.Error(t, err)
}
