package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/airhq/air-workers/internal/core"
	"github.com/airhq/air-workers/internal/domain/model"
)

// fakeClock is a mutable clock shared by service tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memFastStore is an in-memory core.FastResultStore.
type memFastStore struct {
	mu             sync.Mutex
	results        map[string]*model.JobResult
	active         map[string]*model.TaskExecutionRecord
	locks          map[string]bool
	healthErr      error
	storeResultErr error
}

func newMemFastStore() *memFastStore {
	return &memFastStore{
		results: make(map[string]*model.JobResult),
		active:  make(map[string]*model.TaskExecutionRecord),
		locks:   make(map[string]bool),
	}
}

func (m *memFastStore) StoreResult(_ context.Context, result *model.JobResult, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storeResultErr != nil {
		return m.storeResultErr
	}
	cp := *result
	m.results[result.TaskID] = &cp
	return nil
}

func (m *memFastStore) GetResult(_ context.Context, taskID string) (*model.JobResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[taskID]
	if !ok {
		return nil, core.ErrResultNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memFastStore) DeleteResult(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.results[taskID]
	delete(m.results, taskID)
	return ok, nil
}

func (m *memFastStore) CountResults(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.results)), nil
}

func (m *memFastStore) StoreActive(_ context.Context, record *model.TaskExecutionRecord, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *record
	m.active[record.TaskID] = &cp
	return nil
}

func (m *memFastStore) DeleteActive(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[taskID]
	delete(m.active, taskID)
	return ok, nil
}

func (m *memFastStore) AcquireLock(_ context.Context, name string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[name] {
		return false, nil
	}
	m.locks[name] = true
	return true, nil
}

func (m *memFastStore) ReleaseLock(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, name)
	return nil
}

func (m *memFastStore) Health(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthErr
}

// memDurableStore is an in-memory core.DurableResultStore.
type memDurableStore struct {
	mu          sync.Mutex
	rows        map[string]*model.JobResult
	healthErr   error
	upsertErr   error
	deleteOldFn func(core.DeleteOldResultsParams) (int64, error)
}

func newMemDurableStore() *memDurableStore {
	return &memDurableStore{rows: make(map[string]*model.JobResult)}
}

func (m *memDurableStore) Upsert(_ context.Context, result *model.JobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	cp := *result
	m.rows[result.TaskID] = &cp
	return nil
}

func (m *memDurableStore) GetByTaskID(_ context.Context, taskID string) (*model.JobResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[taskID]
	if !ok {
		return nil, core.ErrResultNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memDurableStore) ListByStatus(_ context.Context, params core.ListResultsParams) ([]*model.JobResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.JobResult
	for _, r := range m.rows {
		if r.Status == params.Status && !r.CreatedAt.Before(params.Since) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memDurableStore) DeleteOld(_ context.Context, params core.DeleteOldResultsParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteOldFn != nil {
		return m.deleteOldFn(params)
	}
	return 0, nil
}

func (m *memDurableStore) CountByStatus(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int64)
	for _, r := range m.rows {
		counts[string(r.Status)]++
	}
	return counts, nil
}

func (m *memDurableStore) Health(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthErr
}

// memQueue is an in-memory core.TaskQueue.
type memQueue struct {
	mu        sync.Mutex
	queued    map[string]*model.TaskMessage
	healthErr error
}

func newMemQueue() *memQueue {
	return &memQueue{queued: make(map[string]*model.TaskMessage)}
}

func (m *memQueue) Enqueue(_ context.Context, msg *model.TaskMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.queued[msg.ID] = &cp
	return nil
}

func (m *memQueue) Reserve(context.Context) (*model.TaskMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var ready []*model.TaskMessage
	for _, msg := range m.queued {
		if !msg.ScheduledAt.After(now) {
			ready = append(ready, msg)
		}
	}
	if len(ready) == 0 {
		return nil, model.ErrNoTasksAvailable
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Queue.Priority() != ready[j].Queue.Priority() {
			return ready[i].Queue.Priority() > ready[j].Queue.Priority()
		}
		return ready[i].ScheduledAt.Before(ready[j].ScheduledAt)
	})
	msg := ready[0]
	delete(m.queued, msg.ID)
	return msg, nil
}

func (m *memQueue) RequeueWithDelay(_ context.Context, msg *model.TaskMessage, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	cp.ScheduledAt = time.Now().Add(delay)
	m.queued[msg.ID] = &cp
	return nil
}

func (m *memQueue) Cancel(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queued[taskID]
	delete(m.queued, taskID)
	return ok, nil
}

func (m *memQueue) QueueLengths(context.Context) (map[model.QueueName]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lengths := make(map[model.QueueName]int64)
	for _, msg := range m.queued {
		lengths[msg.Queue]++
	}
	return lengths, nil
}

func (m *memQueue) Health(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthErr
}

// memIntegrationRepo is an in-memory core.IntegrationRepository.
type memIntegrationRepo struct {
	mu      sync.Mutex
	items   map[string]*model.Integration
	updates int
}

func newMemIntegrationRepo(integrations ...*model.Integration) *memIntegrationRepo {
	repo := &memIntegrationRepo{items: make(map[string]*model.Integration)}
	for _, i := range integrations {
		cp := *i
		repo.items[i.ID] = &cp
	}
	return repo
}

func (m *memIntegrationRepo) GetByID(_ context.Context, id string) (*model.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.items[id]
	if !ok {
		return nil, core.ErrIntegrationNotFound
	}
	cp := *i
	return &cp, nil
}

func (m *memIntegrationRepo) ListExpiring(_ context.Context, params core.ListExpiringParams) ([]*model.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Integration
	for _, i := range m.items {
		if i.Status != model.IntegrationStatusConnected && i.Status != model.IntegrationStatusError {
			continue
		}
		if !i.HasRefreshToken() || i.IsRateLimited(params.Now) {
			continue
		}
		if i.TokenExpiresAt != nil && i.TokenExpiresAt.After(params.Cutoff) {
			continue
		}
		cp := *i
		out = append(out, &cp)
		if params.Limit > 0 && len(out) >= params.Limit {
			break
		}
	}
	return out, nil
}

func (m *memIntegrationRepo) ListByUser(_ context.Context, userID string) ([]*model.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Integration
	for _, i := range m.items {
		if i.UserID != userID || !i.HasRefreshToken() {
			continue
		}
		if i.Status == model.IntegrationStatusDisconnected || i.Status == model.IntegrationStatusRevoked {
			continue
		}
		cp := *i
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memIntegrationRepo) Update(_ context.Context, integration *model.Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[integration.ID]; !ok {
		return core.ErrIntegrationNotFound
	}
	cp := *integration
	cp.UpdatedAt = cp.UpdatedAt.Add(time.Millisecond)
	m.items[integration.ID] = &cp
	integration.UpdatedAt = cp.UpdatedAt
	m.updates++
	return nil
}

func (m *memIntegrationRepo) Statistics(context.Context) (*model.IntegrationStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &model.IntegrationStatistics{
		StatusCounts: make(map[model.IntegrationStatus]int64),
	}
	now := time.Now()
	for _, i := range m.items {
		stats.StatusCounts[i.Status]++
		stats.TotalIntegrations++
		if i.ErrorCount > 0 {
			stats.WithErrors++
		}
		if i.IsRateLimited(now) {
			stats.RateLimited++
		}
	}
	return stats, nil
}

func (m *memIntegrationRepo) get(id string) *model.Integration {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.items[id]
	cp := *i
	return &cp
}

// stubOAuth is a scriptable core.OAuthClient that tracks concurrency.
type stubOAuth struct {
	mu          sync.Mutex
	calls       int
	inFlight    int
	maxInFlight int
	fn          func(ctx context.Context, provider model.Provider, refreshToken string) (*model.TokenSet, error)
}

func (s *stubOAuth) Refresh(ctx context.Context, provider model.Provider, refreshToken string) (*model.TokenSet, error) {
	s.mu.Lock()
	s.calls++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	fn := s.fn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if fn == nil {
		return &model.TokenSet{AccessToken: "new-access", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}
	return fn(ctx, provider, refreshToken)
}

func (s *stubOAuth) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
