package core

import (
	"context"
	"time"

	"github.com/airhq/air-workers/internal/domain/model"
)

// This file contains repository and client interface definitions (ports in
// hexagonal architecture). These interfaces define the contracts between the
// service layer and the data/adapter layers. Service implementations should
// depend on these interfaces, not concrete implementations.

// FastResultStore is the ephemeral result tier: key-value with TTL, optimised
// for "has this task finished yet" polling. Writes must be atomic per key.
type FastResultStore interface {
	StoreResult(ctx context.Context, result *model.JobResult, ttl time.Duration) error
	GetResult(ctx context.Context, taskID string) (*model.JobResult, error)
	DeleteResult(ctx context.Context, taskID string) (bool, error)
	CountResults(ctx context.Context) (int64, error)

	// StoreActive/DeleteActive maintain the fast-tier snapshot of in-flight tasks.
	StoreActive(ctx context.Context, record *model.TaskExecutionRecord, ttl time.Duration) error
	DeleteActive(ctx context.Context, taskID string) (bool, error)

	// AcquireLock atomically claims a named lock for ttl; used for
	// cross-process single-flight (e.g. one refresh per integration id).
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error

	Health(ctx context.Context) error
}

// ListResultsParams groups parameters for DurableResultStore.ListByStatus.
type ListResultsParams struct {
	Status model.TaskStatus
	Since  time.Time
	Limit  int
}

// DeleteOldResultsParams groups parameters for DurableResultStore.DeleteOld.
type DeleteOldResultsParams struct {
	Status    model.TaskStatus
	MaxAge    time.Duration
	BatchSize int
}

// DurableResultStore is the relational result tier used for analytics,
// history endpoints, and failure forensics.
type DurableResultStore interface {
	Upsert(ctx context.Context, result *model.JobResult) error
	GetByTaskID(ctx context.Context, taskID string) (*model.JobResult, error)
	ListByStatus(ctx context.Context, params ListResultsParams) ([]*model.JobResult, error)

	// DeleteOld removes rows with the given status older than MaxAge, up to
	// BatchSize rows per call. Returns the number of rows deleted.
	DeleteOld(ctx context.Context, params DeleteOldResultsParams) (int64, error)

	CountByStatus(ctx context.Context) (map[string]int64, error)
	Health(ctx context.Context) error
}

// ListExpiringParams groups parameters for IntegrationRepository.ListExpiring.
type ListExpiringParams struct {
	Cutoff time.Time
	Now    time.Time
	Limit  int
}

// IntegrationRepository defines the interface for OAuth integration persistence.
// The backing store must support optimistic concurrency on Update.
type IntegrationRepository interface {
	GetByID(ctx context.Context, id string) (*model.Integration, error)

	// ListExpiring returns connected/error integrations whose tokens expire
	// before Cutoff, hold a refresh token, and are not rate-limited at Now.
	ListExpiring(ctx context.Context, params ListExpiringParams) ([]*model.Integration, error)

	// ListByUser returns a user's refreshable integrations.
	ListByUser(ctx context.Context, userID string) ([]*model.Integration, error)

	// Update persists token and status fields. Implementations reject stale
	// writes when the row changed since the integration was loaded.
	Update(ctx context.Context, integration *model.Integration) error

	Statistics(ctx context.Context) (*model.IntegrationStatistics, error)
}

// OAuthClient performs the provider-side token refresh call.
// Failures are reported through the typed errors in errors.go so callers can
// map them onto refresh outcomes without string matching.
type OAuthClient interface {
	Refresh(ctx context.Context, provider model.Provider, refreshToken string) (*model.TokenSet, error)
}

// TaskQueue defines the priority-tiered dispatch queue contract.
type TaskQueue interface {
	Enqueue(ctx context.Context, msg *model.TaskMessage) error

	// Reserve pops the next ready task, draining higher-priority queues first.
	// Returns model.ErrNoTasksAvailable when every queue is empty or no task
	// is due yet.
	Reserve(ctx context.Context) (*model.TaskMessage, error)

	// RequeueWithDelay re-enqueues a task for a future retry attempt.
	RequeueWithDelay(ctx context.Context, msg *model.TaskMessage, delay time.Duration) error

	// Cancel removes a queued task. Cancelling an unknown or already-consumed
	// task returns false with no error (idempotent).
	Cancel(ctx context.Context, taskID string) (bool, error)

	QueueLengths(ctx context.Context) (map[model.QueueName]int64, error)
	Health(ctx context.Context) error
}

// WorkerRegistry tracks live workers via TTL'd heartbeats.
type WorkerRegistry interface {
	Heartbeat(ctx context.Context, stats model.WorkerStats, ttl time.Duration) error
	ListWorkers(ctx context.Context) ([]model.WorkerStats, error)
}

// TokenCipher encrypts and decrypts stored OAuth tokens.
type TokenCipher interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}
