// Package model defines the core data types and structures used throughout the air-workers job system.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskType represents the type of background task to be executed.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type TaskType string

// TaskStatus represents the current status of a task execution.
type TaskStatus string

// QueueName identifies one of the priority-tiered dispatch queues.
type QueueName string

const (
	// TaskTypeTokenRefresh represents an OAuth token refresh task.
	TaskTypeTokenRefresh TaskType = "token_refresh"
	// TaskTypeUserNotification represents a user-facing notification task.
	TaskTypeUserNotification TaskType = "user_notification"
	// TaskTypeCalendarSync represents a calendar provider sync task.
	TaskTypeCalendarSync TaskType = "calendar_sync"
	// TaskTypeEmailSync represents an email provider sync task.
	TaskTypeEmailSync TaskType = "email_sync"
	// TaskTypeContactProcessing represents a contact normalization/scoring task.
	TaskTypeContactProcessing TaskType = "contact_processing"
	// TaskTypeAIAnalysis represents an AI analysis task.
	TaskTypeAIAnalysis TaskType = "ai_analysis"
	// TaskTypeBriefingGeneration represents an AI briefing generation task.
	TaskTypeBriefingGeneration TaskType = "briefing_generation"
	// TaskTypeDataExport represents a bulk data export task.
	TaskTypeDataExport TaskType = "data_export"
	// TaskTypeDataCleanup represents a data retention cleanup task.
	TaskTypeDataCleanup TaskType = "data_cleanup"
	// TaskTypeAnalytics represents a low-priority analytics rollup task.
	TaskTypeAnalytics TaskType = "analytics"

	// TaskStatusPending indicates a task is queued and waiting for a worker.
	TaskStatusPending TaskStatus = "PENDING"
	// TaskStatusStarted indicates a worker has begun executing the task.
	TaskStatusStarted TaskStatus = "STARTED"
	// TaskStatusSuccess indicates the task completed successfully.
	TaskStatusSuccess TaskStatus = "SUCCESS"
	// TaskStatusFailure indicates the task failed terminally.
	TaskStatusFailure TaskStatus = "FAILURE"
	// TaskStatusRetry indicates the task failed and was re-enqueued for retry.
	TaskStatusRetry TaskStatus = "RETRY"
	// TaskStatusRevoked indicates the task was cancelled before completion.
	TaskStatusRevoked TaskStatus = "REVOKED"
	// TaskStatusTimeout indicates the task exceeded its hard time limit.
	TaskStatusTimeout TaskStatus = "TIMEOUT"

	// QueueHighPriority holds latency-sensitive work (token refresh, alerts).
	QueueHighPriority QueueName = "high_priority"
	// QueueDefault holds routine sync and processing work.
	QueueDefault QueueName = "default"
	// QueueAITasks holds long-running AI analysis work.
	QueueAITasks QueueName = "ai_tasks"
	// QueueDataPipeline holds bulk export/cleanup work.
	QueueDataPipeline QueueName = "data_pipeline"
	// QueueLowPriority holds deferrable maintenance work.
	QueueLowPriority QueueName = "low_priority"
)

// ErrNoTasksAvailable is returned when no tasks are ready for reservation.
var ErrNoTasksAvailable = errors.New("no tasks available")

// ErrUnknownTaskType is returned when a message names a task type with no registered handler.
var ErrUnknownTaskType = errors.New("unknown task type")

// UnmarshalText implements encoding.TextUnmarshaler for TaskType to allow env parsing.
func (t *TaskType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	tt := TaskType(v)
	if tt.Valid() {
		*t = tt
		return nil
	}
	return fmt.Errorf("invalid TaskType: %q", v)
}

// Valid returns true if the TaskType is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeTokenRefresh, TaskTypeUserNotification, TaskTypeCalendarSync,
		TaskTypeEmailSync, TaskTypeContactProcessing, TaskTypeAIAnalysis,
		TaskTypeBriefingGeneration, TaskTypeDataExport, TaskTypeDataCleanup,
		TaskTypeAnalytics:
		return true
	}
	return false
}

// Queue returns the dispatch queue a task type is routed to.
func (t TaskType) Queue() QueueName {
	switch t {
	case TaskTypeTokenRefresh, TaskTypeUserNotification:
		return QueueHighPriority
	case TaskTypeCalendarSync, TaskTypeEmailSync, TaskTypeContactProcessing:
		return QueueDefault
	case TaskTypeAIAnalysis, TaskTypeBriefingGeneration:
		return QueueAITasks
	case TaskTypeDataExport, TaskTypeDataCleanup:
		return QueueDataPipeline
	case TaskTypeAnalytics:
		return QueueLowPriority
	default:
		return QueueDefault
	}
}

// Valid returns true if the TaskStatus is valid.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusStarted, TaskStatusSuccess, TaskStatusFailure,
		TaskStatusRetry, TaskStatusRevoked, TaskStatusTimeout:
		return true
	}
	return false
}

// Terminal returns true if the status represents a terminal completion.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailure, TaskStatusRevoked, TaskStatusTimeout:
		return true
	}
	return false
}

// AllQueues lists every queue in drain order, highest priority first.
// Workers scan queues in this order so higher tiers are always drained preferentially.
func AllQueues() []QueueName {
	return []QueueName{
		QueueHighPriority,
		QueueAITasks,
		QueueDefault,
		QueueDataPipeline,
		QueueLowPriority,
	}
}

// Priority returns the numeric priority used when scoring queue entries.
// Higher values are dequeued first within a queue tier.
func (q QueueName) Priority() int {
	switch q {
	case QueueHighPriority:
		return 10
	case QueueAITasks:
		return 7
	case QueueDefault:
		return 5
	case QueueDataPipeline:
		return 3
	case QueueLowPriority:
		return 1
	default:
		return 5
	}
}

// Valid returns true if the QueueName is one of the known queues.
func (q QueueName) Valid() bool {
	switch q {
	case QueueHighPriority, QueueDefault, QueueAITasks, QueueDataPipeline, QueueLowPriority:
		return true
	}
	return false
}

// TimeLimits holds the soft and hard execution limits for a queue tier.
// The soft limit cancels the handler context so it can clean up; the hard
// limit forces a TIMEOUT completion.
type TimeLimits struct {
	Soft time.Duration
	Hard time.Duration
}

// Limits returns the execution time limits for tasks routed to this queue.
func (q QueueName) Limits() TimeLimits {
	switch q {
	case QueueAITasks:
		return TimeLimits{Soft: 55 * time.Minute, Hard: 60 * time.Minute}
	case QueueDataPipeline:
		return TimeLimits{Soft: 115 * time.Minute, Hard: 120 * time.Minute}
	default:
		return TimeLimits{Soft: 25 * time.Minute, Hard: 30 * time.Minute}
	}
}

// UseWorkerRetryDefault marks a task message as deferring its retry budget to
// the worker pool's configured default. Zero is a legal explicit budget, so
// "unset" needs its own value.
const UseWorkerRetryDefault = -1

// TaskMessage is the wire form of a dispatched task as stored in the queue.
// A negative MaxRetries defers the retry budget to the worker's default.
type TaskMessage struct {
	ID          string          `json:"id"`
	Type        TaskType        `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Queue       QueueName       `json:"queue"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// EnqueueRequest represents a request to submit a new task. A nil MaxRetries
// leaves the retry budget to the worker's default; zero disables retries.
type EnqueueRequest struct {
	Type        TaskType        `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Queue       QueueName       `json:"queue,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	MaxRetries  *int            `json:"max_retries,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
}

// Validate validates the EnqueueRequest fields.
func (r *EnqueueRequest) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, r.Type)
	}
	if r.Queue != "" && !r.Queue.Valid() {
		return fmt.Errorf("invalid queue: %q", r.Queue)
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// NewTaskMessage builds the queue wire form of an enqueue request, assigning
// a fresh task id. The queue defaults to the task type's routing when the
// request does not pick one.
func NewTaskMessage(req EnqueueRequest, now time.Time) (*TaskMessage, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	queue := req.Queue
	if queue == "" {
		queue = req.Type.Queue()
	}
	scheduledAt := now
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		scheduledAt = *req.ScheduledAt
	}
	maxRetries := UseWorkerRetryDefault
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	return &TaskMessage{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Payload:     req.Payload,
		Queue:       queue,
		Priority:    req.Priority,
		MaxRetries:  maxRetries,
		ScheduledAt: scheduledAt,
		EnqueuedAt:  now,
	}, nil
}

// TaskExecutionRecord tracks an in-flight task owned by the job monitor.
// Records are created on dispatch and removed on terminal completion.
type TaskExecutionRecord struct {
	TaskID     string          `json:"task_id"`
	TaskName   TaskType        `json:"task_name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	Status     TaskStatus      `json:"status"`
	RetryCount int             `json:"retry_count"`
	Worker     string          `json:"worker,omitempty"`
}

// TaskMetrics holds rolling per-task-type execution counters.
// Rates are derived, never stored; both are zero until the first execution.
type TaskMetrics struct {
	TaskName             TaskType      `json:"task_name"`
	TotalExecutions      int64         `json:"total_executions"`
	SuccessfulExecutions int64         `json:"successful_executions"`
	FailedExecutions     int64         `json:"failed_executions"`
	RetryExecutions      int64         `json:"retry_executions"`
	AvgExecutionTime     time.Duration `json:"avg_execution_time"`
	LastExecutionTime    *time.Time    `json:"last_execution_time,omitempty"`
	LastSuccessTime      *time.Time    `json:"last_success_time,omitempty"`
	LastFailureTime      *time.Time    `json:"last_failure_time,omitempty"`
}

// SuccessRate returns successes/total, or 0 when no executions have completed.
func (m *TaskMetrics) SuccessRate() float64 {
	if m.TotalExecutions == 0 {
		return 0
	}
	return float64(m.SuccessfulExecutions) / float64(m.TotalExecutions)
}

// FailureRate returns failures/total, or 0 when no executions have completed.
func (m *TaskMetrics) FailureRate() float64 {
	if m.TotalExecutions == 0 {
		return 0
	}
	return float64(m.FailedExecutions) / float64(m.TotalExecutions)
}

// HealthState summarises the overall health of the job system.
type HealthState string

const (
	// HealthStateHealthy indicates all subsystems are operating normally.
	HealthStateHealthy HealthState = "healthy"
	// HealthStateDegraded indicates elevated failure rates or open breakers.
	HealthStateDegraded HealthState = "degraded"
	// HealthStateCritical indicates infrastructure is unreachable.
	HealthStateCritical HealthState = "critical"
)

// HealthStatus is the aggregate health snapshot returned by the monitor.
type HealthStatus struct {
	Status              HealthState `json:"status"`
	FastStoreHealthy    bool        `json:"fast_store_healthy"`
	DurableStoreHealthy bool        `json:"durable_store_healthy"`
	TotalQueuedTasks    int64       `json:"total_queued_tasks"`
	OverallFailureRate  float64     `json:"overall_failure_rate"`
	ActiveTaskCount     int         `json:"active_task_count"`
	OpenCircuitBreakers int         `json:"open_circuit_breakers"`
	Timestamp           time.Time   `json:"timestamp"`
}

// QueueStats describes the depth of a single dispatch queue.
type QueueStats struct {
	Name   QueueName `json:"name"`
	Length int64     `json:"length"`
}

// WorkerStats describes one worker's in-flight load.
type WorkerStats struct {
	Name        string   `json:"name"`
	ActiveTasks int      `json:"active_tasks"`
	TaskIDs     []string `json:"task_ids,omitempty"`
}
