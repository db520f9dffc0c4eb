package model

import (
	"encoding/json"
	"time"
)

// JobResult is the durable record of a single task execution outcome.
// Rows are immutable once written except for retention-driven deletion.
type JobResult struct {
	TaskID        string          `json:"task_id"                  db:"task_id"`
	TaskName      TaskType        `json:"task_name"                db:"task_name"`
	Status        TaskStatus      `json:"status"                   db:"status"`
	Result        json.RawMessage `json:"result,omitempty"         db:"result"`
	ErrorMessage  *string         `json:"error_message,omitempty"  db:"error_message"`
	Traceback     *string         `json:"traceback,omitempty"      db:"traceback"`
	StartedAt     *time.Time      `json:"started_at,omitempty"     db:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"   db:"completed_at"`
	ExecutionTime int64           `json:"execution_time_ms"        db:"execution_time_ms"`
	RetryCount    int             `json:"retry_count"              db:"retry_count"`
	WorkerName    *string         `json:"worker_name,omitempty"    db:"worker_name"`
	Payload       json.RawMessage `json:"payload,omitempty"        db:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"       db:"metadata"`
	CreatedAt     time.Time       `json:"created_at"               db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"               db:"updated_at"`
}

// ResultStorageStats summarises both result storage tiers.
type ResultStorageStats struct {
	FastTierKeys     int64            `json:"fast_tier_keys"`
	DurableTierRows  int64            `json:"durable_tier_rows"`
	RowsByStatus     map[string]int64 `json:"rows_by_status"`
	RetentionHorizon time.Duration    `json:"retention_horizon"`
}

// CleanupStats reports the rows removed by a retention cleanup pass.
type CleanupStats struct {
	DeletedByStatus map[string]int64 `json:"deleted_by_status"`
	TotalDeleted    int64            `json:"total_deleted"`
	Elapsed         time.Duration    `json:"elapsed"`
}
