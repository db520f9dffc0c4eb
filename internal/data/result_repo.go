package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/airhq/air-workers/internal/core"
	"github.com/airhq/air-workers/internal/data/pgxutil"
	"github.com/airhq/air-workers/internal/domain/model"
)

const resultColumns = `task_id, task_name, status, result, error_message, traceback,
		started_at, completed_at, execution_time_ms, retry_count, worker_name,
		payload, metadata, created_at, updated_at`

// PostgresResultStore implements the core.DurableResultStore interface.
// It is the relational tier behind the fast Redis tier; rows survive fast-tier
// TTL expiry and feed history queries and failure forensics.
type PostgresResultStore struct {
	db pgxutil.Querier
}

// NewPostgresResultStore constructs a PostgresResultStore.
func NewPostgresResultStore(db pgxutil.Querier) *PostgresResultStore {
	return &PostgresResultStore{db: db}
}

// Upsert stores or updates a task result row.
func (r *PostgresResultStore) Upsert(ctx context.Context, result *model.JobResult) error {
	if result == nil || result.TaskID == "" {
		return errors.New("result must have a task id")
	}

	const query = `
		INSERT INTO task_results (task_id, task_name, status, result, error_message, traceback,
			started_at, completed_at, execution_time_ms, retry_count, worker_name,
			payload, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		ON CONFLICT (task_id)
		DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error_message = EXCLUDED.error_message,
			traceback = EXCLUDED.traceback,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			execution_time_ms = EXCLUDED.execution_time_ms,
			retry_count = EXCLUDED.retry_count,
			worker_name = EXCLUDED.worker_name,
			updated_at = now();`

	_, err := r.db.Exec(ctx, query,
		result.TaskID, result.TaskName, result.Status, result.Result,
		result.ErrorMessage, result.Traceback, result.StartedAt, result.CompletedAt,
		result.ExecutionTime, result.RetryCount, result.WorkerName,
		result.Payload, result.Metadata,
	)
	if err != nil {
		return fmt.Errorf("upsert task_results: %w", err)
	}
	return nil
}

// GetByTaskID retrieves a task result row by task ID.
// Returns core.ErrResultNotFound when no row exists.
func (r *PostgresResultStore) GetByTaskID(ctx context.Context, taskID string) (*model.JobResult, error) {
	if taskID == "" {
		return nil, errors.New("task id cannot be empty")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM task_results
		WHERE task_id = $1`, resultColumns)

	rows, err := r.db.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task_results: %w", err)
	}
	result, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.JobResult])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task_results: %w", err)
	}
	return &result, nil
}

// ListByStatus retrieves result rows with a given status created since params.Since,
// newest first.
func (r *PostgresResultStore) ListByStatus(ctx context.Context, params core.ListResultsParams) ([]*model.JobResult, error) {
	if !params.Status.Valid() {
		return nil, fmt.Errorf("invalid status: %q", params.Status)
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM task_results
		WHERE status = $1
			AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3`, resultColumns)

	rows, err := r.db.Query(ctx, query, params.Status, params.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("list task_results: %w", err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.JobResult])
	if err != nil {
		return nil, fmt.Errorf("list task_results: %w", err)
	}

	out := make([]*model.JobResult, 0, len(collected))
	for i := range collected {
		out = append(out, &collected[i])
	}
	return out, nil
}

// DeleteOld removes rows with the given status older than MaxAge, up to
// BatchSize rows per call. Returns the number of rows deleted.
// The subselect keeps each delete bounded so retention passes never take
// long locks on a large table.
func (r *PostgresResultStore) DeleteOld(ctx context.Context, params core.DeleteOldResultsParams) (int64, error) {
	if !params.Status.Valid() {
		return 0, fmt.Errorf("invalid status: %q", params.Status)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be positive")
	}

	const query = `
		DELETE FROM task_results
		WHERE task_id IN (
			SELECT task_id
			FROM task_results
			WHERE status = $1
				AND created_at < $2
			ORDER BY created_at
			LIMIT $3
		);`

	cutoff := time.Now().Add(-params.MaxAge)
	tag, err := r.db.Exec(ctx, query, params.Status, cutoff, params.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("delete old task_results: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus returns row counts per status.
func (r *PostgresResultStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	const query = `
		SELECT status, count(*)
		FROM task_results
		GROUP BY status`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count task_results: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count task_results: %w", err)
	}
	return counts, nil
}

// Health verifies the database connection is usable.
func (r *PostgresResultStore) Health(ctx context.Context) error {
	var one int
	if err := r.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("postgres health: %w", err)
	}
	return nil
}
