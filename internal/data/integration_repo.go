package data

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/airhq/air-workers/internal/core"
	"github.com/airhq/air-workers/internal/data/pgxutil"
	"github.com/airhq/air-workers/internal/domain/model"
)

const integrationColumns = `id, user_id, provider, access_token_encrypted, refresh_token_encrypted,
		token_expires_at, status, error_message, error_count, retry_after,
		last_refreshed_at, created_at, updated_at`

// PostgresIntegrationRepo implements the core.IntegrationRepository interface.
// Updates use optimistic concurrency on updated_at so two refreshers racing on
// the same integration cannot silently overwrite each other's token writes.
type PostgresIntegrationRepo struct {
	db pgxutil.Querier
}

// NewPostgresIntegrationRepo constructs a PostgresIntegrationRepo.
func NewPostgresIntegrationRepo(db pgxutil.Querier) *PostgresIntegrationRepo {
	return &PostgresIntegrationRepo{db: db}
}

// GetByID retrieves an integration by ID.
// Returns core.ErrIntegrationNotFound when no row exists.
func (r *PostgresIntegrationRepo) GetByID(ctx context.Context, id string) (*model.Integration, error) {
	if id == "" {
		return nil, errors.New("integration id cannot be empty")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM integrations
		WHERE id = $1`, integrationColumns)

	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}
	integration, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Integration])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrIntegrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}
	return &integration, nil
}

// ListExpiring returns connected/error integrations whose tokens expire before
// Cutoff, hold a refresh token, and are not rate-limited at Now. A NULL expiry
// counts as expiring so a refresh can re-establish it. Rows with the nearest
// expiry come first so the most urgent tokens are refreshed before any
// concurrency or rate ceiling bites.
func (r *PostgresIntegrationRepo) ListExpiring(ctx context.Context, params core.ListExpiringParams) ([]*model.Integration, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM integrations
		WHERE status IN ($1, $2)
			AND refresh_token_encrypted IS NOT NULL
			AND refresh_token_encrypted <> ''
			AND (token_expires_at IS NULL OR token_expires_at <= $3)
			AND (retry_after IS NULL OR retry_after <= $4)
		ORDER BY token_expires_at ASC NULLS FIRST
		LIMIT $5`, integrationColumns)

	rows, err := r.db.Query(ctx, query,
		model.IntegrationStatusConnected, model.IntegrationStatusError,
		params.Cutoff, params.Now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expiring integrations: %w", err)
	}
	return collectIntegrations(rows)
}

// ListByUser returns a user's refreshable integrations.
func (r *PostgresIntegrationRepo) ListByUser(ctx context.Context, userID string) ([]*model.Integration, error) {
	if userID == "" {
		return nil, errors.New("user id cannot be empty")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM integrations
		WHERE user_id = $1
			AND refresh_token_encrypted IS NOT NULL
			AND refresh_token_encrypted <> ''
			AND status NOT IN ($2, $3)
		ORDER BY provider`, integrationColumns)

	rows, err := r.db.Query(ctx, query, userID,
		model.IntegrationStatusDisconnected, model.IntegrationStatusRevoked,
	)
	if err != nil {
		return nil, fmt.Errorf("list user integrations: %w", err)
	}
	return collectIntegrations(rows)
}

func collectIntegrations(rows pgx.Rows) ([]*model.Integration, error) {
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.Integration])
	if err != nil {
		return nil, fmt.Errorf("collect integrations: %w", err)
	}
	out := make([]*model.Integration, 0, len(collected))
	for i := range collected {
		out = append(out, &collected[i])
	}
	return out, nil
}

// Update persists token and status fields. The WHERE clause pins the row to
// the updated_at the caller loaded; zero rows affected with a live row means a
// concurrent writer got there first and the caller gets core.ErrStaleIntegration.
func (r *PostgresIntegrationRepo) Update(ctx context.Context, integration *model.Integration) error {
	if integration == nil || integration.ID == "" {
		return errors.New("integration must have an id")
	}

	const query = `
		UPDATE integrations
		SET access_token_encrypted = $2,
			refresh_token_encrypted = $3,
			token_expires_at = $4,
			status = $5,
			error_message = $6,
			error_count = $7,
			retry_after = $8,
			last_refreshed_at = $9,
			updated_at = now()
		WHERE id = $1
			AND updated_at = $10
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		integration.ID,
		integration.AccessTokenEncrypted, integration.RefreshTokenEncrypted,
		integration.TokenExpiresAt, integration.Status,
		integration.ErrorMessage, integration.ErrorCount,
		integration.RetryAfter, integration.LastRefreshedAt,
		integration.UpdatedAt,
	).Scan(&integration.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		exists, existsErr := r.exists(ctx, integration.ID)
		if existsErr != nil {
			return existsErr
		}
		if exists {
			return core.ErrStaleIntegration
		}
		return core.ErrIntegrationNotFound
	}
	if err != nil {
		return fmt.Errorf("update integration: %w", err)
	}
	return nil
}

func (r *PostgresIntegrationRepo) exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM integrations WHERE id = $1)", id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check integration exists: %w", err)
	}
	return exists, nil
}

// Statistics summarises integration token state across the system.
func (r *PostgresIntegrationRepo) Statistics(ctx context.Context) (*model.IntegrationStatistics, error) {
	stats := &model.IntegrationStatistics{
		StatusCounts: make(map[model.IntegrationStatus]int64),
	}

	const statusQuery = `
		SELECT status, count(*)
		FROM integrations
		GROUP BY status`

	rows, err := r.db.Query(ctx, statusQuery)
	if err != nil {
		return nil, fmt.Errorf("integration status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status model.IntegrationStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.StatusCounts[status] = n
		stats.TotalIntegrations += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("integration status counts: %w", err)
	}

	const aggQuery = `
		SELECT
			count(*) FILTER (WHERE token_expires_at IS NOT NULL
				AND token_expires_at <= now() + interval '1 hour'
				AND status = $1),
			count(*) FILTER (WHERE error_count > 0),
			count(*) FILTER (WHERE retry_after IS NOT NULL AND retry_after > now())
		FROM integrations`

	err = r.db.QueryRow(ctx, aggQuery, model.IntegrationStatusConnected).
		Scan(&stats.ExpiringWithin1h, &stats.WithErrors, &stats.RateLimited)
	if err != nil {
		return nil, fmt.Errorf("integration aggregates: %w", err)
	}

	return stats, nil
}
