package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/airhq/air-workers/internal/core"
	"github.com/airhq/air-workers/internal/data"
	"github.com/airhq/air-workers/internal/domain/model"
	"github.com/airhq/air-workers/internal/observability/metrics"
	"github.com/airhq/air-workers/internal/observability/statsd"
)

const (
	// refreshLockTTL bounds how long a crashed refresher can block others.
	refreshLockTTL = 30 * time.Second

	// refreshCallTimeout bounds one provider token-endpoint call.
	refreshCallTimeout = 30 * time.Second

	// providerBackoffBase and providerBackoffMax shape the per-integration
	// backoff after consecutive refresh errors: base * 2^error_count, capped.
	providerBackoffBase = time.Minute
	providerBackoffMax  = time.Hour
)

// ProviderRateLimit configures one provider's token endpoint ceiling.
type ProviderRateLimit struct {
	RequestsPerHour int
	Burst           int
}

// TokenRefreshServiceOptions groups dependencies for TokenRefreshService.
type TokenRefreshServiceOptions struct {
	Integrations core.IntegrationRepository // Required: integration persistence
	OAuth        core.OAuthClient           // Required: provider token endpoint client
	Cipher       core.TokenCipher           // Required: token encryption at rest
	FastStore    core.FastResultStore       // Required: cross-process refresh locks
	Metrics      statsd.Sink                // Optional: refresh metric emission
	Clock        data.TimeProvider          // Optional: defaults to real time
	Logger       *slog.Logger               // Optional: structured logger

	ExpiryBuffer  time.Duration                        // Optional: refresh lead time, default 5m
	MaxConcurrent int64                                // Optional: bulk refresh concurrency, default 10
	ScanLimit     int                                  // Optional: integrations loaded per bulk pass, default 500
	RateLimits    map[model.Provider]ProviderRateLimit // Optional: per-provider ceilings
}

// TokenRefreshService keeps stored OAuth tokens fresh.
//
// Refreshes are deduplicated twice: an in-process singleflight group collapses
// concurrent calls for the same integration, and a fast-tier lock keeps two
// processes from refreshing the same integration simultaneously. Provider
// calls pass through per-provider token-bucket limiters so a burst of expiring
// integrations cannot hammer one token endpoint.
type TokenRefreshService struct {
	integrations core.IntegrationRepository
	oauth        core.OAuthClient
	cipher       core.TokenCipher
	fastStore    core.FastResultStore
	metrics      statsd.Sink
	clock        data.TimeProvider
	logger       *slog.Logger

	expiryBuffer  time.Duration
	maxConcurrent int64
	scanLimit     int
	limiters      map[model.Provider]*rate.Limiter

	group singleflight.Group
}

// NewTokenRefreshService constructs a new TokenRefreshService.
func NewTokenRefreshService(opts TokenRefreshServiceOptions) (*TokenRefreshService, error) {
	if opts.Integrations == nil {
		return nil, errors.New("IntegrationRepository is required")
	}
	if opts.OAuth == nil {
		return nil, errors.New("OAuthClient is required")
	}
	if opts.Cipher == nil {
		return nil, errors.New("TokenCipher is required")
	}
	if opts.FastStore == nil {
		return nil, errors.New("FastResultStore is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	buffer := opts.ExpiryBuffer
	if buffer <= 0 {
		buffer = model.DefaultExpiryBuffer
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	scanLimit := opts.ScanLimit
	if scanLimit <= 0 {
		scanLimit = 500
	}

	limiters := make(map[model.Provider]*rate.Limiter, len(opts.RateLimits))
	for provider, limit := range opts.RateLimits {
		if limit.RequestsPerHour <= 0 {
			continue
		}
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		perSecond := rate.Limit(float64(limit.RequestsPerHour) / 3600.0)
		limiters[provider] = rate.NewLimiter(perSecond, burst)
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "token_refresh_service")
	}

	return &TokenRefreshService{
		integrations:  opts.Integrations,
		oauth:         opts.OAuth,
		cipher:        opts.Cipher,
		fastStore:     opts.FastStore,
		metrics:       opts.Metrics,
		clock:         clock,
		logger:        logger,
		expiryBuffer:  buffer,
		maxConcurrent: maxConcurrent,
		scanLimit:     scanLimit,
		limiters:      limiters,
	}, nil
}

// MustNewTokenRefreshService constructs a new TokenRefreshService and panics on error.
func MustNewTokenRefreshService(opts TokenRefreshServiceOptions) *TokenRefreshService {
	svc, err := NewTokenRefreshService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create TokenRefreshService: %v", err))
	}
	return svc
}

// RefreshIntegration refreshes one integration's tokens if they are due.
// Concurrent calls for the same integration share a single refresh. With
// force set the expiry check is skipped and the token is refreshed now.
func (s *TokenRefreshService) RefreshIntegration(ctx context.Context, integrationID string, force bool) model.RefreshResult {
	key := integrationID
	if force {
		// Forced refreshes must not collapse into an in-flight expiry check
		// that would skip the provider call.
		key += ":force"
	}
	v, _, _ := s.group.Do(key, func() (any, error) {
		return s.refreshOne(ctx, integrationID, force), nil
	})
	result, ok := v.(model.RefreshResult)
	if !ok {
		return model.RefreshResult{Outcome: model.RefreshFailed, Error: "internal: unexpected singleflight value"}
	}
	return result
}

func (s *TokenRefreshService) refreshOne(ctx context.Context, integrationID string, force bool) model.RefreshResult {
	start := s.clock.Now()

	integration, err := s.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return s.finish(integration, model.RefreshResult{
			Outcome: model.RefreshFailed,
			Error:   fmt.Sprintf("load integration: %v", err),
		}, start, err)
	}

	now := s.clock.Now()

	if integration.IsRateLimited(now) {
		return s.finish(integration, model.RefreshResult{
			Outcome: model.RefreshRateLimited,
			Error:   fmt.Sprintf("deferred until %s", integration.RetryAfter.Format(time.RFC3339)),
		}, start, nil)
	}

	// The expiry skip precedes the refresh-token check: a healthy integration
	// without a refresh token is left untouched until its token actually
	// nears expiry.
	if !force && !integration.IsTokenExpiringSoon(now, s.expiryBuffer) {
		return s.finish(integration, model.RefreshResult{Outcome: model.RefreshSuccess}, start, nil)
	}

	if !integration.HasRefreshToken() {
		// Without a refresh token the access token cannot be renewed; mark
		// the integration expired so the UI prompts a re-connect.
		if integration.Status == model.IntegrationStatusConnected {
			integration.Status = model.IntegrationStatusExpired
			s.updateIntegration(ctx, integration)
		}
		return s.finish(integration, model.RefreshResult{
			Outcome: model.RefreshNoRefreshToken,
			Error:   "no refresh token stored",
		}, start, nil)
	}

	lockName := "token_refresh:" + integrationID
	acquired, err := s.fastStore.AcquireLock(ctx, lockName, refreshLockTTL)
	if err != nil {
		return s.finish(integration, model.RefreshResult{
			Outcome: model.RefreshFailed,
			Error:   fmt.Sprintf("acquire refresh lock: %v", err),
		}, start, err)
	}
	if !acquired {
		// Another process holds the refresh; treat as handled.
		return s.finish(integration, model.RefreshResult{Outcome: model.RefreshSuccess}, start, nil)
	}
	defer func() {
		if err := s.fastStore.ReleaseLock(ctx, lockName); err != nil && !errors.Is(err, data.ErrLockNotHeld) {
			if s.logger != nil {
				s.logger.WarnContext(ctx, "failed to release refresh lock",
					"integration_id", integrationID, "error", err)
			}
		}
	}()

	if limiter := s.limiters[integration.Provider]; limiter != nil && !limiter.Allow() {
		return s.finish(integration, model.RefreshResult{
			Outcome: model.RefreshRateLimited,
			Error:   fmt.Sprintf("local %s rate ceiling reached", integration.Provider),
		}, start, nil)
	}

	refreshToken, err := s.cipher.Decrypt(*integration.RefreshTokenEncrypted)
	if err != nil {
		return s.finish(integration, model.RefreshResult{
			Outcome: model.RefreshFailed,
			Error:   fmt.Sprintf("decrypt refresh token: %v", err),
		}, start, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, refreshCallTimeout)
	tokens, err := s.oauth.Refresh(callCtx, integration.Provider, string(refreshToken))
	cancel()

	if err != nil {
		result := s.applyRefreshError(integration, err, now)
		s.updateIntegration(ctx, integration)
		return s.finish(integration, result, start, err)
	}

	if applyErr := s.applyNewTokens(integration, tokens, now); applyErr != nil {
		return s.finish(integration, model.RefreshResult{
			Outcome: model.RefreshFailed,
			Error:   applyErr.Error(),
		}, start, applyErr)
	}
	s.updateIntegration(ctx, integration)

	if s.logger != nil {
		s.logger.InfoContext(ctx, "token refreshed",
			"integration_id", integrationID,
			"provider", integration.Provider,
			"expires_at", tokens.ExpiresAt,
		)
	}
	return s.finish(integration, model.RefreshResult{Outcome: model.RefreshSuccess}, start, nil)
}

// applyNewTokens encrypts and stores a successful refresh response.
func (s *TokenRefreshService) applyNewTokens(integration *model.Integration, tokens *model.TokenSet, now time.Time) error {
	accessCT, err := s.cipher.Encrypt([]byte(tokens.AccessToken))
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	integration.AccessTokenEncrypted = &accessCT

	// Providers that rotate refresh tokens return a new one; providers that
	// don't leave it empty and the stored token stays valid.
	if tokens.RefreshToken != "" {
		refreshCT, err := s.cipher.Encrypt([]byte(tokens.RefreshToken))
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		integration.RefreshTokenEncrypted = &refreshCT
	}

	if !tokens.ExpiresAt.IsZero() {
		t := tokens.ExpiresAt
		integration.TokenExpiresAt = &t
	}
	integration.Status = model.IntegrationStatusConnected
	integration.ErrorCount = 0
	integration.ErrorMessage = nil
	integration.RetryAfter = nil
	refreshedAt := now
	integration.LastRefreshedAt = &refreshedAt
	return nil
}

// applyRefreshError maps a provider failure onto integration state and an outcome.
func (s *TokenRefreshService) applyRefreshError(integration *model.Integration, err error, now time.Time) model.RefreshResult {
	msg := err.Error()
	integration.ErrorMessage = &msg

	var rateErr *core.RateLimitError
	switch {
	case errors.Is(err, core.ErrTokenRevoked):
		// The only path that clears stored tokens: they are dead at the
		// provider and keeping ciphertext around only invites reuse bugs.
		integration.Status = model.IntegrationStatusRevoked
		integration.AccessTokenEncrypted = nil
		integration.RefreshTokenEncrypted = nil
		integration.TokenExpiresAt = nil
		integration.RetryAfter = nil
		return model.RefreshResult{Outcome: model.RefreshRevoked, Error: msg}

	case errors.As(err, &rateErr):
		retryAt := now.Add(rateErr.RetryAfter)
		integration.RetryAfter = &retryAt
		return model.RefreshResult{Outcome: model.RefreshRateLimited, Error: msg}

	default:
		integration.Status = model.IntegrationStatusError
		integration.ErrorCount++
		retryAt := now.Add(providerBackoff(integration.ErrorCount))
		integration.RetryAfter = &retryAt

		var providerErr *core.ProviderError
		if errors.As(err, &providerErr) {
			return model.RefreshResult{Outcome: model.RefreshProviderError, Error: msg}
		}
		return model.RefreshResult{Outcome: model.RefreshFailed, Error: msg}
	}
}

// providerBackoff returns the retry delay after errorCount consecutive errors.
func providerBackoff(errorCount int) time.Duration {
	if errorCount > 6 {
		return providerBackoffMax
	}
	delay := providerBackoffBase * time.Duration(1<<uint(errorCount))
	if delay > providerBackoffMax {
		return providerBackoffMax
	}
	return delay
}

func (s *TokenRefreshService) updateIntegration(ctx context.Context, integration *model.Integration) {
	if err := s.integrations.Update(ctx, integration); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to persist integration state",
				"integration_id", integration.ID, "error", err)
		}
	}
}

func (s *TokenRefreshService) finish(
	integration *model.Integration,
	result model.RefreshResult,
	start time.Time,
	err error,
) model.RefreshResult {
	provider := ""
	if integration != nil {
		provider = string(integration.Provider)
	}
	metrics.EmitTokenRefresh(s.metrics, metrics.RefreshMetric{
		Provider: provider,
		Outcome:  string(result.Outcome),
		Duration: s.clock.Now().Sub(start),
		Err:      err,
	})
	return result
}

// RefreshExpiringTokens refreshes every integration whose token expires within
// the buffer, with bounded concurrency, and returns per-outcome counts.
func (s *TokenRefreshService) RefreshExpiringTokens(ctx context.Context) (*model.RefreshSummary, error) {
	now := s.clock.Now()
	expiring, err := s.integrations.ListExpiring(ctx, core.ListExpiringParams{
		Cutoff: now.Add(s.expiryBuffer),
		Now:    now,
		Limit:  s.scanLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("list expiring integrations: %w", err)
	}

	summary := &model.RefreshSummary{Total: len(expiring)}
	if len(expiring) == 0 {
		return summary, nil
	}

	var (
		mu  sync.Mutex
		sem = semaphore.NewWeighted(s.maxConcurrent)
	)
	group, groupCtx := errgroup.WithContext(ctx)

	for _, integration := range expiring {
		if err := sem.Acquire(groupCtx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)

			result := s.RefreshIntegration(groupCtx, integration.ID, false)
			mu.Lock()
			summary.Record(result.Outcome)
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return summary, err
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "bulk token refresh finished",
			"total", summary.Total,
			"success", summary.Success,
			"failed", summary.Failed,
			"rate_limited", summary.RateLimited,
			"revoked", summary.Revoked,
		)
	}
	return summary, nil
}

// RefreshUserTokens refreshes all of one user's refreshable integrations and
// returns results keyed by integration id, since a user may hold several
// integrations for the same provider. Refreshes run sequentially: per-user
// counts are small and each failure stays isolated.
func (s *TokenRefreshService) RefreshUserTokens(ctx context.Context, userID string, force bool) (map[string]model.RefreshResult, error) {
	integrations, err := s.integrations.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list user integrations: %w", err)
	}

	results := make(map[string]model.RefreshResult, len(integrations))
	for _, integration := range integrations {
		results[integration.ID] = s.RefreshIntegration(ctx, integration.ID, force)
	}
	return results, nil
}

// Revoke clears an integration's stored tokens and marks it revoked, for
// example after the user disconnects the provider. Idempotent.
func (s *TokenRefreshService) Revoke(ctx context.Context, integrationID string) error {
	integration, err := s.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return fmt.Errorf("load integration: %w", err)
	}
	if integration.Status == model.IntegrationStatusRevoked {
		return nil
	}

	integration.Status = model.IntegrationStatusRevoked
	integration.AccessTokenEncrypted = nil
	integration.RefreshTokenEncrypted = nil
	integration.TokenExpiresAt = nil
	integration.RetryAfter = nil

	if err := s.integrations.Update(ctx, integration); err != nil {
		return fmt.Errorf("persist revocation: %w", err)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "integration revoked",
			"integration_id", integrationID,
			"provider", integration.Provider,
		)
	}
	return nil
}

// Statistics summarises integration token state across the system.
func (s *TokenRefreshService) Statistics(ctx context.Context) (*model.IntegrationStatistics, error) {
	return s.integrations.Statistics(ctx)
}
