package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/airhq/air-workers/internal/domain/model"
	"github.com/airhq/air-workers/internal/service"
)

// HandlerDeps groups the services backing the built-in task handlers.
type HandlerDeps struct {
	TokenRefresh *service.TokenRefreshService // Required for token_refresh
	Results      *service.ResultStoreService  // Required for data_cleanup
}

// tokenRefreshPayload is the expected payload of a token_refresh task.
type tokenRefreshPayload struct {
	IntegrationID string `json:"integration_id"`
	UserID        string `json:"user_id"`
	Force         bool   `json:"force,omitempty"`
}

// RegisterBuiltinHandlers registers the handlers this service implements
// itself. Application-level task types (syncs, notifications, AI work) are
// registered by their owning components.
func RegisterBuiltinHandlers(r *Runner, deps HandlerDeps) error {
	if deps.TokenRefresh == nil {
		return errors.New("TokenRefreshService is required")
	}
	if deps.Results == nil {
		return errors.New("ResultStoreService is required")
	}

	if err := r.Register(model.TaskTypeTokenRefresh, tokenRefreshHandler(deps.TokenRefresh)); err != nil {
		return err
	}
	return r.Register(model.TaskTypeDataCleanup, dataCleanupHandler(deps.Results))
}

// tokenRefreshHandler refreshes one integration, or all of a user's
// integrations when no integration id is given.
func tokenRefreshHandler(refresher *service.TokenRefreshService) Handler {
	return func(ctx context.Context, msg *model.TaskMessage) (json.RawMessage, error) {
		var payload tokenRefreshPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				return nil, fmt.Errorf("decode token_refresh payload: %w", err)
			}
		}

		switch {
		case payload.IntegrationID != "":
			result := refresher.RefreshIntegration(ctx, payload.IntegrationID, payload.Force)
			return refreshTaskResult(result)

		case payload.UserID != "":
			results, err := refresher.RefreshUserTokens(ctx, payload.UserID, payload.Force)
			if err != nil {
				return nil, err
			}
			return json.Marshal(results)

		default:
			return nil, errors.New("token_refresh payload needs integration_id or user_id")
		}
	}
}

// refreshTaskResult maps a refresh outcome onto the task contract: transient
// outcomes become errors so the retry machinery re-dispatches the task,
// terminal outcomes are reported as results.
func refreshTaskResult(result model.RefreshResult) (json.RawMessage, error) {
	switch result.Outcome {
	case model.RefreshSuccess, model.RefreshNoRefreshToken, model.RefreshRevoked:
		return json.Marshal(result)
	default:
		return nil, fmt.Errorf("token refresh %s: %s", result.Outcome, result.Error)
	}
}

// dataCleanupHandler runs a retention cleanup pass over the durable tier.
func dataCleanupHandler(results *service.ResultStoreService) Handler {
	return func(ctx context.Context, _ *model.TaskMessage) (json.RawMessage, error) {
		stats, err := results.CleanupOldResults(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(stats)
	}
}
