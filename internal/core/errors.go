package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrIntegrationNotFound is returned when no integration exists for an id.
var ErrIntegrationNotFound = errors.New("integration not found")

// ErrResultNotFound is returned when neither storage tier holds a result.
var ErrResultNotFound = errors.New("job result not found")

// ErrStaleIntegration is returned when an optimistic-concurrency update lost
// the race against a concurrent writer.
var ErrStaleIntegration = errors.New("integration was modified concurrently")

// ErrTokenRevoked indicates the provider rejected the refresh token as
// invalid, expired, or revoked. Terminal until the user re-authorizes.
var ErrTokenRevoked = errors.New("refresh token revoked or expired")

// RateLimitError indicates the provider throttled the refresh call.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("provider %s rate limited, retry after %s", e.Provider, e.RetryAfter)
}

// ProviderError indicates a transient provider-side failure.
type ProviderError struct {
	Provider string
	Code     string
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider %s error %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("provider %s error: %s", e.Provider, e.Message)
}
