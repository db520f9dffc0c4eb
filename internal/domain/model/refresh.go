package model

// RefreshOutcome classifies the result of a single token refresh attempt.
// Outcomes are returned as values, never raised as errors, so callers branch
// without exception handling.
type RefreshOutcome string

const (
	// RefreshSuccess indicates new tokens were stored (or no refresh was needed).
	RefreshSuccess RefreshOutcome = "success"
	// RefreshFailed indicates an unexpected error outside the provider taxonomy.
	RefreshFailed RefreshOutcome = "failed"
	// RefreshNoRefreshToken indicates the integration has no refresh token stored.
	RefreshNoRefreshToken RefreshOutcome = "no_refresh_token"
	// RefreshProviderError indicates a transient provider-side failure.
	RefreshProviderError RefreshOutcome = "provider_error"
	// RefreshRateLimited indicates the attempt was deferred, not sent.
	RefreshRateLimited RefreshOutcome = "rate_limited"
	// RefreshRevoked indicates the provider rejected the refresh token as invalid.
	RefreshRevoked RefreshOutcome = "revoked"
)

// RefreshResult pairs an outcome with an optional human-readable error.
type RefreshResult struct {
	Outcome RefreshOutcome `json:"outcome"`
	Error   string         `json:"error,omitempty"`
}

// RefreshSummary aggregates per-outcome counts from a bulk refresh pass.
type RefreshSummary struct {
	Total          int `json:"total"`
	Success        int `json:"success"`
	Failed         int `json:"failed"`
	NoRefreshToken int `json:"no_refresh_token"`
	ProviderError  int `json:"provider_error"`
	RateLimited    int `json:"rate_limited"`
	Revoked        int `json:"revoked"`
}

// Record increments the summary counter matching the given outcome.
func (s *RefreshSummary) Record(outcome RefreshOutcome) {
	switch outcome {
	case RefreshSuccess:
		s.Success++
	case RefreshFailed:
		s.Failed++
	case RefreshNoRefreshToken:
		s.NoRefreshToken++
	case RefreshProviderError:
		s.ProviderError++
	case RefreshRateLimited:
		s.RateLimited++
	case RefreshRevoked:
		s.Revoked++
	}
}
