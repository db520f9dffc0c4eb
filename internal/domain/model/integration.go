package model

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies an external OAuth provider.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type Provider string

// IntegrationStatus represents the connection state of a stored integration.
type IntegrationStatus string

const (
	// ProviderGoogle is the Google OAuth provider.
	ProviderGoogle Provider = "google"
	// ProviderMicrosoft is the Microsoft OAuth provider.
	ProviderMicrosoft Provider = "microsoft"
	// ProviderLinkedIn is the LinkedIn OAuth provider.
	ProviderLinkedIn Provider = "linkedin"
	// ProviderGitHub is the GitHub OAuth provider.
	ProviderGitHub Provider = "github"

	// IntegrationStatusConnected indicates tokens are valid and usable.
	IntegrationStatusConnected IntegrationStatus = "connected"
	// IntegrationStatusError indicates the last refresh hit a transient error.
	IntegrationStatusError IntegrationStatus = "error"
	// IntegrationStatusExpired indicates tokens expired with no way to refresh.
	IntegrationStatusExpired IntegrationStatus = "expired"
	// IntegrationStatusRevoked indicates the provider rejected the refresh token.
	IntegrationStatusRevoked IntegrationStatus = "revoked"
	// IntegrationStatusDisconnected indicates the user disconnected the integration.
	IntegrationStatusDisconnected IntegrationStatus = "disconnected"
)

// DefaultExpiryBuffer is how far ahead of token expiry a refresh is considered due.
const DefaultExpiryBuffer = 5 * time.Minute

// UnmarshalText implements encoding.TextUnmarshaler for Provider.
func (p *Provider) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	pr := Provider(v)
	if pr.Valid() {
		*p = pr
		return nil
	}
	return fmt.Errorf("invalid Provider: %q", v)
}

// Valid returns true if the Provider is one of the supported providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft, ProviderLinkedIn, ProviderGitHub:
		return true
	}
	return false
}

// Valid returns true if the IntegrationStatus is valid.
func (s IntegrationStatus) Valid() bool {
	switch s {
	case IntegrationStatusConnected, IntegrationStatusError, IntegrationStatusExpired,
		IntegrationStatusRevoked, IntegrationStatusDisconnected:
		return true
	}
	return false
}

// Integration is a stored OAuth connection to an external provider.
// Token columns hold AES-GCM ciphertext; plaintext tokens only exist inside
// the token refresh service while a refresh is in flight.
type Integration struct {
	ID                    string            `json:"id"                        db:"id"`
	UserID                string            `json:"user_id"                   db:"user_id"`
	Provider              Provider          `json:"provider"                  db:"provider"`
	AccessTokenEncrypted  *string           `json:"-"                         db:"access_token_encrypted"`
	RefreshTokenEncrypted *string           `json:"-"                         db:"refresh_token_encrypted"`
	TokenExpiresAt        *time.Time        `json:"token_expires_at,omitempty" db:"token_expires_at"`
	Status                IntegrationStatus `json:"status"                    db:"status"`
	ErrorMessage          *string           `json:"error_message,omitempty"   db:"error_message"`
	ErrorCount            int               `json:"error_count"               db:"error_count"`
	RetryAfter            *time.Time        `json:"retry_after,omitempty"     db:"retry_after"`
	LastRefreshedAt       *time.Time        `json:"last_refreshed_at,omitempty" db:"last_refreshed_at"`
	CreatedAt             time.Time         `json:"created_at"                db:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"                db:"updated_at"`
}

// HasRefreshToken returns true if an encrypted refresh token is stored.
func (i *Integration) HasRefreshToken() bool {
	return i.RefreshTokenEncrypted != nil && *i.RefreshTokenEncrypted != ""
}

// IsTokenExpiringSoon reports whether the access token expires within buffer of now.
// A missing expiry is treated as expiring so a refresh re-establishes it.
func (i *Integration) IsTokenExpiringSoon(now time.Time, buffer time.Duration) bool {
	if i.TokenExpiresAt == nil {
		return true
	}
	return !i.TokenExpiresAt.After(now.Add(buffer))
}

// IsRateLimited reports whether a provider-imposed retry_after is still in the future.
func (i *Integration) IsRateLimited(now time.Time) bool {
	return i.RetryAfter != nil && i.RetryAfter.After(now)
}

// TokenSet holds plaintext OAuth tokens returned by a provider refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// IntegrationStatistics summarises integration token state across the system.
type IntegrationStatistics struct {
	StatusCounts      map[IntegrationStatus]int64 `json:"status_counts"`
	ExpiringWithin1h  int64                       `json:"expiring_within_hour"`
	WithErrors        int64                       `json:"with_errors"`
	RateLimited       int64                       `json:"rate_limited"`
	TotalIntegrations int64                       `json:"total_integrations"`
}
