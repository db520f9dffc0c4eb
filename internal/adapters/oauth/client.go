// Package oauth implements the provider-side token refresh client.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/airhq/air-workers/internal/core"
	"github.com/airhq/air-workers/internal/domain/model"
)

const defaultRateLimitRetryAfter = 5 * time.Minute

// Issuers for providers that publish OIDC discovery documents. Their token
// endpoints are resolved from discovery instead of being hard-coded.
var oidcIssuers = map[model.Provider]string{
	model.ProviderGoogle:    "https://accounts.google.com",
	model.ProviderMicrosoft: "https://login.microsoftonline.com/common/v2.0",
}

// Static token endpoints for providers without OIDC discovery.
var staticEndpoints = map[model.Provider]oauth2.Endpoint{
	model.ProviderLinkedIn: {
		AuthURL:  "https://www.linkedin.com/oauth/v2/authorization",
		TokenURL: "https://www.linkedin.com/oauth/v2/accessToken",
	},
	model.ProviderGitHub: {
		AuthURL:  "https://github.com/login/oauth/authorize",
		TokenURL: "https://github.com/login/oauth/access_token",
	},
}

// ClientCredentials holds one provider's OAuth app credentials.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// ClientOptions groups dependencies for Client.
type ClientOptions struct {
	Credentials map[model.Provider]ClientCredentials // Required: at least one provider
	HTTPClient  *http.Client                         // Optional: defaults to a 30s-timeout client
	Logger      *slog.Logger                         // Optional: structured logger
}

// Client implements the core.OAuthClient interface on top of golang.org/x/oauth2.
// OIDC-capable providers get their token endpoints from discovery, fetched
// once per provider and cached for the life of the client.
type Client struct {
	credentials map[model.Provider]ClientCredentials
	httpClient  *http.Client
	logger      *slog.Logger

	mu        sync.Mutex
	endpoints map[model.Provider]oauth2.Endpoint
}

var _ core.OAuthClient = (*Client)(nil)

// NewClient constructs a new Client.
func NewClient(opts ClientOptions) (*Client, error) {
	if len(opts.Credentials) == 0 {
		return nil, errors.New("at least one provider credential is required")
	}
	for provider, creds := range opts.Credentials {
		if !provider.Valid() {
			return nil, fmt.Errorf("unknown provider: %q", provider)
		}
		if creds.ClientID == "" || creds.ClientSecret == "" {
			return nil, fmt.Errorf("provider %s: client id and secret are required", provider)
		}
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "oauth_client")
	}

	return &Client{
		credentials: opts.Credentials,
		httpClient:  httpClient,
		logger:      logger,
		endpoints:   make(map[model.Provider]oauth2.Endpoint),
	}, nil
}

// Refresh exchanges a refresh token for a fresh token set.
func (c *Client) Refresh(ctx context.Context, provider model.Provider, refreshToken string) (*model.TokenSet, error) {
	creds, ok := c.credentials[provider]
	if !ok {
		return nil, fmt.Errorf("no credentials configured for provider %s", provider)
	}
	if refreshToken == "" {
		return nil, errors.New("refresh token cannot be empty")
	}

	endpoint, err := c.endpointFor(ctx, provider)
	if err != nil {
		return nil, err
	}

	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     endpoint,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, c.mapError(provider, err)
	}

	set := &model.TokenSet{
		AccessToken: token.AccessToken,
		ExpiresAt:   token.Expiry,
	}
	// Only surface a rotated refresh token; an unchanged one means the
	// provider does not rotate and the stored token stays valid.
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		set.RefreshToken = token.RefreshToken
	}
	return set, nil
}

// endpointFor resolves a provider's token endpoint, via OIDC discovery when
// the provider supports it.
func (c *Client) endpointFor(ctx context.Context, provider model.Provider) (oauth2.Endpoint, error) {
	c.mu.Lock()
	if endpoint, ok := c.endpoints[provider]; ok {
		c.mu.Unlock()
		return endpoint, nil
	}
	c.mu.Unlock()

	if endpoint, ok := staticEndpoints[provider]; ok {
		c.cacheEndpoint(provider, endpoint)
		return endpoint, nil
	}

	issuer, ok := oidcIssuers[provider]
	if !ok {
		return oauth2.Endpoint{}, fmt.Errorf("no token endpoint known for provider %s", provider)
	}

	discoveryCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	op, err := gooidc.NewProvider(discoveryCtx, issuer)
	if err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("oidc discovery for %s: %w", provider, err)
	}

	endpoint := op.Endpoint()
	c.cacheEndpoint(provider, endpoint)
	if c.logger != nil {
		c.logger.DebugContext(ctx, "resolved token endpoint from discovery",
			"provider", provider, "token_url", endpoint.TokenURL)
	}
	return endpoint, nil
}

func (c *Client) cacheEndpoint(provider model.Provider, endpoint oauth2.Endpoint) {
	c.mu.Lock()
	c.endpoints[provider] = endpoint
	c.mu.Unlock()
}

// mapError converts oauth2 transport errors into the typed error taxonomy the
// token refresh service branches on.
func (c *Client) mapError(provider model.Provider, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return &core.ProviderError{Provider: string(provider), Message: err.Error()}
	}

	switch {
	case retrieveErr.ErrorCode == "invalid_grant":
		// The refresh token itself is dead; retrying cannot help.
		return fmt.Errorf("refresh %s token: %w", provider, core.ErrTokenRevoked)

	case retrieveErr.Response != nil && retrieveErr.Response.StatusCode == http.StatusTooManyRequests:
		return &core.RateLimitError{
			Provider:   string(provider),
			RetryAfter: retryAfterFrom(retrieveErr.Response),
		}

	default:
		return &core.ProviderError{
			Provider: string(provider),
			Code:     retrieveErr.ErrorCode,
			Message:  retrieveErr.ErrorDescription,
		}
	}
}

// retryAfterFrom parses a Retry-After header in seconds, with a fallback.
func retryAfterFrom(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultRateLimitRetryAfter
}
