package config

// OAuthProviderConfig holds one provider's OAuth app credentials.
type OAuthProviderConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

// IsConfigured returns true when both credential halves are present.
func (p OAuthProviderConfig) IsConfigured() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// OAuthConfig groups per-provider OAuth app credentials.
// Providers without credentials are simply not refreshable; the token refresh
// service reports provider_error for their integrations.
type OAuthConfig struct {
	Google    OAuthProviderConfig `envPrefix:"OAUTH_GOOGLE_"`
	Microsoft OAuthProviderConfig `envPrefix:"OAUTH_MICROSOFT_"`
	LinkedIn  OAuthProviderConfig `envPrefix:"OAUTH_LINKEDIN_"`
	GitHub    OAuthProviderConfig `envPrefix:"OAUTH_GITHUB_"`
}

// HasAnyProvider returns true when at least one provider is fully configured.
func (c OAuthConfig) HasAnyProvider() bool {
	return c.Google.IsConfigured() || c.Microsoft.IsConfigured() ||
		c.LinkedIn.IsConfigured() || c.GitHub.IsConfigured()
}
