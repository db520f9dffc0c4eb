package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Database and Redis configuration
//   - services.go: Service mode, worker, monitor, and refresh configuration
//   - observability.go: Metrics configuration
type AppConfig struct {
	// IsDev controls development mode behavior.
	// Set DEV=true for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// TokenEncryptionKey is the AES-256 key (base64, 32 bytes decoded) used to
	// encrypt OAuth tokens at rest. Required for production.
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Services is a comma-delimited list of enabled services.
	Services string `env:"SERVICES" envDefault:"worker"`

	// Worker pool configuration
	Worker WorkerConfig

	// Job monitor configuration
	Monitor MonitorConfig

	// Token refresh configuration
	TokenRefresh TokenRefreshConfig

	// Result store configuration
	ResultStore ResultStoreConfig

	// Beat (periodic trigger) configuration
	Beat BeatConfig

	// OAuth provider credentials for token refresh
	OAuth OAuthConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Worker.Sanitize()
	c.Monitor.Sanitize()
	c.TokenRefresh.Sanitize()
	c.ResultStore.Sanitize()
	c.Beat.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// detectDevMode checks both DEV and APP_ENV environment variables.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsWorkerEnabled returns true if the worker pool service is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeWorker]
}

// IsBeatEnabled returns true if the periodic trigger service is enabled.
func (c *AppConfig) IsBeatEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeBeat]
}
