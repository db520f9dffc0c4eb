package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/airhq/air-workers/internal/domain/model"
	"github.com/airhq/air-workers/internal/domain/retry"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the task worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeBeat runs the periodic trigger loop (refresh, cleanup, health).
	ServiceModeBeat ServiceMode = "beat"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeWorker, ServiceModeBeat}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeBeat:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: worker, beat)", serviceName)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains task worker pool configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// Name identifies this worker process in heartbeats and result records.
	Name string `env:"WORKER_NAME" envDefault:""`

	// PollInterval is how long a worker waits before re-scanning empty queues.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`

	// HeartbeatInterval is how often the worker refreshes its registry entry.
	HeartbeatInterval time.Duration `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"15s"`

	// MaxRetries is the default retry budget for tasks that do not set one.
	MaxRetries int `env:"WORKER_MAX_RETRIES" envDefault:"3"`

	// RetryStrategy selects the retry delay formula.
	RetryStrategy retry.Strategy `env:"WORKER_RETRY_STRATEGY" envDefault:"exponential_backoff"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.PollInterval < 100*time.Millisecond {
		w.PollInterval = 100 * time.Millisecond
	}
	if w.HeartbeatInterval < time.Second {
		w.HeartbeatInterval = time.Second
	}
	if w.MaxRetries < 0 {
		w.MaxRetries = 0
	}
	if !w.RetryStrategy.Valid() {
		w.RetryStrategy = retry.StrategyExponentialBackoff
	}
}

// MonitorConfig contains job monitor configuration.
type MonitorConfig struct {
	// FailureThreshold is the consecutive failure count that opens a circuit breaker.
	FailureThreshold int `env:"MONITOR_FAILURE_THRESHOLD" envDefault:"5"`

	// RecoveryTimeout is how long an open breaker waits before probing.
	RecoveryTimeout time.Duration `env:"MONITOR_RECOVERY_TIMEOUT" envDefault:"5m"`

	// HistoryMaxEntries caps the per-task-type completion history.
	HistoryMaxEntries int `env:"MONITOR_HISTORY_MAX_ENTRIES" envDefault:"1000"`

	// DegradedFailureRate marks overall health degraded above this failure rate.
	DegradedFailureRate float64 `env:"MONITOR_DEGRADED_FAILURE_RATE" envDefault:"0.1"`

	// CriticalFailureRate marks overall health critical above this failure rate.
	CriticalFailureRate float64 `env:"MONITOR_CRITICAL_FAILURE_RATE" envDefault:"0.5"`

	// ActiveSnapshotTTL is the fast-tier TTL for in-flight task snapshots.
	ActiveSnapshotTTL time.Duration `env:"MONITOR_ACTIVE_SNAPSHOT_TTL" envDefault:"4h"`
}

// Sanitize applies guardrails to monitor configuration values.
func (m *MonitorConfig) Sanitize() {
	if m.FailureThreshold < 1 {
		m.FailureThreshold = 1
	}
	if m.RecoveryTimeout < time.Second {
		m.RecoveryTimeout = time.Second
	}
	if m.HistoryMaxEntries < 1 {
		m.HistoryMaxEntries = 1
	}
	if m.DegradedFailureRate <= 0 || m.DegradedFailureRate >= 1 {
		m.DegradedFailureRate = 0.1
	}
	if m.CriticalFailureRate <= m.DegradedFailureRate || m.CriticalFailureRate >= 1 {
		m.CriticalFailureRate = 0.5
	}
	if m.ActiveSnapshotTTL < time.Minute {
		m.ActiveSnapshotTTL = time.Minute
	}
}

// ProviderRateLimit configures the per-provider refresh request ceiling.
type ProviderRateLimit struct {
	RequestsPerHour int
	Burst           int
}

// TokenRefreshConfig contains token refresh service configuration.
type TokenRefreshConfig struct {
	// ExpiryBuffer is how far ahead of token expiry a refresh is considered due.
	ExpiryBuffer time.Duration `env:"TOKEN_REFRESH_EXPIRY_BUFFER" envDefault:"5m"`

	// MaxConcurrent caps simultaneous provider calls during a bulk refresh.
	MaxConcurrent int `env:"TOKEN_REFRESH_MAX_CONCURRENT" envDefault:"10"`

	// ScanLimit caps how many expiring integrations one bulk pass loads.
	ScanLimit int `env:"TOKEN_REFRESH_SCAN_LIMIT" envDefault:"500"`

	// GoogleRequestsPerHour is the Google token endpoint ceiling.
	GoogleRequestsPerHour int `env:"TOKEN_REFRESH_GOOGLE_RPH" envDefault:"100"`
	// MicrosoftRequestsPerHour is the Microsoft token endpoint ceiling.
	MicrosoftRequestsPerHour int `env:"TOKEN_REFRESH_MICROSOFT_RPH" envDefault:"100"`
	// LinkedInRequestsPerHour is the LinkedIn token endpoint ceiling.
	LinkedInRequestsPerHour int `env:"TOKEN_REFRESH_LINKEDIN_RPH" envDefault:"50"`
	// GitHubRequestsPerHour is the GitHub token endpoint ceiling.
	GitHubRequestsPerHour int `env:"TOKEN_REFRESH_GITHUB_RPH" envDefault:"100"`
}

// Sanitize applies guardrails to token refresh configuration values.
func (t *TokenRefreshConfig) Sanitize() {
	if t.ExpiryBuffer < time.Minute {
		t.ExpiryBuffer = time.Minute
	}
	if t.MaxConcurrent < 1 {
		t.MaxConcurrent = 1
	}
	if t.ScanLimit < 1 {
		t.ScanLimit = 1
	}
	for _, rph := range []*int{
		&t.GoogleRequestsPerHour,
		&t.MicrosoftRequestsPerHour,
		&t.LinkedInRequestsPerHour,
		&t.GitHubRequestsPerHour,
	} {
		if *rph < 1 {
			*rph = 1
		}
	}
}

// RateLimits returns the per-provider ceilings keyed by provider.
func (t *TokenRefreshConfig) RateLimits() map[model.Provider]ProviderRateLimit {
	return map[model.Provider]ProviderRateLimit{
		model.ProviderGoogle:    {RequestsPerHour: t.GoogleRequestsPerHour, Burst: 10},
		model.ProviderMicrosoft: {RequestsPerHour: t.MicrosoftRequestsPerHour, Burst: 10},
		model.ProviderLinkedIn:  {RequestsPerHour: t.LinkedInRequestsPerHour, Burst: 5},
		model.ProviderGitHub:    {RequestsPerHour: t.GitHubRequestsPerHour, Burst: 10},
	}
}

// ResultStoreConfig contains job result store configuration.
type ResultStoreConfig struct {
	// FastTTL is the fast-tier retention for completed results.
	FastTTL time.Duration `env:"RESULT_STORE_FAST_TTL" envDefault:"168h"` // 7 days

	// DurableRetention is the durable-tier retention horizon.
	DurableRetention time.Duration `env:"RESULT_STORE_DURABLE_RETENTION" envDefault:"720h"` // 30 days

	// CleanupBatchSize is the maximum rows deleted per cleanup query.
	// Batching prevents long locks and I/O spikes on large tables.
	CleanupBatchSize int `env:"RESULT_STORE_CLEANUP_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to result store configuration values.
func (r *ResultStoreConfig) Sanitize() {
	if r.FastTTL < time.Hour {
		r.FastTTL = time.Hour
	}
	if r.DurableRetention < 24*time.Hour {
		r.DurableRetention = 24 * time.Hour
	}
	if r.CleanupBatchSize < 1 {
		r.CleanupBatchSize = 1
	}
	if r.CleanupBatchSize > 10000 {
		r.CleanupBatchSize = 10000
	}
}

// BeatConfig contains periodic trigger configuration.
type BeatConfig struct {
	// RefreshInterval is how often expiring tokens are bulk-refreshed.
	RefreshInterval time.Duration `env:"BEAT_REFRESH_INTERVAL" envDefault:"5m"`

	// CleanupInterval is how often retention cleanup and the orphan sweep run.
	CleanupInterval time.Duration `env:"BEAT_CLEANUP_INTERVAL" envDefault:"1h"`

	// HealthInterval is how often the aggregate health check runs.
	HealthInterval time.Duration `env:"BEAT_HEALTH_INTERVAL" envDefault:"30m"`
}

// Sanitize applies guardrails to beat configuration values.
func (b *BeatConfig) Sanitize() {
	if b.RefreshInterval < time.Minute {
		b.RefreshInterval = time.Minute
	}
	if b.CleanupInterval < 5*time.Minute {
		b.CleanupInterval = 5 * time.Minute
	}
	if b.HealthInterval < time.Minute {
		b.HealthInterval = time.Minute
	}
}
