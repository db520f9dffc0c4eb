package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/airhq/air-workers/config"
	"github.com/airhq/air-workers/internal/adapters/oauth"
	"github.com/airhq/air-workers/internal/core"
	"github.com/airhq/air-workers/internal/data"
	"github.com/airhq/air-workers/internal/domain/model"
	"github.com/airhq/air-workers/internal/observability/statsd"
	"github.com/airhq/air-workers/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Monitor      *service.MonitorService
	Results      *service.ResultStoreService
	TokenRefresh *service.TokenRefreshService

	Queue         core.TaskQueue
	FastStore     core.FastResultStore
	DurableStore  core.DurableResultStore
	Integrations  core.IntegrationRepository
	Registry      core.WorkerRegistry
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *pgxpool.Pool
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	FastStore    *data.RedisFastStore
	DurableStore *data.PostgresResultStore
	Integrations *data.PostgresIntegrationRepo
	Queue        *data.RedisTaskQueue
	Registry     *data.RedisWorkerRegistry
}

// buildObservability configures the metrics sink.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.Prefix,
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   metricsSink,
		MetricsConfig: cfg.Metrics,
	}
}

// buildRepositories builds data adapters backing service ports; no business rules here.
func buildRepositories(db *pgxpool.Pool, redisClient redis.UniversalClient) *serviceRepositories {
	return &serviceRepositories{
		FastStore:    data.NewRedisFastStore(redisClient),
		DurableStore: data.NewPostgresResultStore(db),
		Integrations: data.NewPostgresIntegrationRepo(db),
		Queue:        data.NewRedisTaskQueue(redisClient, data.RealTimeProvider{}),
		Registry:     data.NewRedisWorkerRegistry(redisClient),
	}
}

// buildOAuthClient assembles the provider client from configured credentials.
func buildOAuthClient(cfg config.OAuthConfig, logger *slog.Logger) (*oauth.Client, error) {
	if !cfg.HasAnyProvider() {
		return nil, errors.New("no OAuth provider credentials configured")
	}

	creds := make(map[model.Provider]oauth.ClientCredentials)
	for provider, pc := range map[model.Provider]config.OAuthProviderConfig{
		model.ProviderGoogle:    cfg.Google,
		model.ProviderMicrosoft: cfg.Microsoft,
		model.ProviderLinkedIn:  cfg.LinkedIn,
		model.ProviderGitHub:    cfg.GitHub,
	} {
		if pc.IsConfigured() {
			creds[provider] = oauth.ClientCredentials{
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
			}
		}
	}

	return oauth.NewClient(oauth.ClientOptions{
		Credentials: creds,
		Logger:      logger,
	})
}

func providerRateLimits(cfg config.TokenRefreshConfig) map[model.Provider]service.ProviderRateLimit {
	limits := make(map[model.Provider]service.ProviderRateLimit)
	for provider, limit := range cfg.RateLimits() {
		limits[provider] = service.ProviderRateLimit{
			RequestsPerHour: limit.RequestsPerHour,
			Burst:           limit.Burst,
		}
	}
	return limits
}

// NewServices wires repositories, adapters, and domain services.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service dependencies are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	observability := buildObservability(logger, cfg.Observability)
	repos := buildRepositories(deps.DB, deps.RedisClient)

	monitor, err := service.NewMonitorService(service.MonitorServiceOptions{
		FastStore:           repos.FastStore,
		DurableStore:        repos.DurableStore,
		Queue:               repos.Queue,
		Registry:            repos.Registry,
		Metrics:             observability.MetricsSink,
		Logger:              logger,
		FailureThreshold:    cfg.Monitor.FailureThreshold,
		RecoveryTimeout:     cfg.Monitor.RecoveryTimeout,
		HistoryMaxEntries:   cfg.Monitor.HistoryMaxEntries,
		DegradedFailureRate: cfg.Monitor.DegradedFailureRate,
		CriticalFailureRate: cfg.Monitor.CriticalFailureRate,
		ActiveSnapshotTTL:   cfg.Monitor.ActiveSnapshotTTL,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create monitor service: %w", err)
	}

	results, err := service.NewResultStoreService(service.ResultStoreServiceOptions{
		FastStore:        repos.FastStore,
		DurableStore:     repos.DurableStore,
		Logger:           logger,
		FastTTL:          cfg.ResultStore.FastTTL,
		DurableRetention: cfg.ResultStore.DurableRetention,
		CleanupBatchSize: cfg.ResultStore.CleanupBatchSize,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create result store service: %w", err)
	}

	cipher, err := CreateTokenCipher(cfg.TokenEncryptionKey, cfg.IsDev, logger)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create token cipher: %w", err)
	}

	oauthClient, err := buildOAuthClient(cfg.OAuth, logger)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create oauth client: %w", err)
	}

	tokenRefresh, err := service.NewTokenRefreshService(service.TokenRefreshServiceOptions{
		Integrations:  repos.Integrations,
		OAuth:         oauthClient,
		Cipher:        cipher,
		FastStore:     repos.FastStore,
		Metrics:       observability.MetricsSink,
		Logger:        logger,
		ExpiryBuffer:  cfg.TokenRefresh.ExpiryBuffer,
		MaxConcurrent: int64(cfg.TokenRefresh.MaxConcurrent),
		ScanLimit:     cfg.TokenRefresh.ScanLimit,
		RateLimits:    providerRateLimits(cfg.TokenRefresh),
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create token refresh service: %w", err)
	}

	return ServiceContainer{
		Monitor:       monitor,
		Results:       results,
		TokenRefresh:  tokenRefresh,
		Queue:         repos.Queue,
		FastStore:     repos.FastStore,
		DurableStore:  repos.DurableStore,
		Integrations:  repos.Integrations,
		Registry:      repos.Registry,
		Observability: observability,
	}, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	name string
	done <-chan struct{}
}

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

func launchBackground(deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(deps.ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-deps.ctx.Done():
			default:
				deps.logger.WarnContext(deps.ctx, "dropping background service error",
					"service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(deps.ctx, "background service started",
		"service", descriptor.name, "mode", descriptor.mode)

	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps, svc)
		if done == nil {
			continue
		}
		handles = append(handles, backgroundServiceHandle{name: svc.name, done: done})
	}

	return handles
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil || deps.cfg == nil {
		return nil
	}
	return []backgroundService{
		{
			mode: config.ServiceModeWorker,
			name: "worker pool",
			start: func(ctx context.Context) error {
				return RunWorkerPool(ctx, WorkerPoolConfig{
					Config:   deps.cfg.Config,
					Services: deps.cfg.Services,
					Logger:   deps.logger,
				})
			},
		},
		{
			mode: config.ServiceModeBeat,
			name: "beat",
			start: func(ctx context.Context) error {
				return RunBeat(ctx, BeatRunnerConfig{
					Config:   deps.cfg.Config,
					Services: deps.cfg.Services,
					Logger:   deps.logger,
				})
			},
		},
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	handles := startBackgroundServices(deps, buildBackgroundServices(deps))

	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		logger:      logger,
		backgrounds: handles,
	})
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	if count < 1 {
		return 1
	}
	return count + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services to finish.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
