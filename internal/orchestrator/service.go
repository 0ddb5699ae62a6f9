// Package orchestrator assembles the instance lifecycle service: it submits
// lifecycle operations as jobs, serializes them per resource key and exposes
// job polling.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/bootstrap"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/config"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/db"
	orchevents "github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/events"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/identity"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/instance"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/jobs"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/provider"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/remote"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/serializer"
	"github.com/chiquitav2/vnas-orchestrator/pkg/crypto"
	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	"github.com/chiquitav2/vnas-orchestrator/pkg/events"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

const defaultShutdownTimeout = 30 * time.Second

// JobView is what a poller sees of a job.
type JobView struct {
	Status jobs.Status `json:"status"`
	Result any         `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Service coordinates the lifecycle components and manages their lifecycle.
type Service struct {
	config *config.Config
	logger *applogger.Logger

	// Component instances for cleanup
	store     *db.Store
	publisher *orchevents.EventPublisher
	anomalies *orchevents.AnomalyReporter

	provider   instance.Provider
	breaker    *provider.CircuitBreaker
	serializer *serializer.Serializer
	tracker    *jobs.Tracker

	mu      sync.RWMutex
	stopped bool
}

// NewService creates a Service and initializes all components in dependency order.
func NewService(cfg *config.Config, logger *applogger.Logger) (*Service, error) {
	s := &Service{
		config: cfg,
		logger: logger.WithComponent("service"),
	}

	if err := s.initializeComponents(logger); err != nil {
		_ = s.closeComponents()
		return nil, fmt.Errorf("failed to initialize service components: %w", err)
	}

	return s, nil
}

// NewServiceWithProvider creates a Service around an already assembled
// backend. No key store is opened; identity handling is the backend's concern.
func NewServiceWithProvider(cfg *config.Config, p instance.Provider, logger *applogger.Logger) (*Service, error) {
	s := &Service{
		config:   cfg,
		logger:   logger.WithComponent("service"),
		provider: p,
	}
	if err := s.initializeEvents(logger); err != nil {
		_ = s.closeComponents()
		return nil, err
	}
	s.initializeExecution(logger)
	return s, nil
}

// initializeComponents creates and wires all service components in dependency order.
func (s *Service) initializeComponents(logger *applogger.Logger) error {
	s.logger.Info("initializing service components")

	// 1. Key store (foundational dependency)
	s.logger.Debug("initializing key store")
	storeConfig := db.DefaultConfig()
	storeConfig.Path = s.config.KeyStore.Path
	store, err := db.NewStore(storeConfig, logger)
	if err != nil {
		return err
	}
	s.store = store
	s.logger.Debug("key store initialized successfully")

	// 2. Identity binder (depends on key store)
	s.logger.Debug("initializing identity binder")
	registry := identity.NewRegistryClient(identity.RegistryClientConfig{
		URL:      s.config.Registry.URL,
		APIKey:   s.config.Registry.APIKey,
		Timeout:  s.config.Registry.Timeout,
		RetryMax: s.config.Registry.RetryMax,
	}, logger)
	binder := identity.NewBinder(registry, db.NewKeyStore(s.store), crypto.Signer{}, s.config.Registry.IdentitySuffix, logger)
	s.logger.Debug("identity binder initialized successfully")

	// 3. Event bus and anomaly reporting
	s.logger.Debug("initializing event bus")
	if err := s.initializeEvents(logger); err != nil {
		return err
	}
	s.logger.Debug("event bus initialized successfully")

	// 4. Remote automation and bootstrap
	s.logger.Debug("initializing bootstrapper")
	dialer := remote.NewSSHDialer(s.config.SSH.DialTimeout, logger)
	sessionOpts := []remote.Option{remote.WithRetryPolicy(remote.RetryPolicy{
		Attempts:  s.config.SSH.ConnectAttempts,
		BaseDelay: s.config.SSH.ConnectBaseDelay,
	})}
	boot, err := bootstrap.NewBootstrapper(bootstrap.Config{
		RemoteFolder:   s.config.Bootstrap.RemoteFolder,
		AssetsDir:      s.config.Bootstrap.AssetsDir,
		PasswordLength: s.config.Bootstrap.PasswordLength,
	}, dialer, logger, bootstrap.WithSessionOptions(sessionOpts...))
	if err != nil {
		return err
	}
	s.logger.Debug("bootstrapper initialized successfully")

	// 5. Provider with circuit breaker (depends on binder, bootstrapper, events)
	s.logger.Debug("initializing provider", "type", s.config.Provider.Type)
	breaker, err := provider.New(s.config, provider.Dependencies{
		Binder:         binder,
		Bootstrapper:   boot,
		Dialer:         dialer,
		Anomalies:      s.publisher.Instances,
		SessionOptions: sessionOpts,
	}, logger)
	if err != nil {
		return err
	}
	s.breaker = breaker
	s.provider = breaker
	s.logger.Debug("provider initialized successfully")

	// 6. Serializer and job tracker
	s.initializeExecution(logger)

	s.logger.Info("all service components initialized successfully")
	return nil
}

func (s *Service) initializeEvents(logger *applogger.Logger) error {
	bus := events.NewGookitEventBus("vnas-orchestrator", logger)
	s.publisher = orchevents.NewEventPublisher(bus)

	reporter, err := orchevents.NewAnomalyReporter(bus, orchevents.NewLogNotifier(logger))
	if err != nil {
		return err
	}
	s.anomalies = reporter
	return nil
}

func (s *Service) initializeExecution(logger *applogger.Logger) {
	s.serializer = serializer.New()
	s.tracker = jobs.NewTracker(s.config.Jobs.Retention, s.publisher.Jobs, logger)
}

// Submit validates the request and starts kind as a background job for key.
// Operations for the same key run one at a time in submission order.
func (s *Service) Submit(ctx context.Context, kind jobs.Kind, key instance.ResourceKey, opts instance.Options) (string, error) {
	if s.isStopped() {
		return "", apperrors.NewSystemError(apperrors.ErrCodeInternal, "service is stopped", false, nil)
	}
	if err := key.Validate(); err != nil {
		return "", err
	}

	var op jobs.Operation
	switch kind {
	case jobs.KindCreate:
		if err := opts.Validate(); err != nil {
			return "", err
		}
	case jobs.KindDelete, jobs.KindReboot, jobs.KindStatus:
	default:
		return "", apperrors.NewValidationError(apperrors.DomainJob, fmt.Sprintf("unknown job kind %q", kind), nil)
	}

	// The turn is taken here so same-key jobs run in submission order.
	turn := s.serializer.Enqueue(key.String())
	switch kind {
	case jobs.KindCreate:
		op = func(ctx context.Context) (any, error) {
			return serializer.Within(turn, func() (*instance.Information, error) {
				return s.provider.Create(ctx, key, opts)
			})
		}
	case jobs.KindDelete:
		op = func(ctx context.Context) (any, error) {
			return serializer.Within(turn, func() (instance.Outcome, error) {
				return s.provider.Delete(ctx, key)
			})
		}
	case jobs.KindReboot:
		op = func(ctx context.Context) (any, error) {
			return serializer.Within(turn, func() (instance.Outcome, error) {
				return s.provider.Reboot(ctx, key)
			})
		}
	case jobs.KindStatus:
		op = func(ctx context.Context) (any, error) {
			return serializer.Within(turn, func() (any, error) {
				id, ok, err := s.provider.Status(ctx, key)
				if err != nil || !ok {
					return nil, err
				}
				return id, nil
			})
		}
	}

	jobID, err := s.tracker.Submit(ctx, key.String(), kind, op)
	if err != nil {
		go turn.Release()
		return "", err
	}
	s.logger.InfoContext(ctx, "job submitted", "job_id", jobID, "resource_key", key.String(), "kind", string(kind))
	return jobID, nil
}

// JobStatus returns the job's status for a poller that owns key.
func (s *Service) JobStatus(jobID string, key instance.ResourceKey) (JobView, error) {
	job, err := s.tracker.Get(jobID, key.String())
	if err != nil {
		return JobView{}, err
	}
	return JobView{Status: job.Status, Result: job.Result, Error: job.Error}, nil
}

// Status returns the backend instance id for key, or ok=false when there is none.
func (s *Service) Status(ctx context.Context, key instance.ResourceKey) (string, bool, error) {
	if err := key.Validate(); err != nil {
		return "", false, err
	}
	return s.provider.Status(ctx, key)
}

// Has reports whether a running instance exists for key.
func (s *Service) Has(ctx context.Context, key instance.ResourceKey) bool {
	if key.Validate() != nil {
		return false
	}
	return s.provider.Has(ctx, key)
}

// Health checks the key store and the backend circuit.
func (s *Service) Health(ctx context.Context) error {
	if s.isStopped() {
		return fmt.Errorf("service is stopped")
	}
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			return fmt.Errorf("key store health check failed: %w", err)
		}
	}
	if s.breaker != nil && s.breaker.State() == provider.CircuitStateOpen {
		return fmt.Errorf("backend circuit breaker is open")
	}
	return nil
}

// Metrics returns counters for health reporting.
func (s *Service) Metrics() map[string]any {
	m := map[string]any{
		"jobs":        s.tracker.Len(),
		"locked_keys": s.serializer.Len(),
	}
	if s.breaker != nil {
		m["circuit_breaker"] = s.breaker.Metrics()
	}
	return m
}

// Stop waits for running jobs, bounded by ctx, then shuts components down in
// reverse dependency order.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info("stopping orchestrator service")

	shutdownCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
	}

	var lastErr error

	s.logger.Debug("waiting for running jobs to settle")
	done := make(chan struct{})
	go func() {
		s.tracker.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Debug("all jobs settled")
	case <-shutdownCtx.Done():
		s.logger.Warn("timeout waiting for running jobs to settle")
		lastErr = shutdownCtx.Err()
	}

	if err := s.closeComponents(); err != nil {
		lastErr = err
	}

	if lastErr != nil {
		return fmt.Errorf("service shutdown completed with errors: %w", lastErr)
	}
	s.logger.Info("orchestrator service stopped successfully")
	return nil
}

func (s *Service) closeComponents() error {
	var lastErr error

	if s.tracker != nil {
		s.tracker.Stop()
	}
	if s.anomalies != nil {
		if err := s.anomalies.Close(); err != nil {
			s.logger.Error("failed to close anomaly reporter", "error", err)
			lastErr = err
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("failed to close event bus", "error", err)
			lastErr = err
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close key store", "error", err)
			lastErr = err
		}
	}
	return lastErr
}

func (s *Service) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}
