// Package provider selects and assembles the instance lifecycle backend.
package provider

import (
	"fmt"
	"os"
	"strconv"

	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/bootstrap"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/config"
	orchevents "github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/events"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/identity"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/instance"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/provider/cloud"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/provider/hypervisor"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/remote"
	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

// Dependencies are the collaborators shared by every backend.
type Dependencies struct {
	Binder       *identity.Binder
	Bootstrapper *bootstrap.Bootstrapper
	Dialer       remote.Dialer
	Anomalies    *orchevents.InstanceEventPublisher
	// SessionOptions tune the reachability probe sessions.
	SessionOptions []remote.Option
}

// New builds the backend named by cfg.Provider.Type wrapped in a circuit breaker.
func New(cfg *config.Config, deps Dependencies, logger *applogger.Logger) (*CircuitBreaker, error) {
	if cfg == nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeConfiguration, "provider config is required", false, nil)
	}
	if deps.Binder == nil || deps.Bootstrapper == nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeConfiguration, "identity binder and bootstrapper are required", false, nil)
	}

	scopedLogger := logger.WithComponent("provider.factory")

	target, err := endpointFromKeyFile(cfg.SSH.User, cfg.SSH.Port, cfg.SSH.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	var backend instance.Provider
	switch cfg.Provider.Type {
	case config.ProviderHetzner, "":
		backend, err = newCloud(cfg, deps, target, logger)
	case config.ProviderHypervisor:
		backend, err = newHypervisor(cfg, deps, target, logger)
	default:
		return nil, apperrors.NewSystemError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("unsupported provider type: %s", cfg.Provider.Type), false, nil)
	}
	if err != nil {
		return nil, err
	}

	scopedLogger.Debug("provider assembled", "type", cfg.Provider.Type)

	return NewCircuitBreaker(backend, CircuitBreakerConfig{
		FailureThreshold: cfg.Provider.FailureThreshold,
		ResetTimeout:     cfg.Provider.ResetTimeout,
	}, logger), nil
}

func newCloud(cfg *config.Config, deps Dependencies, target remote.Endpoint, logger *applogger.Logger) (instance.Provider, error) {
	api, err := cloud.NewHetznerAPI(cloud.HetznerConfig{
		APIToken:   cfg.Hetzner.APIToken,
		ServerType: cfg.Hetzner.ServerType,
		Image:      cfg.Hetzner.Image,
		Location:   cfg.Hetzner.Location,
		SSHKeys:    cfg.Hetzner.SSHKeys,
	}, logger)
	if err != nil {
		return nil, err
	}

	opts := []cloud.Option{cloud.WithSessionOptions(deps.SessionOptions...)}
	if deps.Anomalies != nil {
		opts = append(opts, cloud.WithAnomalyPublisher(deps.Anomalies))
	}

	return cloud.NewProvider(api, deps.Binder, deps.Bootstrapper, deps.Dialer, cloud.Config{
		NamePrefix:         cfg.Provider.NamePrefix,
		AddressAttempts:    cfg.Hetzner.AddressAttempts,
		AddressInterval:    cfg.Hetzner.AddressInterval,
		RebootSettleDelay:  cfg.Reboot.SettleDelay,
		RebootAddrAttempts: cfg.Reboot.AddressAttempts,
		RebootAddrInterval: cfg.Reboot.AddressInterval,
		SSH:                target,
	}, logger, opts...), nil
}

func newHypervisor(cfg *config.Config, deps Dependencies, target remote.Endpoint, logger *applogger.Logger) (instance.Provider, error) {
	templateID, err := strconv.ParseInt(cfg.Hypervisor.TemplateVMID, 10, 64)
	if err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("hypervisor.template_vmid must be numeric, got %q", cfg.Hypervisor.TemplateVMID), false, err)
	}

	gateway, err := endpointFromKeyFile(cfg.SSH.GatewayUser, cfg.SSH.Port, cfg.SSH.GatewayPrivateKeyPath)
	if err != nil {
		return nil, err
	}

	client := hypervisor.NewClient(hypervisor.ClientConfig{
		URL:       cfg.Hypervisor.URL,
		AuthToken: cfg.Hypervisor.AuthToken,
		Timeout:   cfg.Hypervisor.Timeout,
		RetryMax:  cfg.Hypervisor.RetryMax,
	}, logger)

	var opts []hypervisor.Option
	if deps.Anomalies != nil {
		opts = append(opts, hypervisor.WithAnomalyPublisher(deps.Anomalies))
	}

	return hypervisor.NewProvider(client, deps.Binder, deps.Bootstrapper, hypervisor.Config{
		TemplateVMID:       templateID,
		VMTier:             cfg.Hypervisor.VMTier,
		PollInterval:       cfg.Hypervisor.PollInterval,
		MaxPolls:           cfg.Hypervisor.MaxPolls,
		SettleDelay:        cfg.Hypervisor.SettleDelay,
		RebootPolls:        cfg.Reboot.AddressAttempts,
		RebootPollInterval: cfg.Reboot.AddressInterval,
		SSH:                target,
		Gateway:            gateway,
	}, logger, opts...), nil
}

func endpointFromKeyFile(user string, port int, keyPath string) (remote.Endpoint, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return remote.Endpoint{}, apperrors.NewSystemError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("failed to read ssh private key %s", keyPath), false, err)
	}
	return remote.Endpoint{User: user, Port: port, PrivateKey: key}, nil
}
