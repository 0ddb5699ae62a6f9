package provider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/bootstrap"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/config"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/identity"
	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

func testDependencies(t *testing.T) Dependencies {
	t.Helper()
	log := applogger.NewNop()
	boot, err := bootstrap.NewBootstrapper(bootstrap.Config{}, nil, log)
	require.NoError(t, err)
	return Dependencies{
		Binder:       identity.NewBinder(nil, nil, nil, "", log),
		Bootstrapper: boot,
	}
}

func writeKey(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, []byte("not-a-real-key"), 0o600))
	return path
}

func TestNew(t *testing.T) {
	deps := testDependencies(t)
	keyPath := writeKey(t)

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{
			name: "hetzner",
			mutate: func(c *config.Config) {
				c.Provider.Type = config.ProviderHetzner
				c.Hetzner.APIToken = "token"
			},
		},
		{
			name: "hypervisor",
			mutate: func(c *config.Config) {
				c.Provider.Type = config.ProviderHypervisor
				c.Hypervisor.URL = "http://middleware.invalid"
				c.Hypervisor.TemplateVMID = "9000"
				c.SSH.GatewayPrivateKeyPath = keyPath
			},
		},
		{
			name: "hypervisor template id not numeric",
			mutate: func(c *config.Config) {
				c.Provider.Type = config.ProviderHypervisor
				c.Hypervisor.TemplateVMID = "ubuntu"
				c.SSH.GatewayPrivateKeyPath = keyPath
			},
			wantErr: true,
		},
		{
			name: "hypervisor gateway key missing",
			mutate: func(c *config.Config) {
				c.Provider.Type = config.ProviderHypervisor
				c.Hypervisor.TemplateVMID = "9000"
				c.SSH.GatewayPrivateKeyPath = filepath.Join(t.TempDir(), "absent")
			},
			wantErr: true,
		},
		{
			name:    "instance key missing",
			mutate:  func(c *config.Config) { c.SSH.PrivateKeyPath = filepath.Join(t.TempDir(), "absent") },
			wantErr: true,
		},
		{
			name:    "unsupported type",
			mutate:  func(c *config.Config) { c.Provider.Type = "aws" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.SSH.PrivateKeyPath = keyPath
			cfg.Provider.FailureThreshold = 3
			tt.mutate(cfg)

			breaker, err := New(cfg, deps, applogger.NewNop())
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeConfiguration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, CircuitStateClosed, breaker.State())
			assert.Equal(t, 3, breaker.failureThreshold)
		})
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(&config.Config{}, Dependencies{}, applogger.NewNop())
	require.Error(t, err)

	_, err = New(nil, testDependencies(t), applogger.NewNop())
	require.Error(t, err)
}
