package config

import (
	"fmt"
	"time"
)

// Provider types
const (
	ProviderHetzner    = "hetzner"
	ProviderHypervisor = "hypervisor"
)

// Config defines the configuration for the orchestrator.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Hetzner    HetznerConfig    `mapstructure:"hetzner"`
	Hypervisor HypervisorConfig `mapstructure:"hypervisor"`
	SSH        SSHConfig        `mapstructure:"ssh"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	KeyStore   KeyStoreConfig   `mapstructure:"keystore"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Bootstrap  BootstrapConfig  `mapstructure:"bootstrap"`
	Reboot     RebootConfig     `mapstructure:"reboot"`
}

// LogConfig defines the logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProviderConfig selects the backend and the deterministic naming scheme.
type ProviderConfig struct {
	Type       string `mapstructure:"type"`
	NamePrefix string `mapstructure:"name_prefix"`

	// FailureThreshold consecutive backend failures open the circuit for ResetTimeout.
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// HetznerConfig defines the Hetzner Cloud backend configuration.
type HetznerConfig struct {
	APIToken        string        `mapstructure:"api_token"`
	ServerType      string        `mapstructure:"server_type"`
	Image           string        `mapstructure:"image"`
	Location        string        `mapstructure:"location"`
	SSHKeys         []string      `mapstructure:"ssh_keys"`
	AddressAttempts int           `mapstructure:"address_attempts"`
	AddressInterval time.Duration `mapstructure:"address_interval"`
}

// HypervisorConfig defines the hypervisor middleware backend configuration.
type HypervisorConfig struct {
	URL          string        `mapstructure:"url"`
	AuthToken    string        `mapstructure:"auth_token"`
	TemplateVMID string        `mapstructure:"template_vmid"`
	VMTier       string        `mapstructure:"vm_tier"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxPolls     int           `mapstructure:"max_polls"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	RetryMax     int           `mapstructure:"retry_max"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SSHConfig defines remote automation settings.
type SSHConfig struct {
	User                  string        `mapstructure:"user"`
	Port                  int           `mapstructure:"port"`
	PrivateKeyPath        string        `mapstructure:"private_key_path"`
	GatewayUser           string        `mapstructure:"gateway_user"`
	GatewayPrivateKeyPath string        `mapstructure:"gateway_private_key_path"`
	ConnectAttempts       int           `mapstructure:"connect_attempts"`
	ConnectBaseDelay      time.Duration `mapstructure:"connect_base_delay"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
}

// RegistryConfig defines the routing registry client.
type RegistryConfig struct {
	URL            string        `mapstructure:"url"`
	APIKey         string        `mapstructure:"api_key"`
	IdentitySuffix string        `mapstructure:"identity_suffix"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RetryMax       int           `mapstructure:"retry_max"`
}

// KeyStoreConfig defines where identity key pairs are persisted.
type KeyStoreConfig struct {
	Path string `mapstructure:"path"`
}

// JobsConfig defines job retention.
type JobsConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// BootstrapConfig defines the workload bootstrap.
type BootstrapConfig struct {
	RemoteFolder   string `mapstructure:"remote_folder"`
	AssetsDir      string `mapstructure:"assets_dir"`
	PasswordLength int    `mapstructure:"password_length"`
}

// RebootConfig bounds the post-reboot reachability wait.
type RebootConfig struct {
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	AddressAttempts int           `mapstructure:"address_attempts"`
	AddressInterval time.Duration `mapstructure:"address_interval"`
}

// Validate validates the configuration for correctness and completeness
func (c *Config) Validate() error {
	switch c.Provider.Type {
	case "", ProviderHetzner:
		if c.Hetzner.APIToken == "" {
			return fmt.Errorf("hetzner.api_token is required (set VNAS_HETZNER_API_TOKEN env var)")
		}
	case ProviderHypervisor:
		if c.Hypervisor.URL == "" {
			return fmt.Errorf("hypervisor.url is required (set VNAS_HYPERVISOR_URL env var)")
		}
		if c.Hypervisor.TemplateVMID == "" {
			return fmt.Errorf("hypervisor.template_vmid is required")
		}
		if c.SSH.GatewayPrivateKeyPath == "" {
			return fmt.Errorf("ssh.gateway_private_key_path is required for the hypervisor provider")
		}
	default:
		return fmt.Errorf("invalid provider.type: %s (must be %s or %s)", c.Provider.Type, ProviderHetzner, ProviderHypervisor)
	}

	if c.SSH.PrivateKeyPath == "" {
		return fmt.Errorf("ssh.private_key_path is required")
	}
	if c.Registry.URL == "" {
		return fmt.Errorf("registry.url is required (set VNAS_REGISTRY_URL env var)")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if c.Log.Level != "" && !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log.level: %s (must be trace, debug, info, warn, or error)", c.Log.Level)
	}
	if c.Log.Format != "" && c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log.format: %s (must be json or text)", c.Log.Format)
	}

	if c.Jobs.Retention > 0 && c.Jobs.Retention < time.Minute {
		return fmt.Errorf("jobs.retention must be at least 1 minute")
	}
	if c.SSH.ConnectAttempts < 0 || c.Hypervisor.MaxPolls < 0 {
		return fmt.Errorf("retry budgets must not be negative")
	}

	c.setDefaults()

	return nil
}

// setDefaults sets default values for configuration fields that are not set
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Provider.Type == "" {
		c.Provider.Type = ProviderHetzner
	}
	if c.Provider.NamePrefix == "" {
		c.Provider.NamePrefix = "vnas-"
	}
	if c.Provider.FailureThreshold <= 0 {
		c.Provider.FailureThreshold = 5
	}
	if c.Provider.ResetTimeout <= 0 {
		c.Provider.ResetTimeout = 2 * time.Minute
	}

	if c.Hetzner.ServerType == "" {
		c.Hetzner.ServerType = "cx22"
	}
	if c.Hetzner.Image == "" {
		c.Hetzner.Image = "ubuntu-24.04"
	}
	if c.Hetzner.Location == "" {
		c.Hetzner.Location = "nbg1"
	}
	if c.Hetzner.AddressAttempts <= 0 {
		c.Hetzner.AddressAttempts = 30
	}
	if c.Hetzner.AddressInterval <= 0 {
		c.Hetzner.AddressInterval = 2 * time.Second
	}

	if c.Hypervisor.VMTier == "" {
		c.Hypervisor.VMTier = "basic"
	}
	if c.Hypervisor.PollInterval <= 0 {
		c.Hypervisor.PollInterval = time.Second
	}
	if c.Hypervisor.MaxPolls <= 0 {
		c.Hypervisor.MaxPolls = 600
	}
	if c.Hypervisor.SettleDelay <= 0 {
		c.Hypervisor.SettleDelay = 15 * time.Second
	}
	if c.Hypervisor.RetryMax <= 0 {
		c.Hypervisor.RetryMax = 3
	}
	if c.Hypervisor.Timeout <= 0 {
		c.Hypervisor.Timeout = 30 * time.Second
	}

	if c.SSH.User == "" {
		c.SSH.User = "root"
	}
	if c.SSH.Port <= 0 {
		c.SSH.Port = 22
	}
	if c.SSH.GatewayUser == "" {
		c.SSH.GatewayUser = "root"
	}
	if c.SSH.ConnectAttempts <= 0 {
		c.SSH.ConnectAttempts = 10
	}
	if c.SSH.ConnectBaseDelay <= 0 {
		c.SSH.ConnectBaseDelay = time.Second
	}
	if c.SSH.DialTimeout <= 0 {
		c.SSH.DialTimeout = 30 * time.Second
	}

	if c.Registry.IdentitySuffix == "" {
		c.Registry.IdentitySuffix = "nasselle.com"
	}
	if c.Registry.Timeout <= 0 {
		c.Registry.Timeout = 15 * time.Second
	}
	if c.Registry.RetryMax <= 0 {
		c.Registry.RetryMax = 3
	}

	if c.KeyStore.Path == "" {
		c.KeyStore.Path = "./data/keys.db"
	}

	if c.Jobs.Retention <= 0 {
		c.Jobs.Retention = time.Hour
	}

	if c.Bootstrap.RemoteFolder == "" {
		c.Bootstrap.RemoteFolder = "/DATA/AppData/casaos/apps/yundera"
	}
	if c.Bootstrap.PasswordLength <= 0 {
		c.Bootstrap.PasswordLength = 12
	}

	if c.Reboot.SettleDelay <= 0 {
		c.Reboot.SettleDelay = 20 * time.Second
	}
	if c.Reboot.AddressAttempts <= 0 {
		c.Reboot.AddressAttempts = 30
	}
	if c.Reboot.AddressInterval <= 0 {
		c.Reboot.AddressInterval = 2 * time.Second
	}
}
