package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "VNAS"

// Loader handles configuration loading from .env, YAML files and environment variables
type Loader struct {
	v       *viper.Viper
	envFile string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		v:       viper.New(),
		envFile: ".env",
	}
}

// WithEnvFile overrides the dotenv file read before the environment is consulted.
// An empty path disables dotenv loading.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// Load loads configuration from files and environment variables.
// Variables already present in the process environment win over the .env file,
// and the environment overrides the YAML file.
func (l *Loader) Load() (*Config, error) {
	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", l.envFile, err)
		}
	}

	l.v.SetConfigName("config")
	l.v.SetConfigType("yaml")
	l.v.AddConfigPath("/etc/vnas-orchestrator")
	l.v.AddConfigPath("$HOME/.vnas-orchestrator")
	l.v.AddConfigPath(".")

	l.v.SetEnvPrefix(envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// GetString exposes a raw value; mostly useful in tests and diagnostics.
func (l *Loader) GetString(key string) string {
	return l.v.GetString(key)
}

// IsSet reports whether a key has a value from any source, defaults included.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}

// setDefaults registers every key so AutomaticEnv can see it during Unmarshal.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "json")

	l.v.SetDefault("provider.type", ProviderHetzner)
	l.v.SetDefault("provider.name_prefix", "vnas-")
	l.v.SetDefault("provider.failure_threshold", 5)
	l.v.SetDefault("provider.reset_timeout", "2m")

	l.v.SetDefault("hetzner.api_token", "")
	l.v.SetDefault("hetzner.server_type", "cx22")
	l.v.SetDefault("hetzner.image", "ubuntu-24.04")
	l.v.SetDefault("hetzner.location", "nbg1")
	l.v.SetDefault("hetzner.ssh_keys", []string{})
	l.v.SetDefault("hetzner.address_attempts", 30)
	l.v.SetDefault("hetzner.address_interval", "2s")

	l.v.SetDefault("hypervisor.url", "")
	l.v.SetDefault("hypervisor.auth_token", "")
	l.v.SetDefault("hypervisor.template_vmid", "")
	l.v.SetDefault("hypervisor.vm_tier", "basic")
	l.v.SetDefault("hypervisor.poll_interval", "1s")
	l.v.SetDefault("hypervisor.max_polls", 600)
	l.v.SetDefault("hypervisor.settle_delay", "15s")
	l.v.SetDefault("hypervisor.retry_max", 3)
	l.v.SetDefault("hypervisor.timeout", "30s")

	l.v.SetDefault("ssh.user", "root")
	l.v.SetDefault("ssh.port", 22)
	l.v.SetDefault("ssh.private_key_path", "")
	l.v.SetDefault("ssh.gateway_user", "root")
	l.v.SetDefault("ssh.gateway_private_key_path", "")
	l.v.SetDefault("ssh.connect_attempts", 10)
	l.v.SetDefault("ssh.connect_base_delay", "1s")
	l.v.SetDefault("ssh.dial_timeout", "30s")

	l.v.SetDefault("registry.url", "")
	l.v.SetDefault("registry.api_key", "")
	l.v.SetDefault("registry.identity_suffix", "nasselle.com")
	l.v.SetDefault("registry.timeout", "15s")
	l.v.SetDefault("registry.retry_max", 3)

	l.v.SetDefault("keystore.path", "./data/keys.db")

	l.v.SetDefault("jobs.retention", "1h")

	l.v.SetDefault("bootstrap.remote_folder", "/DATA/AppData/casaos/apps/yundera")
	l.v.SetDefault("bootstrap.assets_dir", "")
	l.v.SetDefault("bootstrap.password_length", 12)

	l.v.SetDefault("reboot.settle_delay", "20s")
	l.v.SetDefault("reboot.address_attempts", 30)
	l.v.SetDefault("reboot.address_interval", "2s")
}

// LoadWithPath loads configuration from a specific file path
func LoadWithPath(configPath string) (*Config, error) {
	loader := NewLoader()
	loader.v.SetConfigFile(configPath)
	return loader.Load()
}
