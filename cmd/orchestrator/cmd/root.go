// Package cmd implements the orchestrator command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/config"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/instance"
	"github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Manage per-user vNAS instances",
	Long: `Create, delete, reboot and inspect the compute instance that backs a
user's vNAS. Each instance is bound to a routing identity and bootstrapped
with the workload after the backend has provisioned it.

Configuration is read from config.yaml (/etc/vnas-orchestrator,
~/.vnas-orchestrator or the working directory), a .env file and VNAS_*
environment variables.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cmd.SetContext(logger.WithRequestID(cmd.Context(), uuid.NewString()))
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a config file (default: search standard locations)")
	rootCmd.PersistentFlags().String("key", "", "Resource key of the user's instance")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.LoadWithPath(path)
	}
	return config.NewLoader().Load()
}

func resourceKey(cmd *cobra.Command) (instance.ResourceKey, error) {
	key, _ := cmd.Flags().GetString("key")
	if key == "" {
		return "", fmt.Errorf("--key is required")
	}
	k := instance.ResourceKey(key)
	return k, k.Validate()
}

// openService loads configuration and assembles the service. The caller stops it.
func openService(cmd *cobra.Command) (*orchestrator.Service, *logger.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	log := logger.New(logger.LoggerConfig{
		Level:     logger.LogLevel(cfg.Log.Level),
		Format:    logger.OutputFormat(cfg.Log.Format),
		Component: "orchestrator",
		Version:   Version,
		Output:    os.Stderr,
	})
	log.WithContext(cmd.Context()).Debug("configuration loaded successfully", "provider", cfg.Provider.Type)

	svc, err := orchestrator.NewService(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return svc, log, nil
}
