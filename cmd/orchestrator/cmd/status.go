package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the backend instance id for a user",
	Long: `Print the backend instance id for the resource key, or null when the
user has no instance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := resourceKey(cmd)
		if err != nil {
			return err
		}
		svc, _, err := openService(cmd)
		if err != nil {
			return err
		}
		defer svc.Stop(cmd.Context())

		id, ok, err := svc.Status(cmd.Context(), key)
		if err != nil {
			return err
		}
		if !ok {
			return printJSON(cmd.OutOrStdout(), nil)
		}
		return printJSON(cmd.OutOrStdout(), id)
	},
}

var hasCmd = &cobra.Command{
	Use:   "has",
	Short: "Report whether a running instance exists for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := resourceKey(cmd)
		if err != nil {
			return err
		}
		svc, _, err := openService(cmd)
		if err != nil {
			return err
		}
		defer svc.Stop(cmd.Context())

		_, err = fmt.Fprintln(cmd.OutOrStdout(), svc.Has(cmd.Context(), key))
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "orchestrator %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(hasCmd)
	rootCmd.AddCommand(versionCmd)
}
