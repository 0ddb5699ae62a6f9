package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/instance"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/jobs"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision and bootstrap the instance for a user",
	Long: `Provision a fresh instance for the resource key, bind its routing
identity and install the workload. An existing instance for the key is
replaced.

Examples:
  # Create with a generated default password
  orchestrator create --key alice

  # Create with an explicit default account
  orchestrator create --key alice --user admin:s3cret`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		return runJob(cmd, jobs.KindCreate, instance.Options{
			Environment: instance.Environment{User: user},
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the instance and release its identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, jobs.KindDelete, instance.Options{})
	},
}

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Reboot the instance and wait until it responds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, jobs.KindReboot, instance.Options{})
	},
}

func init() {
	for _, c := range []*cobra.Command{createCmd, deleteCmd, rebootCmd} {
		c.Flags().Duration("poll-interval", 2*time.Second, "Interval between job status checks")
		rootCmd.AddCommand(c)
	}
	createCmd.Flags().String("user", "", "Default workload account as username:password")
}

// runJob submits kind, polls until the job settles and prints the outcome.
func runJob(cmd *cobra.Command, kind jobs.Kind, opts instance.Options) error {
	key, err := resourceKey(cmd)
	if err != nil {
		return err
	}
	interval, _ := cmd.Flags().GetDuration("poll-interval")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, log, err := openService(cmd)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := svc.Stop(shutdownCtx); err != nil {
			log.ErrorCtx(shutdownCtx, "failed to stop service", err)
		}
	}()

	jobID, err := svc.Submit(ctx, kind, key, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Submitted %s job %s\n", kind, jobID)

	view, err := waitForJob(ctx, svc, jobID, key, interval)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), view); err != nil {
		return err
	}
	if view.Status == jobs.StatusFailed {
		return fmt.Errorf("%s job failed: %s", kind, view.Error)
	}
	return nil
}
