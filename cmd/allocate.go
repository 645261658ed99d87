package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/guimove/fleetfit/internal/model"
)

var allocateCmd = &cobra.Command{
	Use:   "allocate",
	Short: "Allocate job slots, launching instances when the pool is full",
	Long: `Places the requested jobs on registered instances with a best-fit policy and
launches EC2 instances for the jobs that do not fit. Prints the worker ids
assigned on each instance.`,
	RunE: runAllocate,
}

func init() {
	allocateCmd.Flags().IntP("jobs", "n", 1, "number of jobs to allocate")
	addJobFlags(allocateCmd)

	rootCmd.AddCommand(allocateCmd)
}

func runAllocate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	numJobs, _ := cmd.Flags().GetInt("jobs")
	if numJobs < 1 {
		return fmt.Errorf("--jobs must be at least 1, got %d", numJobs)
	}

	if err := requireSharedBackend("allocate"); err != nil {
		return err
	}

	orch, err := openOrchestrator(ctx, true, nil)
	if err != nil {
		return err
	}
	defer orch.Close()
	orch.Writer = cmd.OutOrStdout()

	defaults, err := orch.DefaultJob()
	if err != nil {
		return err
	}
	perJob, err := jobResources(cmd, defaults)
	if err != nil {
		return err
	}
	idleTimeout, _ := cmd.Flags().GetDuration("idle-timeout")

	_, err = orch.Allocate(ctx, model.AllocationRequest{
		ResourcesPerJob: perJob,
		NumJobs:         numJobs,
		IdleTimeout:     idleTimeout,
		Region:          cfg.Region,
	})
	return err
}
