package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/guimove/fleetfit/internal/model"
)

var registerCmd = &cobra.Command{
	Use:   "register ADDRESS",
	Short: "Add an existing instance to the registrar",
	Long: `Registers an instance fleetfit did not launch. The job flags give the capacity
still free on it; --initial-job adds workers already running there, and their
resources count towards the instance's total.`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

func init() {
	f := registerCmd.Flags()
	f.String("name", "", "instance name")
	f.String("instance-type", "", "instance type, informational")
	f.StringArray("initial-job", nil, "worker already running, as id:memory_gb:cpu[:custom] (repeatable)")
	addJobFlags(registerCmd)

	rootCmd.AddCommand(registerCmd)
}

func runRegister(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	f := cmd.Flags()
	available, err := jobResources(cmd, model.Resources{})
	if err != nil {
		return err
	}

	specs, _ := f.GetStringArray("initial-job")
	jobs := make([]model.Worker, 0, len(specs))
	for _, spec := range specs {
		job, err := parseInitialJob(spec)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}

	name, _ := f.GetString("name")
	instanceType, _ := f.GetString("instance-type")
	idleTimeout, _ := f.GetDuration("idle-timeout")

	orch, err := openOrchestrator(ctx, false, nil)
	if err != nil {
		return err
	}
	defer orch.Close()

	rec, err := orch.Register(ctx, model.Registration{
		Address:      args[0],
		Name:         name,
		InstanceType: instanceType,
		Available:    available,
		InitialJobs:  jobs,
		IdleTimeout:  idleTimeout,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered %s with %s total, %d workers\n",
		rec.Address, rec.TotalResources, len(rec.Workers))
	return nil
}
