package cmd

import (
	"github.com/spf13/cobra"
)

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List registered instances and fleet utilization",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		orch, err := openOrchestrator(ctx, false, nil)
		if err != nil {
			return err
		}
		defer orch.Close()
		orch.Writer = cmd.OutOrStdout()

		_, err = orch.Instances(ctx)
		return err
	},
}

var instanceTypesCmd = &cobra.Command{
	Use:   "instance-types",
	Short: "List the EC2 instance types allocate would launch from",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		if noCache, _ := cmd.Flags().GetBool("no-cache"); noCache {
			cfg.AWS.CacheDir = ""
		}

		orch, err := openOrchestrator(ctx, true, nil)
		if err != nil {
			return err
		}
		defer orch.Close()
		orch.Writer = cmd.OutOrStdout()

		_, err = orch.InstanceTypes(ctx)
		return err
	},
}

func init() {
	instanceTypesCmd.Flags().Bool("no-cache", false, "disable the on-disk instance type cache")

	rootCmd.AddCommand(instancesCmd)
	rootCmd.AddCommand(instanceTypesCmd)
}
