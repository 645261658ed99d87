package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deregisterCmd = &cobra.Command{
	Use:   "deregister ADDRESS",
	Short: "Remove an instance from the registrar",
	Long: `Removes the instance's record. The VM itself is left running. Without --force
the instance must have no workers.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		force, _ := cmd.Flags().GetBool("force")

		orch, err := openOrchestrator(ctx, false, nil)
		if err != nil {
			return err
		}
		defer orch.Close()

		ok, err := orch.Deregister(ctx, args[0], !force)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s was not deregistered: not registered or still has workers", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deregistered %s\n", args[0])
		return nil
	},
}

func init() {
	deregisterCmd.Flags().Bool("force", false, "deregister even if workers are allocated")
	rootCmd.AddCommand(deregisterCmd)
}
