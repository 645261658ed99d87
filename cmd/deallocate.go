package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deallocateCmd = &cobra.Command{
	Use:   "deallocate ADDRESS WORKER_ID",
	Short: "Release a job slot on an instance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		orch, err := openOrchestrator(ctx, false, nil)
		if err != nil {
			return err
		}
		defer orch.Close()

		ok, err := orch.Deallocate(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("worker %s not found on %s", args[1], args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Released %s on %s\n", args[1], args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deallocateCmd)
}
