package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Print the scored autonomy task queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		views, err := env.Scheduler.QueueSnapshot(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ENDPOINT\tSTATUS\tSCORE\tFAILURES\tNEXT ELIGIBLE\tLAST ERROR")
		for _, v := range views {
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\t%s\t%s\n",
				v.Endpoint, v.Status, v.CurrentScore, v.FailureCount,
				v.NextEligibleAt.Format("15:04:05"), v.LastError)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
}
