package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <search-id>",
	Short: "Stop a running search or a single trial",
	Long: `Stop a running search. Running trials stop at their next unit boundary
and are recorded as terminated. With --trial, terminate only that trial.

Examples:
  hpsearch cancel 3f0c2a4e-6789-0000-1111-222233334444
  hpsearch cancel --trial 9b1d7c55-0000-1111-2222-333344445555`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var cancelTrial bool

func init() {
	cancelCmd.Flags().BoolVar(&cancelTrial, "trial", false, "Treat the argument as a trial ID")
	RootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	c := newClient()
	kind := "search"
	var err error
	if cancelTrial {
		kind = "trial"
		err = c.CancelTrial(context.Background(), args[0])
	} else {
		err = c.CancelSearch(context.Background(), args[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelling %s %s\n", kind, args[0])
	return nil
}
