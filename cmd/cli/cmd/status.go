package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/accelbench/hpsearch/cmd/cli/format"
	"github.com/accelbench/hpsearch/internal/database"
)

var statusCmd = &cobra.Command{
	Use:   "status [search-id]",
	Short: "Show a search, or list recent searches",
	Long: `Fetch the status and best result of a search. Without an ID, list
recent searches.

Examples:
  hpsearch status 3f0c2a4e-6789-0000-1111-222233334444
  hpsearch status --status running
  hpsearch status 3f0c2a4e -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusFilter string
	statusLimit  int
)

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "Filter the list by status (running, completed, failed)")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Maximum searches to list")
	RootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	outFmt, err := getFormat()
	if err != nil {
		return err
	}
	c := newClient()
	w := cmd.OutOrStdout()

	if len(args) == 0 {
		items, err := c.ListSearches(context.Background(), database.SearchFilter{Status: statusFilter, Limit: statusLimit})
		if err != nil {
			return err
		}
		headers := []string{"ID", "NAME", "STATUS", "METRIC", "BEST", "COMPLETED", "TERMINATED", "ERRORED", "CREATED"}
		rows := make([][]string, len(items))
		for i, s := range items {
			rows[i] = []string{
				s.ID, s.Name, s.Status, s.Metric + " (" + s.Mode + ")", format.PtrF64(s.BestValue),
				fmt.Sprint(s.Completed), fmt.Sprint(s.Terminated), fmt.Sprint(s.Errored),
				s.CreatedAt.Format("2006-01-02 15:04:05"),
			}
		}
		return format.Rows(w, outFmt, headers, rows, items)
	}

	s, err := c.GetSearch(context.Background(), args[0])
	if err != nil {
		return err
	}
	if outFmt == format.FormatJSON {
		return format.JSONTo(w, s)
	}

	fmt.Fprintf(w, "Search ID:  %s\n", s.ID)
	fmt.Fprintf(w, "Name:       %s\n", s.Name)
	fmt.Fprintf(w, "Status:     %s\n", s.Status)
	fmt.Fprintf(w, "Metric:     %s (%s)\n", s.Metric, s.Mode)
	fmt.Fprintf(w, "Samples:    %d x %d units\n", s.NumSamples, s.MaxUnits)
	fmt.Fprintf(w, "Created:    %s\n", s.CreatedAt.Format("2006-01-02 15:04:05 UTC"))
	if s.CompletedAt != nil {
		fmt.Fprintf(w, "Finished:   %s\n", s.CompletedAt.Format("2006-01-02 15:04:05 UTC"))
	}
	if s.Status == database.SearchRunning {
		return nil
	}
	fmt.Fprintf(w, "Trials:     %d completed, %d terminated, %d errored\n", s.Completed, s.Terminated, s.Errored)
	if s.Error != nil {
		fmt.Fprintf(w, "Error:      %s\n", *s.Error)
	}
	if s.BestTrialID == nil {
		fmt.Fprintln(w, "Best:       none")
		return nil
	}

	// The best trial's config lives on the trial record.
	trials, err := c.ListTrials(context.Background(), s.ID)
	if err != nil {
		return err
	}
	for _, t := range trials {
		if t.ID == *s.BestTrialID {
			fmt.Fprintf(w, "Best:       (%s, %s)\n", format.Config(t.Config), format.PtrF64(s.BestValue))
			fmt.Fprintf(w, "Best trial: %s\n", t.ID)
			if t.Checkpoint != nil {
				fmt.Fprintf(w, "Checkpoint: %s\n", *t.Checkpoint)
			}
			return nil
		}
	}
	fmt.Fprintf(w, "Best:       %s = %s\n", *s.BestTrialID, format.PtrF64(s.BestValue))
	return nil
}
