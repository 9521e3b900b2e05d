package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/accelbench/hpsearch/cmd/cli/format"
	"github.com/accelbench/hpsearch/internal/database"
)

var trialsCmd = &cobra.Command{
	Use:   "trials <search-id>",
	Short: "List the trials of a search",
	Long: `List every trial of a search with its status, last unit and latest
metrics. With --reports, print the per-unit history of one trial instead.

Examples:
  hpsearch trials 3f0c2a4e
  hpsearch trials 3f0c2a4e -o csv
  hpsearch trials --reports 9b1d7c55`,
	Args: cobra.ExactArgs(1),
	RunE: runTrials,
}

var trialsReports bool

func init() {
	trialsCmd.Flags().BoolVar(&trialsReports, "reports", false, "Treat the argument as a trial ID and list its reports")
	RootCmd.AddCommand(trialsCmd)
}

func runTrials(cmd *cobra.Command, args []string) error {
	outFmt, err := getFormat()
	if err != nil {
		return err
	}
	c := newClient()
	w := cmd.OutOrStdout()

	if trialsReports {
		reports, err := c.ListReports(context.Background(), args[0])
		if err != nil {
			return err
		}
		headers, rows := reportRows(reports)
		return format.Rows(w, outFmt, headers, rows, reports)
	}

	trials, err := c.ListTrials(context.Background(), args[0])
	if err != nil {
		return err
	}
	headers, rows := trialRows(trials)
	return format.Rows(w, outFmt, headers, rows, trials)
}

func trialRows(trials []database.Trial) ([]string, [][]string) {
	names := metricNames(len(trials), func(i int) map[string]float64 { return trials[i].Metrics })
	headers := append([]string{"TRIAL", "STATUS", "UNIT", "CONFIG"}, names...)
	headers = append(headers, "ERROR")
	rows := make([][]string, len(trials))
	for i, t := range trials {
		row := []string{t.ID, t.Status, fmt.Sprint(t.Unit), format.Config(t.Config)}
		for _, n := range names {
			row = append(row, metricCell(t.Metrics, n))
		}
		rows[i] = append(row, format.Ptr(t.Error, "%s"))
	}
	return headers, rows
}

func reportRows(reports []database.Report) ([]string, [][]string) {
	names := metricNames(len(reports), func(i int) map[string]float64 { return reports[i].Metrics })
	headers := append([]string{"UNIT"}, names...)
	rows := make([][]string, len(reports))
	for i, r := range reports {
		row := []string{fmt.Sprint(r.Unit)}
		for _, n := range names {
			row = append(row, metricCell(r.Metrics, n))
		}
		rows[i] = row
	}
	return headers, rows
}

func metricNames(n int, at func(int) map[string]float64) []string {
	seen := make(map[string]bool)
	var names []string
	for i := 0; i < n; i++ {
		for k := range at(i) {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	sort.Strings(names)
	return names
}

func metricCell(m map[string]float64, name string) string {
	v, ok := m[name]
	if !ok {
		return "-"
	}
	return format.Float(v)
}
