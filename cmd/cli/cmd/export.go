package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/accelbench/hpsearch/cmd/cli/format"
	"github.com/accelbench/hpsearch/internal/database"
)

var exportCmd = &cobra.Command{
	Use:   "export <search-id>",
	Short: "Export the trials of a search to JSON or CSV",
	Long: `Export every trial of a search, one row per trial with one column per
hyperparameter and per final metric.

By default exports JSON to stdout. Use --file to write to a file.

Examples:
  hpsearch export 3f0c2a4e > trials.json
  hpsearch export 3f0c2a4e -o csv --file trials.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

var exportFile string

func init() {
	exportCmd.Flags().StringVar(&exportFile, "file", "", "Output file path (default: stdout)")
	RootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	outFmt, err := getFormat()
	if err != nil {
		return err
	}
	trials, err := newClient().ListTrials(context.Background(), args[0])
	if err != nil {
		return err
	}
	if len(trials) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No trials to export.")
		return nil
	}

	var out io.Writer = cmd.OutOrStdout()
	if exportFile != "" {
		f, err := os.Create(exportFile)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	if outFmt == format.FormatCSV {
		headers, rows := exportRows(trials)
		return format.CSV(out, headers, rows)
	}
	return format.JSONTo(out, trials)
}

func exportRows(trials []database.Trial) ([]string, [][]string) {
	seen := make(map[string]bool)
	var params []string
	for _, t := range trials {
		for k := range t.Config {
			if !seen[k] {
				seen[k] = true
				params = append(params, k)
			}
		}
	}
	sort.Strings(params)
	metrics := metricNames(len(trials), func(i int) map[string]float64 { return trials[i].Metrics })

	headers := []string{"trial_id", "status", "unit"}
	headers = append(headers, params...)
	headers = append(headers, metrics...)
	headers = append(headers, "checkpoint", "error")

	rows := make([][]string, len(trials))
	for i, t := range trials {
		row := []string{t.ID, t.Status, fmt.Sprint(t.Unit)}
		for _, p := range params {
			v, ok := t.Config[p]
			if !ok {
				row = append(row, "")
				continue
			}
			if f, isFloat := v.(float64); isFloat {
				row = append(row, format.Float(f))
			} else {
				row = append(row, fmt.Sprint(v))
			}
		}
		for _, m := range metrics {
			v, ok := t.Metrics[m]
			if !ok {
				row = append(row, "")
				continue
			}
			row = append(row, format.Float(v))
		}
		var ckpt, errMsg string
		if t.Checkpoint != nil {
			ckpt = *t.Checkpoint
		}
		if t.Error != nil {
			errMsg = *t.Error
		}
		rows[i] = append(row, ckpt, errMsg)
	}
	return headers, rows
}
