package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/accelbench/hpsearch/cmd/cli/format"
)

var submitCmd = &cobra.Command{
	Use:   "submit <search-file>",
	Short: "Submit a search to the hpsearch server",
	Long: `Upload a YAML or JSON search file to the server, which runs it in the
background.

Examples:
  hpsearch submit search.yaml
  hpsearch submit search.json -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	RootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	outFmt, err := getFormat()
	if err != nil {
		return err
	}
	body, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read search file: %w", err)
	}
	contentType := "application/yaml"
	if strings.EqualFold(filepath.Ext(args[0]), ".json") {
		contentType = "application/json"
	}

	id, status, err := newClient().CreateSearch(context.Background(), body, contentType)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if outFmt == format.FormatJSON {
		return format.JSONTo(w, map[string]string{"id": id, "status": status})
	}
	fmt.Fprintf(w, "Search submitted: %s (status: %s)\n", id, status)
	fmt.Fprintf(w, "Track progress: hpsearch status %s\n", id)
	return nil
}
