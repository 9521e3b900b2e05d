package cmd

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/accelbench/hpsearch/cmd/cli/client"
	"github.com/accelbench/hpsearch/cmd/cli/format"
	"github.com/accelbench/hpsearch/internal/telemetry"
)

var (
	apiURL       string
	outputFormat string
	verbosity    int
	development  bool
)

// RootCmd is the top-level CLI command.
var RootCmd = &cobra.Command{
	Use:           "hpsearch",
	Short:         "hpsearch: hyperparameter search with early stopping",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOrDefault("HPSEARCH_API_URL", "http://localhost:8080"), "hpsearch API base URL")
	RootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, csv")
	RootCmd.PersistentFlags().IntVarP(&verbosity, "verbose", "v", 0, "Log verbosity (0 = info)")
	RootCmd.PersistentFlags().BoolVar(&development, "dev", false, "Human-readable console logs")
}

func newClient() *client.Client {
	return client.New(apiURL)
}

func newLogger(cmd *cobra.Command) logr.Logger {
	return telemetry.NewLogger(cmd.ErrOrStderr(), development, verbosity).WithName("hpsearch")
}

func getFormat() (format.OutputFormat, error) {
	return format.Parse(outputFormat)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
