package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/accelbench/hpsearch/cmd/cli/format"
	"github.com/accelbench/hpsearch/internal/checkpoint"
	"github.com/accelbench/hpsearch/internal/cluster"
	"github.com/accelbench/hpsearch/internal/config"
	"github.com/accelbench/hpsearch/internal/database"
	"github.com/accelbench/hpsearch/internal/metrics"
	"github.com/accelbench/hpsearch/internal/orchestrator"
	"github.com/accelbench/hpsearch/internal/telemetry"
	"github.com/accelbench/hpsearch/internal/trial"
)

var tuneCmd = &cobra.Command{
	Use:   "tune <search-file>",
	Short: "Run a search locally and print the best configuration",
	Long: `Run a hyperparameter search in this process. Trials run concurrently
within the budget from the search file, which can be replaced by the
capacity of the current Kubernetes cluster or of a set of EC2 instances.

Examples:
  hpsearch tune search.yaml
  hpsearch tune search.yaml --budget-from-cluster --node-selector node.kubernetes.io/instance-type=g5.xlarge
  hpsearch tune search.yaml --instance-type g5.12xlarge --instances 2 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runTune,
}

var (
	tuneCheckpointURI     string
	tuneDatabaseURL       string
	tuneRedisURL          string
	tuneTrace             bool
	tuneBudgetFromCluster bool
	tuneKubeconfig        string
	tuneNodeSelector      string
	tuneInstanceType      string
	tuneInstances         int
	tuneRegion            string
)

func init() {
	tuneCmd.Flags().StringVar(&tuneCheckpointURI, "checkpoint-uri", "", "Checkpoint store: directory, file://, s3://bucket/prefix or mem:// (default: memory)")
	tuneCmd.Flags().StringVar(&tuneDatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres URL to record the search in (default: memory)")
	tuneCmd.Flags().StringVar(&tuneRedisURL, "redis-url", "", "Stream metric reports to this Redis")
	tuneCmd.Flags().BoolVar(&tuneTrace, "trace", false, "Write OpenTelemetry spans to stderr")
	tuneCmd.Flags().BoolVar(&tuneBudgetFromCluster, "budget-from-cluster", false, "Use the allocatable capacity of ready cluster nodes as the budget")
	tuneCmd.Flags().StringVar(&tuneKubeconfig, "kubeconfig", os.Getenv("KUBECONFIG"), "Path to kubeconfig (default: in-cluster)")
	tuneCmd.Flags().StringVar(&tuneNodeSelector, "node-selector", "", "Label selector for nodes counted by --budget-from-cluster")
	tuneCmd.Flags().StringVar(&tuneInstanceType, "instance-type", "", "Use the capacity of this EC2 instance type as the budget")
	tuneCmd.Flags().IntVar(&tuneInstances, "instances", 1, "Number of instances for --instance-type")
	tuneCmd.Flags().StringVar(&tuneRegion, "region", "us-east-1", "AWS region for instance pricing")
	tuneCmd.MarkFlagsMutuallyExclusive("budget-from-cluster", "instance-type")
	RootCmd.AddCommand(tuneCmd)
}

func runTune(cmd *cobra.Command, args []string) error {
	outFmt, err := getFormat()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	log := newLogger(cmd)

	file, err := config.LoadSearch(args[0])
	if err != nil {
		return err
	}
	req, err := file.Request(ctx)
	if err != nil {
		return err
	}

	var price *cluster.Price
	switch {
	case tuneBudgetFromCluster:
		if req.Budget, err = clusterBudget(ctx); err != nil {
			return err
		}
		log.Info("budget from cluster", "budget", req.Budget.String())
	case tuneInstanceType != "":
		if req.Budget, price, err = instanceBudget(ctx, log); err != nil {
			return err
		}
		log.Info("budget from instances", "type", tuneInstanceType, "count", tuneInstances, "budget", req.Budget.String())
	}

	if tuneTrace {
		shutdown, err := telemetry.InitTracer(ctx, "hpsearch", cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	repo, closeRepo, err := localRepo(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()
	store, err := checkpoint.Open(ctx, tuneCheckpointURI)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}

	orch := orchestrator.New(log.WithName("orchestrator"), repo, store)
	if tuneRedisURL != "" {
		sink, client, err := metrics.NewRedisSink(ctx, tuneRedisURL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer client.Close()
		orch.Sinks = append(orch.Sinks, sink)
	}

	start := time.Now()
	res, searchErr := orch.Search(ctx, req)
	if res == nil {
		return searchErr
	}
	if err := printResult(cmd.OutOrStdout(), outFmt, req, res, price, time.Since(start)); err != nil {
		return err
	}
	if searchErr != nil {
		return searchErr
	}
	if res.AllErrored() {
		return fmt.Errorf("all %d trials errored", len(res.Trials))
	}
	return nil
}

func printResult(w io.Writer, f format.OutputFormat, req orchestrator.Request, res *orchestrator.Result, price *cluster.Price, elapsed time.Duration) error {
	switch f {
	case format.FormatJSON:
		out := map[string]any{"result": res}
		if price != nil {
			out["estimated_cost_usd"] = price.Cost(tuneInstances, elapsed)
		}
		return format.JSONTo(w, out)
	case format.FormatCSV:
		return format.CSV(w, res.Headers, res.Rows)
	}

	format.TableTo(w, res.Headers, res.Rows)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Trials:     %d completed, %d terminated, %d errored\n", res.Completed, res.Terminated, res.Errored)
	if s := res.Summary; s.Count > 0 {
		fmt.Fprintf(w, "%-11s mean=%s p50=%s p90=%s p99=%s\n", req.Metric+":",
			format.Float(s.Mean), format.PtrF64(s.P50), format.PtrF64(s.P90), format.PtrF64(s.P99))
	}
	if res.Best != nil {
		fmt.Fprintf(w, "Best:       %s\n", res.Best)
		fmt.Fprintf(w, "Best trial: %s\n", res.Best.TrialID)
	} else {
		fmt.Fprintln(w, "Best:       none")
	}
	if price != nil {
		fmt.Fprintf(w, "Est. cost:  $%.2f (%d x %s at $%.3f/hr for %s)\n",
			price.Cost(tuneInstances, elapsed), tuneInstances, price.InstanceType, price.OnDemand, elapsed.Round(time.Second))
	}
	return nil
}

func clusterBudget(ctx context.Context) (trial.Resources, error) {
	restCfg, err := clientcmd.BuildConfigFromFlags("", tuneKubeconfig)
	if err != nil {
		return trial.Resources{}, fmt.Errorf("load kubeconfig: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return trial.Resources{}, fmt.Errorf("create kubernetes client: %w", err)
	}
	return cluster.NodeCapacity(ctx, client, tuneNodeSelector)
}

// instanceBudget sizes the budget from EC2 instance metadata and looks up
// the on-demand price. A pricing failure is logged, not fatal.
func instanceBudget(ctx context.Context, log logr.Logger) (trial.Resources, *cluster.Price, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(tuneRegion))
	if err != nil {
		return trial.Resources{}, nil, fmt.Errorf("load AWS config: %w", err)
	}
	budget, err := cluster.InstanceCapacity(ctx, ec2.NewFromConfig(awsCfg), tuneInstanceType, tuneInstances)
	if err != nil {
		return trial.Resources{}, nil, err
	}

	pricingCfg := awsCfg.Copy()
	pricingCfg.Region = cluster.PricingRegion
	price, err := cluster.HourlyPrice(ctx, pricing.NewFromConfig(pricingCfg), tuneInstanceType, tuneRegion)
	if err != nil {
		log.Error(err, "instance price unavailable", "type", tuneInstanceType)
		return budget, nil, nil
	}
	return budget, price, nil
}

func localRepo(ctx context.Context) (database.Repo, func(), error) {
	if tuneDatabaseURL == "" {
		return database.NewMemRepo(), func() {}, nil
	}
	repo, err := database.NewRepository(ctx, tuneDatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := repo.Migrate(ctx); err != nil {
		repo.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return repo, repo.Close, nil
}
