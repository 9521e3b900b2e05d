package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/accelbench/hpsearch/internal/api"
	"github.com/accelbench/hpsearch/internal/checkpoint"
	"github.com/accelbench/hpsearch/internal/config"
	"github.com/accelbench/hpsearch/internal/database"
	"github.com/accelbench/hpsearch/internal/metrics"
	"github.com/accelbench/hpsearch/internal/orchestrator"
	"github.com/accelbench/hpsearch/internal/telemetry"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := telemetry.NewLogger(os.Stderr, cfg.Development, cfg.Verbosity).WithName("hpsearch-server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg); err != nil {
		log.Error(err, "server failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, log logr.Logger, cfg config.Server) error {
	if cfg.Trace {
		shutdown, err := telemetry.InitTracer(ctx, "hpsearch-server", os.Stdout)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer shutdown(context.Background())
	}

	repo, closeRepo, err := openRepo(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	store, err := checkpoint.Open(ctx, cfg.CheckpointURI)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	orch := orchestrator.New(log.WithName("orchestrator"), repo, store)
	orch.Prom = metrics.NewProm(reg)

	if cfg.RedisURL != "" {
		sink, client, err := metrics.NewRedisSink(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer client.Close()
		orch.Sinks = append(orch.Sinks, sink)
		log.Info("streaming reports to redis")
	}

	srv := api.NewServer(ctx, log.WithName("api"), repo, orch, reg)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("API server starting", "addr", cfg.ListenAddr)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "http shutdown")
	}
	srv.Close()
	return nil
}

// openRepo connects to Postgres when a database URL or secret is
// configured and falls back to an in-memory repository otherwise.
func openRepo(ctx context.Context, log logr.Logger, cfg config.Server) (database.Repo, func(), error) {
	dbURL := cfg.DatabaseURL
	if cfg.DatabaseSecretID != "" {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("load AWS config: %w", err)
		}
		dbURL, err = config.ResolveDatabaseURL(ctx, secretsmanager.NewFromConfig(awsCfg), cfg.DatabaseSecretID)
		if err != nil {
			return nil, nil, err
		}
	}
	if dbURL == "" {
		log.Info("no database configured, keeping searches in memory")
		return database.NewMemRepo(), func() {}, nil
	}

	repo, err := database.NewRepository(ctx, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := repo.Migrate(ctx); err != nil {
		repo.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return repo, repo.Close, nil
}
