package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/accelbench/hpsearch/internal/database"
	"github.com/accelbench/hpsearch/internal/trial"
)

// Prom exports search progress as Prometheus metrics.
type Prom struct {
	// TrialMetric holds the latest value of each surfaced metric per trial.
	TrialMetric *prometheus.GaugeVec
	// Reports counts accepted reports per search.
	Reports *prometheus.CounterVec
	// ActiveTrials is the number of trials currently holding resources.
	ActiveTrials *prometheus.GaugeVec
	// TrialsFinished counts trials reaching a terminal status.
	TrialsFinished *prometheus.CounterVec
	// BudgetInUse is the reserved share of each resource dimension.
	BudgetInUse *prometheus.GaugeVec
}

// NewProm creates the collectors and registers them with reg.
func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		TrialMetric: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hpsearch_trial_metric",
			Help: "Latest reported value of a trial metric",
		}, []string{"search", "trial", "metric"}),
		Reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hpsearch_reports_total",
			Help: "Total number of metric reports accepted per search",
		}, []string{"search"}),
		ActiveTrials: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hpsearch_active_trials",
			Help: "Number of trials currently running per search",
		}, []string{"search"}),
		TrialsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hpsearch_trials_finished_total",
			Help: "Total number of trials finished per search and status",
		}, []string{"search", "status"}),
		BudgetInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hpsearch_budget_in_use",
			Help: "Resources reserved by running trials",
		}, []string{"search", "resource"}),
	}
	if reg != nil {
		reg.MustRegister(p.TrialMetric, p.Reports, p.ActiveTrials, p.TrialsFinished, p.BudgetInUse)
	}
	return p
}

// Emit implements Sink.
func (p *Prom) Emit(_ context.Context, searchID string, r trial.MetricReport) error {
	for name, v := range r.Metrics {
		p.TrialMetric.WithLabelValues(searchID, r.TrialID, name).Set(v)
	}
	p.Reports.WithLabelValues(searchID).Inc()
	return nil
}

// TrialStarted records a trial acquiring resources.
func (p *Prom) TrialStarted(searchID string) {
	p.ActiveTrials.WithLabelValues(searchID).Inc()
}

// TrialReleased records a trial giving its resources back.
func (p *Prom) TrialReleased(searchID string) {
	p.ActiveTrials.WithLabelValues(searchID).Dec()
}

// TrialFinished counts a trial reaching a terminal status.
func (p *Prom) TrialFinished(searchID string, s trial.Status) {
	p.TrialsFinished.WithLabelValues(searchID, string(s)).Inc()
}

// SetBudgetInUse publishes the current reservation.
func (p *Prom) SetBudgetInUse(searchID string, used trial.Resources) {
	p.BudgetInUse.WithLabelValues(searchID, "cpu").Set(used.CPU)
	p.BudgetInUse.WithLabelValues(searchID, "gpu").Set(used.GPU)
}

// XAdder is the slice of *redis.Client the stream sink needs.
type XAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends every report to a capped Redis stream per search so
// that dashboards can tail progress.
type RedisSink struct {
	Client XAdder
	// MaxLen caps each stream approximately; zero means uncapped.
	MaxLen  int64
	Timeout time.Duration
}

// NewRedisSink connects to the Redis server at url.
func NewRedisSink(ctx context.Context, url string) (*RedisSink, *redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisSink{Client: client, MaxLen: 10000, Timeout: 2 * time.Second}, client, nil
}

// StreamKey is the stream a search's reports are appended to.
func StreamKey(searchID string) string {
	return fmt.Sprintf("hpsearch:reports:%s", searchID)
}

// Emit implements Sink.
func (s *RedisSink) Emit(ctx context.Context, searchID string, r trial.MetricReport) error {
	body, err := json.Marshal(r.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	args := &redis.XAddArgs{
		Stream: StreamKey(searchID),
		Values: map[string]any{
			"trial":   r.TrialID,
			"unit":    strconv.Itoa(r.Unit),
			"at":      r.At.Format(time.RFC3339Nano),
			"metrics": string(body),
		},
	}
	if s.MaxLen > 0 {
		args.MaxLen = s.MaxLen
		args.Approx = true
	}
	if err := s.Client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}

// RepoSink persists every report as a trial_reports row.
type RepoSink struct {
	Repo database.Repo
}

// Emit implements Sink.
func (s RepoSink) Emit(ctx context.Context, _ string, r trial.MetricReport) error {
	return s.Repo.AppendReport(ctx, &database.Report{
		TrialID:    r.TrialID,
		Unit:       r.Unit,
		Metrics:    r.Metrics,
		ReportedAt: r.At,
	})
}
