package orchestrator

import (
	"fmt"
	"math"

	"github.com/accelbench/hpsearch/internal/checkpoint"
	"github.com/accelbench/hpsearch/internal/metrics"
	"github.com/accelbench/hpsearch/internal/scheduler"
	"github.com/accelbench/hpsearch/internal/search"
	"github.com/accelbench/hpsearch/internal/trial"
)

// Request holds everything needed to execute one search.
type Request struct {
	Name         string
	Architecture string
	Space        search.SearchSpace
	NumSamples   int
	MaxUnits     int
	NumClasses   int
	Seed         *int64

	ResourcesPerTrial trial.Resources
	Budget            trial.Resources

	Metric    string
	Mode      scheduler.Mode
	Scheduler scheduler.Config
	Factory   trial.Factory

	// Transfer is loaded into every trial before its first unit.
	Transfer      *checkpoint.Checkpoint
	ResetMomentum bool
	Prune         trial.PruneSchedule

	// KeepTop > 0 keeps that many best checkpoints per trial, ranked by
	// Monitor in MonitorMode.
	KeepTop     int
	Monitor     string
	MonitorMode scheduler.Mode
	// CheckpointEvery > 1 offers checkpoints only every that many units.
	CheckpointEvery int

	MetricNames metrics.NameMap
	Columns     metrics.Columns
}

// Validate checks the request before any trial starts. Every failure is a
// *search.ConfigurationError.
func (r *Request) Validate() error {
	if r.NumSamples <= 0 {
		return &search.ConfigurationError{Field: "num_samples", Reason: fmt.Sprintf("must be positive, got %d", r.NumSamples)}
	}
	if r.MaxUnits <= 0 {
		return &search.ConfigurationError{Field: "max_units", Reason: fmt.Sprintf("must be positive, got %d", r.MaxUnits)}
	}
	if r.NumClasses <= 0 {
		return &search.ConfigurationError{Field: "num_classes", Reason: fmt.Sprintf("must be positive, got %d", r.NumClasses)}
	}
	if err := r.Space.Validate(); err != nil {
		return err
	}
	if r.Factory == nil {
		return &search.ConfigurationError{Field: "architecture", Reason: "no trainable factory"}
	}
	if r.Metric == "" {
		return &search.ConfigurationError{Field: "metric", Reason: "must be set"}
	}
	if r.Mode != scheduler.Min && r.Mode != scheduler.Max {
		return &search.ConfigurationError{Field: "mode", Reason: fmt.Sprintf("must be min or max, got %q", r.Mode)}
	}
	if err := checkResources("resources_per_trial", r.ResourcesPerTrial); err != nil {
		return err
	}
	if err := checkResources("budget", r.Budget); err != nil {
		return err
	}
	if !r.ResourcesPerTrial.Fits(r.Budget) {
		return &search.ConfigurationError{
			Field:  "resources_per_trial",
			Reason: fmt.Sprintf("%s exceeds budget %s", r.ResourcesPerTrial, r.Budget),
		}
	}
	if r.CheckpointEvery < 0 {
		return &search.ConfigurationError{Field: "checkpoint.every", Reason: fmt.Sprintf("must not be negative, got %d", r.CheckpointEvery)}
	}
	if r.KeepTop > 0 && r.Monitor == "" {
		return &search.ConfigurationError{Field: "checkpoint.monitor", Reason: "must be set when keep_top is positive"}
	}
	return nil
}

func checkResources(field string, res trial.Resources) error {
	for _, v := range []float64{res.CPU, res.GPU} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return &search.ConfigurationError{Field: field, Reason: fmt.Sprintf("invalid resources %s", res)}
		}
	}
	return nil
}

// BestResult is the winning configuration and its final metric value.
type BestResult struct {
	TrialID string             `json:"trial_id"`
	Config  search.TrialConfig `json:"config"`
	Value   float64            `json:"value"`
}

func (b BestResult) String() string {
	return fmt.Sprintf("(%s, %g)", b.Config, b.Value)
}

// Result summarizes a finished search. Best is nil when no trial completed
// or was terminated with a value for the metric.
type Result struct {
	SearchID   string         `json:"search_id"`
	Best       *BestResult    `json:"best,omitempty"`
	Trials     []*trial.Trial `json:"trials"`
	Completed  int            `json:"completed"`
	Terminated int            `json:"terminated"`
	Errored    int            `json:"errored"`
	// Summary is the distribution of the metric over completed and
	// terminated trials.
	Summary metrics.Summary `json:"summary"`
	Headers []string        `json:"-"`
	Rows    [][]string      `json:"-"`
}

// AllErrored reports whether no trial finished without error.
func (r *Result) AllErrored() bool {
	return len(r.Trials) > 0 && r.Errored == len(r.Trials)
}

// best picks the trial with the best latest value of metric among
// completed and terminated trials. Earlier trials win ties.
func best(trials []*trial.Trial, metric string, mode scheduler.Mode) *BestResult {
	var out *BestResult
	for _, t := range trials {
		if t.Status != trial.Completed && t.Status != trial.Terminated {
			continue
		}
		v, ok := t.Value(metric)
		if !ok || math.IsNaN(v) {
			continue
		}
		if out == nil || (mode == scheduler.Max && v > out.Value) || (mode == scheduler.Min && v < out.Value) {
			out = &BestResult{TrialID: t.ID, Config: t.Config.Clone(), Value: v}
		}
	}
	return out
}
