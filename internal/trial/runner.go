package trial

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/accelbench/hpsearch/internal/checkpoint"
	"github.com/accelbench/hpsearch/internal/search"
)

// Trainable is the model-specific unit the runner drives. Implementations
// own their model, data and optimizer.
type Trainable interface {
	TrainUnit(ctx context.Context, unit int) (Metrics, error)
	Validate(ctx context.Context, unit int) (Metrics, error)
	State() (*checkpoint.Checkpoint, error)
	LoadState(*checkpoint.Checkpoint) error
}

// Factory constructs a Trainable for a sampled configuration.
type Factory func(cfg search.TrialConfig, numClasses int) (Trainable, error)

// Directive is the orchestrator's answer to a report.
type Directive int

const (
	Continue Directive = iota
	Pause
	Stop
)

func (d Directive) String() string {
	switch d {
	case Pause:
		return "pause"
	case Stop:
		return "stop"
	default:
		return "continue"
	}
}

// Control is a cooperative stop flag observed at unit boundaries.
type Control struct {
	stop atomic.Bool
}

// Stop requests termination after the current unit.
func (c *Control) Stop() { c.stop.Store(true) }

// Stopped reports whether Stop was called.
func (c *Control) Stopped() bool { return c.stop.Load() }

// Event is sent from a runner to the orchestrator. Exactly one of Report and
// Outcome is set. Reply is non-nil for reports; the runner waits on it
// before starting the next unit.
type Event struct {
	TrialID string
	Report  *MetricReport
	Reply   chan<- Directive
	Outcome *Outcome
}

// Outcome is the final result of one runner invocation.
type Outcome struct {
	Status     Status
	Unit       int
	Err        error
	Checkpoint string
	Warnings   []checkpoint.Warning
}

// Spec describes one runner invocation.
type Spec struct {
	TrialID    string
	Config     search.TrialConfig
	Factory    Factory
	NumClasses int
	MaxUnits   int

	// Transfer is loaded into the fresh model before unit 1.
	Transfer      *checkpoint.Checkpoint
	ResetMomentum bool
	// ResumeKey names a pause checkpoint in the runner's store; training
	// continues from the unit it records.
	ResumeKey string

	Prune   PruneSchedule
	Control *Control
	Events  chan<- Event
}

// Runner executes trials.
type Runner struct {
	Log     logr.Logger
	Store   checkpoint.Store
	Keeper  *checkpoint.TopK
	Resumer *checkpoint.Manager
}

// NewRunner returns a Runner that keeps pause checkpoints in store.
func NewRunner(log logr.Logger, store checkpoint.Store, keeper *checkpoint.TopK) *Runner {
	return &Runner{
		Log:     log,
		Store:   store,
		Keeper:  keeper,
		Resumer: checkpoint.NewManager(log.WithName("resume")),
	}
}

// PauseKey is where a paused trial's checkpoint is stored.
func PauseKey(trialID string) string {
	return fmt.Sprintf("trials/%s/pause.json", trialID)
}

// Run executes the trial and returns its outcome. It never panics and never
// returns an error for a failing unit: failures become an Errored outcome.
func (r *Runner) Run(ctx context.Context, spec Spec) (out Outcome) {
	log := r.Log.WithValues("trial", short(spec.TrialID))
	unit := 0

	defer func() {
		if p := recover(); p != nil {
			out = Outcome{
				Status: Errored,
				Unit:   unit,
				Err:    &ExecutionError{TrialID: spec.TrialID, Unit: unit + 1, Err: fmt.Errorf("panic: %v", p)},
			}
		}
		if out.Status == Errored {
			log.Error(out.Err, "trial errored", "unit", out.Unit)
		}
	}()

	model, err := spec.Factory(spec.Config, spec.NumClasses)
	if err != nil {
		return Outcome{Status: Errored, Err: &ExecutionError{TrialID: spec.TrialID, Err: fmt.Errorf("construct trainable: %w", err)}}
	}

	var warnings []checkpoint.Warning
	switch {
	case spec.ResumeKey != "":
		saved, err := r.Store.Load(ctx, spec.ResumeKey)
		if err != nil {
			return Outcome{Status: Errored, Err: &ExecutionError{TrialID: spec.TrialID, Err: fmt.Errorf("load pause checkpoint: %w", err)}}
		}
		if warnings, err = r.Resumer.Resume(model, saved, false); err != nil {
			return Outcome{Status: Errored, Err: &ExecutionError{TrialID: spec.TrialID, Err: err}}
		}
		unit = saved.Unit
		log.Info("resumed from pause", "unit", unit)
	case spec.Transfer != nil:
		if warnings, err = r.Resumer.Resume(model, spec.Transfer, spec.ResetMomentum); err != nil {
			return Outcome{Status: Errored, Err: &ExecutionError{TrialID: spec.TrialID, Err: err}}
		}
		log.Info("checkpoint loaded", "warnings", len(warnings))
	}

	pruner, canPrune := model.(Pruner)
	if spec.Prune != nil && !canPrune {
		log.Info("trainable does not support pruning, schedule ignored")
	}

	reply := make(chan Directive, 1)
	for unit < spec.MaxUnits {
		if ctx.Err() != nil {
			return Outcome{Status: Terminated, Unit: unit, Warnings: warnings}
		}
		next := unit + 1
		metrics, err := r.runUnit(ctx, model, next, spec.Prune, pruner)
		if err != nil {
			return Outcome{Status: Errored, Unit: unit, Err: &ExecutionError{TrialID: spec.TrialID, Unit: next, Err: err}, Warnings: warnings}
		}
		unit = next

		if r.Keeper.Due(unit) {
			if c, err := model.State(); err == nil {
				c.Unit = unit
				c.Metadata.TrialID = spec.TrialID
				c.Metadata.Metrics = metrics.Clone()
				if _, err := r.Keeper.Offer(ctx, spec.TrialID, c, metrics); err != nil {
					log.Error(err, "save checkpoint", "unit", unit)
				}
			}
		}

		report := &MetricReport{TrialID: spec.TrialID, Unit: unit, Metrics: metrics, At: time.Now().UTC()}
		directive, ok := r.send(ctx, spec, report, reply)
		if !ok {
			return Outcome{Status: Terminated, Unit: unit, Warnings: warnings}
		}
		if spec.Control != nil && spec.Control.Stopped() {
			directive = Stop
		}

		switch directive {
		case Stop:
			log.Info("stopped early", "unit", unit)
			return Outcome{Status: Terminated, Unit: unit, Warnings: warnings}
		case Pause:
			if unit >= spec.MaxUnits {
				break
			}
			key, err := r.pause(ctx, model, spec.TrialID, unit)
			if err != nil {
				return Outcome{Status: Errored, Unit: unit, Err: &ExecutionError{TrialID: spec.TrialID, Unit: unit, Err: err}, Warnings: warnings}
			}
			return Outcome{Status: Paused, Unit: unit, Checkpoint: key, Warnings: warnings}
		}
	}
	return Outcome{Status: Completed, Unit: unit, Warnings: warnings}
}

// runUnit trains, applies the pruning schedule and validates one unit.
func (r *Runner) runUnit(ctx context.Context, model Trainable, unit int, prune PruneSchedule, pruner Pruner) (Metrics, error) {
	train, err := model.TrainUnit(ctx, unit)
	if err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}

	if prune != nil && pruner != nil {
		if amount := prune(unit); amount > 0 {
			if err := pruner.Prune(amount); err != nil {
				return nil, fmt.Errorf("prune: %w", err)
			}
		}
	}

	val, err := model.Validate(ctx, unit)
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	metrics := make(Metrics, len(train)+len(val)+2)
	for k, v := range train {
		metrics["train_"+k] = v
	}
	for k, v := range val {
		metrics[k] = v
	}
	metrics["training_iteration"] = float64(unit)
	if prune != nil && pruner != nil {
		metrics["sparsity"] = pruner.Sparsity()
	}
	return metrics, nil
}

// send forwards a report and waits for the orchestrator's directive. It
// returns false when ctx ends first.
func (r *Runner) send(ctx context.Context, spec Spec, report *MetricReport, reply chan Directive) (Directive, bool) {
	select {
	case spec.Events <- Event{TrialID: spec.TrialID, Report: report, Reply: reply}:
	case <-ctx.Done():
		return Stop, false
	}
	select {
	case d := <-reply:
		return d, true
	case <-ctx.Done():
		return Stop, false
	}
}

func (r *Runner) pause(ctx context.Context, model Trainable, trialID string, unit int) (string, error) {
	c, err := model.State()
	if err != nil {
		return "", fmt.Errorf("snapshot state: %w", err)
	}
	c.Unit = unit
	c.Metadata.TrialID = trialID
	key := PauseKey(trialID)
	if err := r.Store.Save(ctx, key, c); err != nil {
		return "", fmt.Errorf("save pause checkpoint: %w", err)
	}
	return key, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
