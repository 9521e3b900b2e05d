// Package trial models one training run under one sampled configuration and
// executes it unit by unit.
package trial

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/accelbench/hpsearch/internal/search"
)

// Status is the lifecycle state of a trial.
type Status string

const (
	Pending    Status = "PENDING"
	Running    Status = "RUNNING"
	Paused     Status = "PAUSED"
	Terminated Status = "TERMINATED"
	Completed  Status = "COMPLETED"
	Errored    Status = "ERRORED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == Terminated || s == Completed || s == Errored
}

// Metrics maps metric names to values.
type Metrics map[string]float64

// Clone returns a copy.
func (m Metrics) Clone() Metrics {
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MetricReport is emitted once per training unit after validation. Reports
// are values; nothing mutates them after they are sent.
type MetricReport struct {
	TrialID string    `json:"trial_id"`
	Unit    int       `json:"unit"`
	Metrics Metrics   `json:"metrics"`
	At      time.Time `json:"at"`
}

// Reported is the latest value of one metric and the unit it was seen at.
type Reported struct {
	Value float64 `json:"value"`
	Unit  int     `json:"unit"`
}

// Resources is the share of compute a trial reserves while it runs.
type Resources struct {
	CPU float64 `json:"cpu" mapstructure:"cpu"`
	GPU float64 `json:"gpu" mapstructure:"gpu"`
}

// Add returns r+o.
func (r Resources) Add(o Resources) Resources {
	return Resources{CPU: r.CPU + o.CPU, GPU: r.GPU + o.GPU}
}

// Sub returns r-o.
func (r Resources) Sub(o Resources) Resources {
	return Resources{CPU: r.CPU - o.CPU, GPU: r.GPU - o.GPU}
}

// Fits reports whether r fits within budget on every dimension.
func (r Resources) Fits(budget Resources) bool {
	const eps = 1e-9
	return r.CPU <= budget.CPU+eps && r.GPU <= budget.GPU+eps
}

// IsZero reports whether no resources are requested.
func (r Resources) IsZero() bool {
	return r.CPU == 0 && r.GPU == 0
}

func (r Resources) String() string {
	return fmt.Sprintf("cpu=%g gpu=%g", r.CPU, r.GPU)
}

// ErrNonMonotonic is returned when a report does not advance the unit index.
var ErrNonMonotonic = errors.New("non-monotonic training unit")

// Trial is the orchestrator's record of one trial. Only the orchestrator
// loop mutates it.
type Trial struct {
	ID         string              `json:"id"`
	Config     search.TrialConfig  `json:"config"`
	Status     Status              `json:"status"`
	Unit       int                 `json:"unit"`
	Latest     map[string]Reported `json:"latest,omitempty"`
	Checkpoint string              `json:"checkpoint,omitempty"`
	Resources  Resources           `json:"resources"`
	Attempts   int                 `json:"attempts"`
	Error      string              `json:"error,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

// New creates a pending trial with a fresh id.
func New(cfg search.TrialConfig, res Resources) *Trial {
	return &Trial{
		ID:        uuid.NewString(),
		Config:    cfg,
		Status:    Pending,
		Latest:    make(map[string]Reported),
		Resources: res,
		CreatedAt: time.Now().UTC(),
	}
}

// Short returns the first eight characters of the id for log lines.
func (t *Trial) Short() string {
	if len(t.ID) > 8 {
		return t.ID[:8]
	}
	return t.ID
}

// Observe applies a report to the trial's latest-metrics snapshot.
func (t *Trial) Observe(r MetricReport) error {
	if r.Unit <= t.Unit {
		return fmt.Errorf("trial %s: unit %d after %d: %w", t.Short(), r.Unit, t.Unit, ErrNonMonotonic)
	}
	t.Unit = r.Unit
	for name, v := range r.Metrics {
		t.Latest[name] = Reported{Value: v, Unit: r.Unit}
	}
	return nil
}

// Value returns the latest value of metric.
func (t *Trial) Value(metric string) (float64, bool) {
	r, ok := t.Latest[metric]
	return r.Value, ok
}

// Finish moves the trial to a terminal status.
func (t *Trial) Finish(s Status, err error) {
	now := time.Now().UTC()
	t.Status = s
	t.FinishedAt = &now
	if err != nil {
		t.Error = err.Error()
	}
}
