// Package scheduler decides, from streamed metric reports, which trials keep
// training.
package scheduler

import (
	"fmt"

	"github.com/accelbench/hpsearch/internal/search"
)

// Decision is the scheduler's verdict on a single report.
type Decision int

const (
	Continue Decision = iota
	// Pause asks the trial to checkpoint and release its resources until a
	// Resolution names it.
	Pause
	Stop
)

func (d Decision) String() string {
	switch d {
	case Pause:
		return "PAUSE"
	case Stop:
		return "STOP"
	default:
		return "CONTINUE"
	}
}

// Resolution is a deferred decision for a paused trial. Decision is either
// Continue (resume it) or Stop.
type Resolution struct {
	TrialID  string
	Decision Decision
}

// Scheduler is driven by the orchestrator loop and is not safe for
// concurrent use.
type Scheduler interface {
	OnTrialAdd(id string)
	OnResult(id string, unit int, value float64) Decision
	// OnTrialComplete is called when a trial reaches a terminal status other
	// than ERRORED.
	OnTrialComplete(id string)
	// OnTrialRemove is called when a trial errors or is cancelled.
	OnTrialRemove(id string)
	// Pending drains resolutions produced since the last call.
	Pending() []Resolution
}

// Mode is the comparison direction.
type Mode string

const (
	Min Mode = "min"
	Max Mode = "max"
)

// Config selects and parameterizes a scheduler.
type Config struct {
	Type            string `json:"type" mapstructure:"type"`
	GracePeriod     int    `json:"grace_period" mapstructure:"grace_period"`
	ReductionFactor int    `json:"reduction_factor" mapstructure:"reduction_factor"`
	Async           bool   `json:"async" mapstructure:"async"`
}

// New builds the scheduler described by cfg for a search of numSamples
// trials, each trained for at most maxT units.
func New(cfg Config, mode Mode, maxT, numSamples int) (Scheduler, error) {
	switch cfg.Type {
	case "fifo":
		return FIFO{}, nil
	case "", "asha":
		if mode != Min && mode != Max {
			return nil, &search.ConfigurationError{Field: "mode", Reason: fmt.Sprintf("must be min or max, got %q", mode)}
		}
		grace := cfg.GracePeriod
		if grace == 0 {
			grace = 1
		}
		r := cfg.ReductionFactor
		if r == 0 {
			r = 4
		}
		if grace < 1 {
			return nil, &search.ConfigurationError{Field: "scheduler.grace_period", Reason: "must be at least 1"}
		}
		if r < 2 {
			return nil, &search.ConfigurationError{Field: "scheduler.reduction_factor", Reason: "must be at least 2"}
		}
		if maxT < 1 {
			return nil, &search.ConfigurationError{Field: "max_units", Reason: "must be positive"}
		}
		return NewASHA(grace, maxT, r, mode, cfg.Async, numSamples), nil
	default:
		return nil, &search.ConfigurationError{Field: "scheduler.type", Reason: fmt.Sprintf("unknown scheduler %q", cfg.Type)}
	}
}

// FIFO lets every trial run to completion.
type FIFO struct{}

func (FIFO) OnTrialAdd(string) {}

func (FIFO) OnResult(string, int, float64) Decision { return Continue }

func (FIFO) OnTrialComplete(string) {}

func (FIFO) OnTrialRemove(string) {}

func (FIFO) Pending() []Resolution { return nil }
