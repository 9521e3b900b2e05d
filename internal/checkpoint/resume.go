package checkpoint

import (
	"fmt"

	"github.com/go-logr/logr"
)

// WarningKind classifies a resume warning.
type WarningKind string

const (
	ShapeMismatch WarningKind = "shape_mismatch"
	DroppedParam  WarningKind = "dropped_parameter"
)

// Warning is a non-fatal problem found while resuming a checkpoint.
type Warning struct {
	Kind       WarningKind `json:"kind"`
	Key        string      `json:"key"`
	SavedShape []int       `json:"saved_shape,omitempty"`
	LiveShape  []int       `json:"live_shape,omitempty"`
}

func (w Warning) String() string {
	switch w.Kind {
	case ShapeMismatch:
		return fmt.Sprintf("skip loading parameter %s: required shape %s, loaded shape %s",
			w.Key, Tensor{Shape: w.LiveShape}.ShapeString(), Tensor{Shape: w.SavedShape}.ShapeString())
	default:
		return fmt.Sprintf("dropping parameter %s", w.Key)
	}
}

// Resume merges saved into the live model state. Parameters present in both
// with equal shapes take the saved value; mismatched shapes keep the live
// value; keys unknown to the live model are dropped. Any warning means the
// saved optimizer buffers no longer line up with the parameters, so the
// returned checkpoint has its momentum stripped.
//
// Resume is pure: neither argument is modified and the same inputs always
// produce the same output and warnings.
func Resume(saved, live *Checkpoint) (*Checkpoint, []Warning) {
	loaded := live.Clone()
	loaded.Unit = saved.Unit
	loaded.Metadata = saved.Clone().Metadata
	loaded.Optimizer = saved.Optimizer.Clone()

	var warnings []Warning
	for _, key := range saved.ParamNames() {
		st := saved.Params[key]
		lt, ok := live.Params[key]
		if !ok {
			warnings = append(warnings, Warning{Kind: DroppedParam, Key: key, SavedShape: append([]int(nil), st.Shape...)})
			continue
		}
		if !st.SameShape(lt) {
			warnings = append(warnings, Warning{
				Kind:       ShapeMismatch,
				Key:        key,
				SavedShape: append([]int(nil), st.Shape...),
				LiveShape:  append([]int(nil), lt.Shape...),
			})
			continue
		}
		loaded.Params[key] = st.Clone()
	}

	if len(warnings) > 0 {
		loaded = StripOptimizerMomentum(loaded)
	}
	return loaded, warnings
}

// Loader is the part of a trainable model the Manager needs.
type Loader interface {
	State() (*Checkpoint, error)
	LoadState(*Checkpoint) error
}

// Manager applies saved checkpoints to live models and logs every warning.
type Manager struct {
	Log logr.Logger
}

// NewManager returns a Manager logging through log.
func NewManager(log logr.Logger) *Manager {
	return &Manager{Log: log}
}

// Resume loads saved into model. When resetMomentum is set the optimizer
// buffers are cleared even if every parameter matched, which is what a
// transfer from a different task needs.
func (m *Manager) Resume(model Loader, saved *Checkpoint, resetMomentum bool) ([]Warning, error) {
	live, err := model.State()
	if err != nil {
		return nil, fmt.Errorf("read live state: %w", err)
	}
	loaded, warnings := Resume(saved, live)
	for _, w := range warnings {
		m.Log.Info(w.String(), "key", w.Key, "kind", string(w.Kind))
	}
	if resetMomentum && len(warnings) == 0 {
		loaded = StripOptimizerMomentum(loaded)
	}
	if err := model.LoadState(loaded); err != nil {
		return warnings, fmt.Errorf("load state: %w", err)
	}
	return warnings, nil
}
