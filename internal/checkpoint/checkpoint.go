// Package checkpoint holds persisted trial state (parameters, optimizer
// state, progress) and the logic for resuming it into a freshly built model.
package checkpoint

import (
	"fmt"
	"sort"
	"time"
)

// Tensor is a named parameter or optimizer buffer with its shape.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape ...int) Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// SameShape reports whether t and o have identical shapes.
func (t Tensor) SameShape(o Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// ShapeString renders the shape as "(20, 5)".
func (t Tensor) ShapeString() string {
	s := "("
	for i, d := range t.Shape {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d", d)
	}
	return s + ")"
}

// OptimizerState captures optimizer hyperparameters and per-parameter
// buffers such as momentum, keyed by parameter name.
type OptimizerState struct {
	Type  string             `json:"type"`
	Hyper map[string]float64 `json:"hyper,omitempty"`
	State map[string]Tensor  `json:"state,omitempty"`
}

// Clone returns a deep copy.
func (o OptimizerState) Clone() OptimizerState {
	out := OptimizerState{Type: o.Type}
	if o.Hyper != nil {
		out.Hyper = make(map[string]float64, len(o.Hyper))
		for k, v := range o.Hyper {
			out.Hyper[k] = v
		}
	}
	if o.State != nil {
		out.State = make(map[string]Tensor, len(o.State))
		for k, v := range o.State {
			out.State[k] = v.Clone()
		}
	}
	return out
}

// Metadata describes where a checkpoint came from.
type Metadata struct {
	TrialID   string             `json:"trial_id,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Checkpoint is the persisted (parameters, optimizer state, unit) tuple.
type Checkpoint struct {
	Params    map[string]Tensor `json:"params"`
	Optimizer OptimizerState    `json:"optimizer"`
	Unit      int               `json:"unit"`
	Metadata  Metadata          `json:"metadata"`
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := &Checkpoint{
		Params:    make(map[string]Tensor, len(c.Params)),
		Optimizer: c.Optimizer.Clone(),
		Unit:      c.Unit,
		Metadata:  c.Metadata,
	}
	for k, v := range c.Params {
		out.Params[k] = v.Clone()
	}
	if c.Metadata.Metrics != nil {
		out.Metadata.Metrics = make(map[string]float64, len(c.Metadata.Metrics))
		for k, v := range c.Metadata.Metrics {
			out.Metadata.Metrics[k] = v
		}
	}
	return out
}

// ParamNames returns the parameter keys in sorted order.
func (c *Checkpoint) ParamNames() []string {
	names := make([]string, 0, len(c.Params))
	for k := range c.Params {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// StripOptimizerMomentum returns a copy of c whose per-parameter optimizer
// buffers are cleared. Hyperparameters (learning rate, momentum coefficient)
// are kept so the optimizer resumes with the same settings and a clean
// momentum history.
func StripOptimizerMomentum(c *Checkpoint) *Checkpoint {
	out := c.Clone()
	if out == nil {
		return nil
	}
	out.Optimizer.State = map[string]Tensor{}
	return out
}
