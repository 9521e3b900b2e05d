// Package search defines hyperparameter search spaces and the sampler that
// draws one concrete configuration per trial.
package search

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind identifies a distribution family.
type Kind string

const (
	Uniform    Kind = "uniform"
	LogUniform Kind = "loguniform"
	Constant   Kind = "constant"
	Choice     Kind = "choice"
)

// Distribution describes how a single hyperparameter is drawn.
type Distribution struct {
	Kind   Kind    `json:"type" mapstructure:"type"`
	Low    float64 `json:"low,omitempty" mapstructure:"low"`
	High   float64 `json:"high,omitempty" mapstructure:"high"`
	Value  any     `json:"value,omitempty" mapstructure:"value"`
	Values []any   `json:"values,omitempty" mapstructure:"values"`
}

// UniformDist returns a uniform(lo, hi) distribution.
func UniformDist(lo, hi float64) Distribution {
	return Distribution{Kind: Uniform, Low: lo, High: hi}
}

// LogUniformDist returns a log-uniform(lo, hi) distribution.
func LogUniformDist(lo, hi float64) Distribution {
	return Distribution{Kind: LogUniform, Low: lo, High: hi}
}

// ConstantDist returns a distribution that always yields v.
func ConstantDist(v any) Distribution {
	return Distribution{Kind: Constant, Value: v}
}

// ChoiceDist returns a categorical distribution over values.
func ChoiceDist(values ...any) Distribution {
	return Distribution{Kind: Choice, Values: values}
}

func (d Distribution) String() string {
	switch d.Kind {
	case Uniform, LogUniform:
		return fmt.Sprintf("%s(%g, %g)", d.Kind, d.Low, d.High)
	case Constant:
		return fmt.Sprintf("%v", d.Value)
	case Choice:
		return fmt.Sprintf("choice%v", d.Values)
	default:
		return string(d.Kind)
	}
}

// Contains reports whether v could have been drawn from d.
func (d Distribution) Contains(v any) bool {
	switch d.Kind {
	case Uniform, LogUniform:
		f, ok := toFloat(v)
		return ok && f >= d.Low && f <= d.High
	case Constant:
		return fmt.Sprint(v) == fmt.Sprint(d.Value)
	case Choice:
		for _, c := range d.Values {
			if fmt.Sprint(c) == fmt.Sprint(v) {
				return true
			}
		}
	}
	return false
}

// SearchSpace maps hyperparameter names to distributions.
type SearchSpace map[string]Distribution

// Names returns the hyperparameter names in sorted order.
func (s SearchSpace) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a copy of the space; the orchestrator works on a clone so the
// caller's map cannot change once a search has started.
func (s SearchSpace) Clone() SearchSpace {
	out := make(SearchSpace, len(s))
	for k, d := range s {
		if d.Values != nil {
			d.Values = append([]any(nil), d.Values...)
		}
		out[k] = d
	}
	return out
}

// Validate checks every distribution in the space.
func (s SearchSpace) Validate() error {
	if len(s) == 0 {
		return &ConfigurationError{Field: "search_space", Reason: "no hyperparameters defined"}
	}
	for _, name := range s.Names() {
		d := s[name]
		field := "search_space." + name
		switch d.Kind {
		case Uniform, LogUniform:
			if math.IsNaN(d.Low) || math.IsNaN(d.High) || math.IsInf(d.Low, 0) || math.IsInf(d.High, 0) {
				return &ConfigurationError{Field: field, Reason: "bounds must be finite"}
			}
			if d.Low > d.High {
				return &ConfigurationError{Field: field, Reason: fmt.Sprintf("low %g is greater than high %g", d.Low, d.High)}
			}
			if d.Kind == LogUniform && d.Low <= 0 {
				return &ConfigurationError{Field: field, Reason: "loguniform bounds must be positive"}
			}
		case Constant:
			if d.Value == nil {
				return &ConfigurationError{Field: field, Reason: "constant requires a value"}
			}
		case Choice:
			if len(d.Values) == 0 {
				return &ConfigurationError{Field: field, Reason: "choice requires at least one value"}
			}
		default:
			return &ConfigurationError{Field: field, Reason: fmt.Sprintf("unknown distribution type %q", d.Kind)}
		}
	}
	return nil
}

// TrialConfig is one concrete assignment of hyperparameter values.
type TrialConfig map[string]any

// Float returns the named value as a float64.
func (c TrialConfig) Float(name string) (float64, bool) {
	v, ok := c[name]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// FloatOr returns the named value or def when it is missing or not numeric.
func (c TrialConfig) FloatOr(name string, def float64) float64 {
	if f, ok := c.Float(name); ok {
		return f
	}
	return def
}

// Clone returns a shallow copy.
func (c TrialConfig) Clone() TrialConfig {
	out := make(TrialConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// String renders the config as "name=value, ..." in name order.
func (c TrialConfig) String() string {
	names := make([]string, 0, len(c))
	for k := range c {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s=%s", k, formatValue(c[k]))
	}
	return strings.Join(parts, ", ")
}

// Format renders the named value the way String does, or "-" when it is
// missing.
func (c TrialConfig) Format(name string) string {
	v, ok := c[name]
	if !ok {
		return "-"
	}
	return formatValue(v)
}

func formatValue(v any) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.4g", f)
	}
	return fmt.Sprint(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
