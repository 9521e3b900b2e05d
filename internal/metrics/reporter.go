// Package metrics relays trial metric reports to the result table and to
// external sinks.
package metrics

import (
	"context"
	"sort"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/accelbench/hpsearch/internal/search"
	"github.com/accelbench/hpsearch/internal/trial"
)

// NameMap maps internal metric names (loss, accuracy, current_lr, sparsity)
// to the names surfaced in sinks and table headers. Unmapped names are
// surfaced unchanged.
type NameMap map[string]string

// Surface returns the external name for an internal metric name.
func (m NameMap) Surface(name string) string {
	if s, ok := m[name]; ok && s != "" {
		return s
	}
	return name
}

// Apply returns a copy of metrics keyed by surfaced names.
func (m NameMap) Apply(metrics trial.Metrics) trial.Metrics {
	out := make(trial.Metrics, len(metrics))
	for k, v := range metrics {
		out[m.Surface(k)] = v
	}
	return out
}

// Columns selects what the result table shows.
type Columns struct {
	Parameters []string `json:"parameters" mapstructure:"parameters"`
	Metrics    []string `json:"metrics" mapstructure:"metrics"`
}

// Sink receives every accepted report, keyed by surfaced metric names.
type Sink interface {
	Emit(ctx context.Context, searchID string, r trial.MetricReport) error
}

// Row is one trial's line in the result table.
type Row struct {
	TrialID string             `json:"trial_id"`
	Status  trial.Status       `json:"status"`
	Config  search.TrialConfig `json:"config"`
	Unit    int                `json:"unit"`
	Metrics trial.Metrics      `json:"metrics"`
}

// Reporter is owned by the orchestrator loop. It keeps the latest metrics
// of every trial and fans reports out to sinks. It is not safe for
// concurrent use.
type Reporter struct {
	Log      logr.Logger
	SearchID string
	Names    NameMap
	Columns  Columns
	Sinks    []Sink

	rows  map[string]*Row
	order []string
}

// NewReporter returns a Reporter for one search.
func NewReporter(log logr.Logger, searchID string, names NameMap, cols Columns, sinks ...Sink) *Reporter {
	return &Reporter{
		Log:      log,
		SearchID: searchID,
		Names:    names,
		Columns:  cols,
		Sinks:    sinks,
		rows:     make(map[string]*Row),
	}
}

// Track adds a trial to the result table.
func (r *Reporter) Track(id string, cfg search.TrialConfig) {
	if _, ok := r.rows[id]; ok {
		return
	}
	r.rows[id] = &Row{TrialID: id, Status: trial.Pending, Config: cfg, Metrics: trial.Metrics{}}
	r.order = append(r.order, id)
}

// SetStatus updates a tracked trial's status.
func (r *Reporter) SetStatus(id string, s trial.Status) {
	if row, ok := r.rows[id]; ok {
		row.Status = s
	}
}

// Record stores a report and forwards it to every sink. Sink failures are
// logged and never returned.
func (r *Reporter) Record(ctx context.Context, rep trial.MetricReport) {
	row, ok := r.rows[rep.TrialID]
	if !ok {
		r.Log.Info("report for untracked trial", "trial", rep.TrialID)
		return
	}
	row.Unit = rep.Unit
	for k, v := range rep.Metrics {
		row.Metrics[k] = v
	}

	out := rep
	out.Metrics = r.Names.Apply(rep.Metrics)
	for _, s := range r.Sinks {
		if err := s.Emit(ctx, r.SearchID, out); err != nil {
			r.Log.Error(err, "emit report", "trial", rep.TrialID, "unit", rep.Unit)
		}
	}
}

// Rows returns the result table in trial creation order.
func (r *Reporter) Rows() []Row {
	out := make([]Row, 0, len(r.order))
	for _, id := range r.order {
		row := *r.rows[id]
		row.Metrics = row.Metrics.Clone()
		out = append(out, row)
	}
	return out
}

// Table renders the result table with the configured columns. Metric
// headers use surfaced names.
func (r *Reporter) Table() (headers []string, rows [][]string) {
	params := r.Columns.Parameters
	if len(params) == 0 {
		params = r.seen(func(row *Row) []string { return keys(row.Config) })
	}
	metrics := r.Columns.Metrics
	if len(metrics) == 0 {
		metrics = r.seen(func(row *Row) []string { return keys(row.Metrics) })
	}

	headers = append([]string{"TRIAL", "STATUS"}, params...)
	for _, m := range metrics {
		headers = append(headers, r.Names.Surface(m))
	}
	for _, id := range r.order {
		row := r.rows[id]
		line := []string{shortID(id), string(row.Status)}
		for _, p := range params {
			line = append(line, row.Config.Format(p))
		}
		for _, m := range metrics {
			if v, ok := row.Metrics[m]; ok {
				line = append(line, strconv.FormatFloat(v, 'g', 5, 64))
			} else {
				line = append(line, "-")
			}
		}
		rows = append(rows, line)
	}
	return headers, rows
}

// Summary summarizes the latest value of metric over trials with the given
// statuses, or over all trials when none are given.
func (r *Reporter) Summary(metric string, statuses ...trial.Status) Summary {
	var vals []float64
	for _, id := range r.order {
		row := r.rows[id]
		if len(statuses) > 0 && !hasStatus(statuses, row.Status) {
			continue
		}
		if v, ok := row.Metrics[metric]; ok {
			vals = append(vals, v)
		}
	}
	return Summarize(vals)
}

func (r *Reporter) seen(names func(*Row) []string) []string {
	set := make(map[string]struct{})
	for _, row := range r.rows {
		for _, n := range names(row) {
			set[n] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func hasStatus(list []trial.Status, s trial.Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
