package metrics

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/accelbench/hpsearch/internal/search"
	"github.com/accelbench/hpsearch/internal/trial"
)

type captureSink struct {
	got []trial.MetricReport
	err error
}

func (c *captureSink) Emit(_ context.Context, _ string, r trial.MetricReport) error {
	c.got = append(c.got, r)
	return c.err
}

func report(id string, unit int, m trial.Metrics) trial.MetricReport {
	return trial.MetricReport{TrialID: id, Unit: unit, Metrics: m, At: time.Unix(0, 0).UTC()}
}

func TestReporterRecordSurfacesNames(t *testing.T) {
	sink := &captureSink{}
	failing := &captureSink{err: errors.New("down")}
	r := NewReporter(logr.Discard(), "s1", NameMap{"loss": "val_loss", "accuracy": "val_acc"}, Columns{}, sink, failing)
	r.Track("t1", search.TrialConfig{"lr": 0.1})

	r.Record(context.Background(), report("t1", 1, trial.Metrics{"loss": 0.5, "accuracy": 0.7, "train_loss": 0.4}))

	if len(sink.got) != 1 || len(failing.got) != 1 {
		t.Fatalf("expected every sink to see the report, got %d and %d", len(sink.got), len(failing.got))
	}
	want := trial.Metrics{"val_loss": 0.5, "val_acc": 0.7, "train_loss": 0.4}
	if !reflect.DeepEqual(sink.got[0].Metrics, want) {
		t.Errorf("sink metrics = %v, want %v", sink.got[0].Metrics, want)
	}

	rows := r.Rows()
	if len(rows) != 1 || rows[0].Unit != 1 || rows[0].Metrics["loss"] != 0.5 {
		t.Errorf("rows = %+v, want internal names kept in the table", rows)
	}
}

func TestReporterIgnoresUntracked(t *testing.T) {
	sink := &captureSink{}
	r := NewReporter(logr.Discard(), "s1", nil, Columns{}, sink)
	r.Record(context.Background(), report("ghost", 1, trial.Metrics{"loss": 1}))
	if len(sink.got) != 0 {
		t.Errorf("untracked report reached sink")
	}
}

func TestReporterTable(t *testing.T) {
	r := NewReporter(logr.Discard(), "s1", NameMap{"loss": "val_loss"},
		Columns{Parameters: []string{"lr", "momentum"}, Metrics: []string{"loss"}})
	r.Track("aaaaaaaa-1111", search.TrialConfig{"lr": 0.1, "momentum": 0.9})
	r.Track("bbbbbbbb-2222", search.TrialConfig{"lr": 0.01})
	r.Record(context.Background(), report("aaaaaaaa-1111", 1, trial.Metrics{"loss": 0.25}))
	r.SetStatus("aaaaaaaa-1111", trial.Running)

	headers, rows := r.Table()
	wantHeaders := []string{"TRIAL", "STATUS", "lr", "momentum", "val_loss"}
	if !reflect.DeepEqual(headers, wantHeaders) {
		t.Errorf("headers = %v, want %v", headers, wantHeaders)
	}
	wantRows := [][]string{
		{"aaaaaaaa", "RUNNING", "0.1", "0.9", "0.25"},
		{"bbbbbbbb", "PENDING", "0.01", "-", "-"},
	}
	if !reflect.DeepEqual(rows, wantRows) {
		t.Errorf("rows = %v, want %v", rows, wantRows)
	}
}

func TestReporterTableDefaultColumns(t *testing.T) {
	r := NewReporter(logr.Discard(), "s1", nil, Columns{})
	r.Track("t1", search.TrialConfig{"momentum": 0.9, "lr": 0.1})
	r.Record(context.Background(), report("t1", 1, trial.Metrics{"loss": 1, "accuracy": 0.5}))

	headers, _ := r.Table()
	want := []string{"TRIAL", "STATUS", "lr", "momentum", "accuracy", "loss"}
	if !reflect.DeepEqual(headers, want) {
		t.Errorf("headers = %v, want %v", headers, want)
	}
}

func TestReporterSummary(t *testing.T) {
	r := NewReporter(logr.Discard(), "s1", nil, Columns{})
	for i, loss := range []float64{0.2, 0.4, 0.6} {
		id := string(rune('a' + i))
		r.Track(id, nil)
		r.Record(context.Background(), report(id, 1, trial.Metrics{"loss": loss}))
	}
	r.SetStatus("a", trial.Completed)
	r.SetStatus("b", trial.Terminated)
	r.SetStatus("c", trial.Errored)

	if s := r.Summary("loss"); s.Count != 3 {
		t.Errorf("Summary(loss).Count = %d, want 3", s.Count)
	}
	s := r.Summary("loss", trial.Completed, trial.Terminated)
	if s.Count != 2 || *s.P50 != 0.2 {
		t.Errorf("Summary(loss, completed, terminated) = %+v", s)
	}
}
