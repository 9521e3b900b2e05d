package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/accelbench/hpsearch/internal/database"
	"github.com/accelbench/hpsearch/internal/trial"
)

func TestPromEmit(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewProm(reg)

	ctx := context.Background()
	_ = p.Emit(ctx, "s1", report("t1", 1, trial.Metrics{"val_loss": 0.5}))
	_ = p.Emit(ctx, "s1", report("t1", 2, trial.Metrics{"val_loss": 0.3}))

	if got := testutil.ToFloat64(p.TrialMetric.WithLabelValues("s1", "t1", "val_loss")); got != 0.3 {
		t.Errorf("trial metric = %v, want 0.3", got)
	}
	if got := testutil.ToFloat64(p.Reports.WithLabelValues("s1")); got != 2 {
		t.Errorf("reports = %v, want 2", got)
	}
}

func TestPromTrialLifecycle(t *testing.T) {
	p := NewProm(prometheus.NewRegistry())
	p.TrialStarted("s1")
	p.TrialStarted("s1")
	p.TrialReleased("s1")
	p.TrialReleased("s1")
	p.TrialFinished("s1", trial.Completed)
	p.SetBudgetInUse("s1", trial.Resources{CPU: 2, GPU: 0.5})

	if got := testutil.ToFloat64(p.ActiveTrials.WithLabelValues("s1")); got != 0 {
		t.Errorf("active = %v, want 0", got)
	}
	if got := testutil.ToFloat64(p.TrialsFinished.WithLabelValues("s1", "COMPLETED")); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.BudgetInUse.WithLabelValues("s1", "gpu")); got != 0.5 {
		t.Errorf("gpu in use = %v, want 0.5", got)
	}
}

type fakeXAdder struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeXAdder) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}

func TestRedisSinkEmit(t *testing.T) {
	fake := &fakeXAdder{}
	s := &RedisSink{Client: fake, MaxLen: 100}
	if err := s.Emit(context.Background(), "s1", report("t1", 3, trial.Metrics{"val_loss": 0.5})); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(fake.args) != 1 {
		t.Fatalf("expected one XADD, got %d", len(fake.args))
	}
	a := fake.args[0]
	if a.Stream != "hpsearch:reports:s1" {
		t.Errorf("stream = %q", a.Stream)
	}
	if !a.Approx || a.MaxLen != 100 {
		t.Errorf("expected approximate cap of 100, got %v/%d", a.Approx, a.MaxLen)
	}
	vals := a.Values.(map[string]any)
	if vals["trial"] != "t1" || vals["unit"] != "3" || vals["metrics"] != `{"val_loss":0.5}` {
		t.Errorf("values = %v", vals)
	}
}

func TestRedisSinkError(t *testing.T) {
	s := &RedisSink{Client: &fakeXAdder{err: errors.New("connection refused")}}
	if err := s.Emit(context.Background(), "s1", report("t1", 1, nil)); err == nil {
		t.Fatal("expected error")
	}
}

func TestRepoSink(t *testing.T) {
	ctx := context.Background()
	repo := database.NewMemRepo()
	id, err := repo.CreateSearch(ctx, &database.Search{Name: "x", Status: database.SearchRunning})
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.CreateTrial(ctx, &database.Trial{ID: "t1", SearchID: id, Status: "RUNNING"}); err != nil {
		t.Fatal(err)
	}

	s := RepoSink{Repo: repo}
	if err := s.Emit(ctx, id, report("t1", 1, trial.Metrics{"val_loss": 0.5})); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	got, err := repo.ListReports(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Metrics["val_loss"] != 0.5 {
		t.Errorf("reports = %+v", got)
	}
	if err := s.Emit(ctx, id, report("nope", 1, nil)); err == nil {
		t.Error("expected error for unknown trial")
	}
}
