package database

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func seedSearches(t *testing.T) *MemRepo {
	t.Helper()
	repo := NewMemRepo()
	ctx := context.Background()

	for i, tc := range []struct {
		name   string
		status string
	}{
		{"baseline", SearchCompleted},
		{"baseline-rerun", SearchRunning},
		{"prune", SearchRunning},
		{"transfer", SearchFailed},
	} {
		s := &Search{Name: tc.name, Status: tc.status, Metric: "loss", Mode: "min", NumSamples: 4, MaxUnits: 10}
		if _, err := repo.CreateSearch(ctx, s); err != nil {
			t.Fatalf("create search: %v", err)
		}
		// Spread creation times so ordering is deterministic.
		repo.searches[s.ID].CreatedAt = time.Date(2026, 1, 1, i, 0, 0, 0, time.UTC)
	}
	return repo
}

func TestListSearches_NoFilter(t *testing.T) {
	repo := seedSearches(t)
	items, err := repo.ListSearches(context.Background(), SearchFilter{})
	if err != nil {
		t.Fatalf("ListSearches: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("expected 4 searches, got %d", len(items))
	}
	if items[0].Name != "transfer" {
		t.Errorf("expected newest first, got %s", items[0].Name)
	}
}

func TestListSearches_FilterByStatus(t *testing.T) {
	repo := seedSearches(t)
	items, err := repo.ListSearches(context.Background(), SearchFilter{Status: SearchRunning})
	if err != nil {
		t.Fatalf("ListSearches: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 running searches, got %d", len(items))
	}
	for _, s := range items {
		if s.Status != SearchRunning {
			t.Errorf("unexpected status %s", s.Status)
		}
	}
}

func TestListSearches_FilterByName(t *testing.T) {
	repo := seedSearches(t)
	items, err := repo.ListSearches(context.Background(), SearchFilter{Name: "BASE"})
	if err != nil {
		t.Fatalf("ListSearches: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 baseline searches, got %d", len(items))
	}
}

func TestListSearches_Pagination(t *testing.T) {
	repo := seedSearches(t)
	ctx := context.Background()

	page1, err := repo.ListSearches(ctx, SearchFilter{Limit: 3})
	if err != nil {
		t.Fatalf("ListSearches: %v", err)
	}
	if len(page1) != 3 {
		t.Errorf("expected 3 searches with limit 3, got %d", len(page1))
	}
	page2, err := repo.ListSearches(ctx, SearchFilter{Limit: 3, Offset: 3})
	if err != nil {
		t.Fatalf("ListSearches: %v", err)
	}
	if len(page2) != 1 {
		t.Errorf("expected 1 search on the second page, got %d", len(page2))
	}
	empty, err := repo.ListSearches(ctx, SearchFilter{Offset: 10})
	if err != nil {
		t.Fatalf("ListSearches: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no searches past the end, got %d", len(empty))
	}
}

func TestCompleteSearch(t *testing.T) {
	repo := NewMemRepo()
	ctx := context.Background()
	id, err := repo.CreateSearch(ctx, &Search{Name: "baseline"})
	if err != nil {
		t.Fatalf("CreateSearch: %v", err)
	}

	best := "trial-1"
	val := 0.3
	if err := repo.CompleteSearch(ctx, id, &SearchResult{
		Status: SearchCompleted, BestTrialID: &best, BestValue: &val, Completed: 2, Terminated: 1, Errored: 1,
	}); err != nil {
		t.Fatalf("CompleteSearch: %v", err)
	}

	s, err := repo.GetSearch(ctx, id)
	if err != nil || s == nil {
		t.Fatalf("GetSearch: %v, %v", s, err)
	}
	if s.Status != SearchCompleted || s.CompletedAt == nil {
		t.Errorf("search not completed: %+v", s)
	}
	if *s.BestValue != 0.3 || s.Completed+s.Terminated+s.Errored != 4 {
		t.Errorf("unexpected result: %+v", s)
	}

	if err := repo.CompleteSearch(ctx, "missing", &SearchResult{}); err == nil {
		t.Error("expected error for unknown search")
	}
	if s, _ := repo.GetSearch(ctx, "missing"); s != nil {
		t.Error("expected nil for unknown search")
	}
}

func TestTrialsAndReports(t *testing.T) {
	repo := NewMemRepo()
	ctx := context.Background()
	searchID, _ := repo.CreateSearch(ctx, &Search{Name: "baseline"})

	base := time.Now()
	for i := 0; i < 3; i++ {
		tr := &Trial{
			ID:        fmt.Sprintf("t%d", i),
			SearchID:  searchID,
			Config:    map[string]any{"lr": 0.1 * float64(i+1)},
			Status:    "RUNNING",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.CreateTrial(ctx, tr); err != nil {
			t.Fatalf("CreateTrial: %v", err)
		}
	}
	if err := repo.CreateTrial(ctx, &Trial{ID: "t0", SearchID: searchID}); err == nil {
		t.Error("expected duplicate trial error")
	}
	if err := repo.CreateTrial(ctx, &Trial{ID: "x", SearchID: "nope"}); err == nil {
		t.Error("expected unknown search error")
	}

	for unit := 3; unit >= 1; unit-- {
		if err := repo.AppendReport(ctx, &Report{TrialID: "t1", Unit: unit, Metrics: map[string]float64{"loss": float64(unit)}}); err != nil {
			t.Fatalf("AppendReport: %v", err)
		}
	}
	if err := repo.AppendReport(ctx, &Report{TrialID: "t1", Unit: 2, Metrics: map[string]float64{"loss": 99}}); err != nil {
		t.Fatalf("AppendReport duplicate: %v", err)
	}
	if err := repo.AppendReport(ctx, &Report{TrialID: "ghost", Unit: 1}); err == nil {
		t.Error("expected unknown trial error")
	}

	reports, _ := repo.ListReports(ctx, "t1")
	if len(reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(reports))
	}
	for i, r := range reports {
		if r.Unit != i+1 {
			t.Errorf("report %d has unit %d", i, r.Unit)
		}
	}
	if reports[1].Metrics["loss"] != 2 {
		t.Errorf("duplicate unit overwrote report: %v", reports[1].Metrics)
	}

	now := time.Now()
	if err := repo.UpdateTrial(ctx, &Trial{ID: "t1", Status: "COMPLETED", Unit: 3, FinishedAt: &now}); err != nil {
		t.Fatalf("UpdateTrial: %v", err)
	}
	if err := repo.UpdateTrial(ctx, &Trial{ID: "ghost"}); err == nil {
		t.Error("expected unknown trial error")
	}

	trials, _ := repo.ListTrials(ctx, searchID)
	if len(trials) != 3 {
		t.Fatalf("expected 3 trials, got %d", len(trials))
	}
	if trials[1].ID != "t1" || trials[1].Status != "COMPLETED" || trials[1].Unit != 3 {
		t.Errorf("unexpected trial: %+v", trials[1])
	}
	if trials[1].Config["lr"] != 0.2 {
		t.Errorf("config not preserved: %v", trials[1].Config)
	}
}
