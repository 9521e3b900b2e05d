package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/accelbench/hpsearch/internal/checkpoint"
	"github.com/accelbench/hpsearch/internal/database"
	"github.com/accelbench/hpsearch/internal/metrics"
	"github.com/accelbench/hpsearch/internal/orchestrator"
)

const quickSearch = `{
  "name": "api-quick",
  "architecture": "synthetic",
  "num_samples": 2,
  "max_units": 3,
  "seed": 1,
  "resources_per_trial": {"cpu": 1},
  "budget": {"cpu": 2},
  "scheduler": {"type": "fifo"},
  "search_space": {
    "lr": {"type": "loguniform", "low": 0.001, "high": 0.1}
  }
}`

type testEnv struct {
	repo *database.MemRepo
	orch *orchestrator.Orchestrator
	srv  *Server
	h    http.Handler
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	repo := database.NewMemRepo()
	reg := prometheus.NewRegistry()
	orch := orchestrator.New(logr.Discard(), repo, nil)
	orch.Prom = metrics.NewProm(reg)
	srv := NewServer(context.Background(), logr.Discard(), repo, orch, reg)
	t.Cleanup(srv.Close)
	return &testEnv{repo: repo, orch: orch, srv: srv, h: srv.Router()}
}

func (e *testEnv) do(method, path, contentType, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	return w
}

func (e *testEnv) create(t *testing.T, body string) string {
	t.Helper()
	w := e.do("POST", "/api/v1/searches", "application/json", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusAccepted, w.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["id"] == "" {
		t.Fatal("response missing search id")
	}
	if resp["status"] != database.SearchRunning {
		t.Errorf("status = %s, want %s", resp["status"], database.SearchRunning)
	}
	return resp["id"]
}

// waitDone polls the search until it leaves the running state.
func (e *testEnv) waitDone(t *testing.T, id string) database.Search {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		w := e.do("GET", "/api/v1/searches/"+id, "", "")
		if w.Code != http.StatusOK {
			t.Fatalf("get search: status = %d", w.Code)
		}
		var s database.Search
		json.NewDecoder(w.Body).Decode(&s)
		if s.Status != database.SearchRunning {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("search %s still running", id)
	return database.Search{}
}

func TestHealthz(t *testing.T) {
	e := setupServer(t)
	w := e.do("GET", "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestCreateSearch_RunsToCompletion(t *testing.T) {
	e := setupServer(t)
	id := e.create(t, quickSearch)

	s := e.waitDone(t, id)
	if s.Status != database.SearchCompleted {
		t.Errorf("status = %s, want %s", s.Status, database.SearchCompleted)
	}
	if s.Completed != 2 {
		t.Errorf("completed = %d, want 2", s.Completed)
	}
	if s.BestTrialID == nil || s.BestValue == nil {
		t.Error("best trial not recorded")
	}

	w := e.do("GET", "/api/v1/searches/"+id+"/trials", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list trials: status = %d", w.Code)
	}
	var trials []database.Trial
	json.NewDecoder(w.Body).Decode(&trials)
	if len(trials) != 2 {
		t.Fatalf("got %d trials, want 2", len(trials))
	}

	w = e.do("GET", "/api/v1/trials/"+trials[0].ID+"/reports", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list reports: status = %d", w.Code)
	}
	var reports []database.Report
	json.NewDecoder(w.Body).Decode(&reports)
	if len(reports) != 3 {
		t.Errorf("got %d reports, want 3", len(reports))
	}

	w = e.do("GET", "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "hpsearch_trials_finished_total") {
		t.Error("metrics output missing hpsearch_trials_finished_total")
	}
}

func TestCreateSearch_YAML(t *testing.T) {
	e := setupServer(t)
	body := "name: yaml-quick\nnum_samples: 1\nmax_units: 2\nscheduler:\n  type: fifo\nsearch_space:\n  lr:\n    type: constant\n    value: 0.05\n"
	w := e.do("POST", "/api/v1/searches", "application/yaml", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if s := e.waitDone(t, resp["id"]); s.Name != "yaml-quick" {
		t.Errorf("name = %s, want yaml-quick", s.Name)
	}
}

func TestCreateSearch_BadRequests(t *testing.T) {
	e := setupServer(t)
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", "not json"},
		{"no samples", `{"num_samples": 0, "search_space": {"lr": {"type": "constant", "value": 1}}}`},
		{"unknown architecture", `{"architecture": "resnet9000"}`},
		{"bad distribution", `{"search_space": {"lr": {"type": "gaussian"}}}`},
		{"over budget", `{"resources_per_trial": {"cpu": 4}, "budget": {"cpu": 2}}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := e.do("POST", "/api/v1/searches", "application/json", c.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d; body: %s", w.Code, http.StatusBadRequest, w.Body.String())
			}
		})
	}
}

func TestCreateSearch_ResumeCheckpointFromServerStore(t *testing.T) {
	e := setupServer(t)
	ctx := context.Background()
	saved := &checkpoint.Checkpoint{
		Params: map[string]checkpoint.Tensor{"fc.bias": checkpoint.NewTensor(10)},
		Unit:   40,
	}
	if err := e.orch.Store.Save(ctx, "transfer/base.json", saved); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	outside := filepath.Join(dir, "outside.json")
	if err := checkpoint.NewFileStore(dir).Save(ctx, "outside.json", saved); err != nil {
		t.Fatal(err)
	}

	withResume := func(ref string) string {
		return strings.Replace(quickSearch, `"scheduler"`, `"resume": {"checkpoint": "`+ref+`"}, "scheduler"`, 1)
	}

	id := e.create(t, withResume("transfer/base.json"))
	if s := e.waitDone(t, id); s.Status != database.SearchCompleted {
		t.Errorf("status = %s, want %s", s.Status, database.SearchCompleted)
	}

	for _, ref := range []string{
		outside,
		"file://" + outside,
		"s3://other-bucket/base.json",
		"../outside.json",
		"transfer/../../outside.json",
		"/etc/passwd",
		"transfer/missing.json",
	} {
		t.Run(ref, func(t *testing.T) {
			w := e.do("POST", "/api/v1/searches", "application/json", withResume(ref))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusBadRequest, w.Body.String())
			}
			if body := w.Body.String(); strings.Contains(body, dir) {
				t.Errorf("error body leaks a server path: %s", body)
			}
		})
	}
}

func TestGetSearch_NotFound(t *testing.T) {
	e := setupServer(t)
	for _, path := range []string{"/api/v1/searches/nonexistent", "/api/v1/searches/nonexistent/trials"} {
		if w := e.do("GET", path, "", ""); w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want %d", path, w.Code, http.StatusNotFound)
		}
	}
}

func TestCancel_NotRunning(t *testing.T) {
	e := setupServer(t)
	for _, path := range []string{"/api/v1/searches/nonexistent/cancel", "/api/v1/trials/nonexistent/cancel"} {
		if w := e.do("POST", path, "", ""); w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want %d", path, w.Code, http.StatusNotFound)
		}
	}
}

func TestCancelSearch(t *testing.T) {
	e := setupServer(t)
	long := strings.Replace(quickSearch, `"max_units": 3`, `"max_units": 100000000`, 1)
	id := e.create(t, long)

	w := e.do("POST", "/api/v1/searches/"+id+"/cancel", "", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("cancel: status = %d, want %d", w.Code, http.StatusAccepted)
	}

	s := e.waitDone(t, id)
	if s.Completed != 0 {
		t.Errorf("completed = %d, want 0", s.Completed)
	}
	w = e.do("GET", "/api/v1/searches/"+id+"/trials", "", "")
	var trials []database.Trial
	json.NewDecoder(w.Body).Decode(&trials)
	for _, tr := range trials {
		if tr.Status != "TERMINATED" {
			t.Errorf("trial %s status = %s, want TERMINATED", tr.ID, tr.Status)
		}
	}
}

func TestCancelTrial(t *testing.T) {
	e := setupServer(t)
	long := strings.Replace(quickSearch, `"max_units": 3`, `"max_units": 100000000`, 1)
	long = strings.Replace(long, `"num_samples": 2`, `"num_samples": 1`, 1)
	id := e.create(t, long)

	var trialID string
	deadline := time.Now().Add(10 * time.Second)
	for trialID == "" && time.Now().Before(deadline) {
		trials, _ := e.repo.ListTrials(context.Background(), id)
		if len(trials) > 0 {
			trialID = trials[0].ID
		}
		time.Sleep(5 * time.Millisecond)
	}
	if trialID == "" {
		t.Fatal("trial never created")
	}

	w := e.do("POST", "/api/v1/trials/"+trialID+"/cancel", "", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("cancel: status = %d, want %d", w.Code, http.StatusAccepted)
	}
	s := e.waitDone(t, id)
	if s.Terminated != 1 {
		t.Errorf("terminated = %d, want 1", s.Terminated)
	}
}

func TestListSearches(t *testing.T) {
	e := setupServer(t)
	id := e.create(t, quickSearch)
	e.waitDone(t, id)

	w := e.do("GET", "/api/v1/searches?status=completed&limit=10", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var items []database.Search
	json.NewDecoder(w.Body).Decode(&items)
	if len(items) != 1 || items[0].ID != id {
		t.Errorf("got %+v, want one search %s", items, id)
	}

	w = e.do("GET", "/api/v1/searches?status=failed", "", "")
	items = nil
	json.NewDecoder(w.Body).Decode(&items)
	if len(items) != 0 {
		t.Errorf("got %d failed searches, want 0", len(items))
	}
}
