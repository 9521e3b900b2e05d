package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/accelbench/hpsearch/internal/database"
)

func TestCreateSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/searches" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/yaml" {
			t.Errorf("content type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "num_samples: 4") {
			t.Errorf("unexpected body: %s", body)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"id": "search-1", "status": "running"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	id, status, err := c.CreateSearch(context.Background(), []byte("num_samples: 4\n"), "application/yaml")
	if err != nil {
		t.Fatal(err)
	}
	if id != "search-1" || status != "running" {
		t.Errorf("got id=%s status=%s", id, status)
	}
}

func TestCreateSearch_BadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid num_samples: must be positive, got 0"})
	}))
	defer srv.Close()

	_, _, err := New(srv.URL).CreateSearch(context.Background(), []byte("{}"), "application/json")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "num_samples") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestListSearches_Filters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "completed" || q.Get("name") != "cifar" || q.Get("limit") != "5" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if q.Has("offset") {
			t.Error("offset should be omitted when zero")
		}
		json.NewEncoder(w).Encode([]database.Search{{ID: "s1", Name: "cifar"}})
	}))
	defer srv.Close()

	items, err := New(srv.URL).ListSearches(context.Background(), database.SearchFilter{
		Status: "completed", Name: "cifar", Limit: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "s1" {
		t.Errorf("unexpected items: %+v", items)
	}
}

func TestGetSearch(t *testing.T) {
	best := 0.25
	bestID := "t1"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/searches/s1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(database.Search{
			ID: "s1", Status: "completed", BestTrialID: &bestID, BestValue: &best,
			CreatedAt: time.Now(),
		})
	}))
	defer srv.Close()

	s, err := New(srv.URL).GetSearch(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if s.BestValue == nil || *s.BestValue != 0.25 {
		t.Errorf("best value = %v", s.BestValue)
	}
}

func TestGetSearch_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "search not found"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetSearch(context.Background(), "missing")
	if err == nil || !strings.Contains(err.Error(), "search not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestListTrialsAndReports(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/searches/s1/trials":
			json.NewEncoder(w).Encode([]database.Trial{{ID: "t1", SearchID: "s1", Status: "COMPLETED"}})
		case "/api/v1/trials/t1/reports":
			json.NewEncoder(w).Encode([]database.Report{
				{TrialID: "t1", Unit: 1, Metrics: map[string]float64{"loss": 0.9}},
				{TrialID: "t1", Unit: 2, Metrics: map[string]float64{"loss": 0.5}},
			})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	trials, err := c.ListTrials(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(trials) != 1 || trials[0].Status != "COMPLETED" {
		t.Errorf("unexpected trials: %+v", trials)
	}
	reports, err := c.ListReports(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 || reports[1].Metrics["loss"] != 0.5 {
		t.Errorf("unexpected reports: %+v", reports)
	}
}

func TestCancel(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		paths = append(paths, r.URL.Path)
		if strings.Contains(r.URL.Path, "gone") {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "trial not running"})
			return
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "cancelling"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.CancelSearch(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if err := c.CancelTrial(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	if err := c.CancelTrial(context.Background(), "gone"); err == nil {
		t.Error("expected error for a trial that is not running")
	}
	want := []string{"/api/v1/searches/s1/cancel", "/api/v1/trials/t1/cancel", "/api/v1/trials/gone/cancel"}
	for i, p := range want {
		if i >= len(paths) || paths[i] != p {
			t.Errorf("request %d path = %v, want %s", i, paths, p)
		}
	}
}
