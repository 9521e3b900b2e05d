package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/accelbench/hpsearch/internal/config"
	"github.com/accelbench/hpsearch/internal/database"
	"github.com/accelbench/hpsearch/internal/orchestrator"
	"github.com/accelbench/hpsearch/internal/search"
)

// Server holds dependencies for API handlers.
type Server struct {
	log      logr.Logger
	repo     database.Repo
	orch     *orchestrator.Orchestrator
	gatherer prometheus.Gatherer

	// base is the parent context of every search started over the API.
	base context.Context

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a new API server. Searches it starts are children of
// ctx. A nil gatherer disables /metrics.
func NewServer(ctx context.Context, log logr.Logger, repo database.Repo, orch *orchestrator.Orchestrator, gatherer prometheus.Gatherer) *Server {
	return &Server{
		log:      log,
		repo:     repo,
		orch:     orch,
		gatherer: gatherer,
		base:     ctx,
		running:  make(map[string]context.CancelFunc),
	}
}

// Router builds the HTTP handler with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/searches", s.handleCreateSearch)
		r.Get("/searches", s.handleListSearches)
		r.Route("/searches/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSearch)
			r.Get("/trials", s.handleListTrials)
			r.Post("/cancel", s.handleCancelSearch)
		})
		r.Get("/trials/{id}/reports", s.handleListReports)
		r.Post("/trials/{id}/cancel", s.handleCancelTrial)
	})
	return r
}

// Close cancels every running search and waits for them to finish.
func (s *Server) Close() {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.V(1).Info("request", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleCreateSearch(w http.ResponseWriter, r *http.Request) {
	format := "json"
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		format = "yaml"
	}
	file, err := config.ParseSearch(r.Body, format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := file.RequestInStore(r.Context(), s.orch.Store)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	ctx, cancel := context.WithCancel(s.base)
	run, err := s.orch.Start(ctx, req)
	if err != nil {
		cancel()
		writeError(w, statusFor(err), err.Error())
		return
	}

	s.mu.Lock()
	s.running[run.ID] = cancel
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := run.Wait(); err != nil {
			s.log.Info("search stopped early", "search", run.ID, "reason", err.Error())
		}
		s.mu.Lock()
		delete(s.running, run.ID)
		s.mu.Unlock()
		cancel()
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     run.ID,
		"status": database.SearchRunning,
	})
}

func (s *Server) handleListSearches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := database.SearchFilter{
		Status: q.Get("status"),
		Name:   q.Get("name"),
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}

	items, err := s.repo.ListSearches(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search query failed")
		return
	}
	if items == nil {
		items = []database.Search{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetSearch(w http.ResponseWriter, r *http.Request) {
	found, ok := s.lookupSearch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListTrials(w http.ResponseWriter, r *http.Request) {
	found, ok := s.lookupSearch(w, r)
	if !ok {
		return
	}
	trials, err := s.repo.ListTrials(r.Context(), found.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if trials == nil {
		trials = []database.Trial{}
	}
	writeJSON(w, http.StatusOK, trials)
}

func (s *Server) handleCancelSearch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "search not running")
		return
	}
	cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.repo.ListReports(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if reports == nil {
		reports = []database.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleCancelTrial(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.orch.CancelTrial(id) {
		writeError(w, http.StatusNotFound, "trial not running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) lookupSearch(w http.ResponseWriter, r *http.Request) (*database.Search, bool) {
	found, err := s.repo.GetSearch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return nil, false
	}
	if found == nil {
		writeError(w, http.StatusNotFound, "search not found")
		return nil, false
	}
	return found, true
}

func statusFor(err error) int {
	var cfgErr *search.ConfigurationError
	if errors.As(err, &cfgErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
