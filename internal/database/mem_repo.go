package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemRepo is an in-memory implementation of Repo, used by tests and by
// searches run without a database.
type MemRepo struct {
	mu       sync.Mutex
	searches map[string]*Search
	trials   map[string]*Trial
	reports  map[string][]Report // keyed by trial ID
	nextID   int64
}

// NewMemRepo creates an empty MemRepo.
func NewMemRepo() *MemRepo {
	return &MemRepo{
		searches: make(map[string]*Search),
		trials:   make(map[string]*Trial),
		reports:  make(map[string][]Report),
	}
}

func (m *MemRepo) CreateSearch(_ context.Context, s *Search) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = uuid.NewString()
	s.CreatedAt = time.Now()
	if s.Status == "" {
		s.Status = SearchRunning
	}
	cp := *s
	m.searches[s.ID] = &cp
	return s.ID, nil
}

func (m *MemRepo) CompleteSearch(_ context.Context, searchID string, res *SearchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.searches[searchID]
	if !ok {
		return fmt.Errorf("search %s not found", searchID)
	}
	now := time.Now()
	s.Status = res.Status
	s.BestTrialID = res.BestTrialID
	s.BestValue = res.BestValue
	s.Completed = res.Completed
	s.Terminated = res.Terminated
	s.Errored = res.Errored
	s.Error = res.Error
	s.CompletedAt = &now
	return nil
}

func (m *MemRepo) GetSearch(_ context.Context, searchID string) (*Search, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.searches[searchID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// ListSearches returns searches matching the given filter, newest first.
func (m *MemRepo) ListSearches(_ context.Context, f SearchFilter) ([]Search, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []Search
	for _, s := range m.searches {
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.Name != "" && !strings.Contains(strings.ToLower(s.Name), strings.ToLower(f.Name)) {
			continue
		}
		items = append(items, *s)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})

	if f.Offset > 0 {
		if f.Offset >= len(items) {
			return nil, nil
		}
		items = items[f.Offset:]
	}
	if limit := f.limit(); len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemRepo) CreateTrial(_ context.Context, t *Trial) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.searches[t.SearchID]; !ok {
		return fmt.Errorf("search %s not found", t.SearchID)
	}
	if _, dup := m.trials[t.ID]; dup {
		return fmt.Errorf("trial %s already exists", t.ID)
	}
	cp := *t
	m.trials[t.ID] = &cp
	return nil
}

func (m *MemRepo) UpdateTrial(_ context.Context, t *Trial) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trials[t.ID]
	if !ok {
		return fmt.Errorf("trial %s not found", t.ID)
	}
	cur.Status = t.Status
	cur.Unit = t.Unit
	cur.Metrics = t.Metrics
	cur.Checkpoint = t.Checkpoint
	cur.Error = t.Error
	cur.FinishedAt = t.FinishedAt
	return nil
}

func (m *MemRepo) AppendReport(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trials[r.TrialID]; !ok {
		return fmt.Errorf("trial %s not found", r.TrialID)
	}
	for _, existing := range m.reports[r.TrialID] {
		if existing.Unit == r.Unit {
			r.ID = existing.ID
			return nil
		}
	}
	m.nextID++
	r.ID = m.nextID
	m.reports[r.TrialID] = append(m.reports[r.TrialID], *r)
	return nil
}

func (m *MemRepo) ListTrials(_ context.Context, searchID string) ([]Trial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Trial
	for _, t := range m.trials {
		if t.SearchID == searchID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemRepo) ListReports(_ context.Context, trialID string) ([]Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]Report(nil), m.reports[trialID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out, nil
}
