package database

import "context"

// Repo defines the interface for search persistence.
// The concrete *Repository satisfies this interface. Use this interface
// as a dependency in consumers to enable testing with MemRepo.
type Repo interface {
	CreateSearch(ctx context.Context, s *Search) (string, error)
	CompleteSearch(ctx context.Context, searchID string, res *SearchResult) error
	GetSearch(ctx context.Context, searchID string) (*Search, error)
	ListSearches(ctx context.Context, f SearchFilter) ([]Search, error)
	CreateTrial(ctx context.Context, t *Trial) error
	UpdateTrial(ctx context.Context, t *Trial) error
	AppendReport(ctx context.Context, r *Report) error
	ListTrials(ctx context.Context, searchID string) ([]Trial, error)
	ListReports(ctx context.Context, trialID string) ([]Report, error)
}

// Compile-time checks that both implementations satisfy Repo.
var (
	_ Repo = (*Repository)(nil)
	_ Repo = (*MemRepo)(nil)
)
