package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// Repository provides database operations for searches, trials and reports.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with a connection pool.
func NewRepository(ctx context.Context, connString string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// Migrate creates the tables if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateSearch inserts a new search and returns its ID.
func (r *Repository) CreateSearch(ctx context.Context, s *Search) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx,
		`INSERT INTO searches (name, status, metric, mode, num_samples, max_units, request)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 RETURNING id, created_at`,
		s.Name, s.Status, s.Metric, s.Mode, s.NumSamples, s.MaxUnits, s.Request,
	).Scan(&id, &s.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert search: %w", err)
	}
	s.ID = id
	return id, nil
}

// CompleteSearch records the final status, best trial and counts.
func (r *Repository) CompleteSearch(ctx context.Context, searchID string, res *SearchResult) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE searches
		 SET status = $1, best_trial_id = $2, best_value = $3,
		     completed = $4, terminated = $5, errored = $6, error = $7, completed_at = $8
		 WHERE id = $9`,
		res.Status, res.BestTrialID, res.BestValue,
		res.Completed, res.Terminated, res.Errored, res.Error, time.Now(), searchID,
	)
	if err != nil {
		return fmt.Errorf("complete search: %w", err)
	}
	return nil
}

// GetSearch returns a search by ID, or nil if not found.
func (r *Repository) GetSearch(ctx context.Context, searchID string) (*Search, error) {
	var s Search
	err := r.pool.QueryRow(ctx,
		`SELECT `+searchColumns+` FROM searches WHERE id = $1`, searchID,
	).Scan(searchDest(&s)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query search: %w", err)
	}
	return &s, nil
}

const searchColumns = `id, name, status, metric, mode, num_samples, max_units, request,
	best_trial_id, best_value, completed, terminated, errored, error, created_at, completed_at`

func searchDest(s *Search) []any {
	return []any{
		&s.ID, &s.Name, &s.Status, &s.Metric, &s.Mode, &s.NumSamples, &s.MaxUnits, &s.Request,
		&s.BestTrialID, &s.BestValue, &s.Completed, &s.Terminated, &s.Errored, &s.Error,
		&s.CreatedAt, &s.CompletedAt,
	}
}

// CreateTrial inserts a trial. The caller assigns the ID.
func (r *Repository) CreateTrial(ctx context.Context, t *Trial) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO trials (id, search_id, config, status, unit, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		t.ID, t.SearchID, t.Config, t.Status, t.Unit, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trial: %w", err)
	}
	return nil
}

// UpdateTrial writes the trial's status, progress and latest metrics.
func (r *Repository) UpdateTrial(ctx context.Context, t *Trial) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE trials
		 SET status = $1, unit = $2, metrics = $3, checkpoint = $4, error = $5, finished_at = $6
		 WHERE id = $7`,
		t.Status, t.Unit, t.Metrics, t.Checkpoint, t.Error, t.FinishedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update trial: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update trial: trial %s not found", t.ID)
	}
	return nil
}

// AppendReport stores one metric report. Re-sending a unit is a no-op.
func (r *Repository) AppendReport(ctx context.Context, rep *Report) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO trial_reports (trial_id, unit, metrics, reported_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (trial_id, unit) DO UPDATE SET unit = EXCLUDED.unit
		 RETURNING id`,
		rep.TrialID, rep.Unit, rep.Metrics, rep.ReportedAt,
	).Scan(&rep.ID)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// ListTrials returns the trials of a search in creation order.
func (r *Repository) ListTrials(ctx context.Context, searchID string) ([]Trial, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, search_id, config, status, unit, metrics, checkpoint, error, created_at, finished_at
		 FROM trials WHERE search_id = $1
		 ORDER BY created_at, id`, searchID)
	if err != nil {
		return nil, fmt.Errorf("query trials: %w", err)
	}
	defer rows.Close()

	var out []Trial
	for rows.Next() {
		var t Trial
		if err := rows.Scan(&t.ID, &t.SearchID, &t.Config, &t.Status, &t.Unit, &t.Metrics,
			&t.Checkpoint, &t.Error, &t.CreatedAt, &t.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan trial row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListReports returns a trial's reports ordered by unit.
func (r *Repository) ListReports(ctx context.Context, trialID string) ([]Report, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, trial_id, unit, metrics, reported_at
		 FROM trial_reports WHERE trial_id = $1
		 ORDER BY unit`, trialID)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var rep Report
		if err := rows.Scan(&rep.ID, &rep.TrialID, &rep.Unit, &rep.Metrics, &rep.ReportedAt); err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}
