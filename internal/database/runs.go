package database

import (
	"context"
	"fmt"
	"strings"
)

// SearchFilter holds optional filters for listing searches.
type SearchFilter struct {
	Status string // "running", "completed", "failed", or ""
	Name   string // ILIKE filter on name
	Limit  int
	Offset int
}

func (f SearchFilter) limit() int {
	if f.Limit > 0 && f.Limit <= 200 {
		return f.Limit
	}
	return 50
}

// ListSearches returns searches matching the given filter, newest first.
func (r *Repository) ListSearches(ctx context.Context, f SearchFilter) ([]Search, error) {
	var (
		conditions []string
		args       []any
		argIdx     int
	)

	if f.Status != "" {
		argIdx++
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, f.Status)
	}
	if f.Name != "" {
		argIdx++
		conditions = append(conditions, fmt.Sprintf("name ILIKE $%d", argIdx))
		args = append(args, "%"+f.Name+"%")
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	argIdx++
	limitClause := fmt.Sprintf("LIMIT $%d", argIdx)
	args = append(args, f.limit())

	offsetClause := ""
	if f.Offset > 0 {
		argIdx++
		offsetClause = fmt.Sprintf("OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM searches
		%s
		ORDER BY created_at DESC
		%s %s
	`, searchColumns, where, limitClause, offsetClause)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query searches: %w", err)
	}
	defer rows.Close()

	var items []Search
	for rows.Next() {
		var s Search
		if err := rows.Scan(searchDest(&s)...); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		items = append(items, s)
	}
	return items, rows.Err()
}
